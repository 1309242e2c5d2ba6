// Package poller implements the periodic
// worker that advances submitted batches through upstream processing and
// resolves their member requests once output is available.
package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/doublewordai/silt/internal/audit"
	"github.com/doublewordai/silt/internal/store"
	"github.com/doublewordai/silt/internal/telemetry"
	"github.com/doublewordai/silt/internal/types"
	"github.com/doublewordai/silt/internal/upstream"
)

var tracer = telemetry.Tracer("silt/poller")

func unmarshalResponseBody(raw json.RawMessage, out *types.ChatCompletionResponse) error {
	return json.Unmarshal(raw, out)
}

// Poller polls every non-terminal BatchRecord on a fixed interval. It is
// safe to run more than one instance: every write it makes is a terminal or
// idempotent transition in the store, so a repeated poll never produces a
// duplicate wakeup for a given key.
type Poller struct {
	store    store.Store
	client   upstream.BatchClient
	interval time.Duration
	logger   *slog.Logger
	audit    *audit.Log
	metrics  *telemetry.Metrics
}

func New(s store.Store, client upstream.BatchClient, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{store: s, client: client, interval: interval, logger: logger}
}

// WithAudit attaches an audit log; a nil log (the default) leaves polling
// audit-silent.
func (p *Poller) WithAudit(log *audit.Log) *Poller {
	p.audit = log
	return p
}

// WithMetrics attaches a Metrics recorder; a nil recorder (the default)
// leaves poll outcomes unrecorded.
func (p *Poller) WithMetrics(m *telemetry.Metrics) *Poller {
	p.metrics = m
	return p
}

// Run blocks, ticking at the configured interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce polls every active batch once. Exported for tests and the admin
// command to trigger a tick on demand.
func (p *Poller) RunOnce(ctx context.Context) {
	ids, err := p.store.ActiveBatchIDs(ctx)
	if err != nil {
		p.logger.Error("enumerate active batches failed", "error", err)
		return
	}
	for _, id := range ids {
		p.pollBatch(ctx, id)
	}
}

func (p *Poller) pollBatch(ctx context.Context, batchID string) {
	ctx, span := tracer.Start(ctx, "poll.batch", trace.WithAttributes(attribute.String("silt.batch_id", batchID)))
	defer span.End()

	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		p.logger.Error("read batch record failed", "batch_id", batchID, "error", err)
		return
	}
	if batch == nil || batch.Status.IsTerminal() {
		return
	}

	res, err := p.client.RetrieveBatch(ctx, batchID)
	if err != nil {
		p.logger.Error("retrieve batch status failed", "batch_id", batchID, "error", err)
		return
	}
	p.audit.Record(batchID, audit.EventPolled, len(batch.RequestKeys))
	if p.metrics != nil {
		p.metrics.RecordPollOutcome(string(res.Status))
	}

	switch res.Status {
	case types.BatchInProgress:
		if batch.Status == types.BatchSubmitted {
			if err := p.store.SetProcessing(ctx, batchID, batch.RequestKeys); err != nil {
				p.logger.Error("set processing failed", "batch_id", batchID, "error", err)
				return
			}
		}
		if err := p.store.UpdateBatch(ctx, batchID, types.BatchInProgress, ""); err != nil {
			p.logger.Error("update batch record failed", "batch_id", batchID, "error", err)
		}

	case types.BatchCompleted:
		p.resolveCompleted(ctx, batch, res)

	case types.BatchFailed:
		p.failAllMembers(ctx, batch.RequestKeys, types.ErrBatchFailed, "upstream batch failed")
		if err := p.store.UpdateBatch(ctx, batchID, types.BatchFailed, ""); err != nil {
			p.logger.Error("update batch record failed", "batch_id", batchID, "error", err)
		}
		p.audit.Record(batchID, audit.EventFailed, len(batch.RequestKeys))

	case types.BatchExpired:
		p.failAllMembers(ctx, batch.RequestKeys, types.ErrBatchExpired, "upstream batch expired")
		if err := p.store.UpdateBatch(ctx, batchID, types.BatchExpired, ""); err != nil {
			p.logger.Error("update batch record failed", "batch_id", batchID, "error", err)
		}
		p.audit.Record(batchID, audit.EventExpired, len(batch.RequestKeys))
	}
}

func (p *Poller) resolveCompleted(ctx context.Context, batch *types.BatchRecord, res upstream.RetrieveResult) {
	if res.OutputFileID == "" {
		p.logger.Warn("batch completed with no output file", "batch_id", batch.BatchID)
		p.failAllMembers(ctx, batch.RequestKeys, types.ErrMissingOutput, "upstream reported completion with no output file")
		if err := p.store.UpdateBatch(ctx, batch.BatchID, types.BatchCompleted, ""); err != nil {
			p.logger.Error("update batch record failed", "batch_id", batch.BatchID, "error", err)
		}
		return
	}

	lines, err := p.client.DownloadOutput(ctx, res.OutputFileID)
	if err != nil {
		p.logger.Error("download batch output failed", "batch_id", batch.BatchID, "error", err)
		return
	}

	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		seen[line.CustomID] = true
		p.resolveLine(ctx, line)
	}

	for _, key := range batch.RequestKeys {
		if !seen[key] {
			if err := p.store.FailRequest(ctx, key, types.RequestError{
				Kind:    types.ErrMissingOutput,
				Message: "no output line for this request",
			}); err != nil {
				p.logger.Error("fail missing-output request failed", "key", key, "error", err)
			}
		}
	}

	if err := p.store.UpdateBatch(ctx, batch.BatchID, types.BatchCompleted, res.OutputFileID); err != nil {
		p.logger.Error("update batch record failed", "batch_id", batch.BatchID, "error", err)
	}
	p.audit.Record(batch.BatchID, audit.EventCompleted, len(batch.RequestKeys))
}

func (p *Poller) resolveLine(ctx context.Context, line types.BatchOutputLine) {
	if line.Error != nil {
		if err := p.store.FailRequest(ctx, line.CustomID, types.RequestError{
			Kind:    types.ErrPerRequestError,
			Message: line.Error.Message,
		}); err != nil {
			p.logger.Error("fail request failed", "key", line.CustomID, "error", err)
		}
		return
	}

	if line.Response == nil || line.Response.StatusCode >= 300 {
		msg := "upstream returned no response body"
		if line.Response != nil {
			msg = "upstream returned an error response"
		}
		if err := p.store.FailRequest(ctx, line.CustomID, types.RequestError{
			Kind:    types.ErrPerRequestError,
			Message: msg,
		}); err != nil {
			p.logger.Error("fail request failed", "key", line.CustomID, "error", err)
		}
		return
	}

	var resp types.ChatCompletionResponse
	if err := unmarshalResponseBody(line.Response.Body, &resp); err != nil {
		if ferr := p.store.FailRequest(ctx, line.CustomID, types.RequestError{
			Kind:    types.ErrPerRequestError,
			Message: "malformed upstream response body",
		}); ferr != nil {
			p.logger.Error("fail request failed", "key", line.CustomID, "error", ferr)
		}
		return
	}

	if err := p.store.CompleteRequest(ctx, line.CustomID, &resp); err != nil {
		p.logger.Error("complete request failed", "key", line.CustomID, "error", err)
	}
}

func (p *Poller) failAllMembers(ctx context.Context, keys []string, kind types.ErrorKind, message string) {
	for _, key := range keys {
		if err := p.store.FailRequest(ctx, key, types.RequestError{Kind: kind, Message: message}); err != nil {
			p.logger.Error("fail request failed", "key", key, "error", err)
		}
	}
}
