// Package dispatcher implements the
// periodic worker that drains the pending index, uploads a batch-input file,
// and creates the corresponding upstream batch.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
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

const chatCompletionsEndpoint = "/v1/chat/completions"

var tracer = telemetry.Tracer("silt/dispatcher")

// Dispatcher runs one tick of the drain-upload-create-transition cycle on a
// fixed interval. Running multiple instances against the same store is safe:
// correctness is carried entirely by the store's atomic drain, not by a
// singleton task.
type Dispatcher struct {
	store        store.Store
	client       upstream.BatchClient
	interval     time.Duration
	maxBatchSize int
	logger       *slog.Logger
	audit        *audit.Log
	metrics      *telemetry.Metrics

	tick int64
}

// WithAudit attaches an audit log; a nil log (the default) leaves dispatch
// audit-silent.
func (d *Dispatcher) WithAudit(log *audit.Log) *Dispatcher {
	d.audit = log
	return d
}

// WithMetrics attaches a Metrics recorder; a nil recorder (the default)
// leaves dispatch metrics unrecorded.
func (d *Dispatcher) WithMetrics(m *telemetry.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

func New(s store.Store, client upstream.BatchClient, interval time.Duration, maxBatchSize int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        s,
		client:       client,
		interval:     interval,
		maxBatchSize: maxBatchSize,
		logger:       logger,
	}
}

// Run blocks, ticking at the configured interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single dispatch tick. Exported so tests and an operator
// admin command can trigger a tick without waiting on the ticker.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	d.tick++
	keys, err := d.store.DrainPending(ctx, d.tick)
	if err != nil {
		d.logger.Error("drain pending failed", "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.SetPendingQueueDepth(len(keys))
	}
	if len(keys) == 0 {
		return
	}

	for start := 0; start < len(keys); start += d.batchSize() {
		end := start + d.batchSize()
		if end > len(keys) {
			end = len(keys)
		}
		d.dispatchBatch(ctx, keys[start:end])
	}
}

func (d *Dispatcher) batchSize() int {
	if d.maxBatchSize <= 0 {
		return 1 << 30
	}
	return d.maxBatchSize
}

// dispatchBatch drives one submission (upload, create, transition) for a
// slice of drained keys. A failure before the batch is created fails every
// key terminally rather than re-queueing it silently, so a waiting client
// learns instead of hanging forever.
func (d *Dispatcher) dispatchBatch(ctx context.Context, keys []string) {
	ctx, span := tracer.Start(ctx, "dispatch.batch", trace.WithAttributes(attribute.Int("silt.request_count", len(keys))))
	defer span.End()
	start := time.Now()

	jsonl, err := d.buildInputFile(ctx, keys)
	if err != nil {
		d.logger.Error("build batch input failed", "error", err, "count", len(keys))
		d.failAll(ctx, keys, types.ErrDispatchFailed, err.Error())
		return
	}

	fileID, err := d.client.UploadFile(ctx, jsonl)
	if err != nil {
		d.logger.Error("upload batch input failed", "error", err, "count", len(keys))
		d.failAll(ctx, keys, types.ErrDispatchFailed, err.Error())
		return
	}

	batchID, err := d.client.CreateBatch(ctx, fileID, chatCompletionsEndpoint)
	if err != nil {
		d.logger.Error("create batch failed", "error", err, "count", len(keys))
		d.failAll(ctx, keys, types.ErrDispatchFailed, err.Error())
		return
	}

	if err := d.store.CreateBatch(ctx, batchID, keys, fileID); err != nil {
		d.logger.Error("persist batch record failed", "error", err, "batch_id", batchID)
		d.failAll(ctx, keys, types.ErrDispatchFailed, err.Error())
		return
	}

	transitioned, err := d.store.TransitionToDispatched(ctx, keys, batchID)
	if err != nil {
		d.logger.Error("transition to dispatched failed", "error", err, "batch_id", batchID)
		return
	}
	if len(transitioned) != len(keys) {
		d.logger.Warn("some keys skipped transition to dispatched",
			"batch_id", batchID, "expected", len(keys), "transitioned", len(transitioned))
	}

	d.logger.Info("batch dispatched", "batch_id", batchID, "request_count", len(keys), "upstream_file_id", fileID)
	d.audit.Record(batchID, audit.EventSubmitted, len(keys))
	if d.metrics != nil {
		d.metrics.RecordDispatch(float64(time.Since(start).Milliseconds()), len(keys))
	}
}

func (d *Dispatcher) buildInputFile(ctx context.Context, keys []string) ([]byte, error) {
	var buf []byte
	for _, key := range keys {
		rec, err := d.store.GetRequest(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read request %s: %w", key, err)
		}
		if rec == nil {
			return nil, fmt.Errorf("request %s vanished before dispatch", key)
		}

		line := types.BatchInputLine{
			CustomID: key,
			Method:   "POST",
			URL:      chatCompletionsEndpoint,
			Body:     rec.Payload,
		}
		encoded, err := json.Marshal(line)
		if err != nil {
			return nil, fmt.Errorf("marshal input line %s: %w", key, err)
		}
		buf = append(buf, encoded...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

func (d *Dispatcher) failAll(ctx context.Context, keys []string, kind types.ErrorKind, message string) {
	for _, key := range keys {
		if err := d.store.FailRequest(ctx, key, types.RequestError{Kind: kind, Message: message}); err != nil {
			d.logger.Error("failed to mark request as failed", "key", key, "error", err)
		}
	}
}
