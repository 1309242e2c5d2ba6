// Package gateway implements the HTTP entry point: it runs the admission
// filter chain and idempotency gate on the way in, then waits on the wake
// topic for a terminal state before answering the still-open connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/doublewordai/silt/internal/filter"
	"github.com/doublewordai/silt/internal/httputil"
	"github.com/doublewordai/silt/internal/idempotency"
	"github.com/doublewordai/silt/internal/store"
	"github.com/doublewordai/silt/internal/telemetry"
	"github.com/doublewordai/silt/internal/types"
)

var tracer = telemetry.Tracer("silt/gateway")

// Handler holds the dependencies needed to serve /v1/chat/completions.
type Handler struct {
	store       store.Store
	gate        *idempotency.Gate
	filterChain *filter.Chain
	metrics     *telemetry.Metrics
	maxLifetime time.Duration
}

func NewHandler(s store.Store, gate *idempotency.Gate, filterChain *filter.Chain, metrics *telemetry.Metrics, maxLifetime time.Duration) *Handler {
	return &Handler{
		store:       s,
		gate:        gate,
		filterChain: filterChain,
		metrics:     metrics,
		maxLifetime: maxLifetime,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()
	ctx := r.Context()

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		httputil.WriteBadRequestError(w, reqID, "Idempotency-Key header is required")
		return
	}

	existing, err := h.store.GetRequest(ctx, key)
	if err != nil {
		slog.Error("store read failed", "request_id", reqID, "error", err)
		httputil.WriteServiceUnavailableError(w, reqID, "store unavailable")
		return
	}

	if existing == nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httputil.WriteBadRequestError(w, reqID, "failed to read request body")
			return
		}
		defer r.Body.Close()

		var payload types.ChatCompletionRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			httputil.WriteBadRequestError(w, reqID, "invalid JSON: "+err.Error())
			return
		}
		if payload.Stream {
			httputil.WriteBadRequestError(w, reqID, "streaming responses are not supported")
			return
		}

		if h.filterChain != nil {
			results, blocked := h.filterChain.Run(ctx, &payload)
			if blocked != nil {
				slog.Warn("request blocked by filter",
					"request_id", reqID,
					"filter", blocked.FilterName,
					"detections", blocked.Detections,
					"score", blocked.Score,
				)
				if h.metrics != nil {
					h.metrics.RecordFilterAction(blocked.FilterName, string(blocked.Action))
				}
				if blocked.FilterName == "policy" {
					httputil.WritePolicyDeniedError(w, reqID, blocked.Message)
				} else {
					httputil.WriteContentBlockedError(w, reqID, blocked.Message)
				}
				return
			}
			for _, fr := range results {
				if fr.Action == filter.ActionFlag && h.metrics != nil {
					h.metrics.RecordFilterAction(fr.FilterName, "flag")
				}
			}
		}

		result, err := h.gate.Admit(ctx, key, payload)
		if err != nil {
			if errors.Is(err, idempotency.ErrMissingKey) {
				httputil.WriteBadRequestError(w, reqID, "Idempotency-Key header is required")
				return
			}
			slog.Error("idempotency gate failed", "request_id", reqID, "error", err)
			httputil.WriteServiceUnavailableError(w, reqID, "store unavailable")
			return
		}

		switch result.Outcome {
		case idempotency.OutcomeReturn:
			h.writeTerminal(w, reqID, result.Record, receivedAt)
			return
		case idempotency.OutcomeWait:
			h.waitForTerminal(ctx, w, reqID, key, receivedAt)
			return
		default: // OutcomeAccepted
			h.waitForTerminal(ctx, w, reqID, key, receivedAt)
			return
		}
	}

	if existing.Status.IsTerminal() {
		h.writeTerminal(w, reqID, existing, receivedAt)
		return
	}
	h.waitForTerminal(ctx, w, reqID, key, receivedAt)
}

// waitForTerminal subscribes to the key's wake topic, performs the
// read-after-subscribe re-read, and then blocks until either a wake
// delivers a terminal record or the handler's maximum lifetime elapses.
func (h *Handler) waitForTerminal(ctx context.Context, w http.ResponseWriter, reqID, key string, receivedAt time.Time) {
	ctx, span := tracer.Start(ctx, "wake.wait", trace.WithAttributes(attribute.String("silt.key", key)))
	defer span.End()

	sub := h.store.Subscribe(ctx, key)
	defer sub.Close()

	rec, err := h.store.GetRequest(ctx, key)
	if err != nil {
		slog.Error("store read failed", "request_id", reqID, "error", err)
		httputil.WriteServiceUnavailableError(w, reqID, "store unavailable")
		return
	}
	if rec != nil && rec.Status.IsTerminal() {
		h.writeTerminal(w, reqID, rec, receivedAt)
		return
	}

	deadline := time.NewTimer(h.maxLifetime)
	defer deadline.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			// Client disconnected; the record is untouched and the client
			// may reconnect with the same key to resume.
			return
		case <-deadline.C:
			httputil.WriteTimeoutError(w, reqID, "handler lifetime exceeded, reconnect with the same Idempotency-Key")
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			rec, err := h.store.GetRequest(ctx, key)
			if err != nil {
				slog.Error("store read failed", "request_id", reqID, "error", err)
				httputil.WriteServiceUnavailableError(w, reqID, "store unavailable")
				return
			}
			if rec != nil && rec.Status.IsTerminal() {
				if h.metrics != nil {
					h.metrics.RecordWakeLatency(float64(time.Since(rec.UpdatedAt).Milliseconds()))
				}
				h.writeTerminal(w, reqID, rec, receivedAt)
				return
			}
			// Spurious or intermediate wake; keep waiting.
		}
	}
}

func (h *Handler) writeTerminal(w http.ResponseWriter, reqID string, rec *types.RequestRecord, receivedAt time.Time) {
	waitMs := float64(time.Since(receivedAt).Milliseconds())

	if rec.Status == types.StatusFailed && rec.Error != nil {
		if h.metrics != nil {
			h.metrics.RecordRequest(string(rec.Error.Kind), waitMs)
		}
		httputil.WriteRequestError(w, reqID, *rec.Error)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordRequest("completed", waitMs)
	}
	slog.Info("request completed",
		"request_id", reqID,
		"key", rec.Key,
		"wait_ms", waitMs,
	)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", reqID)
	_ = json.NewEncoder(w).Encode(rec.Result)
}
