// Package idempotency implements the idempotency gate:
// the decision of whether an inbound (key, payload) pair should register a
// new record, attach to an existing one, or short-circuit with a cached
// terminal result.
package idempotency

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/doublewordai/silt/internal/store"
	"github.com/doublewordai/silt/internal/telemetry"
	"github.com/doublewordai/silt/internal/types"
)

var tracer = telemetry.Tracer("silt/idempotency")

// ErrMissingKey is returned when the caller supplies an empty idempotency key.
var ErrMissingKey = errors.New("missing idempotency key")

// Outcome tags which of the gate's three branches applied.
type Outcome int

const (
	// OutcomeAccepted means no prior record existed; a new Queued record has
	// been registered and indexed.
	OutcomeAccepted Outcome = iota
	// OutcomeWait means a record exists and is not yet terminal.
	OutcomeWait
	// OutcomeReturn means a record exists and is terminal.
	OutcomeReturn
)

// Result is what the gate hands back to the Request Handler.
type Result struct {
	Outcome Outcome
	Record  *types.RequestRecord // set for OutcomeWait and OutcomeReturn
}

// Gate is the Idempotency Gate. It holds no state of its own — every
// decision is made by reading the store, so gates are safe to construct
// per-request or share across the process.
type Gate struct {
	store store.Store
}

func NewGate(s store.Store) *Gate {
	return &Gate{store: s}
}

// Admit runs the idempotency contract. The payload
// presented on a call for a key that already has a record is silently
// ignored — the first-seen payload is authoritative, which makes safe
// client retries free of false negatives.
func (g *Gate) Admit(ctx context.Context, key string, payload types.ChatCompletionRequest) (Result, error) {
	ctx, span := tracer.Start(ctx, "gate.admit", trace.WithAttributes(attribute.String("silt.key", key)))
	defer span.End()

	if key == "" {
		return Result{}, ErrMissingKey
	}

	existing, err := g.store.GetRequest(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		if existing.Status.IsTerminal() {
			return Result{Outcome: OutcomeReturn, Record: existing}, nil
		}
		return Result{Outcome: OutcomeWait, Record: existing}, nil
	}

	outcome, err := g.store.RegisterNew(ctx, key, payload)
	if err != nil {
		return Result{}, err
	}
	if outcome == store.AlreadyExists {
		// Lost the race between GetRequest and RegisterNew; whoever won is
		// authoritative. Re-read and treat like the existing-record path.
		rec, err := g.store.GetRequest(ctx, key)
		if err != nil {
			return Result{}, err
		}
		if rec != nil && rec.Status.IsTerminal() {
			return Result{Outcome: OutcomeReturn, Record: rec}, nil
		}
		return Result{Outcome: OutcomeWait, Record: rec}, nil
	}

	return Result{Outcome: OutcomeAccepted}, nil
}
