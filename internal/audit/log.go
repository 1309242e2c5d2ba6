// Package audit writes a durable, TTL-independent record of each batch's
// lifecycle to Postgres, for operator visibility after the store's records
// have expired.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event names the lifecycle transition a BatchRecord went through.
type Event string

const (
	EventSubmitted Event = "submitted"
	EventPolled    Event = "polled"
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
	EventExpired   Event = "expired"
)

// Log writes audit rows. A nil *Log (or one built with no pool) is a
// no-op, matching the "AUDIT_DATABASE_URL unset disables the audit log"
// contract.
type Log struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Log {
	return &Log{db: db}
}

// Record writes one lifecycle event, fire-and-forget: the caller's
// dispatch/poll path never blocks on or fails because of this write.
func (l *Log) Record(batchID string, event Event, requestCount int) {
	if l == nil || l.db == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := l.db.Exec(ctx, `
			INSERT INTO batch_audit_log (batch_id, event, request_count, occurred_at)
			VALUES ($1, $2, $3, NOW())
		`, batchID, string(event), requestCount)
		if err != nil {
			slog.Warn("audit write failed", "batch_id", batchID, "event", event, "error", err)
		}
	}()
}
