package types

import (
	"time"
)

// BatchStatus mirrors the upstream Batch API's lifecycle, collapsed to the
// five states silt cares about.
type BatchStatus string

const (
	BatchSubmitted  BatchStatus = "submitted"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchExpired    BatchStatus = "expired"
)

// IsTerminal reports whether a batch has reached a final state.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchExpired
}

// BatchRecord is the persisted state of one upstream batch submission. It is
// terminal iff every one of its RequestKeys has a terminal RequestRecord.
type BatchRecord struct {
	BatchID              string      `json:"batch_id"`
	Status               BatchStatus `json:"status"`
	RequestKeys          []string    `json:"request_keys"`
	UpstreamFileID       string      `json:"upstream_file_id"`
	UpstreamOutputFileID string      `json:"upstream_output_file_id,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	LastPolledAt         time.Time   `json:"last_polled_at"`
}
