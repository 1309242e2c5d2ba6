// Package upstream implements a concrete Batch API client
// requires: file upload, batch creation, batch status retrieval, and output
// download against an OpenAI-compatible Batch API.
package upstream

import (
	"context"

	"github.com/doublewordai/silt/internal/types"
)

// BatchClient is the interface the Dispatcher and Poller program against.
type BatchClient interface {
	// UploadFile uploads a JSONL batch-input file and returns its file id.
	UploadFile(ctx context.Context, jsonl []byte) (fileID string, err error)
	// CreateBatch creates an upstream batch from a previously uploaded file.
	CreateBatch(ctx context.Context, fileID, endpoint string) (batchID string, err error)
	// RetrieveBatch fetches the current status of a batch, plus its output
	// file id once one is available.
	RetrieveBatch(ctx context.Context, batchID string) (RetrieveResult, error)
	// DownloadOutput downloads and decodes an output file's JSONL lines.
	DownloadOutput(ctx context.Context, fileID string) ([]types.BatchOutputLine, error)
}

// RetrieveResult is what RetrieveBatch reports about one batch.
type RetrieveResult struct {
	Status         types.BatchStatus
	OutputFileID   string
	ErrorFileID    string
}
