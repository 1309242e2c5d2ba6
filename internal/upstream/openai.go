package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/doublewordai/silt/internal/types"
)

// OpenAIBatchClient talks to an OpenAI-compatible Batch API over HTTP.
// Request construction follows the teacher's provider-adapter style
// (router/adapters/openai.go): bearer auth, a tuned *http.Client, JSON
// marshal/unmarshal with wrapped errors.
type OpenAIBatchClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewOpenAIBatchClient(baseURL, apiKey string) *OpenAIBatchClient {
	return &OpenAIBatchClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

func (c *OpenAIBatchClient) UploadFile(ctx context.Context, jsonl []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("write purpose field: %w", err)
	}
	part, err := writer.CreateFormFile("file", "batch_input.jsonl")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(jsonl); err != nil {
		return "", fmt.Errorf("write file contents: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", &body)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setAuth(req)

	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	return out.ID, nil
}

func (c *OpenAIBatchClient) CreateBatch(ctx context.Context, fileID, endpoint string) (string, error) {
	payload := map[string]string{
		"input_file_id":     fileID,
		"endpoint":          endpoint,
		"completion_window": "24h",
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal create-batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/batches", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	return out.ID, nil
}

func (c *OpenAIBatchClient) RetrieveBatch(ctx context.Context, batchID string) (RetrieveResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/batches/"+batchID, nil)
	if err != nil {
		return RetrieveResult{}, fmt.Errorf("create retrieve request: %w", err)
	}
	c.setAuth(req)

	var out struct {
		Status       string `json:"status"`
		OutputFileID string `json:"output_file_id"`
		ErrorFileID  string `json:"error_file_id"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return RetrieveResult{}, fmt.Errorf("retrieve batch: %w", err)
	}

	return RetrieveResult{
		Status:       mapUpstreamStatus(out.Status),
		OutputFileID: out.OutputFileID,
		ErrorFileID:  out.ErrorFileID,
	}, nil
}

func (c *OpenAIBatchClient) DownloadOutput(ctx context.Context, fileID string) ([]types.BatchOutputLine, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download output file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download output file: upstream returned %d: %s", resp.StatusCode, string(body))
	}

	var lines []types.BatchOutputLine
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var line types.BatchOutputLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("unmarshal output line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan output file: %w", err)
	}
	return lines, nil
}

func (c *OpenAIBatchClient) setAuth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func (c *OpenAIBatchClient) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func mapUpstreamStatus(status string) types.BatchStatus {
	switch status {
	case "validating", "in_progress", "finalizing":
		return types.BatchInProgress
	case "completed":
		return types.BatchCompleted
	case "failed", "cancelled", "cancelling":
		return types.BatchFailed
	case "expired":
		return types.BatchExpired
	default:
		return types.BatchInProgress
	}
}
