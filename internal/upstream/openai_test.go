package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublewordai/silt/internal/types"
)

func TestUploadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "batch", r.FormValue("purpose"))
		w.Write([]byte(`{"id":"file-abc"}`))
	}))
	defer srv.Close()

	c := NewOpenAIBatchClient(srv.URL, "test-key")
	id, err := c.UploadFile(context.Background(), []byte(`{"custom_id":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "file-abc", id)
}

func TestCreateBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "file-abc", body["input_file_id"])
		assert.Equal(t, "/v1/chat/completions", body["endpoint"])
		w.Write([]byte(`{"id":"batch-1"}`))
	}))
	defer srv.Close()

	c := NewOpenAIBatchClient(srv.URL, "test-key")
	id, err := c.CreateBatch(context.Background(), "file-abc", "/v1/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", id)
}

func TestRetrieveBatch_MapsStatus(t *testing.T) {
	cases := []struct {
		upstream string
		want     types.BatchStatus
	}{
		{"validating", types.BatchInProgress},
		{"in_progress", types.BatchInProgress},
		{"finalizing", types.BatchInProgress},
		{"completed", types.BatchCompleted},
		{"failed", types.BatchFailed},
		{"cancelled", types.BatchFailed},
		{"expired", types.BatchExpired},
	}

	for _, tc := range cases {
		t.Run(tc.upstream, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/batches/batch-1", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]string{
					"status":         tc.upstream,
					"output_file_id": "out-1",
				})
			}))
			defer srv.Close()

			c := NewOpenAIBatchClient(srv.URL, "test-key")
			res, err := c.RetrieveBatch(context.Background(), "batch-1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Status)
		})
	}
}

func TestDownloadOutput(t *testing.T) {
	body := `{"custom_id":"A","response":{"status_code":200,"body":{"model":"m"}}}
{"custom_id":"B","error":{"code":"server_error","message":"boom"}}
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files/out-1/content", r.URL.Path)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewOpenAIBatchClient(srv.URL, "test-key")
	lines, err := c.DownloadOutput(context.Background(), "out-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "A", lines[0].CustomID)
	require.NotNil(t, lines[0].Response)
	assert.Equal(t, 200, lines[0].Response.StatusCode)
	assert.Equal(t, "B", lines[1].CustomID)
	require.NotNil(t, lines[1].Error)
	assert.Equal(t, "boom", lines[1].Error.Message)
}

func TestRetrieveBatch_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	c := NewOpenAIBatchClient(srv.URL, "test-key")
	_, err := c.RetrieveBatch(context.Background(), "batch-1")
	assert.Error(t, err)
}
