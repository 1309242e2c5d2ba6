package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublewordai/silt/internal/store"
	"github.com/doublewordai/silt/internal/types"
	"github.com/doublewordai/silt/internal/upstream"
)

type fakeClient struct {
	mu          sync.Mutex
	uploads     [][]byte
	uploadErr   error
	createErr   error
	nextFileID  int
	nextBatchID int
}

func (f *fakeClient) UploadFile(ctx context.Context, jsonl []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, jsonl)
	f.nextFileID++
	return "file-" + string(rune('0'+f.nextFileID)), nil
}

func (f *fakeClient) CreateBatch(ctx context.Context, fileID, endpoint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextBatchID++
	return "batch-" + string(rune('0'+f.nextBatchID)), nil
}

func (f *fakeClient) RetrieveBatch(ctx context.Context, batchID string) (upstream.RetrieveResult, error) {
	return upstream.RetrieveResult{}, errors.New("not implemented")
}

func (f *fakeClient) DownloadOutput(ctx context.Context, fileID string) ([]types.BatchOutputLine, error) {
	return nil, errors.New("not implemented")
}

func setup(t *testing.T) (*miniredis.Miniredis, store.Store, *fakeClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStore(rdb)
	return mr, s, &fakeClient{}
}

func TestRunOnce_EmptyPendingIsNoop(t *testing.T) {
	mr, s, client := setup(t)
	defer mr.Close()

	d := New(s, client, time.Second, 100, nil)
	d.RunOnce(context.Background())

	assert.Empty(t, client.uploads)
}

func TestRunOnce_DispatchesQueuedRequests(t *testing.T) {
	mr, s, client := setup(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := s.RegisterNew(ctx, "A", types.ChatCompletionRequest{Model: "m", Messages: []types.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	_, err = s.RegisterNew(ctx, "B", types.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)

	d := New(s, client, time.Second, 100, nil)
	d.RunOnce(ctx)

	require.Len(t, client.uploads, 1)
	lines := strings.Split(strings.TrimSpace(string(client.uploads[0])), "\n")
	assert.Len(t, lines, 2)

	var line types.BatchInputLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &line))
	assert.Contains(t, []string{"A", "B"}, line.CustomID)
	assert.Equal(t, "/v1/chat/completions", line.URL)

	recA, err := s.GetRequest(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDispatched, recA.Status)
	assert.NotEmpty(t, recA.BatchID)

	batch, err := s.GetBatch(ctx, recA.BatchID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, batch.RequestKeys)
}

func TestRunOnce_SplitsAtMaxBatchSize(t *testing.T) {
	mr, s, client := setup(t)
	defer mr.Close()
	ctx := context.Background()

	for _, k := range []string{"A", "B", "C"} {
		_, err := s.RegisterNew(ctx, k, types.ChatCompletionRequest{Model: "m"})
		require.NoError(t, err)
	}

	d := New(s, client, time.Second, 2, nil)
	d.RunOnce(ctx)

	assert.Len(t, client.uploads, 2)
}

func TestRunOnce_UploadFailureFailsAllTerminal(t *testing.T) {
	mr, s, client := setup(t)
	defer mr.Close()
	ctx := context.Background()
	client.uploadErr = errors.New("upstream down")

	_, err := s.RegisterNew(ctx, "A", types.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)

	d := New(s, client, time.Second, 100, nil)
	d.RunOnce(ctx)

	rec, err := s.GetRequest(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, types.ErrDispatchFailed, rec.Error.Kind)
}
