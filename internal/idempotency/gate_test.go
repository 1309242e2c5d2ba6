package idempotency

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublewordai/silt/internal/store"
	"github.com/doublewordai/silt/internal/types"
)

func setupTestGate(t *testing.T) (*miniredis.Miniredis, *Gate, store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStore(rdb)
	return mr, NewGate(s), s
}

func TestAdmit_MissingKey(t *testing.T) {
	mr, g, _ := setupTestGate(t)
	defer mr.Close()

	_, err := g.Admit(context.Background(), "", types.ChatCompletionRequest{})
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestAdmit_FirstCallAccepted(t *testing.T) {
	mr, g, _ := setupTestGate(t)
	defer mr.Close()

	res, err := g.Admit(context.Background(), "K1", types.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

func TestAdmit_SecondCallWaits(t *testing.T) {
	mr, g, _ := setupTestGate(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := g.Admit(ctx, "K1", types.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)

	res, err := g.Admit(ctx, "K1", types.ChatCompletionRequest{Model: "different-model-ignored"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeWait, res.Outcome)
	require.NotNil(t, res.Record)
	// The first-seen payload is authoritative; the later payload is ignored.
	assert.Equal(t, "m", res.Record.Payload.Model)
}

func TestAdmit_TerminalReturnsResult(t *testing.T) {
	mr, g, s := setupTestGate(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := g.Admit(ctx, "K1", types.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)
	require.NoError(t, s.CompleteRequest(ctx, "K1", &types.ChatCompletionResponse{Model: "m"}))

	res, err := g.Admit(ctx, "K1", types.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReturn, res.Outcome)
	require.NotNil(t, res.Record.Result)
	assert.Equal(t, "m", res.Record.Result.Model)
}
