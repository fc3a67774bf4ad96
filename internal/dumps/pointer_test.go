package dumps

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/oarepo/oarepo-oidc-einfra/internal/shared"
)

func newTestPointer(t *testing.T) *Pointer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPointer(client)
}

func TestPointerVerifyPassesOnEmptySlot(t *testing.T) {
	p := newTestPointer(t)
	require.NoError(t, p.Verify(context.Background(), "2026/08/30.json"))
}

func TestPointerVerifyPassesForLatestSubmission(t *testing.T) {
	p := newTestPointer(t)
	ctx := context.Background()

	require.NoError(t, p.Submit(ctx, "2026/08/30.json"))
	require.NoError(t, p.Verify(ctx, "2026/08/30.json"))
}

func TestPointerVerifyRejectsSupersededSubmission(t *testing.T) {
	p := newTestPointer(t)
	ctx := context.Background()

	require.NoError(t, p.Submit(ctx, "2026/08/30.json"))
	require.NoError(t, p.Submit(ctx, "2026/08/31.json"))

	err := p.Verify(ctx, "2026/08/30.json")
	require.ErrorIs(t, err, shared.ErrStaleDump)

	// The newest submission still verifies.
	require.NoError(t, p.Verify(ctx, "2026/08/31.json"))
}

func TestPointerLastSubmittedWinsUnderOutOfOrderProcessing(t *testing.T) {
	p := newTestPointer(t)
	ctx := context.Background()

	// Two dumps are submitted back to back. Whichever task runs, only
	// the newest submission may apply, regardless of execution order.
	require.NoError(t, p.Submit(ctx, "dump-a.json"))
	require.NoError(t, p.Submit(ctx, "dump-b.json"))

	require.ErrorIs(t, p.Verify(ctx, "dump-a.json"), shared.ErrStaleDump)
	require.NoError(t, p.Verify(ctx, "dump-b.json"))
	require.ErrorIs(t, p.Verify(ctx, "dump-a.json"), shared.ErrStaleDump)
}
