package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/app/queue"
	"github.com/credence-ai/credence/internal/domain"
	"github.com/credence-ai/credence/internal/infra/inference"
	"github.com/credence-ai/credence/internal/infra/sqlite"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return queue.New(queue.DefaultConfig(), db, zap.NewNop())
}

func awaitResult(t *testing.T, q *queue.Queue, jobID string) domain.Result {
	t.Helper()
	ch, cancel, err := q.Subscribe(jobID)
	require.NoError(t, err)
	defer cancel()

	select {
	case res := <-ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatalf("no result published for job %s", jobID)
		return domain.Result{}
	}
}

func TestPool_Success(t *testing.T) {
	q := newTestQueue(t)
	cfg := DefaultConfig()
	cfg.Workers = 2
	pool := New(cfg, q, inference.NewMock(inference.WithResponse("hello")), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	jobID, err := q.Submit("alice", "say hi")
	require.NoError(t, err)

	res := awaitResult(t, q, jobID)
	assert.True(t, res.Ok())
	assert.Equal(t, "hello", res.Text)

	cancel()
	pool.Wait()
	assert.Equal(t, int64(1), pool.Stats().Completed)
}

func TestPool_InferenceError(t *testing.T) {
	q := newTestQueue(t)
	pool := New(DefaultConfig(), q, inference.NewMock(inference.WithErr(errors.New("model exploded"))), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	jobID, _ := q.Submit("alice", "say hi")
	res := awaitResult(t, q, jobID)
	assert.False(t, res.Ok())
	assert.Equal(t, "model exploded", res.ErrReason)

	cancel()
	pool.Wait()
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPool_PerJobTimeout(t *testing.T) {
	// An inference call that never returns must not block the result:
	// the pool's own budget expires and publishes TIMED_OUT.
	q := newTestQueue(t)
	cfg := DefaultConfig()
	cfg.JobTimeout = 100 * time.Millisecond
	pool := New(cfg, q, inference.NewMock(inference.WithLatency(time.Hour)), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	jobID, _ := q.Submit("alice", "say hi")

	start := time.Now()
	res := awaitResult(t, q, jobID)
	assert.False(t, res.Ok())
	assert.Equal(t, "inference timed out", res.ErrReason)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout must fire near the budget")
}

func TestPool_PanicLeavesJobRedeliverable(t *testing.T) {
	q := newTestQueue(t)
	calls := 0
	infer := inference.NewMock(inference.WithFunc(func(ctx context.Context, input string) (string, error) {
		calls++
		if calls == 1 {
			panic("worker crash")
		}
		return "recovered", nil
	}))

	cfg := DefaultConfig()
	cfg.Workers = 1
	pool := New(cfg, q, infer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	jobID, _ := q.Submit("alice", "say hi")
	time.Sleep(200 * time.Millisecond)

	// No result yet — the panic must not publish anything.
	res, err := q.PeekResult(jobID)
	require.NoError(t, err)
	assert.Nil(t, res, "crashed execution must not publish a result")

	// The executor itself must have survived the panic.
	jobID2, _ := q.Submit("alice", "again")
	res2 := awaitResult(t, q, jobID2)
	assert.Equal(t, "recovered", res2.Text)
}

func TestPool_ConcurrentJobs(t *testing.T) {
	q := newTestQueue(t)
	cfg := DefaultConfig()
	cfg.Workers = 4
	pool := New(cfg, q, inference.NewMock(
		inference.WithLatency(50*time.Millisecond),
		inference.WithResponse("ok"),
	), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var ids []string
	for i := 0; i < 8; i++ {
		id, err := q.Submit("alice", "work")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		res := awaitResult(t, q, id)
		assert.Equal(t, "ok", res.Text)
	}

	cancel()
	pool.Wait()
	assert.Equal(t, int64(8), pool.Stats().Completed)
	assert.Equal(t, 0, pool.Stats().Active)
}
