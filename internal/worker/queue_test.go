package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	"ledger-import-engine/pkg/logger"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	release chan struct{}
	done    chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: map[string]int{}, done: make(chan string, 100)}
}

func (r *fakeRunner) Run(ctx context.Context, batchID string) (*models.ImportBatch, error) {
	r.mu.Lock()
	r.calls[batchID]++
	r.mu.Unlock()

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	r.done <- batchID
	return &models.ImportBatch{ID: batchID, Status: models.BatchCompleted}, nil
}

func (r *fakeRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type fakeLister struct{ ids []string }

func (l fakeLister) ListBatches(_ context.Context, f store.BatchFilter) ([]*models.ImportBatch, error) {
	var out []*models.ImportBatch
	for _, id := range l.ids {
		out = append(out, &models.ImportBatch{ID: id, Status: f.Status})
	}
	return out, nil
}

func waitFor(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case id := <-ch:
			got = append(got, id)
		case <-timeout:
			t.Fatalf("timed out after %d of %d batches", len(got), n)
		}
	}
	return got
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 0
	return cfg
}

func TestQueueRunsEnqueuedBatches(t *testing.T) {
	runner := newFakeRunner()
	q, err := NewQueue(testConfig(), runner, nil, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		ok, err := q.Enqueue(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	assert.ElementsMatch(t, []string{"a", "b", "c"}, waitFor(t, runner.done, 3))
}

func TestQueueDeduplicatesInFlightBatches(t *testing.T) {
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	q, err := NewQueue(testConfig(), runner, nil, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop(context.Background())

	ok, err := q.Enqueue(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)

	again, err := q.Enqueue(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, again)
	assert.True(t, q.InFlight("a"))

	close(runner.release)
	waitFor(t, runner.done, 1)
	assert.Eventually(t, func() bool { return !q.InFlight("a") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, runner.count("a"))

	ok, err = q.Enqueue(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, ok, "a finished batch may be queued again")
}

func TestSweepQueuesPendingBatches(t *testing.T) {
	runner := newFakeRunner()
	q, err := NewQueue(testConfig(), runner, fakeLister{ids: []string{"p1", "p2"}}, logger.Discard())
	require.NoError(t, err)

	n, err := q.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = q.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "queued batches are not queued twice")

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop(context.Background())
	assert.ElementsMatch(t, []string{"p1", "p2"}, waitFor(t, runner.done, 2))
}

type recoveringRunner struct {
	*fakeRunner
	recoveries int
}

func (r *recoveringRunner) RecoverStale(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveries++
	return 1, nil
}

func TestSweepRecoversStaleBatchesFirst(t *testing.T) {
	runner := &recoveringRunner{fakeRunner: newFakeRunner()}
	q, err := NewQueue(testConfig(), runner, fakeLister{ids: []string{"p1"}}, logger.Discard())
	require.NoError(t, err)

	n, err := q.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Sweep(context.Background())
	require.NoError(t, err)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 2, runner.recoveries)
}

func TestPollingSweepsOnStart(t *testing.T) {
	runner := newFakeRunner()
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	q, err := NewQueue(cfg, runner, fakeLister{ids: []string{"left-over"}}, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop(context.Background())

	assert.Equal(t, []string{"left-over"}, waitFor(t, runner.done, 1))
}

func TestStopRejectsNewWork(t *testing.T) {
	q, err := NewQueue(testConfig(), newFakeRunner(), nil, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Stop(context.Background()))
	require.NoError(t, q.Stop(context.Background()))

	_, err = q.Enqueue(context.Background(), "late")
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Start(context.Background()), ErrQueueClosed)
}

func TestStopWaitsForRunningBatch(t *testing.T) {
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	q, err := NewQueue(testConfig(), runner, nil, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))

	_, err = q.Enqueue(context.Background(), "slow")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return runner.count("slow") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx), context.DeadlineExceeded)

	close(runner.release)
	waitFor(t, runner.done, 1)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Workers: 0, QueueSize: 1}.Validate())
	assert.Error(t, Config{Workers: 1, QueueSize: 0}.Validate())
	assert.Error(t, Config{Workers: 1, QueueSize: 1, PollInterval: -time.Second}.Validate())

	_, err := NewQueue(DefaultConfig(), nil, nil, logger.Discard())
	assert.Error(t, err)
}
