package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/emomo-backfill/internal/logger"
)

// =============================================================================
// Test Helpers
// =============================================================================

// memStore is an in-memory Gateway over a sorted set of ids.
type memStore struct {
	mu        sync.Mutex
	ids       []int64
	content   map[int64]string
	updates   map[int64]int
	pageSizes []int
	fetches   int

	failFetch  int // 1-based fetch number that fails; 0 never fails
	updateErrs map[int64]error
	block      map[int64]chan struct{}
}

func newMemStore(ids []int64, contentFor func(id int64) string) *memStore {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	s := &memStore{
		ids:        sorted,
		content:    make(map[int64]string, len(ids)),
		updates:    make(map[int64]int),
		updateErrs: make(map[int64]error),
		block:      make(map[int64]chan struct{}),
	}
	for _, id := range sorted {
		s.content[id] = contentFor(id)
	}
	return s
}

func (s *memStore) FetchPage(_ context.Context, afterID int64, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++
	if s.failFetch > 0 && s.fetches == s.failFetch {
		return nil, errors.New("connection refused")
	}
	start := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] > afterID })
	end := min(start+limit, len(s.ids))
	records := make([]Record, 0, end-start)
	for _, id := range s.ids[start:end] {
		records = append(records, Record{ID: id, Content: s.content[id]})
	}
	if len(records) > 0 {
		s.pageSizes = append(s.pageSizes, len(records))
	}
	return records, nil
}

func (s *memStore) ApplyUpdate(_ context.Context, id int64, patch Patch) error {
	s.mu.Lock()
	wait := s.block[id]
	s.mu.Unlock()
	if wait != nil {
		<-wait
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateErrs[id]; err != nil {
		return err
	}
	s.content[id] = patch.Content
	s.updates[id]++
	return nil
}

func (s *memStore) EstimateTotal(_ context.Context, afterID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] > afterID })
	return int64(len(s.ids) - start), nil
}

// visitRule rewrites "old:" prefixes to "new:" and counts how often each id is classified.
type visitRule struct {
	mu     sync.Mutex
	visits map[int64]int
	panics map[int64]bool
}

func newVisitRule() *visitRule {
	return &visitRule{visits: make(map[int64]int), panics: make(map[int64]bool)}
}

func (r *visitRule) Classify(rec Record) Decision {
	r.mu.Lock()
	r.visits[rec.ID]++
	shouldPanic := r.panics[rec.ID]
	r.mu.Unlock()

	if shouldPanic {
		panic(fmt.Sprintf("bad record %d", rec.ID))
	}
	if rest, ok := strings.CutPrefix(rec.Content, "old:"); ok {
		return Modify(Patch{Content: "new:" + rest})
	}
	return Skip()
}

func sequentialIDs(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return ids
}

// everyThird marks every third record as needing a rewrite.
func everyThird(id int64) string {
	if id%3 == 0 {
		return fmt.Sprintf("old:body %d", id)
	}
	return fmt.Sprintf("body %d", id)
}

func quietLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error", Output: io.Discard})
}

func testConfig(workers, batch, capacity int) Config {
	cfg := DefaultConfig()
	cfg.WorkerCount = workers
	cfg.BatchSize = batch
	cfg.QueueCapacity = capacity
	cfg.ResumeMargin = min(DefaultResumeMargin, capacity-1)
	cfg.DrainTimeout = 5 * time.Second
	return cfg
}

func newTestPipeline(t *testing.T, gw Gateway, rule Rule, cfg Config, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	p, err := New(gw, rule, cfg, opts...)
	require.NoError(t, err)
	return p
}

// =============================================================================
// Traversal
// =============================================================================

func TestPipelineVisitsEveryRecordExactlyOnce(t *testing.T) {
	// ids with gaps: skip every id divisible by 7 or 11
	var ids []int64
	for id := int64(1); id <= 1200; id++ {
		if id%7 != 0 && id%11 != 0 {
			ids = append(ids, id)
		}
	}

	testCases := []struct {
		name     string
		workers  int
		batch    int
		capacity int
	}{
		{name: "single worker, small pages", workers: 1, batch: 7, capacity: 20},
		{name: "page larger than queue", workers: 4, batch: 100, capacity: 30},
		{name: "many workers", workers: 32, batch: 100, capacity: 500},
		{name: "page of one", workers: 3, batch: 1, capacity: 5},
		{name: "more workers than queue", workers: 16, batch: 50, capacity: 8},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore(ids, everyThird)
			rule := newVisitRule()
			p := newTestPipeline(t, store, rule, testConfig(tc.workers, tc.batch, tc.capacity))

			res, err := p.Run(context.Background())
			require.NoError(t, err)

			require.Len(t, rule.visits, len(ids))
			for _, id := range ids {
				assert.Equal(t, 1, rule.visits[id], "id %d", id)
			}
			assert.Equal(t, int64(len(ids)), res.Processed+res.Modified)
			assert.Zero(t, res.Errors)
			assert.Equal(t, ids[len(ids)-1], res.Cursor.LastSeenID)
			assert.Equal(t, ids[len(ids)-1], res.SafeCheckpoint)
			assert.Equal(t, int64(len(ids)), res.TotalKnown)

			for id, n := range store.updates {
				assert.Equal(t, 1, n, "id %d updated more than once", id)
				assert.True(t, strings.HasPrefix(store.content[id], "new:"))
			}
		})
	}
}

func TestPipelineConcreteScenario(t *testing.T) {
	store := newMemStore(sequentialIDs(250), everyThird)
	p := newTestPipeline(t, store, newVisitRule(), testConfig(4, 100, 500))

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{100, 100, 50}, store.pageSizes)
	assert.Equal(t, int64(3), res.Pages)
	assert.Equal(t, int64(250), res.Processed+res.Modified)
	assert.Equal(t, int64(83), res.Modified)
	assert.Equal(t, int64(250), res.Cursor.LastSeenID)
}

func TestPipelineEmptyTable(t *testing.T) {
	store := newMemStore(nil, everyThird)
	p := newTestPipeline(t, store, newVisitRule(), testConfig(4, 100, 500))

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Done())
	assert.Zero(t, res.Cursor.LastSeenID)
	assert.Equal(t, 1, store.fetches)
}

func TestPipelineStartsAfterGivenID(t *testing.T) {
	store := newMemStore(sequentialIDs(250), everyThird)
	rule := newVisitRule()
	cfg := testConfig(4, 40, 100)
	cfg.StartAfterID = 100
	p := newTestPipeline(t, store, rule, cfg)

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, rule.visits, 150)
	assert.NotContains(t, rule.visits, int64(100))
	assert.Contains(t, rule.visits, int64(101))
	assert.Equal(t, int64(150), res.TotalKnown)
	assert.Equal(t, int64(250), res.Cursor.LastSeenID)
}

// =============================================================================
// Backpressure
// =============================================================================

func TestPipelineBackpressure(t *testing.T) {
	store := newMemStore(sequentialIDs(1000), everyThird)

	type fetch struct{ limit, depth int }
	var (
		fetches  []fetch
		pauses   []int
		resumes  []int
		maxDepth int
		order    []string
	)
	hooks := Hooks{
		OnFetch: func(limit, depth int) {
			fetches = append(fetches, fetch{limit, depth})
			order = append(order, "fetch")
		},
		OnPage: func(_ int, _ Cursor, depth int) {
			maxDepth = max(maxDepth, depth)
		},
		OnPause: func(depth int) {
			pauses = append(pauses, depth)
			order = append(order, "pause")
		},
		OnResume: func(depth int) {
			resumes = append(resumes, depth)
			order = append(order, "resume")
		},
		OnDispatch: func(_ int64, depth, _ int) {
			maxDepth = max(maxDepth, depth)
		},
	}

	cfg := testConfig(4, 100, 50)
	p := newTestPipeline(t, store, newVisitRule(), cfg, WithHooks(hooks))

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Done())

	assert.LessOrEqual(t, maxDepth, 50)
	require.NotEmpty(t, fetches)
	assert.Equal(t, fetch{limit: 50, depth: 0}, fetches[0], "first page must be chunked to the queue capacity")
	require.NotEmpty(t, pauses)
	assert.Equal(t, 50, pauses[0])
	assert.Equal(t, []string{"fetch", "pause"}, order[:2], "producer pauses after the first page")

	for _, depth := range resumes {
		assert.Less(t, depth, 40, "resume only below capacity minus margin")
	}

	// Between a pause and the next resume no fetch may be issued.
	paused := false
	for _, ev := range order {
		switch ev {
		case "pause":
			paused = true
		case "resume":
			paused = false
		case "fetch":
			assert.False(t, paused, "fetch issued while paused")
		}
	}
}

// =============================================================================
// Completion detection
// =============================================================================

func TestPipelineWaitsForBusyWorker(t *testing.T) {
	store := newMemStore([]int64{1, 2, 3}, func(id int64) string { return "old:x" })
	release := make(chan struct{})
	store.block[3] = release

	p := newTestPipeline(t, store, newVisitRule(), testConfig(2, 10, 10))

	done := make(chan struct{})
	var res *Result
	var runErr error
	go func() {
		defer close(done)
		res, runErr = p.Run(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		snap, err := p.Snapshot(ctx)
		return err == nil && snap.ProducerFinished && snap.QueueDepth == 0 && snap.BusyWorkers == 1
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("pipeline reported completion while a worker was still busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	require.NoError(t, runErr)
	assert.Equal(t, int64(3), res.Modified)
}

func TestPipelineSnapshotAfterRun(t *testing.T) {
	store := newMemStore(sequentialIDs(10), everyThird)
	p := newTestPipeline(t, store, newVisitRule(), testConfig(2, 5, 10))

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.ProducerFinished)
	assert.Equal(t, int64(10), snap.Done())
	assert.Zero(t, snap.BusyWorkers)

	_, err = p.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

// =============================================================================
// Error handling
// =============================================================================

func TestPipelineIsolatesRecordErrors(t *testing.T) {
	store := newMemStore(sequentialIDs(20), func(int64) string { return "old:x" })
	store.updateErrs[7] = errors.New("constraint violation")

	p := newTestPipeline(t, store, newVisitRule(), testConfig(4, 6, 10))
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Errors)
	assert.Equal(t, int64(19), res.Modified)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, int64(7), res.Failures[0].ID)
	assert.Contains(t, res.Failures[0].Error, "constraint violation")

	for id := int64(1); id <= 20; id++ {
		if id == 7 {
			assert.Equal(t, "old:x", store.content[id])
			continue
		}
		assert.Equal(t, "new:x", store.content[id], "id %d", id)
	}
}

func TestPipelineRecoversRulePanic(t *testing.T) {
	store := newMemStore(sequentialIDs(10), everyThird)
	rule := newVisitRule()
	rule.panics[5] = true

	// A single worker proves the slot survives the panic.
	p := newTestPipeline(t, store, rule, testConfig(1, 3, 5))
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Errors)
	assert.Equal(t, int64(10), res.Done())
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Error, ErrRulePanic.Error())
}

func TestPipelineCapsReportedFailures(t *testing.T) {
	store := newMemStore(sequentialIDs(30), func(int64) string { return "old:x" })
	for id := int64(1); id <= 30; id++ {
		store.updateErrs[id] = errors.New("read-only replica")
	}
	cfg := testConfig(4, 10, 20)
	cfg.MaxFailures = 5

	p := newTestPipeline(t, store, newVisitRule(), cfg)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Errors)
	assert.Len(t, res.Failures, 5)
}

func TestPipelineProducerFailureIsFatal(t *testing.T) {
	store := newMemStore(sequentialIDs(100), everyThird)
	store.failFetch = 2

	p := newTestPipeline(t, store, newVisitRule(), testConfig(2, 10, 50))
	res, err := p.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProducerFatal)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, int64(10), res.Fetched)
	assert.LessOrEqual(t, res.Done(), int64(10))
	assert.Zero(t, res.Errors)
	assert.Equal(t, int64(10), res.Cursor.LastSeenID)
}

type unorderedGateway struct{ memStore }

func (g *unorderedGateway) FetchPage(_ context.Context, afterID int64, _ int) ([]Record, error) {
	if afterID > 0 {
		return nil, nil
	}
	return []Record{{ID: 3}, {ID: 2}}, nil
}

func TestPipelineRejectsUnorderedPage(t *testing.T) {
	p := newTestPipeline(t, &unorderedGateway{}, newVisitRule(), testConfig(2, 10, 50))
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrProducerFatal)
	assert.Contains(t, err.Error(), "not strictly ascending")
}

func TestPipelineCancellation(t *testing.T) {
	store := newMemStore(sequentialIDs(500), everyThird)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outcomes := 0
	hooks := Hooks{OnOutcome: func(int64, Outcome, int) {
		outcomes++
		if outcomes == 20 {
			cancel()
		}
	}}

	p := newTestPipeline(t, store, newVisitRule(), testConfig(4, 50, 100), WithHooks(hooks))
	res, err := p.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, res.Done(), int64(500))
	assert.GreaterOrEqual(t, res.Done(), int64(20))
}

// runWithStuckWorker starts a run over three records whose last update never
// returns, cancels it once that worker is the only thing left, and reports how
// long Run took to return after the cancel.
func runWithStuckWorker(t *testing.T, drain time.Duration) (*Pipeline, *Result, time.Duration, error) {
	t.Helper()
	store := newMemStore([]int64{1, 2, 3}, func(int64) string { return "old:x" })
	stuck := make(chan struct{})
	store.block[3] = stuck
	t.Cleanup(func() { close(stuck) })

	cfg := testConfig(2, 10, 10)
	cfg.DrainTimeout = drain
	p := newTestPipeline(t, store, newVisitRule(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type runResult struct {
		res *Result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := p.Run(ctx)
		done <- runResult{res, err}
	}()

	require.Eventually(t, func() bool {
		snap, err := p.Snapshot(ctx)
		return err == nil && snap.ProducerFinished && snap.QueueDepth == 0 && snap.BusyWorkers == 1 && snap.Done() == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancelled := time.Now()
	cancel()

	select {
	case r := <-done:
		return p, r.res, time.Since(cancelled), r.err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation with a stuck worker")
		return nil, nil, 0, nil
	}
}

func TestPipelineDrainTimeoutAbandonsStuckWorker(t *testing.T) {
	drain := 100 * time.Millisecond
	_, res, elapsed, err := runWithStuckWorker(t, drain)

	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "1 jobs still running after drain timeout")
	assert.GreaterOrEqual(t, elapsed, drain)
	assert.Less(t, elapsed, 2*drain+100*time.Millisecond)

	require.NotNil(t, res)
	assert.Equal(t, int64(2), res.Modified)
	assert.Equal(t, int64(0), res.SafeCheckpoint, "a page with an abandoned record is never checkpointed")
}

func TestPipelineZeroDrainTimeoutReturnsImmediately(t *testing.T) {
	p, res, elapsed, err := runWithStuckWorker(t, 0)

	require.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, err.Error(), "drain timeout")
	assert.Less(t, elapsed, 100*time.Millisecond)

	require.NotNil(t, res)
	assert.Equal(t, int64(2), res.Done())

	final, snapErr := p.Snapshot(context.Background())
	require.NoError(t, snapErr)
	assert.Equal(t, 1, final.BusyWorkers, "the stuck worker is abandoned, not waited for")
}

// =============================================================================
// Checkpoints
// =============================================================================

func TestPipelineSafeCheckpointAdvancesByPage(t *testing.T) {
	store := newMemStore(sequentialIDs(95), everyThird)
	var checkpoints []int64
	hooks := Hooks{OnCheckpoint: func(id int64) { checkpoints = append(checkpoints, id) }}

	p := newTestPipeline(t, store, newVisitRule(), testConfig(8, 20, 200), WithHooks(hooks))
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, checkpoints)
	assert.True(t, sort.SliceIsSorted(checkpoints, func(i, j int) bool { return checkpoints[i] < checkpoints[j] }))
	for _, id := range checkpoints {
		assert.True(t, id%20 == 0 || id == 95, "checkpoint %d is not a page boundary", id)
	}
	assert.Equal(t, int64(95), checkpoints[len(checkpoints)-1])
	assert.Equal(t, int64(95), res.SafeCheckpoint)
}

func TestPageLedger(t *testing.T) {
	l := newPageLedger(0)
	first := l.open(10, 2)
	second := l.open(20, 1)

	assert.False(t, l.complete(second), "later page done first must not move the checkpoint")
	assert.Equal(t, int64(0), l.safe)

	assert.False(t, l.complete(first))
	assert.True(t, l.complete(first))
	assert.Equal(t, int64(20), l.safe)
	assert.False(t, l.complete(first), "unknown page is ignored")
}

// =============================================================================
// Configuration and queue
// =============================================================================

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "defaults", mutate: func(*Config) {}, valid: true},
		{name: "zero margin", mutate: func(c *Config) { c.ResumeMargin = 0 }, valid: true},
		{name: "no workers", mutate: func(c *Config) { c.WorkerCount = 0 }},
		{name: "no batch", mutate: func(c *Config) { c.BatchSize = 0 }},
		{name: "no capacity", mutate: func(c *Config) { c.QueueCapacity = 0 }},
		{name: "margin equals capacity", mutate: func(c *Config) { c.ResumeMargin = c.QueueCapacity }},
		{name: "negative margin", mutate: func(c *Config) { c.ResumeMargin = -1 }},
		{name: "negative start", mutate: func(c *Config) { c.StartAfterID = -5 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestJobQueue(t *testing.T) {
	q := NewJobQueue(3)
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, q.Push(Job{Record: Record{ID: id}}))
	}
	assert.True(t, q.Saturated())
	assert.ErrorIs(t, q.Push(Job{Record: Record{ID: 4}}), ErrQueueFull)

	job, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(1), job.Record.ID)
	require.NoError(t, q.Push(Job{Record: Record{ID: 4}}))

	var got []int64
	for {
		job, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, job.Record.ID)
	}
	assert.Equal(t, []int64{2, 3, 4}, got)
	assert.Equal(t, 3, q.Free())
}
