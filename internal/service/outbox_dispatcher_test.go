package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/sma-admission-api/internal/models"
	"github.com/noah-isme/sma-admission-api/internal/repository"
	appErrors "github.com/noah-isme/sma-admission-api/pkg/errors"
	"github.com/noah-isme/sma-admission-api/pkg/messaging"
)

// outboxStoreStub applies the same conditional updates as the SQL store.
type outboxStoreStub struct {
	mu     sync.Mutex
	rows   map[string]*models.OutboxEvent
	claims int32
}

func newOutboxStoreStub(events ...*models.OutboxEvent) *outboxStoreStub {
	s := &outboxStoreStub{rows: make(map[string]*models.OutboxEvent)}
	for _, e := range events {
		s.rows[e.ID] = e
	}
	return s
}

func (s *outboxStoreStub) get(id string) models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *outboxStoreStub) FetchReady(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxEvent
	for _, e := range s.rows {
		if e.IsEligible(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *outboxStoreStub) Claim(ctx context.Context, id, owner string, now time.Time) (*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok || !e.IsEligible(now) {
		return nil, nil
	}
	e.Processing = true
	e.ClaimedBy = &owner
	e.LastRetryAt = &now
	atomic.AddInt32(&s.claims, 1)
	copy := *e
	return &copy, nil
}

func (s *outboxStoreStub) owned(id, owner string) (*models.OutboxEvent, bool) {
	e, ok := s.rows[id]
	if !ok || !e.Processing || e.ClaimedBy == nil || *e.ClaimedBy != owner {
		return nil, false
	}
	return e, true
}

func (s *outboxStoreStub) MarkProcessed(ctx context.Context, id, owner string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.owned(id, owner)
	if !ok {
		return repository.ErrClaimLost
	}
	e.Processed = true
	e.Processing = false
	e.ProcessedAt = &now
	e.LastError = nil
	return nil
}

func (s *outboxStoreStub) MarkFailed(ctx context.Context, params repository.OutboxFailureParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.owned(params.ID, params.Owner)
	if !ok {
		return repository.ErrClaimLost
	}
	e.Processing = false
	e.ClaimedBy = nil
	e.RetryCount = params.RetryCount
	msg := params.LastError
	e.LastError = &msg
	at := params.At
	e.LastRetryAt = &at
	if params.NextAttempt != nil {
		e.ScheduledAt = *params.NextAttempt
	}
	return nil
}

func (s *outboxStoreStub) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.rows {
		if e.Processing && !e.Processed && e.LastRetryAt != nil && e.LastRetryAt.Before(cutoff) {
			e.Processing = false
			e.ClaimedBy = nil
			n++
		}
	}
	return n, nil
}

func (s *outboxStoreStub) ForceReprocess(ctx context.Context, params repository.ReprocessParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.rows {
		if e.Processed || e.Processing {
			continue
		}
		selected := params.AllFailed && e.IsPermanentlyFailed()
		for _, id := range params.IDs {
			if id == e.ID {
				selected = true
			}
		}
		if selected {
			e.RetryCount = 0
			e.ScheduledAt = params.Now
			n++
		}
	}
	return n, nil
}

func (s *outboxStoreStub) Stats(ctx context.Context, now time.Time) (*models.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.OutboxStats{ByEventType: map[string]int64{}, GeneratedAt: now}
	for _, e := range s.rows {
		stats.Total++
		stats.ByEventType[e.EventType]++
		switch e.State() {
		case models.OutboxStateProcessed:
			stats.Processed++
		case models.OutboxStatePending:
			stats.Pending++
		case models.OutboxStateProcessing:
			stats.Processing++
		case models.OutboxStatePermanentlyFailed:
			stats.PermanentlyFailed++
		}
	}
	return stats, nil
}

func (s *outboxStoreStub) ListFailed(ctx context.Context, limit, offset int) ([]models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxEvent
	for _, e := range s.rows {
		if e.State() == models.OutboxStatePermanentlyFailed {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *outboxStoreStub) PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.rows {
		if e.Processed && e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

type publisherStub struct {
	mu       sync.Mutex
	messages []messaging.Message
	fail     error
	block    bool
}

func (p *publisherStub) Publish(ctx context.Context, msg messaging.Message) error {
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *publisherStub) Close() error { return nil }

func (p *publisherStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type statsCacheStub struct {
	mu    sync.Mutex
	value *models.OutboxStats
	sets  int
}

func (c *statsCacheStub) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil {
		return false, nil
	}
	*(dest.(*models.OutboxStats)) = *c.value
	return true, nil
}

func (c *statsCacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value.(*models.OutboxStats)
	c.sets++
	return nil
}

func (c *statsCacheStub) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	return nil
}

type leaseStub struct {
	mu     sync.Mutex
	holder string
}

func (l *leaseStub) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" || l.holder == owner {
		l.holder = owner
		return true, nil
	}
	return false, nil
}

func (l *leaseStub) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == owner {
		l.holder = ""
	}
	return nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testEvent(id string, priority models.OutboxPriority, created time.Time) *models.OutboxEvent {
	e := models.NewOutboxEvent(models.OutboxEventParams{
		AggregateType:  models.AggregateTypeApplication,
		AggregateID:    "app-" + id,
		EventType:      models.EventApplicationStatusChanged,
		Payload:        models.JSONMap{"toState": "PENDING"},
		RoutingKey:     models.RoutingKeyApplicationStateChange,
		ExchangeName:   "admissions",
		Priority:       priority,
		CorrelationID:  "corr-" + id,
		CausationID:    "log-" + id,
		IdempotencyKey: "status-changed:log-" + id,
	}, created)
	e.ID = id
	return e
}

func newTestDispatcher(store *outboxStoreStub, pub messaging.Publisher, clock *fixedClock, opts ...OutboxDispatcherOption) *OutboxDispatcher {
	opts = append(opts, WithDispatcherClock(clock.Now))
	return NewOutboxDispatcher(store, pub, DispatcherConfig{
		Enabled:         true,
		WorkerID:        "worker-a",
		Workers:         4,
		BatchSize:       10,
		DispatchTimeout: 50 * time.Millisecond,
		StaleThreshold:  time.Minute,
	}, nil, opts...)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Minute, RetryDelay(1, 24*time.Hour))
	assert.Equal(t, 16*time.Minute, RetryDelay(4, 24*time.Hour))
	assert.Equal(t, 24*time.Hour, RetryDelay(20, 24*time.Hour))
	assert.Equal(t, time.Hour, RetryDelay(40, time.Hour))
	assert.Equal(t, time.Minute, RetryDelay(-1, time.Hour))
}

func TestDispatcherConfigNormalizesStaleThreshold(t *testing.T) {
	cfg := DispatcherConfig{DispatchTimeout: 30 * time.Second, StaleThreshold: 10 * time.Second}.normalize()
	assert.Greater(t, cfg.StaleThreshold, cfg.DispatchTimeout)
	assert.NotEmpty(t, cfg.WorkerID)
	assert.Equal(t, 50, cfg.BatchSize)
}

func TestDispatcherDeliversInPriorityOrder(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	store := newOutboxStoreStub(
		testEvent("normal-old", models.PriorityNormal, clock.now.Add(-time.Hour)),
		testEvent("critical", models.PriorityCritical, clock.now.Add(-time.Minute)),
		testEvent("low", models.PriorityLow, clock.now.Add(-2*time.Hour)),
	)
	pub := &publisherStub{}
	metrics := NewMetricsService()
	d := NewOutboxDispatcher(store, pub, DispatcherConfig{Enabled: true, WorkerID: "w", Workers: 1, BatchSize: 10}, nil,
		WithDispatcherClock(clock.Now), WithDispatcherMetrics(metrics))

	summary, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 3, summary.Delivered)

	require.Len(t, pub.messages, 3)
	assert.Equal(t, "critical", pub.messages[0].ID)
	assert.Equal(t, "normal-old", pub.messages[1].ID)
	assert.Equal(t, "low", pub.messages[2].ID)

	msg := pub.messages[0]
	assert.Equal(t, "admissions", msg.Exchange)
	assert.Equal(t, models.RoutingKeyApplicationStateChange, msg.RoutingKey)
	assert.Equal(t, "app-critical", msg.Key)
	assert.Equal(t, "corr-critical", msg.CorrelationID)
	assert.Equal(t, "log-critical", msg.CausationID)
	assert.JSONEq(t, `{"toState":"PENDING"}`, string(msg.Body))

	row := store.get("critical")
	assert.True(t, row.Processed)
	assert.False(t, row.Processing)
	require.NotNil(t, row.ProcessedAt)
	assert.EqualValues(t, 3, metrics.Snapshot().EventsDelivered)

	// nothing left to do
	summary, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Fetched)
}

func TestDispatcherFailureSchedulesExponentialRetry(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	store := newOutboxStoreStub(testEvent("e1", models.PriorityNormal, clock.now))
	pub := &publisherStub{fail: errors.New("connection refused")}
	d := newTestDispatcher(store, pub, clock)

	expectedDelays := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 16 * time.Minute}
	for i, delay := range expectedDelays {
		summary, err := d.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Retrying, "attempt %d", i+1)

		row := store.get("e1")
		assert.Equal(t, i+1, row.RetryCount)
		assert.False(t, row.Processing)
		assert.Nil(t, row.ClaimedBy)
		assert.Equal(t, clock.Now().Add(delay), row.ScheduledAt)
		require.NotNil(t, row.LastError)
		assert.Contains(t, *row.LastError, "connection refused")

		// not eligible before the backoff elapses
		summary, err = d.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, summary.Fetched)
		clock.Advance(delay)
	}

	summary, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Quarantined)
	row := store.get("e1")
	assert.Equal(t, 5, row.RetryCount)
	assert.Equal(t, models.OutboxStatePermanentlyFailed, row.State())

	clock.Advance(48 * time.Hour)
	summary, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Fetched)

	failed, err := d.FailedEvents(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	n, err := d.ForceReprocess(context.Background(), nil, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	row = store.get("e1")
	assert.Zero(t, row.RetryCount)
	assert.Equal(t, clock.Now(), row.ScheduledAt)

	pub.mu.Lock()
	pub.fail = nil
	pub.mu.Unlock()
	summary, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Delivered)
}

func TestDispatcherTimeoutCountsAsFailure(t *testing.T) {
	clock := &fixedClock{now: time.Now().UTC()}
	store := newOutboxStoreStub(testEvent("slow", models.PriorityHigh, clock.now))
	d := newTestDispatcher(store, &publisherStub{block: true}, clock)

	summary, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retrying)
	row := store.get("slow")
	assert.Equal(t, 1, row.RetryCount)
	assert.False(t, row.Processing)
}

func raceDispatchers(t *testing.T, store *outboxStoreStub, pub messaging.Publisher, clock *fixedClock) {
	t.Helper()
	var wg sync.WaitGroup
	for _, worker := range []string{"w1", "w2", "w3"} {
		d := NewOutboxDispatcher(store, pub, DispatcherConfig{Enabled: true, WorkerID: worker, Workers: 4, BatchSize: 20}, nil, WithDispatcherClock(clock.Now))
		wg.Add(1)
		go func(d *OutboxDispatcher) {
			defer wg.Done()
			_, err := d.RunOnce(context.Background())
			assert.NoError(t, err)
		}(d)
	}
	wg.Wait()
}

func TestDispatcherConcurrentWorkersClaimOnce(t *testing.T) {
	clock := &fixedClock{now: time.Now().UTC()}
	events := make([]*models.OutboxEvent, 0, 20)
	for i := 0; i < 20; i++ {
		events = append(events, testEvent(string(rune('a'+i)), models.PriorityNormal, clock.now.Add(-time.Duration(i)*time.Second)))
	}
	store := newOutboxStoreStub(events...)
	pub := &publisherStub{}

	raceDispatchers(t, store, pub, clock)

	assert.Equal(t, 20, pub.count())
	assert.EqualValues(t, 20, atomic.LoadInt32(&store.claims))
	seen := map[string]bool{}
	for _, m := range pub.messages {
		assert.False(t, seen[m.ID], "event %s published twice", m.ID)
		seen[m.ID] = true
	}
	for _, e := range events {
		assert.True(t, store.get(e.ID).Processed, e.ID)
	}
}

func TestDispatcherConcurrentWorkersSingleRow(t *testing.T) {
	clock := &fixedClock{now: time.Now().UTC()}
	store := newOutboxStoreStub(testEvent("only", models.PriorityHigh, clock.now.Add(-time.Second)))
	pub := &publisherStub{}

	raceDispatchers(t, store, pub, clock)

	assert.Equal(t, 1, pub.count())
	assert.EqualValues(t, 1, atomic.LoadInt32(&store.claims))
	assert.True(t, store.get("only").Processed)
}

// gatedPublisher holds the n-th publish until gates[n] closes.
type gatedPublisher struct {
	mu      sync.Mutex
	calls   int
	entered chan int
	gates   []chan struct{}
}

func newGatedPublisher(n int) *gatedPublisher {
	p := &gatedPublisher{entered: make(chan int, n)}
	for i := 0; i < n; i++ {
		p.gates = append(p.gates, make(chan struct{}))
	}
	return p
}

func (p *gatedPublisher) Publish(ctx context.Context, msg messaging.Message) error {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()
	p.entered <- call
	select {
	case <-p.gates[call]:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *gatedPublisher) Close() error { return nil }

func TestDispatcherSweptAttemptCannotCompleteNewerClaim(t *testing.T) {
	clock := &fixedClock{now: time.Now().UTC()}
	store := newOutboxStoreStub(testEvent("e1", models.PriorityNormal, clock.now.Add(-time.Second)))
	pub := newGatedPublisher(2)
	d := NewOutboxDispatcher(store, pub, DispatcherConfig{
		Enabled:         true,
		WorkerID:        "worker-a",
		Workers:         2,
		BatchSize:       10,
		DispatchTimeout: 5 * time.Second,
		StaleThreshold:  time.Minute,
	}, nil, WithDispatcherClock(clock.Now))

	type result struct {
		summary DispatchSummary
		err     error
	}
	run := func() chan result {
		out := make(chan result, 1)
		go func() {
			summary, err := d.RunOnce(context.Background())
			out <- result{summary, err}
		}()
		return out
	}

	first := run()
	require.Equal(t, 0, <-pub.entered)
	firstToken := *store.get("e1").ClaimedBy

	clock.Advance(2 * time.Minute)
	released, err := d.Sweep(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, released)

	second := run()
	require.Equal(t, 1, <-pub.entered)
	secondToken := *store.get("e1").ClaimedBy
	assert.NotEqual(t, firstToken, secondToken)
	assert.True(t, strings.HasPrefix(firstToken, "worker-a/"))
	assert.True(t, strings.HasPrefix(secondToken, "worker-a/"))

	// the swept attempt finishes while the newer claim is still publishing
	close(pub.gates[0])
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.summary.ClaimLost)
	assert.Equal(t, 0, res.summary.Delivered)
	row := store.get("e1")
	assert.False(t, row.Processed)
	assert.True(t, row.Processing)
	assert.Equal(t, secondToken, *row.ClaimedBy)

	close(pub.gates[1])
	res = <-second
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.summary.Delivered)
	assert.True(t, store.get("e1").Processed)
}

func TestDispatcherSweepReleasesStaleClaims(t *testing.T) {
	clock := &fixedClock{now: time.Now().UTC()}
	store := newOutboxStoreStub(testEvent("stuck", models.PriorityNormal, clock.now))
	leases := &leaseStub{holder: "someone-else"}
	metrics := NewMetricsService()
	d := newTestDispatcher(store, &publisherStub{}, clock, WithDispatcherLeases(leases), WithDispatcherMetrics(metrics))

	claimed, err := store.Claim(context.Background(), "stuck", "crashed-worker", clock.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(2 * time.Minute)

	// another instance holds the sweep lease
	n, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, store.get("stuck").Processing)

	require.NoError(t, leases.Release(context.Background(), "", "someone-else"))
	n, err = d.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	row := store.get("stuck")
	assert.False(t, row.Processing)
	assert.Nil(t, row.ClaimedBy)
	assert.Zero(t, row.RetryCount)
	assert.EqualValues(t, 1, metrics.Snapshot().StaleReclaimed)

	// the crashed worker cannot finalise a row it no longer owns
	require.ErrorIs(t, store.MarkProcessed(context.Background(), "stuck", "crashed-worker", clock.Now()), repository.ErrClaimLost)

	summary, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Delivered)
}

func TestDispatcherFreshClaimsSurviveSweep(t *testing.T) {
	clock := &fixedClock{now: time.Now().UTC()}
	store := newOutboxStoreStub(testEvent("busy", models.PriorityNormal, clock.now))
	d := newTestDispatcher(store, &publisherStub{}, clock)

	_, err := store.Claim(context.Background(), "busy", "live-worker", clock.Now())
	require.NoError(t, err)
	clock.Advance(10 * time.Second)

	n, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, store.get("busy").Processing)
}

func TestDispatcherAdminControls(t *testing.T) {
	clock := &fixedClock{now: time.Now().UTC()}
	store := newOutboxStoreStub(testEvent("e1", models.PriorityNormal, clock.now))
	pub := &publisherStub{}
	cache := &statsCacheStub{}
	core, logs := observer.New(zap.InfoLevel)
	d := NewOutboxDispatcher(store, pub, DispatcherConfig{Enabled: true, WorkerID: "w"}, zap.New(core),
		WithDispatcherClock(clock.Now), WithDispatcherStatsCache(cache))

	d.Disable()
	summary, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Fetched)
	assert.Zero(t, pub.count())
	assert.False(t, d.Status().Enabled)
	assert.Equal(t, 1, logs.FilterMessage("outbox dispatcher disabled").Len())

	d.Enable()
	require.ErrorIs(t, d.SetBatchSize(0), appErrors.ErrValidation)
	require.NoError(t, d.SetBatchSize(5))
	assert.Equal(t, 5, d.Status().BatchSize)

	_, err = d.ForceReprocess(context.Background(), nil, false)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	stats, err := d.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.Equal(t, 1, cache.sets)

	_, err = d.RunOnce(context.Background())
	require.NoError(t, err)

	// cached value is served until invalidated
	stats, err = d.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)

	clock.Advance(48 * time.Hour)
	purged, err := d.Purge(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	stats, err = d.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestDispatcherStartStopDrainsQueue(t *testing.T) {
	clock := &fixedClock{now: time.Now().UTC()}
	store := newOutboxStoreStub(
		testEvent("e1", models.PriorityNormal, clock.now),
		testEvent("e2", models.PriorityHigh, clock.now),
	)
	pub := &publisherStub{}
	d := NewOutboxDispatcher(store, pub, DispatcherConfig{
		Enabled:      true,
		WorkerID:     "w",
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	}, nil, WithDispatcherClock(clock.Now))

	d.Start(context.Background())
	require.Eventually(t, func() bool { return pub.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, d.Status().Running)
	d.Stop()
	assert.False(t, d.Status().Running)
	assert.True(t, store.get("e1").Processed)
	assert.True(t, store.get("e2").Processed)
}
