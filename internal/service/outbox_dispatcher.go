package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-admission-api/internal/models"
	"github.com/noah-isme/sma-admission-api/internal/repository"
	appErrors "github.com/noah-isme/sma-admission-api/pkg/errors"
	"github.com/noah-isme/sma-admission-api/pkg/jobs"
	"github.com/noah-isme/sma-admission-api/pkg/messaging"
)

const (
	outboxStatsCacheKey  = "admissions:outbox:stats"
	maxDispatchBatchSize = 1000
	jobTypeDispatch      = "outbox.dispatch"
)

type outboxStore interface {
	FetchReady(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error)
	Claim(ctx context.Context, id, owner string, now time.Time) (*models.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id, owner string, now time.Time) error
	MarkFailed(ctx context.Context, params repository.OutboxFailureParams) error
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
	ForceReprocess(ctx context.Context, params repository.ReprocessParams) (int64, error)
	Stats(ctx context.Context, now time.Time) (*models.OutboxStats, error)
	ListFailed(ctx context.Context, limit, offset int) ([]models.OutboxEvent, error)
	PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error)
}

type leaseStore interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// DispatcherConfig tunes the outbox dispatcher.
type DispatcherConfig struct {
	Enabled         bool
	WorkerID        string
	Workers         int
	BatchSize       int
	PollInterval    time.Duration
	DispatchTimeout time.Duration
	StaleThreshold  time.Duration
	SweepInterval   time.Duration
	MaxBackoff      time.Duration
	StatsCacheTTL   time.Duration
	SweepLeaseKey   string
}

func (c DispatcherConfig) normalize() DispatcherConfig {
	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "dispatcher"
		}
		c.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchSize > maxDispatchBatchSize {
		c.BatchSize = maxDispatchBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	// a claim may only be considered stale once its publish attempt has timed out
	if c.StaleThreshold <= c.DispatchTimeout {
		c.StaleThreshold = 2 * c.DispatchTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 24 * time.Hour
	}
	if c.StatsCacheTTL <= 0 {
		c.StatsCacheTTL = 15 * time.Second
	}
	if c.SweepLeaseKey == "" {
		c.SweepLeaseKey = "admissions:outbox:sweeper"
	}
	return c
}

// RetryDelay is the wait before attempt retryCount+1: 2^retryCount minutes, capped.
func RetryDelay(retryCount int, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(retryCount)) * time.Minute
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// DispatchSummary tallies one RunOnce pass.
type DispatchSummary struct {
	Fetched     int `json:"fetched"`
	Delivered   int `json:"delivered"`
	Retrying    int `json:"retrying"`
	Quarantined int `json:"quarantined"`
	ClaimLost   int `json:"claimLost"`
	Errors      int `json:"errors"`
}

func (s *DispatchSummary) add(outcome string, err error) {
	if err != nil {
		s.Errors++
		return
	}
	switch outcome {
	case DispatchDelivered:
		s.Delivered++
	case DispatchRetrying:
		s.Retrying++
	case DispatchQuarantined:
		s.Quarantined++
	case DispatchClaimLost:
		s.ClaimLost++
	}
}

// DispatcherStatus reports the live state of this dispatcher instance.
type DispatcherStatus struct {
	WorkerID        string     `json:"workerId"`
	Enabled         bool       `json:"enabled"`
	Running         bool       `json:"running"`
	Workers         int        `json:"workers"`
	BatchSize       int        `json:"batchSize"`
	InFlight        int        `json:"inFlight"`
	PollInterval    string     `json:"pollInterval"`
	DispatchTimeout string     `json:"dispatchTimeout"`
	StaleThreshold  string     `json:"staleThreshold"`
	LastPollAt      *time.Time `json:"lastPollAt,omitempty"`
	LastSweepAt     *time.Time `json:"lastSweepAt,omitempty"`
}

// OutboxDispatcher drains the outbox table into the message broker.
type OutboxDispatcher struct {
	store     outboxStore
	publisher messaging.Publisher
	leases    leaseStore
	cache     statsCache
	metrics   *MetricsService
	logger    *zap.Logger
	now       func() time.Time
	cfg       DispatcherConfig

	mu          sync.RWMutex
	enabled     bool
	batchSize   int
	lastPollAt  *time.Time
	lastSweepAt *time.Time

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	lifecycle sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	queue     *jobs.Queue
}

// OutboxDispatcherOption configures the dispatcher.
type OutboxDispatcherOption func(*OutboxDispatcher)

// WithDispatcherLeases coordinates the stale sweep across instances.
func WithDispatcherLeases(leases leaseStore) OutboxDispatcherOption {
	return func(d *OutboxDispatcher) {
		d.leases = leases
	}
}

// WithDispatcherStatsCache caches Stats results.
func WithDispatcherStatsCache(cache statsCache) OutboxDispatcherOption {
	return func(d *OutboxDispatcher) {
		d.cache = cache
	}
}

// WithDispatcherMetrics attaches instrumentation.
func WithDispatcherMetrics(metrics *MetricsService) OutboxDispatcherOption {
	return func(d *OutboxDispatcher) {
		d.metrics = metrics
	}
}

// WithDispatcherClock overrides the time source.
func WithDispatcherClock(now func() time.Time) OutboxDispatcherOption {
	return func(d *OutboxDispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewOutboxDispatcher constructs a dispatcher. It does not start polling.
func NewOutboxDispatcher(store outboxStore, publisher messaging.Publisher, cfg DispatcherConfig, logger *zap.Logger, opts ...OutboxDispatcherOption) *OutboxDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()
	d := &OutboxDispatcher{
		store:     store,
		publisher: publisher,
		logger:    logger.With(zap.String("worker_id", cfg.WorkerID)),
		now:       func() time.Time { return time.Now().UTC() },
		cfg:       cfg,
		enabled:   cfg.Enabled,
		batchSize: cfg.BatchSize,
		inFlight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// WorkerID names this instance. It holds the sweep lease and prefixes every claim token.
func (d *OutboxDispatcher) WorkerID() string {
	return d.cfg.WorkerID
}

// Config returns the normalised configuration.
func (d *OutboxDispatcher) Config() DispatcherConfig {
	return d.cfg
}

// Start launches the poll loop, the worker pool and the stale sweeper.
func (d *OutboxDispatcher) Start(ctx context.Context) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.queue = jobs.NewQueue("outbox", d.handleJob, jobs.QueueConfig{
		Workers:    d.cfg.Workers,
		BufferSize: d.cfg.BatchSize * 2,
		Logger:     d.logger,
		Done: func(job jobs.Job, _ error) {
			d.release(job.ID)
		},
	})
	d.queue.Start(runCtx)

	d.wg.Add(2)
	go d.pollLoop(runCtx)
	go d.sweepLoop(runCtx)
	d.running = true
	d.logger.Info("outbox dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("batch_size", d.BatchSize()),
		zap.Duration("poll_interval", d.cfg.PollInterval))
}

// Stop halts polling and waits for in-flight deliveries to finish.
func (d *OutboxDispatcher) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if !d.running {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.queue.Stop()
	d.running = false
	if d.leases != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.leases.Release(ctx, d.cfg.SweepLeaseKey, d.cfg.WorkerID); err != nil {
			d.logger.Warn("release sweep lease failed", zap.Error(err))
		}
		cancel()
	}
	d.logger.Info("outbox dispatcher stopped")
}

func (d *OutboxDispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *OutboxDispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("outbox sweep failed", zap.Error(err))
			}
		}
	}
}

// poll hands ready rows to the worker pool, skipping rows already queued here.
func (d *OutboxDispatcher) poll(ctx context.Context) {
	if !d.Enabled() || ctx.Err() != nil {
		return
	}
	now := d.now()
	d.mu.Lock()
	d.lastPollAt = &now
	d.mu.Unlock()

	events, err := d.store.FetchReady(ctx, now, d.BatchSize())
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("fetch ready outbox events failed", zap.Error(err))
		}
		return
	}
	for _, event := range events {
		if !d.track(event.ID) {
			continue
		}
		err := d.queue.TryEnqueue(jobs.Job{ID: event.ID, Type: jobTypeDispatch, Payload: event.EventType})
		if err != nil {
			d.release(event.ID)
			if !errors.Is(err, jobs.ErrQueueFull) {
				d.logger.Warn("enqueue outbox event failed", zap.String("event_id", event.ID), zap.Error(err))
			}
			return
		}
	}
}

func (d *OutboxDispatcher) handleJob(ctx context.Context, job jobs.Job) error {
	_, err := d.process(ctx, job.ID)
	return err
}

func (d *OutboxDispatcher) track(id string) bool {
	d.inFlightMu.Lock()
	defer d.inFlightMu.Unlock()
	if _, ok := d.inFlight[id]; ok {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *OutboxDispatcher) release(id string) {
	d.inFlightMu.Lock()
	delete(d.inFlight, id)
	d.inFlightMu.Unlock()
}

// RunOnce drains one batch synchronously with bounded concurrency.
func (d *OutboxDispatcher) RunOnce(ctx context.Context) (DispatchSummary, error) {
	var summary DispatchSummary
	if !d.Enabled() {
		return summary, nil
	}
	events, err := d.store.FetchReady(ctx, d.now(), d.BatchSize())
	if err != nil {
		return summary, fmt.Errorf("fetch ready outbox events: %w", err)
	}
	summary.Fetched = len(events)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, event := range events {
		id := event.ID
		g.Go(func() error {
			outcome, err := d.process(gctx, id)
			mu.Lock()
			summary.add(outcome, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return summary, nil
}

// process claims one row, publishes it and records the outcome.
func (d *OutboxDispatcher) process(ctx context.Context, id string) (string, error) {
	owner := d.claimToken()
	event, err := d.store.Claim(ctx, id, owner, d.now())
	if err != nil {
		d.logger.Warn("claim outbox event failed", zap.String("event_id", id), zap.Error(err))
		return "", err
	}
	if event == nil {
		d.metrics.RecordClaimConflict()
		return DispatchClaimLost, nil
	}

	msg, err := outboxMessage(event)
	var elapsed time.Duration
	if err == nil {
		pubCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
		start := time.Now()
		err = d.publisher.Publish(pubCtx, msg)
		elapsed = time.Since(start)
		cancel()
	}

	// row bookkeeping must land even when shutdown cancelled ctx mid-publish
	finishCtx := context.WithoutCancel(ctx)
	if err == nil {
		return d.finishDelivered(finishCtx, event, owner, elapsed)
	}
	return d.finishFailed(finishCtx, event, owner, err, elapsed)
}

// claimToken names a single claim. Two attempts on the same row from this
// instance never share a token, so a swept attempt cannot complete a newer claim.
func (d *OutboxDispatcher) claimToken() string {
	return d.cfg.WorkerID + "/" + uuid.NewString()
}

func (d *OutboxDispatcher) finishDelivered(ctx context.Context, event *models.OutboxEvent, owner string, elapsed time.Duration) (string, error) {
	if err := d.store.MarkProcessed(ctx, event.ID, owner, d.now()); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			// delivered but the claim was swept; the new owner will publish again
			d.metrics.RecordDispatch(event.EventType, DispatchClaimLost, elapsed)
			d.logger.Warn("outbox claim lost after delivery", zap.String("event_id", event.ID))
			return DispatchClaimLost, nil
		}
		d.logger.Error("mark outbox event processed failed", zap.String("event_id", event.ID), zap.Error(err))
		return "", err
	}
	d.metrics.RecordDispatch(event.EventType, DispatchDelivered, elapsed)
	d.logger.Debug("outbox event delivered",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("aggregate_id", event.AggregateID),
		zap.Duration("elapsed", elapsed))
	return DispatchDelivered, nil
}

func (d *OutboxDispatcher) finishFailed(ctx context.Context, event *models.OutboxEvent, owner string, cause error, elapsed time.Duration) (string, error) {
	now := d.now()
	retryCount := event.RetryCount + 1
	params := repository.OutboxFailureParams{
		ID:           event.ID,
		Owner:        owner,
		RetryCount:   retryCount,
		LastError:    truncateError(cause.Error(), 1000),
		ErrorDetails: fmt.Sprintf("attempt %d of %d failed after %s: %T", retryCount, event.MaxRetries, elapsed.Round(time.Millisecond), cause),
		At:           now,
	}
	outcome := DispatchQuarantined
	if retryCount < event.MaxRetries {
		next := now.Add(RetryDelay(retryCount, d.cfg.MaxBackoff))
		params.NextAttempt = &next
		outcome = DispatchRetrying
	}
	if err := d.store.MarkFailed(ctx, params); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			d.metrics.RecordDispatch(event.EventType, DispatchClaimLost, elapsed)
			return DispatchClaimLost, nil
		}
		d.logger.Error("mark outbox event failed", zap.String("event_id", event.ID), zap.Error(err))
		return "", err
	}
	d.metrics.RecordDispatch(event.EventType, outcome, elapsed)

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.Int("retry_count", retryCount),
		zap.Int("max_retries", event.MaxRetries),
		zap.Error(cause),
	}
	if params.NextAttempt != nil {
		d.logger.Warn("outbox delivery failed, retry scheduled", append(fields, zap.Time("next_attempt", *params.NextAttempt))...)
	} else {
		d.logger.Error("outbox delivery failed permanently", fields...)
	}
	return outcome, nil
}

// Sweep returns claims abandoned by crashed workers to the ready set. Only
// the holder of the sweep lease runs it.
func (d *OutboxDispatcher) Sweep(ctx context.Context) (int64, error) {
	if d.leases != nil {
		ok, err := d.leases.Acquire(ctx, d.cfg.SweepLeaseKey, d.cfg.WorkerID, 2*d.cfg.SweepInterval)
		if err != nil {
			return 0, fmt.Errorf("acquire sweep lease: %w", err)
		}
		if !ok {
			return 0, nil
		}
	}
	now := d.now()
	released, err := d.store.ReleaseStale(ctx, now.Add(-d.cfg.StaleThreshold))
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.lastSweepAt = &now
	d.mu.Unlock()
	if released > 0 {
		d.metrics.RecordStaleReclaimed(released)
		d.logger.Warn("released stale outbox claims", zap.Int64("count", released), zap.Duration("threshold", d.cfg.StaleThreshold))
	}
	return released, nil
}

// Enable resumes polling.
func (d *OutboxDispatcher) Enable() {
	d.mu.Lock()
	d.enabled = true
	d.mu.Unlock()
	d.logger.Info("outbox dispatcher enabled")
}

// Disable pauses polling. Deliveries already claimed finish normally.
func (d *OutboxDispatcher) Disable() {
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()
	d.logger.Info("outbox dispatcher disabled")
}

// Enabled reports whether polling is active.
func (d *OutboxDispatcher) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// BatchSize is the current poll limit.
func (d *OutboxDispatcher) BatchSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.batchSize
}

// SetBatchSize changes how many rows each poll selects.
func (d *OutboxDispatcher) SetBatchSize(size int) error {
	if size <= 0 || size > maxDispatchBatchSize {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("batch size must be between 1 and %d", maxDispatchBatchSize))
	}
	d.mu.Lock()
	d.batchSize = size
	d.mu.Unlock()
	d.logger.Info("outbox batch size updated", zap.Int("batch_size", size))
	return nil
}

// ForceReprocess resets the retry budget of the given events, or of every
// permanently failed event when all is set.
func (d *OutboxDispatcher) ForceReprocess(ctx context.Context, ids []string, all bool) (int64, error) {
	if len(ids) == 0 && !all {
		return 0, appErrors.Clone(appErrors.ErrValidation, "provide event ids or set all")
	}
	n, err := d.store.ForceReprocess(ctx, repository.ReprocessParams{IDs: ids, AllFailed: all && len(ids) == 0, Now: d.now()})
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reprocess outbox events")
	}
	d.invalidateStats(ctx)
	d.logger.Info("outbox events reset for reprocessing", zap.Int64("count", n), zap.Int("ids", len(ids)), zap.Bool("all", all))
	return n, nil
}

// Stats summarises the outbox table, served from cache when fresh.
func (d *OutboxDispatcher) Stats(ctx context.Context) (*models.OutboxStats, error) {
	if d.cache != nil {
		var cached models.OutboxStats
		if hit, err := d.cache.Get(ctx, outboxStatsCacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}
	stats, err := d.store.Stats(ctx, d.now())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute outbox stats")
	}
	d.metrics.SetOutboxStats(stats)
	if d.cache != nil {
		_ = d.cache.Set(ctx, outboxStatsCacheKey, stats, d.cfg.StatsCacheTTL)
	}
	return stats, nil
}

// FailedEvents lists permanently failed events.
func (d *OutboxDispatcher) FailedEvents(ctx context.Context, limit, offset int) ([]models.OutboxEvent, error) {
	events, err := d.store.ListFailed(ctx, limit, offset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list failed outbox events")
	}
	return events, nil
}

// Purge deletes delivered rows older than retention.
func (d *OutboxDispatcher) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "retention must be positive")
	}
	n, err := d.store.PurgeProcessed(ctx, d.now().Add(-retention))
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to purge outbox events")
	}
	d.invalidateStats(ctx)
	d.logger.Info("purged processed outbox events", zap.Int64("count", n), zap.Duration("retention", retention))
	return n, nil
}

// Status reports the live configuration and activity of this instance.
func (d *OutboxDispatcher) Status() DispatcherStatus {
	d.lifecycle.Lock()
	running := d.running
	d.lifecycle.Unlock()

	d.inFlightMu.Lock()
	inFlight := len(d.inFlight)
	d.inFlightMu.Unlock()

	d.mu.RLock()
	defer d.mu.RUnlock()
	return DispatcherStatus{
		WorkerID:        d.cfg.WorkerID,
		Enabled:         d.enabled,
		Running:         running,
		Workers:         d.cfg.Workers,
		BatchSize:       d.batchSize,
		InFlight:        inFlight,
		PollInterval:    d.cfg.PollInterval.String(),
		DispatchTimeout: d.cfg.DispatchTimeout.String(),
		StaleThreshold:  d.cfg.StaleThreshold.String(),
		LastPollAt:      d.lastPollAt,
		LastSweepAt:     d.lastSweepAt,
	}
}

func (d *OutboxDispatcher) invalidateStats(ctx context.Context) {
	if d.cache != nil {
		_ = d.cache.Invalidate(ctx, outboxStatsCacheKey)
	}
}

func outboxMessage(event *models.OutboxEvent) (messaging.Message, error) {
	body, err := messaging.JSONBody(event.Payload)
	if err != nil {
		return messaging.Message{}, err
	}
	headers := make(map[string]interface{}, len(event.Headers)+1)
	for k, v := range event.Headers {
		headers[k] = v
	}
	headers["event-version"] = event.EventVersion
	return messaging.Message{
		ID:             event.ID,
		Exchange:       event.ExchangeName,
		RoutingKey:     event.RoutingKey,
		Key:            event.AggregateID,
		EventType:      event.EventType,
		CorrelationID:  stringValue(event.CorrelationID),
		CausationID:    stringValue(event.CausationID),
		IdempotencyKey: stringValue(event.IdempotencyKey),
		Headers:        headers,
		Body:           body,
		Timestamp:      event.CreatedAt,
		Priority:       uint8(event.Priority),
	}, nil
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func truncateError(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	return msg[:max]
}
