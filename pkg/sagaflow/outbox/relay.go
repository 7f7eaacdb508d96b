package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/sagaflow/pkg/sagaflow/eventbus"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/observability"
)

// RelayConfig controls the Relay's poll cadence and batching.
type RelayConfig struct {
	// PollInterval is how often the Relay checks for PENDING rows.
	// Default 1s.
	PollInterval time.Duration

	// BatchSize is the max rows fetched per poll. Default 100.
	BatchSize int

	// DeadThreshold is the attempt_count at which a row is marked DEAD
	// instead of retried further. Default 50.
	DeadThreshold int

	// MaxConcurrentGroups bounds how many aggregate_id groups publish in
	// parallel within one batch. Default 8.
	MaxConcurrentGroups int
}

// DefaultRelayConfig provides reasonable polling and batching defaults.
var DefaultRelayConfig = RelayConfig{
	PollInterval:        time.Second,
	BatchSize:           100,
	DeadThreshold:       50,
	MaxConcurrentGroups: 8,
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultRelayConfig.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultRelayConfig.BatchSize
	}
	if c.DeadThreshold <= 0 {
		c.DeadThreshold = DefaultRelayConfig.DeadThreshold
	}
	if c.MaxConcurrentGroups <= 0 {
		c.MaxConcurrentGroups = DefaultRelayConfig.MaxConcurrentGroups
	}
	return c
}

// Relay is the background worker that drains one participant's pending
// outbox rows to an event bus. It runs independently of the saga
// coordinator, grouping each poll's batch by AggregateID and publishing
// each group serially (in created_at order) while different groups
// publish in parallel, preserving each aggregate's event ordering.
type Relay struct {
	store         Store
	bus           eventbus.Bus
	aggregateType string
	cfg           RelayConfig
	logger        *slog.Logger
	metrics       observability.MetricsRecorder

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRelay creates a Relay draining store to bus. aggregateType labels
// this participant's rows in logs and metrics (e.g. "order",
// "inventory", "payment").
func NewRelay(store Store, bus eventbus.Bus, aggregateType string, cfg RelayConfig) *Relay {
	return &Relay{
		store:         store,
		bus:           bus,
		aggregateType: aggregateType,
		cfg:           cfg.withDefaults(),
		logger:        discardLogger,
		metrics:       observability.NewMetricsRecorder(),
	}
}

// WithLogger sets the relay's logger.
func (r *Relay) WithLogger(logger *slog.Logger) *Relay {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// WithMetrics overrides the default OTel-backed metrics recorder.
func (r *Relay) WithMetrics(m observability.MetricsRecorder) *Relay {
	if m != nil {
		r.metrics = m
	}
	return r
}

// Start begins polling on a ticker. It is a no-op if already running.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop halts polling and waits for any in-flight batch to finish.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.processBatch(ctx)
		}
	}
}

// ProcessOnce runs a single poll synchronously, for tests and for
// draining a backlog without waiting on the ticker.
func (r *Relay) ProcessOnce(ctx context.Context) {
	r.processBatch(ctx)
}

func (r *Relay) processBatch(ctx context.Context) {
	rows, err := r.store.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("outbox fetch pending failed", "aggregate_type", r.aggregateType, "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	groups := groupByAggregate(rows)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrentGroups)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			r.publishGroup(gctx, group)
			return nil
		})
	}
	_ = g.Wait()
}

// groupByAggregate partitions rows by AggregateID, preserving the
// relative (created_at, event_id) order FetchPending already returned
// within each group.
func groupByAggregate(rows []*Row) map[string][]*Row {
	groups := make(map[string][]*Row)
	for _, row := range rows {
		groups[row.AggregateID] = append(groups[row.AggregateID], row)
	}
	return groups
}

// publishGroup publishes one aggregate's rows strictly in order: a
// publish failure stops that group's batch early rather than racing
// ahead and violating per-aggregate ordering, leaving the remaining rows
// PENDING for the next poll.
func (r *Relay) publishGroup(ctx context.Context, rows []*Row) {
	for _, row := range rows {
		if !r.publishOne(ctx, row) {
			return
		}
	}
}

// publishOne returns whether publishing succeeded, so publishGroup can
// stop the rest of an aggregate's batch on the first failure.
func (r *Relay) publishOne(ctx context.Context, row *Row) bool {
	evt := eventbus.NewAny(row.EventType, r.aggregateType, row.AggregateID, json.RawMessage(row.Payload),
		eventbus.WithEventID(row.EventID), eventbus.WithTimestamp(row.CreatedAt))

	if err := r.bus.Publish(ctx, evt); err != nil {
		status, merr := r.store.MarkFailed(ctx, row.EventID, r.cfg.DeadThreshold)
		if merr != nil {
			r.logger.Error("outbox mark failed error", "event_id", row.EventID, "error", merr)
			return false
		}
		r.metrics.RecordOutboxPublish(ctx, r.aggregateType, false, row.AttemptCount+1)
		if status == StatusDead {
			observability.LogOutboxDead(r.logger, row.EventID, row.AggregateID, row.AttemptCount+1, err)
		} else {
			r.logger.Warn("outbox publish failed, will retry", "event_id", row.EventID, "aggregate_id", row.AggregateID, "error", err)
		}
		return false
	}

	if err := r.store.MarkDelivered(ctx, row.EventID, time.Now().UTC()); err != nil {
		r.logger.Error("outbox mark delivered failed", "event_id", row.EventID, "error", err)
		return false
	}
	r.metrics.RecordOutboxPublish(ctx, r.aggregateType, true, row.AttemptCount+1)
	observability.LogOutboxDelivered(r.logger, row.EventID, row.AggregateID, row.AttemptCount+1)
	return true
}

var discardLogger = slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
