package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	sferrors "github.com/randalmurphal/sagaflow/pkg/sagaflow/errors"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/observability"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/registry"
)

// CoordinatorConfig controls leasing and recovery cadence.
type CoordinatorConfig struct {
	// LeaseTTL is how long a claimed instance's lease lasts without
	// renewal. Default 30s.
	LeaseTTL time.Duration

	// Heartbeat is how often an in-flight step renews its instance's
	// lease. Default 10s.
	Heartbeat time.Duration

	// RecoveryScanInterval is how often the coordinator re-scans for
	// non-terminal instances whose lease has expired. Default 30s.
	RecoveryScanInterval time.Duration
}

// DefaultCoordinatorConfig provides reasonable defaults for production use.
var DefaultCoordinatorConfig = CoordinatorConfig{
	LeaseTTL:             30 * time.Second,
	Heartbeat:            10 * time.Second,
	RecoveryScanInterval: 30 * time.Second,
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultCoordinatorConfig.LeaseTTL
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultCoordinatorConfig.Heartbeat
	}
	if c.RecoveryScanInterval <= 0 {
		c.RecoveryScanInterval = DefaultCoordinatorConfig.RecoveryScanInterval
	}
	return c
}

// SubmitOptions customizes a single Submit call.
type SubmitOptions struct {
	// IdempotencyKey, if set, is used as the SagaID. Resubmission with
	// the same key returns the existing saga's id instead of creating a
	// second instance.
	IdempotencyKey string

	// Deadline, if set, becomes the instance's DeadlineAt.
	Deadline *time.Time
}

// Coordinator executes saga definitions against participants reached
// through StepDefinition handlers, persisting every transition to a
// Store so an instance survives a coordinator restart.
type Coordinator struct {
	defs *registry.Registry[string, *Definition]

	store   Store
	cfg     CoordinatorConfig
	ownerID string
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	startMu sync.Mutex
	wg      sync.WaitGroup
	stopCh  chan struct{}
	started bool
}

// NewCoordinator creates a Coordinator persisting to store. ownerID
// identifies this coordinator instance for leasing; pass a stable value
// per process (hostname, pod name) so recovery after a restart claims
// its own abandoned leases promptly.
func NewCoordinator(store Store, ownerID string, cfg CoordinatorConfig) *Coordinator {
	if ownerID == "" {
		ownerID = uuid.NewString()
	}
	return &Coordinator{
		defs:    registry.New[string, *Definition](),
		store:   store,
		cfg:     cfg.withDefaults(),
		ownerID: ownerID,
		logger:  discardLogger,
		metrics: observability.NewMetricsRecorder(),
		spans:   observability.NewSpanManager(),
		stopCh:  make(chan struct{}),
	}
}

// WithLogger sets the coordinator's logger.
func (c *Coordinator) WithLogger(logger *slog.Logger) *Coordinator {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Register adds a saga definition. It must be called before any Submit
// referencing it.
func (c *Coordinator) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	stored := c.defs.GetOrCreate(def.Name, func() *Definition { return def })
	if stored != def {
		return fmt.Errorf("saga definition %q already registered", def.Name)
	}
	return nil
}

// MustRegister registers a definition, panicking on error.
func (c *Coordinator) MustRegister(def *Definition) {
	if err := c.Register(def); err != nil {
		panic(err)
	}
}

func (c *Coordinator) definition(name string) (*Definition, bool) {
	return c.defs.Get(name)
}

// Start performs an initial recovery scan and launches the periodic
// recovery loop. Call once before accepting Submit calls that rely on
// crash recovery from a prior process.
func (c *Coordinator) Start(ctx context.Context) error {
	c.startMu.Lock()
	if c.started {
		c.startMu.Unlock()
		return nil
	}
	c.started = true
	c.startMu.Unlock()

	c.recoverAll(ctx)

	c.wg.Add(1)
	go c.recoveryLoop(ctx)
	return nil
}

// Stop stops accepting new recovery scans and waits for in-flight saga
// drivers to reach a suspension point bounded by their own timeouts.
func (c *Coordinator) Stop(ctx context.Context) error {
	close(c.stopCh)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) recoveryLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RecoveryScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.recoverAll(ctx)
		}
	}
}

// recoverAll scans for non-terminal instances and resumes those this
// coordinator can claim the lease on.
func (c *Coordinator) recoverAll(ctx context.Context) {
	instances, err := c.store.ListNonTerminal(ctx)
	if err != nil {
		c.logger.Error("recovery scan failed", "error", err)
		return
	}
	for _, inst := range instances {
		def, ok := c.definition(inst.DefinitionID)
		if !ok {
			c.logger.Warn("recovery: unknown saga definition, skipping",
				"saga_id", inst.SagaID, "definition_id", inst.DefinitionID)
			continue
		}
		claimed, err := c.store.AcquireLease(ctx, inst.SagaID, c.ownerID, c.cfg.LeaseTTL)
		if err == ErrLeaseHeld {
			continue
		}
		if err != nil {
			c.logger.Error("recovery: lease acquisition failed", "saga_id", inst.SagaID, "error", err)
			continue
		}
		c.logger.Info("recovering saga", "saga_id", claimed.SagaID, "status", claimed.Status)
		c.wg.Add(1)
		go c.drive(ctx, def, claimed)
	}
}

// Submit starts a new saga instance of the named definition and returns
// its saga_id. If opts.IdempotencyKey is set and an instance already
// exists under that id, its saga_id is returned without creating a
// second instance or invoking any participant.
func (c *Coordinator) Submit(ctx context.Context, definitionID string, input []byte, opts SubmitOptions) (string, error) {
	def, ok := c.definition(definitionID)
	if !ok {
		return "", fmt.Errorf("saga definition %q not registered", definitionID)
	}

	sagaID := opts.IdempotencyKey
	if sagaID == "" {
		sagaID = uuid.NewString()
	}

	now := time.Now().UTC()
	inst := &Instance{
		SagaID:           sagaID,
		DefinitionID:     definitionID,
		Status:           StatusStarted,
		CurrentStepIndex: 0,
		StepResults:      make([]StepResult, len(def.Steps)),
		InputPayload:     input,
		OwnerID:          c.ownerID,
		LeaseExpiry:      now.Add(c.cfg.LeaseTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
		DeadlineAt:       opts.Deadline,
	}
	for i, step := range def.Steps {
		inst.StepResults[i] = StepResult{StepName: step.Name, Status: StepPending}
	}

	if err := c.store.Create(ctx, inst); err != nil {
		if err == ErrInstanceExists {
			return sagaID, nil
		}
		return "", err
	}

	observability.LogSagaStart(c.logger, sagaID, definitionID)

	c.wg.Add(1)
	go c.drive(ctx, def, inst)

	return sagaID, nil
}

// GetStatus returns the current projection of a saga instance.
func (c *Coordinator) GetStatus(ctx context.Context, sagaID string) (*Instance, error) {
	return c.store.Get(ctx, sagaID)
}

// Abort moves a saga still in STARTED to ABORTED without invoking any
// step, and any other non-terminal saga straight to COMPENSATING. It
// returns an error if the saga is already terminal.
func (c *Coordinator) Abort(ctx context.Context, sagaID string) error {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return fmt.Errorf("saga %q is already terminal (%s)", sagaID, inst.Status)
	}
	if inst.Status == StatusStarted {
		inst.Status = StatusAborted
		return c.store.Update(ctx, inst)
	}

	claimed, err := c.store.AcquireLease(ctx, sagaID, c.ownerID, c.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	def, ok := c.definition(claimed.DefinitionID)
	if !ok {
		return fmt.Errorf("saga definition %q not registered", claimed.DefinitionID)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.compensate(ctx, def, claimed, "aborted by caller")
	}()
	return nil
}

// drive runs an instance from its persisted state through to a terminal
// status: forward execution if RUNNING/STARTED, compensation if already
// COMPENSATING.
func (c *Coordinator) drive(ctx context.Context, def *Definition, inst *Instance) {
	defer c.wg.Done()

	switch inst.Status {
	case StatusCompensating:
		c.compensate(ctx, def, inst, inst.FailureReason)
	default:
		c.run(ctx, def, inst)
	}
}

// run executes steps in order starting at inst.CurrentStepIndex.
func (c *Coordinator) run(ctx context.Context, def *Definition, inst *Instance) {
	runStart := time.Now()
	if inst.Status == StatusStarted {
		inst.Status = StatusRunning
	}

	for i := inst.CurrentStepIndex; i < len(def.Steps); i++ {
		step := &def.Steps[i]

		if inst.DeadlineAt != nil && !time.Now().Before(*inst.DeadlineAt) {
			c.failStepOnSagaDeadline(ctx, def, inst, i)
			return
		}

		deadline := time.Now().Add(def.stepTimeout(i))
		if inst.DeadlineAt != nil && inst.DeadlineAt.Before(deadline) {
			deadline = *inst.DeadlineAt
		}
		stepCtx, cancel := context.WithDeadline(ctx, deadline)
		spanCtx, span := c.spans.StartStepSpan(stepCtx, step.Name)

		inst.CurrentStepIndex = i
		inst.StepResults[i] = StepResult{
			StepName:  step.Name,
			Status:    StepPending,
			StartedAt: time.Now().UTC(),
		}
		if err := c.store.Update(ctx, inst); err != nil {
			cancel()
			c.spans.EndSpanWithError(span, err)
			c.logger.Error("persist pre-step state failed", "saga_id", inst.SagaID, "step", step.Name, "error", err)
			return
		}

		stopHeartbeat := c.startHeartbeat(ctx, inst.SagaID)
		invokeStart := time.Now()
		handle, attempts, err := step.Invoke(spanCtx, idempotencyKey(inst.SagaID, i), inst.InputPayload)
		stopHeartbeat()
		cancel()
		c.spans.EndSpanWithError(span, err)
		c.metrics.RecordStepInvocation(ctx, step.Name, time.Since(invokeStart), err)

		inst.StepResults[i].FinishedAt = time.Now().UTC()
		inst.StepResults[i].AttemptCount = attempts

		if err == nil {
			inst.StepResults[i].Status = StepOK
			inst.StepResults[i].Handle = handle
			inst.CurrentStepIndex = i + 1
			if perr := c.store.Update(ctx, inst); perr != nil {
				c.logger.Error("persist post-step state failed", "saga_id", inst.SagaID, "step", step.Name, "error", perr)
				return
			}
			c.logger.Debug("saga step completed", "saga_id", inst.SagaID, "step", step.Name)
			continue
		}

		kind := sferrors.Categorize(err)
		inst.StepResults[i].Status = StepFailed
		inst.StepResults[i].ErrorKind = kind.String()
		inst.StepResults[i].Error = err.Error()
		inst.FailureReason = fmt.Sprintf("step %s: %s", step.Name, err.Error())

		c.logger.Error("saga step failed", "saga_id", inst.SagaID, "step", step.Name, "error_kind", kind.String(), "error", err)

		if kind == sferrors.CategoryFatalInternal {
			// FATAL_INTERNAL: don't attempt compensation, surface for an
			// operator instead of mutating further.
			inst.Status = StatusCompensationFailed
			if perr := c.store.Update(ctx, inst); perr != nil {
				c.logger.Error("persist fatal-internal state failed", "saga_id", inst.SagaID, "error", perr)
			}
			return
		}

		if perr := c.store.Update(ctx, inst); perr != nil {
			c.logger.Error("persist step failure state failed", "saga_id", inst.SagaID, "step", step.Name, "error", perr)
			return
		}
		c.compensate(ctx, def, inst, inst.FailureReason)
		return
	}

	inst.Status = StatusCompleted
	if err := c.store.Update(ctx, inst); err != nil {
		c.logger.Error("persist completion state failed", "saga_id", inst.SagaID, "error", err)
		return
	}
	duration := time.Since(runStart)
	c.metrics.RecordSagaRun(ctx, string(StatusCompleted), duration)
	observability.LogSagaComplete(c.logger, inst.SagaID, float64(duration.Milliseconds()), len(def.Steps))
}

// failStepOnSagaDeadline marks step i TIMEOUT without invoking it because
// inst.DeadlineAt has already passed, then enters compensation. Per
// spec, a saga deadline fails the current step as TIMEOUT rather than
// letting it proceed.
func (c *Coordinator) failStepOnSagaDeadline(ctx context.Context, def *Definition, inst *Instance, i int) {
	step := &def.Steps[i]
	now := time.Now().UTC()
	inst.CurrentStepIndex = i
	inst.StepResults[i] = StepResult{
		StepName:     step.Name,
		Status:       StepFailed,
		ErrorKind:    sferrors.CategoryTimeout.String(),
		Error:        "saga deadline exceeded",
		AttemptCount: 0,
		StartedAt:    now,
		FinishedAt:   now,
	}
	inst.FailureReason = fmt.Sprintf("step %s: saga deadline exceeded", step.Name)
	c.logger.Error("saga step failed", "saga_id", inst.SagaID, "step", step.Name, "error_kind", sferrors.CategoryTimeout.String(), "error", inst.StepResults[i].Error)
	if err := c.store.Update(ctx, inst); err != nil {
		c.logger.Error("persist deadline-exceeded state failed", "saga_id", inst.SagaID, "step", step.Name, "error", err)
		return
	}
	c.compensate(ctx, def, inst, inst.FailureReason)
}

// compensate runs compensation handlers in reverse order from the last
// step with a recorded OK result down to 0, skipping steps that were
// never OK or whose definition has no compensator.
func (c *Coordinator) compensate(ctx context.Context, def *Definition, inst *Instance, reason string) {
	inst.Status = StatusCompensating
	inst.FailureReason = reason
	if err := c.store.Update(ctx, inst); err != nil {
		c.logger.Error("persist compensating state failed", "saga_id", inst.SagaID, "error", err)
		return
	}

	anyFailed := false

	for j := len(inst.StepResults) - 1; j >= 0; j-- {
		if inst.StepResults[j].Status != StepOK {
			continue
		}

		step := &def.Steps[j]
		if step.Compensate == nil {
			inst.StepResults[j].Status = StepCompensated
			if err := c.store.Update(ctx, inst); err != nil {
				c.logger.Error("persist no-op compensation failed", "saga_id", inst.SagaID, "step", step.Name, "error", err)
			}
			continue
		}

		inst.StepResults[j].Status = StepCompensating
		if err := c.store.Update(ctx, inst); err != nil {
			c.logger.Error("persist pre-compensation state failed", "saga_id", inst.SagaID, "step", step.Name, "error", err)
		}

		compCtx, cancel := context.WithTimeout(ctx, def.stepTimeout(j))
		stopHeartbeat := c.startHeartbeat(ctx, inst.SagaID)
		compErr := step.Compensate(compCtx, compensationKey(inst.SagaID, j), inst.StepResults[j].Handle)
		stopHeartbeat()
		cancel()

		if compErr != nil {
			anyFailed = true
			inst.StepResults[j].Status = StepCompensationFailed
			inst.StepResults[j].Error = compErr.Error()
			c.logger.Error("saga compensation failed", "saga_id", inst.SagaID, "step", step.Name, "error", compErr)
		} else {
			inst.StepResults[j].Status = StepCompensated
			c.logger.Debug("saga step compensated", "saga_id", inst.SagaID, "step", step.Name)
		}
		if err := c.store.Update(ctx, inst); err != nil {
			c.logger.Error("persist compensation result failed", "saga_id", inst.SagaID, "step", step.Name, "error", err)
		}
	}

	if anyFailed {
		inst.Status = StatusCompensationFailed
	} else {
		inst.Status = StatusCompensated
	}
	if err := c.store.Update(ctx, inst); err != nil {
		c.logger.Error("persist final compensation state failed", "saga_id", inst.SagaID, "error", err)
		return
	}
	observability.LogSagaCompensated(c.logger, inst.SagaID, 0, inst.FailureReason)
}

// startHeartbeat renews the instance's lease every Heartbeat interval
// for the duration of a long adapter call. The returned func stops it.
func (c *Coordinator) startHeartbeat(ctx context.Context, sagaID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := c.store.AcquireLease(ctx, sagaID, c.ownerID, c.cfg.LeaseTTL); err != nil {
					c.logger.Warn("lease heartbeat failed", "saga_id", sagaID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
