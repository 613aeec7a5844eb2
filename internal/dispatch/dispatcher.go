// Package dispatch runs event-triggered workflow functions made of
// checkpointed steps. Runs and step outputs are journaled so an interrupted
// run resumes where it stopped, and each function has a concurrency ceiling.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jacklau/reviewbot/internal/pubsub"
	"github.com/jacklau/reviewbot/internal/retry"
)

// DefaultConcurrency is the per-function ceiling when Function.Concurrency is unset.
const DefaultConcurrency = 5

// DefaultLease is how long a claimed run stays reserved without renewal.
const DefaultLease = 30 * time.Second

var (
	ErrNotStarted   = errors.New("dispatcher not started")
	ErrStopped      = errors.New("dispatcher stopped")
	ErrUnknownEvent = errors.New("no function registered for event")
	// ErrRunClaimed means another dispatcher sharing the journal holds the run.
	ErrRunClaimed = errors.New("run is held by another dispatcher")
	// ErrLeaseLost means the run's lease was taken over while it executed.
	ErrLeaseLost = errors.New("run lease lost")
)

// Handler is the body of a Function.
type Handler func(ctx context.Context, run *Run) error

// Function is a workflow triggered by an event.
type Function struct {
	ID          string
	Event       string
	Concurrency int
	// Retry is the default policy of every step. The zero value means retry.DefaultPolicy.
	Retry   retry.Policy
	Handler Handler
}

// RunUpdate is published on the broker whenever a run changes state.
type RunUpdate struct {
	RunID      string
	FunctionID string
	Event      string
	Status     RunStatus
	Error      string
}

// Options configures a Dispatcher.
type Options struct {
	Journal Journal
	Logger  *slog.Logger
	Broker  *pubsub.Broker[RunUpdate]
	// Owner identifies this dispatcher in the journal. Defaults to a random ID.
	Owner string
	// Lease bounds how long a run stays claimed by a dispatcher that stopped
	// renewing it. Pending runs are also rescanned at this interval.
	Lease time.Duration
}

type registered struct {
	fn  Function
	sem *semaphore.Weighted
}

// execution tracks one run inside this process.
type execution struct {
	id        string
	scheduled bool
	done      chan struct{}
	err       error
}

// Dispatcher routes events to registered functions and executes their runs.
type Dispatcher struct {
	journal Journal
	logger  *slog.Logger
	broker  *pubsub.Broker[RunUpdate]
	owner   string
	lease   time.Duration

	mu      sync.Mutex
	funcs   map[string]*registered
	byEvent map[string][]*registered
	execs   map[string]*execution
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Dispatcher. A nil journal defaults to an in-memory one.
func New(opts Options) *Dispatcher {
	if opts.Journal == nil {
		opts.Journal = NewMemoryJournal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Broker == nil {
		opts.Broker = pubsub.NewBroker[RunUpdate]()
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	return &Dispatcher{
		journal: opts.Journal,
		logger:  opts.Logger.With("owner", opts.Owner),
		broker:  opts.Broker,
		owner:   opts.Owner,
		lease:   opts.Lease,
		funcs:   make(map[string]*registered),
		byEvent: make(map[string][]*registered),
		execs:   make(map[string]*execution),
	}
}

// Broker returns the broker run updates are published on.
func (d *Dispatcher) Broker() *pubsub.Broker[RunUpdate] {
	return d.broker
}

// Register adds a function. IDs must be unique.
func (d *Dispatcher) Register(fn Function) error {
	if fn.ID == "" || fn.Event == "" || fn.Handler == nil {
		return errors.New("function requires an id, an event and a handler")
	}
	if fn.Concurrency <= 0 {
		fn.Concurrency = DefaultConcurrency
	}
	if fn.Retry.MaxAttempts <= 0 {
		fn.Retry = retry.DefaultPolicy
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.funcs[fn.ID]; ok {
		return fmt.Errorf("function %q already registered", fn.ID)
	}
	r := &registered{fn: fn, sem: semaphore.NewWeighted(int64(fn.Concurrency))}
	d.funcs[fn.ID] = r
	d.byEvent[fn.Event] = append(d.byEvent[fn.Event], r)
	return nil
}

// Handle refers to the runs created by one Emit.
type Handle struct {
	RunIDs []string
	execs  []*execution
}

// Wait blocks until every run of the handle finished in this process or ctx
// is done. It returns the joined errors of failed or interrupted runs. A run
// taken over by another dispatcher reports ErrRunClaimed.
func (h *Handle) Wait(ctx context.Context) error {
	var errs []error
	for _, e := range h.execs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			if e.err != nil {
				errs = append(errs, fmt.Errorf("run %s: %w", e.id, e.err))
			}
		}
	}
	return errors.Join(errs...)
}

// Emit records one queued run per function registered for event and
// schedules them. Runs emitted before Start execute once Start is called.
func (d *Dispatcher) Emit(ctx context.Context, event string, payload any) (*Handle, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	targets := append([]*registered(nil), d.byEvent[event]...)
	d.mu.Unlock()

	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	h := &Handle{}
	for _, t := range targets {
		now := time.Now().UTC()
		rec := RunRecord{
			ID:         uuid.NewString(),
			FunctionID: t.fn.ID,
			Event:      event,
			Payload:    raw,
			Status:     RunQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := d.journal.CreateRun(ctx, rec); err != nil {
			return h, fmt.Errorf("recording run for %s: %w", t.fn.ID, err)
		}
		d.publish(rec, RunQueued, "")
		d.logger.Info("run queued", "run_id", rec.ID, "function", rec.FunctionID, "event", event)

		e := d.track(rec.ID)
		h.RunIDs = append(h.RunIDs, rec.ID)
		h.execs = append(h.execs, e)
		d.schedule(rec)
	}
	return h, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		return raw, nil
	}
}

// track returns the execution for id, creating it if needed.
func (d *Dispatcher) track(id string) *execution {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.execs[id]
	if !ok {
		e = &execution{id: id, done: make(chan struct{})}
		d.execs[id] = e
	}
	return e
}

// schedule starts rec in a goroutine if the dispatcher is running and the
// run is not already scheduled. It reports whether a goroutine was started.
func (d *Dispatcher) schedule(rec RunRecord) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.stopped {
		return false
	}
	e, ok := d.execs[rec.ID]
	if !ok {
		e = &execution{id: rec.ID, done: make(chan struct{})}
		d.execs[rec.ID] = e
	}
	if e.scheduled {
		return false
	}
	e.scheduled = true
	d.wg.Add(1)
	r, ok := d.funcs[rec.FunctionID]
	if !ok {
		go d.executeUnknown(d.ctx, rec, e)
		return true
	}
	go d.execute(d.ctx, r, rec, e)
	return true
}

// executeUnknown fails a journaled run whose function is not registered here.
func (d *Dispatcher) executeUnknown(ctx context.Context, rec RunRecord, e *execution) {
	defer d.wg.Done()
	now := time.Now().UTC()
	ok, err := d.journal.ClaimRun(context.WithoutCancel(ctx), rec.ID, d.owner, now, now.Add(d.lease))
	if err != nil || !ok {
		d.settle(e, claimError(err))
		return
	}
	d.finish(rec, e, RunFailed, fmt.Errorf("function %q is not registered", rec.FunctionID))
}

func claimError(err error) error {
	if err != nil {
		return fmt.Errorf("claiming run: %w", err)
	}
	return ErrRunClaimed
}

// Start begins executing runs and resumes every queued or running run of the
// journal that is not leased to another live dispatcher. While started it
// rescans the journal once per lease period.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.started = true
	nfuncs := len(d.funcs)
	d.wg.Add(1)
	go d.sweep(d.ctx)
	d.mu.Unlock()

	resumed, err := d.resume(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("dispatcher started", "functions", nfuncs, "resumed", resumed)
	return nil
}

// resume schedules every pending run this dispatcher may claim.
func (d *Dispatcher) resume(ctx context.Context) (int, error) {
	pending, err := d.journal.PendingRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading pending runs: %w", err)
	}
	now := time.Now()
	n := 0
	for _, rec := range pending {
		if !rec.Claimable(d.owner, now) {
			d.logger.Debug("skipping run leased elsewhere", "run_id", rec.ID, "holder", rec.Owner)
			continue
		}
		if !d.schedule(rec) {
			continue
		}
		n++
		if rec.Status == RunRunning {
			d.logger.Info("resuming interrupted run", "run_id", rec.ID, "function", rec.FunctionID)
		}
	}
	return n, nil
}

// sweep picks up runs queued by other processes and runs whose holder
// stopped renewing its lease.
func (d *Dispatcher) sweep(ctx context.Context) {
	defer d.wg.Done()
	t := time.NewTicker(d.lease)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := d.resume(ctx)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("failed to scan pending runs", "error", err)
				}
				continue
			}
			if n > 0 {
				d.logger.Info("picked up pending runs", "count", n)
			}
		}
	}
}

// Stop cancels in-flight runs and waits for them to return or for ctx to end.
// Interrupted runs keep a non-terminal status and resume on the next Start.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs to stop: %w", ctx.Err())
	}
}

// Runs lists recent runs, newest first.
func (d *Dispatcher) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	return d.journal.RecentRuns(ctx, limit)
}

func (d *Dispatcher) execute(ctx context.Context, r *registered, rec RunRecord, e *execution) {
	defer d.wg.Done()

	logger := d.logger.With("run_id", rec.ID, "function", rec.FunctionID)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		d.interrupt(rec, e, logger)
		return
	}
	defer r.sem.Release(1)

	bg := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	claimed, err := d.journal.ClaimRun(bg, rec.ID, d.owner, now, now.Add(d.lease))
	if err != nil || !claimed {
		if err != nil {
			logger.Warn("failed to claim run", "error", err)
		} else {
			logger.Debug("run claimed by another dispatcher")
		}
		d.settle(e, claimError(err))
		return
	}

	runsInFlight.WithLabelValues(rec.FunctionID).Inc()
	defer runsInFlight.WithLabelValues(rec.FunctionID).Dec()

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	d.wg.Add(1)
	go d.renew(runCtx, rec.ID, cancelRun, logger)

	d.publish(rec, RunRunning, "")

	steps, err := d.journal.LoadSteps(bg, rec.ID)
	if err != nil {
		logger.Warn("failed to load journaled steps, running from scratch", "error", err)
		steps = make(map[string]json.RawMessage)
	}

	run := &Run{
		ID:         rec.ID,
		FunctionID: rec.FunctionID,
		Event:      rec.Event,
		Payload:    rec.Payload,
		Resumed:    len(steps) > 0,
		logger:     logger,
		journal:    d.journal,
		policy:     r.fn.Retry,
		memo:       steps,
		seen:       make(map[string]bool),
	}

	logger.Info("run started", "resumed", run.Resumed)
	start := time.Now()
	err = invoke(runCtx, r.fn.Handler, run)
	runDuration.WithLabelValues(rec.FunctionID).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		logger.Info("run completed", "duration", time.Since(start))
		d.finish(rec, e, RunCompleted, nil)
	case errors.Is(context.Cause(runCtx), ErrLeaseLost):
		logger.Warn("run abandoned after losing its lease", "error", err)
		runsTotal.WithLabelValues(rec.FunctionID, "abandoned").Inc()
		d.settle(e, ErrLeaseLost)
	case ctx.Err() != nil:
		d.interrupt(rec, e, logger)
	default:
		logger.Error("run failed", "error", err, "duration", time.Since(start))
		d.finish(rec, e, RunFailed, err)
	}
}

// renew extends the run's lease until ctx ends. Losing the lease cancels
// the run with ErrLeaseLost.
func (d *Dispatcher) renew(ctx context.Context, id string, cancel context.CancelCauseFunc, logger *slog.Logger) {
	defer d.wg.Done()
	t := time.NewTicker(d.lease / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := d.journal.RenewLease(context.WithoutCancel(ctx), id, d.owner, time.Now().UTC().Add(d.lease))
			switch {
			case err != nil:
				logger.Warn("failed to renew run lease", "error", err)
			case !ok:
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}

// invoke calls h and converts a panic into an error.
func invoke(ctx context.Context, h Handler, run *Run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			run.logger.Error("run panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h(ctx, run)
}

func (d *Dispatcher) finish(rec RunRecord, e *execution, status RunStatus, runErr error) {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := d.journal.UpdateRunStatus(context.Background(), rec.ID, status, msg); err != nil {
		d.logger.Warn("failed to record run status", "run_id", rec.ID, "status", status, "error", err)
	}
	runsTotal.WithLabelValues(rec.FunctionID, string(status)).Inc()
	d.publish(rec, status, msg)
	d.settle(e, runErr)
}

// interrupt leaves the journaled status untouched and releases the lease so
// the run resumes on the next Start, here or in another process.
func (d *Dispatcher) interrupt(rec RunRecord, e *execution, logger *slog.Logger) {
	logger.Info("run interrupted by shutdown")
	if err := d.journal.ReleaseRun(context.Background(), rec.ID, d.owner); err != nil {
		logger.Warn("failed to release run lease", "error", err)
	}
	runsTotal.WithLabelValues(rec.FunctionID, "interrupted").Inc()
	d.broker.Publish(pubsub.Interrupted, RunUpdate{
		RunID: rec.ID, FunctionID: rec.FunctionID, Event: rec.Event, Status: RunRunning,
	})
	d.settle(e, ErrStopped)
}

// settle records the outcome of e and forgets it. Handles keep their own
// pointer to e.
func (d *Dispatcher) settle(e *execution, err error) {
	d.mu.Lock()
	e.err = err
	if d.execs[e.id] == e {
		delete(d.execs, e.id)
	}
	d.mu.Unlock()
	close(e.done)
}

func (d *Dispatcher) publish(rec RunRecord, status RunStatus, msg string) {
	var t pubsub.EventType
	switch status {
	case RunQueued:
		t = pubsub.Queued
	case RunRunning:
		t = pubsub.Started
	case RunCompleted:
		t = pubsub.Completed
	case RunFailed:
		t = pubsub.Failed
	}
	d.broker.Publish(t, RunUpdate{
		RunID:      rec.ID,
		FunctionID: rec.FunctionID,
		Event:      rec.Event,
		Status:     status,
		Error:      msg,
	})
}
