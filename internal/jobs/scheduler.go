package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cloudshipai/runner/internal/logging"
)

// meter is the scheduler's metric source. As with the executor's tracer,
// no MeterProvider is registered by default (see cmd/runner/main.go), so
// otel.Meter returns a no-op implementation and these instruments are
// free until OTLP export is wired up.
var meter = otel.Meter("runner.jobs.scheduler")

type cancelReasonKey struct{}

// cancelControl pairs a running job's cancel func with the reason that
// should be attributed to it once the context actually unwinds — set just
// before the func is invoked, so the Executor can tell a Janitor-driven
// timeout apart from an operator cancel even though both work by
// cancelling the same context.
type cancelControl struct {
	cancel context.CancelFunc
	reason atomic.Value // FailureReason
}

// ReasonFromContext reports the reason attached to ctx's cancellation by
// the Scheduler, defaulting to ReasonCancelled if none was recorded (which
// should only happen if ctx was cancelled by something other than the
// Scheduler, e.g. process shutdown).
func ReasonFromContext(ctx context.Context) FailureReason {
	if ctl, ok := ctx.Value(cancelReasonKey{}).(*cancelControl); ok {
		if r, ok := ctl.reason.Load().(FailureReason); ok && r != "" {
			return r
		}
	}
	return ReasonCancelled
}

// RepoResolver answers the two things the executor pipeline needs to know
// about a registered repository: whether it is currently usable as a clone
// source, and where its ready master clone lives on disk. The Scheduler
// asks Ready at dispatch time (spec.md §4.6: "if the popped job has been
// cancelled or its repository is no longer ready, it is transitioned
// directly to a terminal failure state"); the Executor asks Path when
// provisioning the workspace.
type RepoResolver interface {
	Ready(repository string) bool
	Path(repository string) (string, error)
}

// Runner executes one job's full clone→git→index→agent→teardown pipeline.
// It owns transitioning the job out of StateCloning and into a terminal
// state; the Scheduler only handles admission, ordering, and the
// concurrency cap. Implemented by *Executor in executor.go.
type Runner interface {
	Run(ctx context.Context, jobID string)
}

// Scheduler is the concurrency-bounded FIFO queue of spec.md §4.6: a fixed
// pool of workers (size MaxConcurrent) drains the queue, handing each job
// to a Runner and running it to completion before taking another.
type Scheduler struct {
	store         *Store
	queue         *fifo
	repos         RepoResolver
	runner        Runner
	maxConcurrent int

	sem chan struct{}

	mu        sync.Mutex
	cancelFns map[string]*cancelControl

	wg         sync.WaitGroup
	shutdownCh chan struct{}
	shutOnce   sync.Once

	inFlight metric.Int64UpDownCounter
}

// NewScheduler constructs a Scheduler bounded at maxConcurrent simultaneous
// running jobs (spec.md §6 max_concurrent_jobs, default 5).
func NewScheduler(store *Store, repos RepoResolver, runner Runner, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	inFlight, err := meter.Int64UpDownCounter(
		"runner.jobs.in_flight",
		metric.WithDescription("number of jobs currently dispatched to a worker (cloning through teardown)"),
	)
	if err != nil {
		logging.Error("jobs: failed to create in_flight counter: %v", err)
	}

	s := &Scheduler{
		store:         store,
		queue:         newFIFO(),
		repos:         repos,
		runner:        runner,
		maxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
		cancelFns:     make(map[string]*cancelControl),
		shutdownCh:    make(chan struct{}),
		inFlight:      inFlight,
	}

	if _, err := meter.Int64ObservableGauge(
		"runner.jobs.queue_depth",
		metric.WithDescription("number of jobs waiting in the FIFO queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.queue.len()))
			return nil
		}),
	); err != nil {
		logging.Error("jobs: failed to register queue_depth gauge: %v", err)
	}

	return s
}

// Start launches the single dispatch loop. Safe to call once; the loop
// runs until Shutdown's context is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.dispatchLoop(ctx)
}

// Submit admits a job to the tail of the queue, per spec.md §4.6. The job
// must be in state created (no files were staged) or the
// "created-with-files-ready" equivalent — this implementation treats both
// as StateCreated, since file staging never changes Job.State (see
// workspace.Manager.StageFile); only Submit itself advances the state
// machine past creation. Duplicate submission of an already-queued or
// further-along job is rejected.
func (s *Scheduler) Submit(jobID string) error {
	_, err := s.store.Patch(jobID, func(j *Job) {
		if j.State != StateCreated {
			return
		}
		j.State = StateQueued
	})
	if err != nil {
		return err
	}
	snap, err := s.store.Get(jobID)
	if err != nil {
		return err
	}
	if snap.State != StateQueued {
		return &Error{Op: "Submit", Job: jobID, Err: ErrAlreadySubmitted}
	}
	s.queue.push(jobID)
	return nil
}

// QueuePosition returns the job's current 1-based position, or 0 if it is
// not currently queued.
func (s *Scheduler) QueuePosition(jobID string) int {
	return s.queue.position(jobID)
}

// Status returns the job's Snapshot with QueuePosition overlaid from the
// live queue. The Store itself never maintains QueuePosition — bulk
// renumbering every queued job on each push/pop would be needless
// book-keeping when the position can be read straight off the fifo at
// query time.
func (s *Scheduler) Status(jobID string) (Snapshot, error) {
	snap, err := s.store.Get(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.State == StateQueued {
		snap.QueuePosition = s.queue.position(jobID)
	}
	return snap, nil
}

// Len reports the number of jobs currently waiting in the queue.
func (s *Scheduler) Len() int {
	return s.queue.len()
}

// Cancel requests termination of jobID. If the job is still sitting in the
// queue it is removed and transitioned straight to cancelled with no
// workspace ever created (spec.md scenario 4). Otherwise, if a worker is
// currently running it, the worker's context is cancelled and the executor
// is responsible for reaching a terminal state within the grace period.
// Cancel is idempotent: cancelling an already-terminal or already-queued-
// for-cancellation job is a no-op.
func (s *Scheduler) Cancel(jobID string) error {
	if s.queue.remove(jobID) {
		_, err := s.store.Patch(jobID, func(j *Job) {
			if j.State.Terminal() {
				return
			}
			j.State = StateCancelled
			j.Reason = ReasonCancelled
			j.EndedAt = nowFunc()
		})
		return err
	}

	s.mu.Lock()
	ctl, ok := s.cancelFns[jobID]
	s.mu.Unlock()
	if ok {
		ctl.reason.Store(ReasonCancelled)
		ctl.cancel()
	}
	return nil
}

// Timeout force-cancels a running job's context on the Janitor's behalf,
// tagging the eventual terminal transition with reason "timeout" rather
// than "cancelled". A no-op if the job is not currently dispatched (e.g.
// already terminal, or still queued — queue-wait timeouts are not enforced,
// see DESIGN.md).
func (s *Scheduler) Timeout(jobID string) {
	s.mu.Lock()
	ctl, ok := s.cancelFns[jobID]
	s.mu.Unlock()
	if ok {
		ctl.reason.Store(ReasonTimeout)
		ctl.cancel()
	}
}

// Shutdown stops admitting new dispatches and waits (up to the caller's
// context deadline) for in-flight workers to drain.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.shutOnce.Do(func() { close(s.shutdownCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ctx.Done():
			return
		case s.sem <- struct{}{}:
		}

		id, ok := s.queue.popFront()
		if !ok {
			<-s.sem
			select {
			case <-s.queue.notify:
			case <-s.shutdownCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.dispatchOne(ctx, id)
		}(id)
	}
}

func (s *Scheduler) dispatchOne(parent context.Context, id string) {
	snap, err := s.store.Get(id)
	if err != nil || snap.State != StateQueued {
		return // cancelled out from under us between pop and dispatch
	}

	if !s.repos.Ready(snap.Repository) {
		s.store.Patch(id, func(j *Job) {
			if j.State.Terminal() {
				return
			}
			j.State = StateFailed
			j.Reason = ReasonRepoGone
			j.EndedAt = nowFunc()
		})
		return
	}

	runCtx, cancel := context.WithCancel(parent)
	ctl := &cancelControl{cancel: cancel}
	runCtx = context.WithValue(runCtx, cancelReasonKey{}, ctl)
	s.mu.Lock()
	s.cancelFns[id] = ctl
	s.mu.Unlock()
	if s.inFlight != nil {
		s.inFlight.Add(runCtx, 1)
	}
	defer func() {
		s.mu.Lock()
		delete(s.cancelFns, id)
		s.mu.Unlock()
		cancel()
		if s.inFlight != nil {
			s.inFlight.Add(parent, -1)
		}
	}()

	s.store.Patch(id, func(j *Job) {
		j.State = StateCloning
		j.StartedAt = nowFunc()
	})

	s.runner.Run(runCtx, id)
}
