package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cloudshipai/runner/internal/logging"
)

// Janitor is the periodic sweep described in spec.md §4.8: it enforces
// per-job timeouts, reaps terminal jobs once their retention interval has
// elapsed, and drains the Scheduler on shutdown. Cadence is driven by
// robfig/cron/v3, the same library the teacher's SchedulerService uses
// (_examples/cloudshipai-station/internal/services/scheduler.go).
type Janitor struct {
	store      *Store
	scheduler  *Scheduler
	ws         WorkspaceProvisioner
	defaultTTL time.Duration
	retention  time.Duration

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewJanitor constructs a Janitor. defaultTimeout applies to jobs that
// didn't specify their own (spec.md §6 default_job_timeout); retention is
// how long a terminal job's record and deferred workspace survive before
// being reaped (terminal_retention, default 0 meaning "destroy
// immediately", handled upstream by Executor.deferDestroy).
func NewJanitor(store *Store, scheduler *Scheduler, ws WorkspaceProvisioner, defaultTimeout, retention time.Duration) *Janitor {
	return &Janitor{
		store:      store,
		scheduler:  scheduler,
		ws:         ws,
		defaultTTL: defaultTimeout,
		retention:  retention,
		cron:       cron.New(cron.WithSeconds(), cron.WithLogger(cron.VerbosePrintfLogger(logging.PrintfAdapter{}))),
	}
}

// Start schedules the sweep at the given cron cadence (e.g. "@every 1m"
// for the default janitor_interval) and begins running it in the
// background.
func (j *Janitor) Start(spec string) error {
	id, err := j.cron.AddFunc(spec, j.sweep)
	if err != nil {
		return err
	}
	j.entryID = id
	j.cron.Start()
	return nil
}

func (j *Janitor) sweep() {
	now := nowFunc()

	for _, snap := range j.store.ListNonTerminal() {
		if snap.StartedAt.IsZero() {
			continue // not dispatched yet; queue-wait timeout is not enforced, see DESIGN.md
		}
		if now.Sub(snap.StartedAt) > j.timeoutFor(snap) {
			j.scheduler.Timeout(snap.ID)
		}
	}

	if j.retention <= 0 {
		return
	}
	for _, snap := range j.store.ListTerminal() {
		if now.Sub(snap.EndedAt) <= j.retention {
			continue
		}
		if err := j.ws.Destroy(snap.ID); err != nil {
			logging.Error("janitor: workspace destroy failed for job %s: %v", snap.ID, err)
		}
		j.store.Delete(snap.ID)
	}
}

func (j *Janitor) timeoutFor(snap Snapshot) time.Duration {
	// Snapshot does not carry the configured per-job timeout (it is part of
	// the immutable Spec, not the runtime view); callers that need a
	// per-job override should consult Store.Spec. The janitor falls back to
	// the service-wide default here since Spec.Options.TimeoutSeconds of 0
	// means "use the default" per spec.md §3.
	s, err := j.store.Spec(snap.ID)
	if err != nil || s.Options.TimeoutSeconds <= 0 {
		return j.defaultTTL
	}
	return time.Duration(s.Options.TimeoutSeconds) * time.Second
}

// Shutdown stops the cron schedule, asks the Scheduler to cancel every
// non-terminal job, waits up to gracePeriod for them to drain, then force
// aborts and tears down whatever remains.
func (j *Janitor) Shutdown(gracePeriod time.Duration) {
	ctx := j.cron.Stop()
	<-ctx.Done()

	for _, snap := range j.store.ListNonTerminal() {
		j.scheduler.Cancel(snap.ID)
	}

	deadline, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	j.scheduler.Shutdown(deadline)

	for _, snap := range j.store.AbortAll() {
		if err := j.ws.Destroy(snap.ID); err != nil {
			logging.Error("janitor: forced workspace destroy failed for job %s: %v", snap.ID, err)
		}
	}
}
