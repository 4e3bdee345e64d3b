package jobs

import (
	"sort"
	"sync"
)

// entry pairs a Job with the lock that serializes all mutation of it,
// following the teacher's WorkspaceManager convention of a map guarded by
// one coarse RWMutex for membership plus finer-grained state inside each
// entry (_examples/cloudshipai-station/internal/coding/workspace.go).
type entry struct {
	mu  sync.Mutex
	job *Job
}

// Store is the in-memory authoritative map of jobs described in spec.md
// §4.5. It does not persist across restarts; see Store.AbortAll for the
// clean-shutdown behavior spec.md requires.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*entry)}
}

// Put records a freshly created job. Returns ErrAlreadySubmitted-shaped
// behavior is not applicable here; Put always succeeds for a new id.
func (s *Store) Put(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = &entry{job: j}
}

// Get returns a snapshot of the job, or ErrJobNotFound.
func (s *Store) Get(id string) (Snapshot, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Snapshot{}, &Error{Op: "Get", Job: id, Err: ErrJobNotFound}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.ToSnapshot(), nil
}

// Spec returns the immutable portion of a job — id, owner, prompt,
// repository, options, and staged files — none of which change after
// NewJob, so this is safe to read without taking the per-job lock that
// guards the mutable runtime fields.
func (s *Store) Spec(id string) (Spec, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Spec{}, &Error{Op: "Spec", Job: id, Err: ErrJobNotFound}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Spec{
		ID:         e.job.ID,
		Owner:      e.job.Owner,
		Prompt:     e.job.Prompt,
		Repository: e.job.Repository,
		Options:    e.job.Options,
		Files:      e.job.Files,
	}, nil
}

// Delete removes the job entirely. Idempotent: deleting an absent job is a
// no-op, matching spec.md's idempotency requirement on Delete.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return e, ok
}

// ListByOwner returns snapshots of every job owned by username, in no
// particular order beyond being a consistent-at-the-time-of-call set.
func (s *Store) ListByOwner(username string) []Snapshot {
	var out []Snapshot
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if e.job.Owner == username {
			out = append(out, e.job.ToSnapshot())
		}
		e.mu.Unlock()
	}
	return out
}

// ListQueuedOrdered returns snapshots of every queued job ordered by
// ascending queue position.
func (s *Store) ListQueuedOrdered() []Snapshot {
	var out []Snapshot
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if e.job.State == StateQueued {
			out = append(out, e.job.ToSnapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuePosition < out[j].QueuePosition })
	return out
}

// ListNonTerminal returns every job not yet in a terminal state — used by
// the Janitor for timeout enforcement and by shutdown to find jobs needing
// cancellation.
func (s *Store) ListNonTerminal() []Snapshot {
	var out []Snapshot
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if !e.job.State.Terminal() {
			out = append(out, e.job.ToSnapshot())
		}
		e.mu.Unlock()
	}
	return out
}

// ListTerminal returns every job currently in a terminal state.
func (s *Store) ListTerminal() []Snapshot {
	var out []Snapshot
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if e.job.State.Terminal() {
			out = append(out, e.job.ToSnapshot())
		}
		e.mu.Unlock()
	}
	return out
}

func (s *Store) snapshotEntries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e)
	}
	return out
}

// Patch applies fn to the job under its exclusive per-job lock and returns
// the resulting snapshot. fn observes and may mutate every runtime field.
// This is the only way callers outside this package mutate a Job.
func (s *Store) Patch(id string, fn func(*Job)) (Snapshot, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Snapshot{}, &Error{Op: "Patch", Job: id, Err: ErrJobNotFound}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.job)
	return e.job.ToSnapshot(), nil
}

// AppendOutput appends chunk to the job's captured-output buffer. Appends
// do not require the full job lock: OutputBuffer serializes itself, so
// concurrent appends from the output reader and reads from Get never
// block each other on the entry lock — matching spec.md §4.5's
// "concurrent appenders see a serial order" without serializing against
// unrelated state reads.
func (s *Store) AppendOutput(id string, chunk []byte) error {
	e, ok := s.lookup(id)
	if !ok {
		return &Error{Op: "AppendOutput", Job: id, Err: ErrJobNotFound}
	}
	e.mu.Lock()
	buf := e.job.Output
	e.mu.Unlock()
	buf.Append(chunk)
	return nil
}

// AbortAll transitions every non-terminal job to cancelled, used on clean
// shutdown per spec.md §4.5 ("a clean shutdown aborts all non-terminal
// jobs"). It does not perform workspace teardown or process signalling —
// callers (the Janitor's Shutdown path) are responsible for that before or
// after calling AbortAll as appropriate.
func (s *Store) AbortAll() []Snapshot {
	var aborted []Snapshot
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if !e.job.State.Terminal() {
			e.job.State = StateCancelled
			e.job.Reason = ReasonCancelled
			e.job.EndedAt = nowFunc()
			aborted = append(aborted, e.job.ToSnapshot())
		}
		e.mu.Unlock()
	}
	return aborted
}
