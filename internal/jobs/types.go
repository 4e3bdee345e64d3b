// Package jobs implements the job execution engine: the state machine that
// carries a submitted job from creation through workspace provisioning, git
// refresh, semantic indexing, impersonated agent execution, output capture,
// and teardown, plus the concurrency-bounded queue that schedules it.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// State is a job's position in the executor state machine.
type State string

const (
	StateCreated       State = "created"
	StateQueued        State = "queued"
	StateCloning       State = "cloning"
	StateGitRefreshing State = "git-refreshing"
	StateIndexing      State = "indexing"
	StateRunning       State = "running"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateTimedOut      State = "timed-out"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether s is one of the four terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// FailureReason tags why a job reached a non-completed terminal state.
type FailureReason string

const (
	ReasonNone       FailureReason = ""
	ReasonWorkspace  FailureReason = "workspace"
	ReasonGit        FailureReason = "git"
	ReasonAgentExit  FailureReason = "agent-exit"
	ReasonTimeout    FailureReason = "timeout"
	ReasonCancelled  FailureReason = "cancelled"
	ReasonRepoGone   FailureReason = "repo-gone"
	ReasonQueueWait  FailureReason = "queue"
	ReasonInternal   FailureReason = "internal"
)

// IndexStatus records whether the semantic indexer was usable for a job.
type IndexStatus string

const (
	IndexSkipped      IndexStatus = "skipped"
	IndexReady        IndexStatus = "ready"
	IndexUnavailable  IndexStatus = "unavailable"
)

// GitStatus records the outcome of the optional git refresh step.
type GitStatus string

const (
	GitSkipped GitStatus = "skipped"
	GitOK      GitStatus = "ok"
	GitFailed  GitStatus = "failed"
)

// StagedFile is one caller-uploaded input file, staged before the job starts.
type StagedFile struct {
	Name    string
	Content []byte
}

// Options configures optional per-job behavior. GitAware and IndexAware
// default to true (see NewJob).
type Options struct {
	TimeoutSeconds int
	GitAware       bool
	IndexAware     bool
}

// Job is the unit of work carried by the executor and queue. All runtime
// fields (State, QueuePosition, WorkspacePath, Output, ExitCode, GitStatus,
// IndexStatus, timestamps) are mutated by at most one worker at a time,
// under the Store's per-job lock — see store.go.
type Job struct {
	ID         string
	Owner      string
	Prompt     string
	Repository string
	Options    Options
	Files      []StagedFile

	State         State
	Reason        FailureReason
	QueuePosition int // 0 means "not queued"
	WorkspacePath string
	Output        *OutputBuffer
	ExitCode      *int
	GitStatus     GitStatus
	IndexStatus   IndexStatus

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// NewJob constructs a job in state created with defaults applied.
func NewJob(owner, prompt, repository string, opts Options) *Job {
	// git_aware and index_aware default to true per spec.md §3; callers that
	// want them off must set them explicitly, which Options's zero value
	// cannot distinguish from "unset" — so construction always takes the
	// caller-supplied struct as already-defaulted. See NewJobOptions.
	return &Job{
		ID:         uuid.New().String(),
		Owner:      owner,
		Prompt:     prompt,
		Repository: repository,
		Options:    opts,
		State:      StateCreated,
		GitStatus:  GitSkipped,
		IndexStatus: IndexSkipped,
		Output:     NewOutputBuffer(defaultOutputBufferMax),
		CreatedAt:  time.Now(),
	}
}

// NewJobOptions builds an Options with git_aware/index_aware defaulted to
// true, matching spec.md §3's documented defaults.
func NewJobOptions(timeoutSeconds int, gitAware, indexAware *bool) Options {
	o := Options{TimeoutSeconds: timeoutSeconds, GitAware: true, IndexAware: true}
	if gitAware != nil {
		o.GitAware = *gitAware
	}
	if indexAware != nil {
		o.IndexAware = *indexAware
	}
	return o
}

// Spec is the immutable portion of a job fixed at creation time — safe to
// read without the per-job lock since nothing past NewJob ever mutates it.
type Spec struct {
	ID         string
	Owner      string
	Prompt     string
	Repository string
	Options    Options
	Files      []StagedFile
}

// Snapshot is the read-only view returned by status queries — a defensive
// copy so callers never observe a Job mid-mutation or retain a pointer into
// store-owned state.
type Snapshot struct {
	ID            string
	Owner         string
	Repository    string
	State         State
	Reason        FailureReason
	QueuePosition int
	Output        string
	Truncated     bool
	ExitCode      *int
	GitStatus     GitStatus
	IndexStatus   IndexStatus
	CreatedAt     time.Time
	StartedAt     time.Time
	EndedAt       time.Time
}

// ToSnapshot copies j's externally visible fields. Must be called with the
// owning Store's per-job lock held.
func (j *Job) ToSnapshot() Snapshot {
	var exitCode *int
	if j.ExitCode != nil {
		ec := *j.ExitCode
		exitCode = &ec
	}
	out, truncated := j.Output.Read()
	return Snapshot{
		ID:            j.ID,
		Owner:         j.Owner,
		Repository:    j.Repository,
		State:         j.State,
		Reason:        j.Reason,
		QueuePosition: j.QueuePosition,
		Output:        out,
		Truncated:     truncated,
		ExitCode:      exitCode,
		GitStatus:     j.GitStatus,
		IndexStatus:   j.IndexStatus,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		EndedAt:       j.EndedAt,
	}
}
