package jobs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudshipai/runner/internal/logging"
)

// tracer emits a span per clone/git-refresh/indexing/agent-execution
// step. With no TracerProvider registered (the default, see
// cmd/runner/main.go) otel.Tracer returns a no-op implementation, so
// these calls cost nothing when tracing export isn't configured.
var tracer = otel.Tracer("runner.jobs.executor")

// WorkspaceProvisioner creates and tears down the per-job CoW workspace.
// Implemented by workspace.Manager.
type WorkspaceProvisioner interface {
	Create(jobID, sourceRepoPath, targetUser string) (workspacePath string, err error)
	Destroy(jobID string) error
}

// GitRefresher runs the optional "git pull" refresh step. Implemented by
// a thin wrapper over the Impersonator in the agentrun package.
type GitRefresher interface {
	// ShouldRefresh reports whether workspacePath has a .git directory with
	// at least one remote configured — the precondition that, combined with
	// the job's git_aware option, decides whether the refresh step runs.
	ShouldRefresh(workspacePath string) (bool, error)
	Refresh(ctx context.Context, workspacePath, targetUser string) error
}

// IndexerController drives the optional semantic indexer lifecycle.
// Implemented by indexer.Controller.
type IndexerController interface {
	Start(ctx context.Context, workspacePath, targetUser string) error
	Reconcile(ctx context.Context, workspacePath, targetUser string) error
	Stop(ctx context.Context, workspacePath, targetUser string) error
	Healthy(ctx context.Context, workspacePath, targetUser string) bool
}

// AgentRequest is everything the agent invocation needs beyond the
// context: where to run, who to run as, what to feed on stdin, and the
// system-prompt fragment selected by SelectSystemPrompt.
type AgentRequest struct {
	WorkspacePath string
	TargetUser    string
	Prompt        string
	SystemPrompt  string
	OnOutput      func([]byte)
}

// AgentInvoker launches the external coding agent and reports its exit
// code. Implemented by agentrun.Runner.
type AgentInvoker interface {
	Invoke(ctx context.Context, req AgentRequest) (exitCode int, err error)
}

// Executor drives one job through the full state machine of spec.md §4.7.
// It implements Runner and is handed to the Scheduler, which calls Run once
// per dispatched job from its own worker goroutine.
type Executor struct {
	store *Store
	repos RepoResolver
	ws    WorkspaceProvisioner
	git   GitRefresher
	idx   IndexerController
	agent AgentInvoker

	// deferDestroy reports whether a non-zero terminal_retention interval
	// is configured, in which case workspace teardown on terminal
	// transition is left to the Janitor instead of happening inline here.
	deferDestroy bool
}

// NewExecutor constructs an Executor. deferDestroy mirrors spec.md §4.7's
// "destroy the workspace unless a configured retention interval is
// non-zero, in which case destruction is deferred to the Janitor".
func NewExecutor(store *Store, repos RepoResolver, ws WorkspaceProvisioner, git GitRefresher, idx IndexerController, agent AgentInvoker, deferDestroy bool) *Executor {
	return &Executor{store: store, repos: repos, ws: ws, git: git, idx: idx, agent: agent, deferDestroy: deferDestroy}
}

// Run implements Runner. The Scheduler has already transitioned the job to
// cloning and recorded StartedAt before calling this.
func (x *Executor) Run(ctx context.Context, jobID string) {
	spec, err := x.store.Spec(jobID)
	if err != nil {
		return // job vanished (deleted) between dispatch and run; nothing to do
	}

	runCtx, runSpan := tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.repository", spec.Repository),
	))
	defer runSpan.End()

	wsPath, indexerStarted, ok := x.provision(runCtx, jobID, spec)
	if !ok {
		runSpan.SetStatus(codes.Error, "provision failed")
		return
	}

	x.runGit(runCtx, jobID, spec, wsPath)
	if x.terminalAlready(jobID) {
		x.finish(jobID, wsPath, indexerStarted)
		return
	}

	indexerHealthy, started := x.runIndex(runCtx, jobID, spec, wsPath)
	indexerStarted = started
	if x.terminalAlready(jobID) {
		x.finish(jobID, wsPath, indexerStarted)
		return
	}

	x.runAgent(runCtx, jobID, spec, wsPath, indexerHealthy)
	x.finish(jobID, wsPath, indexerStarted)
}

// provision asks the Workspace Manager to create the workspace. Returns
// ok=false if the job already reached a terminal state (repo-gone or
// workspace failure) and Run should stop.
func (x *Executor) provision(ctx context.Context, jobID string, spec Spec) (wsPath string, indexerStarted bool, ok bool) {
	_, span := tracer.Start(ctx, "clone")
	defer span.End()

	if !x.repos.Ready(spec.Repository) {
		x.terminate(jobID, StateFailed, ReasonRepoGone, nil)
		span.SetStatus(codes.Error, "repository not ready")
		return "", false, false
	}
	sourcePath, err := x.repos.Path(spec.Repository)
	if err != nil {
		x.terminate(jobID, StateFailed, ReasonRepoGone, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository path unavailable")
		return "", false, false
	}

	path, err := x.ws.Create(jobID, sourcePath, spec.Owner)
	if err != nil {
		x.terminate(jobID, StateFailed, ReasonWorkspace, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, "workspace create failed")
		return "", false, false
	}

	snap, perr := x.store.Patch(jobID, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.WorkspacePath = path
	})
	if perr != nil || snap.State.Terminal() {
		return path, false, false
	}
	return path, false, true
}

// runGit executes the optional git-refresh step, terminating the job with
// reason "git" on a non-zero exit. It is a no-op (skip) when git_aware is
// false or the precondition (".git" directory plus a configured remote)
// isn't met.
func (x *Executor) runGit(ctx context.Context, jobID string, spec Spec, wsPath string) {
	if !spec.Options.GitAware {
		return
	}
	should, err := x.git.ShouldRefresh(wsPath)
	if err != nil || !should {
		return
	}

	ctx, span := tracer.Start(ctx, "git-refresh")
	defer span.End()

	x.store.Patch(jobID, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.State = StateGitRefreshing
	})
	if x.terminalAlready(jobID) {
		return
	}

	if err := x.git.Refresh(ctx, wsPath, spec.Owner); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "git refresh failed")
		x.store.Patch(jobID, func(j *Job) {
			if j.State.Terminal() {
				return
			}
			j.GitStatus = GitFailed
			j.State = StateFailed
			j.Reason = ReasonGit
			j.EndedAt = nowFunc()
		})
		return
	}
	x.store.Patch(jobID, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.GitStatus = GitOK
	})
}

// runIndex executes the optional indexer start + reconcile steps. Failures
// here never fail the job (spec.md §4.7): the executor records "indexer
// unavailable" and proceeds to running regardless. Returns whether the
// indexer was observed healthy (feeding SelectSystemPrompt) and whether
// Start was called at all (so Run knows whether Stop is owed later).
func (x *Executor) runIndex(ctx context.Context, jobID string, spec Spec, wsPath string) (healthy bool, started bool) {
	if !spec.Options.IndexAware {
		return false, false
	}

	ctx, span := tracer.Start(ctx, "index")
	defer span.End()

	x.store.Patch(jobID, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.State = StateIndexing
	})
	if x.terminalAlready(jobID) {
		return false, false
	}

	if err := x.idx.Start(ctx, wsPath, spec.Owner); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "indexer start failed")
		x.markIndexUnavailable(jobID)
		return false, false
	}
	started = true

	if err := x.idx.Reconcile(ctx, wsPath, spec.Owner); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "indexer reconcile failed")
		x.markIndexUnavailable(jobID)
		return false, true
	}

	healthy = x.idx.Healthy(ctx, wsPath, spec.Owner)
	x.store.Patch(jobID, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		if healthy {
			j.IndexStatus = IndexReady
		} else {
			j.IndexStatus = IndexUnavailable
		}
	})
	return healthy, true
}

func (x *Executor) markIndexUnavailable(jobID string) {
	x.store.Patch(jobID, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.IndexStatus = IndexUnavailable
	})
}

// runAgent launches the agent under the impersonator with the prompt on
// stdin and the system-prompt fragment as a command-line argument, then
// records the terminal outcome. A ctx cancellation (operator cancel or
// Janitor timeout) races the agent's natural exit; whichever Patch call
// lands first wins, per spec.md's "first-lock-wins" tie-break — losing a
// race here is not an error, it's the other path having already recorded
// the terminal state.
func (x *Executor) runAgent(ctx context.Context, jobID string, spec Spec, wsPath string, indexerHealthy bool) {
	ctx, span := tracer.Start(ctx, "agent-execution")
	defer span.End()

	x.store.Patch(jobID, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.State = StateRunning
	})
	if x.terminalAlready(jobID) {
		return
	}

	req := AgentRequest{
		WorkspacePath: wsPath,
		TargetUser:    spec.Owner,
		Prompt:        spec.Prompt,
		SystemPrompt:  SelectSystemPrompt(indexerHealthy),
		OnOutput: func(chunk []byte) {
			x.store.AppendOutput(jobID, chunk)
		},
	}

	exitCode, err := x.agent.Invoke(ctx, req)

	if ctx.Err() != nil {
		reason := ReasonFromContext(ctx)
		state := StateCancelled
		if reason == ReasonTimeout {
			state = StateTimedOut
		}
		span.SetStatus(codes.Error, string(reason))
		x.terminate(jobID, state, reason, nil)
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent invoke failed")
		x.terminate(jobID, StateFailed, ReasonAgentExit, &exitCode)
		return
	}

	if exitCode != 0 {
		span.SetStatus(codes.Error, "agent exited non-zero")
		x.terminate(jobID, StateFailed, ReasonAgentExit, &exitCode)
		return
	}
	x.terminate(jobID, StateCompleted, ReasonNone, &exitCode)
}

// terminate applies the terminal transition if the job isn't already
// terminal — the single "terminate job with reason R" routine spec.md §7
// requires every error path to funnel through.
func (x *Executor) terminate(jobID string, state State, reason FailureReason, exitCode *int) {
	snap, err := x.store.Patch(jobID, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.State = state
		j.Reason = reason
		j.EndedAt = nowFunc()
		if exitCode != nil {
			ec := *exitCode
			j.ExitCode = &ec
		}
	})
	if err == nil && snap.State == state && reason != ReasonNone {
		x.store.AppendOutput(jobID, []byte(fmt.Sprintf("\n[terminal reason: %s]\n", reason)))
	}
}

func (x *Executor) terminalAlready(jobID string) bool {
	snap, err := x.store.Get(jobID)
	if err != nil {
		return true
	}
	return snap.State.Terminal()
}

// finish runs the common terminal housekeeping shared by every exit path:
// best-effort indexer stop, then immediate workspace teardown unless
// retention defers it to the Janitor.
func (x *Executor) finish(jobID string, wsPath string, indexerStarted bool) {
	if indexerStarted {
		snap, err := x.store.Spec(jobID)
		owner := snap.Owner
		if err == nil {
			if stopErr := x.idx.Stop(context.Background(), wsPath, owner); stopErr != nil {
				logging.Error("jobs: indexer stop failed for job %s: %v", jobID, stopErr)
			}
		}
	}

	if x.deferDestroy || wsPath == "" {
		return
	}
	if err := x.ws.Destroy(jobID); err != nil {
		logging.Error("jobs: workspace destroy failed for job %s: %v", jobID, err)
	}
}
