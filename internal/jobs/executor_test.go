package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkspace struct {
	createErr  error
	destroyed  []string
	createPath string
}

func (f *fakeWorkspace) Create(jobID, sourceRepoPath, targetUser string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.createPath != "" {
		return f.createPath, nil
	}
	return "/workspaces/" + jobID, nil
}

func (f *fakeWorkspace) Destroy(jobID string) error {
	f.destroyed = append(f.destroyed, jobID)
	return nil
}

type fakeGit struct {
	should    bool
	shouldErr error
	refreshErr error
}

func (f *fakeGit) ShouldRefresh(string) (bool, error) { return f.should, f.shouldErr }
func (f *fakeGit) Refresh(context.Context, string, string) error { return f.refreshErr }

type fakeIndexer struct {
	startErr     error
	reconcileErr error
	healthy      bool
}

func (f *fakeIndexer) Start(context.Context, string, string) error     { return f.startErr }
func (f *fakeIndexer) Reconcile(context.Context, string, string) error { return f.reconcileErr }
func (f *fakeIndexer) Stop(context.Context, string, string) error      { return nil }
func (f *fakeIndexer) Healthy(context.Context, string, string) bool    { return f.healthy }

type fakeAgent struct {
	exitCode int
	err      error
	onInvoke func(req AgentRequest)
}

func (f *fakeAgent) Invoke(ctx context.Context, req AgentRequest) (int, error) {
	if f.onInvoke != nil {
		f.onInvoke(req)
	}
	if req.OnOutput != nil {
		req.OnOutput([]byte("agent output"))
	}
	return f.exitCode, f.err
}

func newTestExecutor(store *Store, repos RepoResolver, ws WorkspaceProvisioner, git GitRefresher, idx IndexerController, agent AgentInvoker, deferDestroy bool) *Executor {
	return NewExecutor(store, repos, ws, git, idx, agent, deferDestroy)
}

func TestExecutorHappyPath(t *testing.T) {
	store := NewStore()
	repos := newFakeRepoResolver()
	repos.setReady("repo1", "/srv/repos/repo1")

	j := NewJob("alice", "do it", "repo1", NewJobOptions(0, nil, nil))
	store.Put(j)
	store.Patch(j.ID, func(job *Job) { job.State = StateCloning })

	ws := &fakeWorkspace{}
	git := &fakeGit{should: true}
	idx := &fakeIndexer{healthy: true}
	agent := &fakeAgent{exitCode: 0}

	x := newTestExecutor(store, repos, ws, git, idx, agent, false)
	x.Run(context.Background(), j.ID)

	snap, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, GitOK, snap.GitStatus)
	assert.Equal(t, IndexReady, snap.IndexStatus)
	assert.Contains(t, snap.Output, "agent output")
	assert.Equal(t, []string{j.ID}, ws.destroyed)
}

func TestExecutorRepoGoneFailsBeforeClone(t *testing.T) {
	store := NewStore()
	repos := newFakeRepoResolver() // never ready

	j := NewJob("alice", "p", "repo1", NewJobOptions(0, nil, nil))
	store.Put(j)

	ws := &fakeWorkspace{}
	x := newTestExecutor(store, repos, ws, &fakeGit{}, &fakeIndexer{}, &fakeAgent{}, false)
	x.Run(context.Background(), j.ID)

	snap, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, ReasonRepoGone, snap.Reason)
}

func TestExecutorWorkspaceFailureTerminates(t *testing.T) {
	store := NewStore()
	repos := newFakeRepoResolver()
	repos.setReady("repo1", "/srv/repos/repo1")

	j := NewJob("alice", "p", "repo1", NewJobOptions(0, nil, nil))
	store.Put(j)

	ws := &fakeWorkspace{createErr: errors.New("disk full")}
	x := newTestExecutor(store, repos, ws, &fakeGit{}, &fakeIndexer{}, &fakeAgent{}, false)
	x.Run(context.Background(), j.ID)

	snap, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, ReasonWorkspace, snap.Reason)
}

func TestExecutorGitRefreshFailureTerminates(t *testing.T) {
	store := NewStore()
	repos := newFakeRepoResolver()
	repos.setReady("repo1", "/srv/repos/repo1")

	j := NewJob("alice", "p", "repo1", NewJobOptions(0, nil, nil))
	store.Put(j)

	ws := &fakeWorkspace{}
	git := &fakeGit{should: true, refreshErr: errors.New("pull failed")}
	x := newTestExecutor(store, repos, ws, git, &fakeIndexer{}, &fakeAgent{}, false)
	x.Run(context.Background(), j.ID)

	snap, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, ReasonGit, snap.Reason)
	assert.Equal(t, GitFailed, snap.GitStatus)
}

func TestExecutorGitAwareFalseSkipsGit(t *testing.T) {
	store := NewStore()
	repos := newFakeRepoResolver()
	repos.setReady("repo1", "/srv/repos/repo1")

	gitAware := false
	j := NewJob("alice", "p", "repo1", NewJobOptions(0, &gitAware, nil))
	store.Put(j)

	ws := &fakeWorkspace{}
	git := &fakeGit{should: true} // would fail the job if consulted
	agent := &fakeAgent{exitCode: 0}
	x := newTestExecutor(store, repos, ws, git, &fakeIndexer{}, agent, false)
	x.Run(context.Background(), j.ID)

	snap, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, GitSkipped, snap.GitStatus)
	assert.Equal(t, StateCompleted, snap.State)
}

func TestExecutorIndexerFailureDoesNotFailJob(t *testing.T) {
	store := NewStore()
	repos := newFakeRepoResolver()
	repos.setReady("repo1", "/srv/repos/repo1")

	j := NewJob("alice", "p", "repo1", NewJobOptions(0, nil, nil))
	store.Put(j)

	ws := &fakeWorkspace{}
	idx := &fakeIndexer{startErr: errors.New("indexer unreachable")}
	agent := &fakeAgent{exitCode: 0}
	x := newTestExecutor(store, repos, ws, &fakeGit{}, idx, agent, false)
	x.Run(context.Background(), j.ID)

	snap, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, IndexUnavailable, snap.IndexStatus)
}

func TestExecutorAgentNonZeroExitFails(t *testing.T) {
	store := NewStore()
	repos := newFakeRepoResolver()
	repos.setReady("repo1", "/srv/repos/repo1")

	j := NewJob("alice", "p", "repo1", NewJobOptions(0, nil, nil))
	store.Put(j)

	ws := &fakeWorkspace{}
	agent := &fakeAgent{exitCode: 1}
	x := newTestExecutor(store, repos, ws, &fakeGit{}, &fakeIndexer{}, agent, false)
	x.Run(context.Background(), j.ID)

	snap, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, ReasonAgentExit, snap.Reason)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 1, *snap.ExitCode)
}

func TestExecutorDeferDestroySkipsTeardown(t *testing.T) {
	store := NewStore()
	repos := newFakeRepoResolver()
	repos.setReady("repo1", "/srv/repos/repo1")

	j := NewJob("alice", "p", "repo1", NewJobOptions(0, nil, nil))
	store.Put(j)

	ws := &fakeWorkspace{}
	agent := &fakeAgent{exitCode: 0}
	x := newTestExecutor(store, repos, ws, &fakeGit{}, &fakeIndexer{}, agent, true)
	x.Run(context.Background(), j.ID)

	assert.Empty(t, ws.destroyed)
}

func TestExecutorCancelledDuringAgentIsReportedAsCancelled(t *testing.T) {
	store := NewStore()
	repos := newFakeRepoResolver()
	repos.setReady("repo1", "/srv/repos/repo1")

	j := NewJob("alice", "p", "repo1", NewJobOptions(0, nil, nil))
	store.Put(j)

	ws := &fakeWorkspace{}
	ctx, cancel := context.WithCancel(context.Background())
	agent := &fakeAgent{
		err: context.Canceled,
		onInvoke: func(req AgentRequest) {
			cancel()
		},
	}
	x := newTestExecutor(store, repos, ws, &fakeGit{}, &fakeIndexer{}, agent, false)
	x.Run(ctx, j.ID)

	snap, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, snap.State)
	assert.Equal(t, ReasonCancelled, snap.Reason)
}
