// Package agentrun wires the Impersonator to the two external process
// invocations the executor drives directly: the coding agent itself, and
// the plain "git pull" refresh step. Both run under the configured OS
// identity so a multi-tenant deployment never lets one user's job touch
// another's files with the service's own privilege.
package agentrun

import (
	"context"
	"time"

	"github.com/cloudshipai/runner/internal/impersonate"
	"github.com/cloudshipai/runner/internal/jobs"
)

// Runner implements jobs.AgentInvoker by launching the configured agent
// binary under impersonation, prompt on stdin, system-prompt fragment as
// its one command-line argument, per spec §6 "Agent invocation".
type Runner struct {
	imp          impersonate.Impersonator
	agentProgram string
	timeout      time.Duration
	grace        time.Duration
}

// NewRunner constructs a Runner. timeout is the Impersonator's own
// runaway-agent guard (spec §5), independent of the Janitor's per-job
// timeout that bounds the whole pipeline.
func NewRunner(imp impersonate.Impersonator, agentProgram string, timeout, grace time.Duration) *Runner {
	return &Runner{imp: imp, agentProgram: agentProgram, timeout: timeout, grace: grace}
}

// Invoke implements jobs.AgentInvoker.
func (r *Runner) Invoke(ctx context.Context, req jobs.AgentRequest) (int, error) {
	result, err := r.imp.Run(ctx, impersonate.Request{
		TargetUser:  req.TargetUser,
		WorkingDir:  req.WorkspacePath,
		Program:     r.agentProgram,
		Args:        []string{req.SystemPrompt},
		Stdin:       []byte(req.Prompt),
		Timeout:     r.timeout,
		GracePeriod: r.grace,
		OnStdout:    req.OnOutput,
		OnStderr:    req.OnOutput,
	})
	if err != nil {
		return 0, err
	}
	return result.ExitCode, nil
}
