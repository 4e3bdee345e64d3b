package agentrun

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudshipai/runner/internal/impersonate"
)

// GitRefresher implements jobs.GitRefresher: the "git pull" step of spec
// §4.7, run under impersonation so the refresh observes the same file
// ownership the agent invocation will.
type GitRefresher struct {
	imp     impersonate.Impersonator
	timeout time.Duration
	grace   time.Duration
}

// NewGitRefresher constructs a GitRefresher.
func NewGitRefresher(imp impersonate.Impersonator, timeout, grace time.Duration) *GitRefresher {
	return &GitRefresher{imp: imp, timeout: timeout, grace: grace}
}

// ShouldRefresh reports whether workspacePath has a .git directory with at
// least one remote configured. Run directly rather than under
// impersonation: it only reads repository metadata, nothing the target
// user's identity affects.
func (g *GitRefresher) ShouldRefresh(workspacePath string) (bool, error) {
	if _, err := os.Stat(filepath.Join(workspacePath, ".git")); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	out, err := exec.Command("git", "-C", workspacePath, "remote").Output()
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// Refresh runs "git pull" in workspacePath as targetUser. A non-zero exit
// is reported as an error, per spec §4.7 ("any non-zero exit → failed*
// with reason git").
func (g *GitRefresher) Refresh(ctx context.Context, workspacePath, targetUser string) error {
	result, err := g.imp.Run(ctx, impersonate.Request{
		TargetUser:  targetUser,
		WorkingDir:  workspacePath,
		Program:     "git",
		Args:        []string{"pull"},
		Timeout:     g.timeout,
		GracePeriod: g.grace,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("git pull exited %d", result.ExitCode)
	}
	return nil
}
