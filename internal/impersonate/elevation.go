package impersonate

import (
	"context"
	"os/exec"
)

// elevationRule implements Impersonator by re-executing the requested
// program through a configured elevation command (typically
// "sudo -n -u <user>"), for deployments where the service does not itself
// run as root but an elevation rule grants it permission to switch to
// specific target users. Selected by spec §6's impersonation_mode =
// elevation-rule.
type elevationRule struct {
	command []string // e.g. []string{"sudo", "-n", "-u"}
}

func (e *elevationRule) Run(ctx context.Context, req Request) (Result, error) {
	elevated := req
	elevated.Program = e.command[0]

	args := make([]string, 0, len(e.command)-1+1+1+len(req.Args))
	args = append(args, e.command[1:]...)
	args = append(args, req.TargetUser, req.Program)
	args = append(args, req.Args...)
	elevated.Args = args

	return runCommand(ctx, elevated, func(*exec.Cmd) {
		// identity switch is performed by the elevation helper itself;
		// nothing further to configure on the child's SysProcAttr.
	})
}
