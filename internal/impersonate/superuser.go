package impersonate

import (
	"context"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// superuserSwitch implements Impersonator by setting the child's
// credential directly via syscall.Credential — the mechanism
// golang.org/x/sys and the standard library expose for dropping privilege
// to a specific uid/gid, requiring the parent process itself to run as
// root. This is stdlib-only by necessity: no third-party library in the
// examined corpus wraps setuid/setgid process launching, since it is a
// kernel-level capability os/exec already exposes via SysProcAttr.
type superuserSwitch struct{}

func (s *superuserSwitch) Run(ctx context.Context, req Request) (Result, error) {
	uid, gid, err := lookupUser(req.TargetUser)
	if err != nil {
		return Result{}, err
	}

	return runCommand(ctx, req, func(cmd *exec.Cmd) {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
	})
}

func lookupUser(username string) (uid, gid uint32, err error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, err
	}
	uidN, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	gidN, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(uidN), uint32(gidN), nil
}
