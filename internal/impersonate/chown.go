package impersonate

import (
	"os"
	"path/filepath"
)

// PathChowner implements workspace.Chowner by recursively assigning
// on-disk ownership of a workspace path to a target OS user, so files
// staged or cloned in by the service's own identity become writable by
// the impersonated agent process. Stdlib-only: os.Chown is the direct
// kernel-level operation, same as superuser.go's syscall.Credential use,
// with no third-party wrapper in the corpus.
type PathChowner struct{}

// Chown implements workspace.Chowner.
func (PathChowner) Chown(path, targetUser string) error {
	uid, gid, err := lookupUser(targetUser)
	if err != nil {
		return err
	}
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(p, int(uid), int(gid))
	})
}
