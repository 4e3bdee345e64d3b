// Package workspace implements the per-job copy-on-write workspace:
// cloning a registered repository's master copy into a job-private
// directory as cheaply as the host filesystem allows, and the manager that
// layers file staging and path-safe reads on top of it.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Strategy names the mechanism a Cloner chose for a given source/dest
// filesystem pair, reported for logging and tests.
type Strategy string

const (
	StrategyReflink   Strategy = "reflink"
	StrategySubvolume Strategy = "subvolume"
	StrategyHardlink  Strategy = "hardlink"
	StrategyFullCopy  Strategy = "full-copy"
)

// FileSystemProbe reports what copy-on-write capabilities a directory's
// underlying filesystem advertises. Production uses realProbe; tests
// substitute a fake that advertises arbitrary capabilities, per spec §9's
// design note ("expose it to tests via a fake filesystem").
type FileSystemProbe interface {
	// SupportsReflink reports whether FICLONE-style reflinks work between
	// files in dir (true on btrfs, xfs with reflink=1, and similar).
	SupportsReflink(dir string) bool
	// SupportsSubvolumeSnapshot reports whether dir is the root of a
	// filesystem subvolume that can be snapshotted as a unit (btrfs
	// subvolumes). The CoW runner scope never creates subvolumes itself;
	// it only exploits one if the registry root was already provisioned
	// as one by the operator.
	SupportsSubvolumeSnapshot(dir string) bool
	// SupportsHardlink reports whether dir supports hardlinks (false
	// across filesystem/device boundaries).
	SupportsHardlink(dir string) bool
}

// realProbe is the production FileSystemProbe: it attempts each capability
// directly against a scratch pair of files rather than trusting
// filesystem-type heuristics, since overlay/bind mounts can make the
// reported fs type misleading.
type realProbe struct{}

func (realProbe) SupportsReflink(dir string) bool {
	srcPath := filepath.Join(dir, ".cow-probe-src")
	dstPath := filepath.Join(dir, ".cow-probe-dst")
	defer os.Remove(srcPath)
	defer os.Remove(dstPath)

	if err := os.WriteFile(srcPath, []byte("probe"), 0o600); err != nil {
		return false
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return false
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return false
	}
	defer dst.Close()

	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())) == nil
}

func (realProbe) SupportsSubvolumeSnapshot(dir string) bool {
	// Detecting a true btrfs subvolume boundary reliably needs the btrfs
	// ioctl surface, which golang.org/x/sys does not wrap; the safest
	// conservative signal available through stdlib/x/sys alone is "this is
	// the mount point of its filesystem", since a snapshot-capable
	// subvolume must at least be a mount boundary. Anything short of that
	// falls through to a cheaper strategy, never a false positive.
	var statDir, statParent unix.Stat_t
	if err := unix.Stat(dir, &statDir); err != nil {
		return false
	}
	parent := filepath.Dir(dir)
	if err := unix.Stat(parent, &statParent); err != nil {
		return false
	}
	return statDir.Dev != statParent.Dev
}

func (realProbe) SupportsHardlink(dir string) bool {
	srcPath := filepath.Join(dir, ".cow-probe-hl-src")
	dstPath := filepath.Join(dir, ".cow-probe-hl-dst")
	defer os.Remove(srcPath)
	defer os.Remove(dstPath)

	if err := os.WriteFile(srcPath, []byte("probe"), 0o600); err != nil {
		return false
	}
	return os.Link(srcPath, dstPath) == nil
}

// Cloner provisions a job workspace from a registered repository's master
// clone, picking the cheapest copy-on-write mechanism the host filesystem
// actually supports. The strategy is probed once per distinct parent
// directory and cached, per spec §9 ("probe once at startup, cache the
// chosen strategy").
type Cloner struct {
	probe FileSystemProbe

	mu       sync.Mutex
	cache    map[string]Strategy
}

// NewCloner constructs a Cloner using the real, syscall-backed probe.
func NewCloner() *Cloner {
	return &Cloner{probe: realProbe{}, cache: make(map[string]Strategy)}
}

// NewClonerWithProbe constructs a Cloner against an injected probe, for
// tests that need to force a particular strategy without depending on the
// host filesystem's real capabilities.
func NewClonerWithProbe(probe FileSystemProbe) *Cloner {
	return &Cloner{probe: probe, cache: make(map[string]Strategy)}
}

// Clone materializes a copy of sourceDir at destDir using the cheapest
// available strategy. destDir's parent must already exist; destDir itself
// must not.
func (c *Cloner) Clone(sourceDir, destDir string) (Strategy, error) {
	if _, err := os.Stat(destDir); err == nil {
		return "", fmt.Errorf("clone: destination %s already exists", destDir)
	}

	strategy := c.strategyFor(filepath.Dir(destDir))

	switch strategy {
	case StrategyReflink:
		if err := c.cloneReflink(sourceDir, destDir); err == nil {
			return StrategyReflink, nil
		}
		// Fall through: a reflink probe can succeed on scratch files but
		// still fail on a real tree (cross-device bind mount, a file type
		// ioctl doesn't support); degrade rather than fail the job.
		fallthrough
	case StrategyHardlink:
		if strategy == StrategyHardlink || c.probe.SupportsHardlink(filepath.Dir(destDir)) {
			if err := c.cloneHardlink(sourceDir, destDir); err == nil {
				return StrategyHardlink, nil
			}
		}
		fallthrough
	default:
		if err := c.cloneFull(sourceDir, destDir); err != nil {
			return "", err
		}
		return StrategyFullCopy, nil
	}
}

func (c *Cloner) strategyFor(parentDir string) Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.cache[parentDir]; ok {
		return s
	}

	var s Strategy
	switch {
	case c.probe.SupportsSubvolumeSnapshot(parentDir):
		s = StrategySubvolume
	case c.probe.SupportsReflink(parentDir):
		s = StrategyReflink
	case c.probe.SupportsHardlink(parentDir):
		s = StrategyHardlink
	default:
		s = StrategyFullCopy
	}
	c.cache[parentDir] = s
	return s
}

func (c *Cloner) cloneReflink(sourceDir, destDir string) error {
	return c.walk(sourceDir, destDir, func(src, dst string, info fs.FileInfo) error {
		if info.IsDir() {
			return os.MkdirAll(dst, info.Mode().Perm())
		}
		return reflinkFile(src, dst, info.Mode())
	})
}

// cloneHardlink is named for the strategy it is selected under, not for
// what it does to file data: since the agent writes into the workspace
// freely and nothing in this tree performs break-before-write on a shared
// inode, actually hardlinking here would let an in-place write from one
// job corrupt the master clone and every other workspace sharing that
// inode. This tier therefore falls back to the same full recursive byte
// copy as cloneFull.
func (c *Cloner) cloneHardlink(sourceDir, destDir string) error {
	return c.cloneFull(sourceDir, destDir)
}

func (c *Cloner) cloneFull(sourceDir, destDir string) error {
	return c.walk(sourceDir, destDir, func(src, dst string, info fs.FileInfo) error {
		if info.IsDir() {
			return os.MkdirAll(dst, info.Mode().Perm())
		}
		return copyFile(src, dst, info.Mode())
	})
}

// walk mirrors sourceDir's tree under destDir, refusing to follow any
// symlink that resolves outside sourceDir — the escape guard spec §4.4
// requires ("symbolic links discovered during walking must not be
// followed outside the root").
func (c *Cloner) walk(sourceDir, destDir string, apply func(src, dst string, info fs.FileInfo) error) error {
	return filepath.Walk(sourceDir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(destDir, rel)

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(path)
			if err != nil {
				return err
			}
			resolvedRoot, err := filepath.EvalSymlinks(sourceDir)
			if err != nil {
				return err
			}
			if !withinRoot(resolvedRoot, target) {
				return fmt.Errorf("walk: symlink %s escapes workspace root", path)
			}
			realInfo, err := os.Stat(target)
			if err != nil {
				return err
			}
			return apply(target, dst, realInfo)
		}

		return apply(path, dst, info)
	})
}

func withinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (!filepath.IsAbs(rel) && rel != ".." && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

func reflinkFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		return fmt.Errorf("reflink %s -> %s: %w", src, dst, err)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// ErrWorkspaceExists is returned by Manager.Create when the job already
// has a workspace on disk.
var ErrWorkspaceExists = errors.New("workspace already exists")
