package precheck

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/lyndonlyu/hostprov/internal/retry"
)

// DiskSpaceCheck requires at least MinFreeMB available to unprivileged
// writers on the filesystem holding Path.
type DiskSpaceCheck struct {
	Path      string
	MinFreeMB int64
}

func (c DiskSpaceCheck) Name() string { return "disk:" + c.Path }
func (c DiskSpaceCheck) Run() CheckResult {
	var st syscall.Statfs_t
	if err := syscall.Statfs(c.Path, &st); err != nil {
		return fail(c.Name(), retry.Disk, "statfs %s: %v", c.Path, err)
	}
	freeMB := int64(st.Bavail) * int64(st.Bsize) / (1024 * 1024)
	if freeMB < c.MinFreeMB {
		return fail(c.Name(), retry.Disk, "%d MB free, need %d MB", freeMB, c.MinFreeMB)
	}
	return pass(c.Name(), fmt.Sprintf("%d MB free", freeMB))
}

// PackageLockCheck reports package-manager lock files currently held by
// another process. dpkg and apt hold these with fcntl record locks, so the
// holder is found with F_GETLK rather than by reading the file.
type PackageLockCheck struct {
	Paths []string
}

func (c PackageLockCheck) Name() string { return "package-locks" }
func (c PackageLockCheck) Run() CheckResult {
	var held, unreadable []string
	for _, p := range c.Paths {
		pid, err := lockHolder(p)
		switch {
		case err != nil && os.IsNotExist(err):
		case err != nil:
			unreadable = append(unreadable, p)
		case pid > 0:
			held = append(held, fmt.Sprintf("%s (PID %d)", p, pid))
		}
	}
	if len(held) > 0 {
		return fail(c.Name(), retry.Lock, "held by another process: %s", strings.Join(held, ", "))
	}
	if len(unreadable) > 0 {
		return warn(c.Name(), "could not inspect: "+strings.Join(unreadable, ", "))
	}
	return pass(c.Name(), "OK")
}

// lockHolder returns the PID holding a write-conflicting fcntl lock on path,
// or 0 when the file is unlocked.
func lockHolder(path string) (int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsPermission(err) {
			f, err = os.Open(path)
		}
		if err != nil {
			return 0, err
		}
	}
	defer f.Close()

	lk := syscall.Flock_t{Type: syscall.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := syscall.FcntlFlock(f.Fd(), syscall.F_GETLK, &lk); err != nil {
		return 0, err
	}
	if lk.Type == syscall.F_UNLCK {
		return 0, nil
	}
	return int(lk.Pid), nil
}
