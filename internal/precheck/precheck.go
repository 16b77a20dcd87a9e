// Package precheck validates the host before a provisioning run takes the
// lock: privileges, the OS release, memory and CPUs, a writable state
// directory, free disk space, required binaries, package-manager locks held
// by other processes and repository reachability.
package precheck

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/lyndonlyu/hostprov/internal/config"
	"github.com/lyndonlyu/hostprov/internal/retry"
)

// Check is the interface for environment validation checks.
type Check interface {
	Name() string
	Run() CheckResult
}

// CheckResult holds the outcome of a single check. A failed result carries
// the error kind that explains it; a passed result may still carry a
// warning message.
type CheckResult struct {
	Name    string          `json:"name"`
	Passed  bool            `json:"passed"`
	Warning bool            `json:"warning,omitempty"`
	Kind    retry.ErrorKind `json:"-"`
	Message string          `json:"message"`
}

func pass(name, msg string) CheckResult {
	return CheckResult{Name: name, Passed: true, Message: msg}
}

func warn(name, msg string) CheckResult {
	return CheckResult{Name: name, Passed: true, Warning: true, Message: msg}
}

func fail(name string, kind retry.ErrorKind, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RunResult holds the aggregate outcome of all checks.
type RunResult struct {
	AllPassed bool          `json:"all_passed"`
	Results   []CheckResult `json:"results"`
	Duration  string        `json:"duration"`
}

// PermissionDenied reports whether any failure was a permission problem.
func (r RunResult) PermissionDenied() bool {
	for _, res := range r.Results {
		if !res.Passed && res.Kind == retry.Permission {
			return true
		}
	}
	return false
}

// Failures returns the failed results.
func (r RunResult) Failures() []CheckResult {
	var out []CheckResult
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Runner manages and executes a collection of checks.
type Runner struct {
	mu     sync.RWMutex
	checks []Check
}

// NewRunner creates an empty runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Add appends a check to the runner (thread-safe).
func (r *Runner) Add(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, c)
}

// Run executes all checks sequentially, times execution, and returns RunResult.
func (r *Runner) Run() RunResult {
	r.mu.RLock()
	checks := make([]Check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	start := time.Now()
	var results []CheckResult
	allPassed := true
	for _, c := range checks {
		result := c.Run()
		results = append(results, result)
		if !result.Passed {
			allPassed = false
		}
	}
	return RunResult{
		AllPassed: allPassed,
		Results:   results,
		Duration:  time.Since(start).Round(time.Millisecond).String(),
	}
}

// Checks returns the names of all registered checks.
func (r *Runner) Checks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.checks))
	for i, c := range r.checks {
		names[i] = c.Name()
	}
	return names
}

// DefaultLockFiles are the Debian package-manager locks.
var DefaultLockFiles = []string{
	"/var/lib/dpkg/lock",
	"/var/lib/dpkg/lock-frontend",
	"/var/lib/apt/lists/lock",
	"/var/cache/apt/archives/lock",
}

// DefaultRunner builds the standard preflight for cfg. requireRoot is false
// for read-only commands.
func DefaultRunner(cfg *config.Config, requireRoot bool) *Runner {
	r := NewRunner()
	if requireRoot {
		r.Add(RootCheck{})
	}
	pc := cfg.Precheck
	if pc.OSID != "" {
		r.Add(OSReleaseCheck{ID: pc.OSID, VersionIDs: pc.OSVersions})
	}
	if pc.MinMemoryMB > 0 || pc.MinCPUs > 0 {
		r.Add(ResourceCheck{MinMemoryMB: pc.MinMemoryMB, MinCPUs: pc.MinCPUs})
	}
	r.Add(WritableDirCheck{Dir: cfg.StateDir})
	if cfg.Precheck.MinFreeMB > 0 {
		r.Add(DiskSpaceCheck{Path: cfg.StateDir, MinFreeMB: cfg.Precheck.MinFreeMB})
		r.Add(DiskSpaceCheck{Path: "/", MinFreeMB: cfg.Precheck.MinFreeMB})
	}
	for _, b := range cfg.Precheck.RequiredBinaries {
		r.Add(BinaryCheck{Binary: b})
	}
	if cfg.Precheck.DpkgLockCheck {
		r.Add(PackageLockCheck{Paths: DefaultLockFiles})
	}
	if pc.RepoCheck {
		r.Add(RepoConnectivityCheck{URLs: pc.Repos, Timeout: pc.RepoTimeout})
	}
	return r
}

// ---------- Built-in checks ----------

// RootCheck requires an effective UID of 0.
type RootCheck struct {
	euid func() int
}

func (c RootCheck) Name() string { return "root" }
func (c RootCheck) Run() CheckResult {
	euid := os.Geteuid
	if c.euid != nil {
		euid = c.euid
	}
	if id := euid(); id != 0 {
		return fail(c.Name(), retry.Permission, "must run as root (euid %d)", id)
	}
	return pass(c.Name(), "OK")
}

// WritableDirCheck requires that Dir exists or can be created, and accepts
// writes.
type WritableDirCheck struct {
	Dir string
}

func (c WritableDirCheck) Name() string { return "writable:" + c.Dir }
func (c WritableDirCheck) Run() CheckResult {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fail(c.Name(), kindOf(err), "cannot create %s: %v", c.Dir, err)
	}
	f, err := os.CreateTemp(c.Dir, ".precheck-*")
	if err != nil {
		return fail(c.Name(), kindOf(err), "cannot write to %s: %v", c.Dir, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return pass(c.Name(), "OK")
}

func kindOf(err error) retry.ErrorKind {
	if os.IsPermission(err) {
		return retry.Permission
	}
	return retry.Disk
}

// BinaryCheck validates that an executable binary is available in PATH.
type BinaryCheck struct {
	Binary string
}

func (c BinaryCheck) Name() string { return "binary:" + c.Binary }
func (c BinaryCheck) Run() CheckResult {
	path, err := exec.LookPath(c.Binary)
	if err != nil {
		return fail(c.Name(), retry.NotFound, "%s not found in PATH", c.Binary)
	}
	return pass(c.Name(), fmt.Sprintf("found at %s", path))
}

// CustomCheck wraps an arbitrary function as a check.
type CustomCheck struct {
	CheckName string
	Fn        func() CheckResult
}

func (c CustomCheck) Name() string     { return c.CheckName }
func (c CustomCheck) Run() CheckResult { return c.Fn() }
