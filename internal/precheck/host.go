package precheck

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lyndonlyu/hostprov/internal/retry"
)

// OSReleaseCheck requires /etc/os-release to name ID and, when VersionIDs is
// set, one of those VERSION_ID values.
type OSReleaseCheck struct {
	Path       string
	ID         string
	VersionIDs []string
}

func (c OSReleaseCheck) Name() string { return "os-release" }
func (c OSReleaseCheck) Run() CheckResult {
	path := c.Path
	if path == "" {
		path = "/etc/os-release"
	}
	info, err := readOSRelease(path)
	if err != nil {
		return fail(c.Name(), retry.NotFound, "read %s: %v", path, err)
	}
	id, version := info["ID"], info["VERSION_ID"]
	label := info["PRETTY_NAME"]
	if label == "" {
		label = strings.TrimSpace(id + " " + version)
	}
	if !strings.EqualFold(id, c.ID) {
		return fail(c.Name(), retry.NotFound, "unsupported OS %q, need %s", label, c.ID)
	}
	if len(c.VersionIDs) > 0 && !slices.Contains(c.VersionIDs, version) {
		return fail(c.Name(), retry.NotFound, "unsupported %s version %q, need one of %s",
			c.ID, version, strings.Join(c.VersionIDs, ", "))
	}
	return pass(c.Name(), label)
}

func readOSRelease(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		info[key] = strings.Trim(value, `"'`)
	}
	return info, sc.Err()
}

// ResourceCheck requires at least MinMemoryMB of RAM and MinCPUs usable
// CPUs. A zero minimum disables that half of the check.
type ResourceCheck struct {
	MinMemoryMB int64
	MinCPUs     int

	meminfo string
	cpus    func() int
}

func (c ResourceCheck) Name() string { return "resources" }
func (c ResourceCheck) Run() CheckResult {
	path := c.meminfo
	if path == "" {
		path = "/proc/meminfo"
	}
	cpus := runtime.NumCPU
	if c.cpus != nil {
		cpus = c.cpus
	}

	var problems []string
	var memMB int64
	if c.MinMemoryMB > 0 {
		kb, err := memTotalKB(path)
		if err != nil {
			return fail(c.Name(), retry.NotFound, "read %s: %v", path, err)
		}
		memMB = kb / 1024
		if memMB < c.MinMemoryMB {
			problems = append(problems, fmt.Sprintf("%d MB RAM, need %d MB", memMB, c.MinMemoryMB))
		}
	}
	n := cpus()
	if c.MinCPUs > 0 && n < c.MinCPUs {
		problems = append(problems, fmt.Sprintf("%d CPU(s), need %d", n, c.MinCPUs))
	}
	if len(problems) > 0 {
		return fail(c.Name(), retry.Unknown, "%s", strings.Join(problems, "; "))
	}
	if memMB > 0 {
		return pass(c.Name(), fmt.Sprintf("%d MB RAM, %d CPU(s)", memMB, n))
	}
	return pass(c.Name(), fmt.Sprintf("%d CPU(s)", n))
}

func memTotalKB(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no MemTotal line")
}

// RepoConnectivityCheck sends a HEAD request to every package repository.
// With no URLs configured the repositories are read from `apt-cache policy`.
type RepoConnectivityCheck struct {
	URLs    []string
	Timeout time.Duration

	client   *http.Client
	discover func() ([]string, error)
}

func (c RepoConnectivityCheck) Name() string { return "repo-connectivity" }
func (c RepoConnectivityCheck) Run() CheckResult {
	urls := c.URLs
	if len(urls) == 0 {
		discover := c.discover
		if discover == nil {
			discover = aptRepositories
		}
		found, err := discover()
		if err != nil {
			return warn(c.Name(), "could not list repositories: "+err.Error())
		}
		urls = found
	}
	if len(urls) == 0 {
		return warn(c.Name(), "no repositories configured")
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := c.client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	var failed []string
	for _, u := range urls {
		if err := headOK(client, u, timeout); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", u, err))
		}
	}
	if len(failed) > 0 {
		return fail(c.Name(), retry.Network, "unreachable: %s", strings.Join(failed, ", "))
	}
	return pass(c.Name(), fmt.Sprintf("%d repositories reachable", len(urls)))
}

func headOK(client *http.Client, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func aptRepositories() ([]string, error) {
	out, err := exec.Command("apt-cache", "policy").Output()
	if err != nil {
		return nil, err
	}
	return parseAptPolicy(string(out)), nil
}

// parseAptPolicy extracts the distinct repository base URLs from
// `apt-cache policy` output.
func parseAptPolicy(out string) []string {
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		for _, f := range strings.Fields(line) {
			if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
				seen[f] = true
				break
			}
		}
	}
	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}
