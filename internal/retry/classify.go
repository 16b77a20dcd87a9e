package retry

import (
	"context"
	"errors"
	"strings"

	"github.com/lyndonlyu/hostprov/internal/executor"
)

// ErrorKind classifies a failed operation.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	Network
	Disk
	Lock
	PackageCorrupt
	Permission
	NotFound
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case Network:
		return "NETWORK"
	case Disk:
		return "DISK"
	case Lock:
		return "LOCK"
	case PackageCorrupt:
		return "PACKAGE_CORRUPT"
	case Permission:
		return "PERMISSION"
	case NotFound:
		return "NOT_FOUND"
	case Timeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Severity decides what the retry policy does with a failure.
type Severity int

const (
	Warning Severity = iota
	Retryable
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Retryable:
		return "RETRYABLE"
	case Fatal:
		return "FATAL"
	default:
		return "WARNING"
	}
}

// SeverityOf maps a kind onto its severity. Unknown is a Warning: it is
// retried, and escalated to Fatal by the policy once retries run out.
func SeverityOf(kind ErrorKind) Severity {
	switch kind {
	case Disk, Permission, NotFound:
		return Fatal
	case Network, Lock, Timeout, PackageCorrupt:
		return Retryable
	default:
		return Warning
	}
}

var suggestions = map[ErrorKind]string{
	Network:        "check network connectivity and DNS resolution, then re-run",
	Disk:           "free disk space on the target filesystem, then re-run",
	Lock:           "wait for the other package manager process to finish or remove its stale lock",
	PackageCorrupt: "run 'dpkg --configure -a' and 'apt-get install -f', then re-run",
	Permission:     "check permissions; provisioning must run as root",
	NotFound:       "install the missing command or package source and re-run",
	Timeout:        "check host load and network latency, or raise the command timeout",
	Unknown:        "inspect the log for the failing command output",
}

// Suggestion returns the operator remediation for a kind.
func Suggestion(kind ErrorKind) string {
	return suggestions[kind]
}

// Rule maps a failure signature onto a kind. Rules are evaluated in order and
// the first match wins.
type Rule struct {
	Name  string
	Kind  ErrorKind
	Match func(exitCode int, output string) bool
}

// Classifier maps a failed command onto an ErrorKind. Implementations must be
// pure: identical inputs yield identical kinds.
type Classifier interface {
	Classify(exitCode int, stderr, stdout string) ErrorKind
}

// RuleClassifier is an ordered rule table.
type RuleClassifier struct {
	rules []Rule
}

// NewRuleClassifier returns a classifier over rules, in priority order.
func NewRuleClassifier(rules []Rule) *RuleClassifier {
	return &RuleClassifier{rules: append([]Rule(nil), rules...)}
}

// Prepend returns a new classifier whose rules take precedence over c's.
func (c *RuleClassifier) Prepend(rules ...Rule) *RuleClassifier {
	merged := make([]Rule, 0, len(rules)+len(c.rules))
	merged = append(merged, rules...)
	merged = append(merged, c.rules...)
	return &RuleClassifier{rules: merged}
}

// Classify lowercases both streams and returns the kind of the first matching
// rule, or Unknown.
func (c *RuleClassifier) Classify(exitCode int, stderr, stdout string) ErrorKind {
	output := strings.ToLower(stderr + "\n" + stdout)
	for _, r := range c.rules {
		if r.Match(exitCode, output) {
			return r.Kind
		}
	}
	return Unknown
}

// Rules returns a copy of the rule table.
func (c *RuleClassifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

func exitIn(codes ...int) func(int, string) bool {
	return func(exitCode int, _ string) bool {
		for _, c := range codes {
			if exitCode == c {
				return true
			}
		}
		return false
	}
}

func contains(patterns ...string) func(int, string) bool {
	return func(_ int, output string) bool {
		for _, p := range patterns {
			if strings.Contains(output, p) {
				return true
			}
		}
		return false
	}
}

// DefaultRules is the built-in failure signature table. Timeout and disk-full
// signatures come first so they win over the generic network and not-found
// patterns that often appear in the same output.
var DefaultRules = []Rule{
	{Name: "timeout-exit", Kind: Timeout, Match: exitIn(124)},
	{Name: "network-timeout", Kind: Timeout, Match: contains(
		"connection timed out", "operation timed out", "timed out after", "i/o timeout")},
	{Name: "disk-full", Kind: Disk, Match: contains(
		"no space left on device", "disk full", "not enough free space", "disk quota exceeded")},
	{Name: "package-lock", Kind: Lock, Match: contains(
		"could not get lock", "unable to acquire the dpkg frontend lock",
		"unable to lock the administration directory", "is another process using it")},
	{Name: "package-corrupt", Kind: PackageCorrupt, Match: contains(
		"hash sum mismatch", "dpkg was interrupted", "unmet dependencies",
		"held broken packages", "sub-process /usr/bin/dpkg returned an error", "corrupt")},
	{Name: "network", Kind: Network, Match: contains(
		"temporary failure in name resolution", "could not resolve", "connection refused",
		"connection reset", "network is unreachable", "no route to host", "failed to fetch")},
	{Name: "permission-exit", Kind: Permission, Match: exitIn(126)},
	{Name: "permission", Kind: Permission, Match: contains(
		"permission denied", "operation not permitted", "are you root")},
	{Name: "not-found-exit", Kind: NotFound, Match: exitIn(127)},
	{Name: "not-found", Kind: NotFound, Match: contains(
		"command not found", "no such file or directory", "unable to locate package", "404 not found")},
	{Name: "timeout", Kind: Timeout, Match: contains("timed out", "timeout")},
}

var defaultClassifier = NewRuleClassifier(DefaultRules)

// Classify runs the default rule table.
func Classify(exitCode int, stderr, stdout string) ErrorKind {
	return defaultClassifier.Classify(exitCode, stderr, stdout)
}

// ClassifyError classifies a Go error returned by a command or phase handler.
func ClassifyError(c Classifier, err error) ErrorKind {
	if err == nil {
		return Unknown
	}
	if c == nil {
		c = defaultClassifier
	}
	var kinded *KindError
	if errors.As(err, &kinded) {
		return kinded.Kind
	}
	var exitErr *executor.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Result.TimedOut {
			return Timeout
		}
		return c.Classify(exitErr.Result.ExitCode, exitErr.Result.Stderr, exitErr.Result.Stdout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return c.Classify(1, err.Error(), "")
}

// KindError pins the classification of an error that did not come from a
// command, such as a failed ledger write.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err so ClassifyError reports kind.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}
