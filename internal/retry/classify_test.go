package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lyndonlyu/hostprov/internal/executor"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		stderr   string
		stdout   string
		want     ErrorKind
	}{
		{"timeout exit code", 124, "", "", Timeout},
		{"connect timed out", 4, "wget: Connection timed out.", "", Timeout},
		{"disk full", 1, "write error: No space left on device", "", Disk},
		{"dpkg lock", 100, "E: Could not get lock /var/lib/dpkg/lock-frontend", "", Lock},
		{"hash mismatch", 100, "E: Failed to fetch ... Hash Sum mismatch", "", PackageCorrupt},
		{"dpkg interrupted", 100, "E: dpkg was interrupted, you must manually run 'dpkg --configure -a'", "", PackageCorrupt},
		{"dns failure", 100, "Temporary failure in name resolution", "", Network},
		{"connection refused", 7, "curl: (7) Failed to connect: Connection refused", "", Network},
		{"permission exit code", 126, "", "", Permission},
		{"permission denied", 1, "open /etc/shadow: permission denied", "", Permission},
		{"command not found exit", 127, "", "", NotFound},
		{"unable to locate package", 100, "E: Unable to locate package nosuchpkg", "", NotFound},
		{"output on stdout", 1, "", "Operation not permitted", Permission},
		{"unknown", 1, "something odd happened", "", Unknown},
		{"empty", 1, "", "", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.exitCode, tt.stderr, tt.stdout))
		})
	}
}

func TestClassifyTimeoutBeatsNetwork(t *testing.T) {
	kind := Classify(1, "failed to fetch: connection timed out", "")
	assert.Equal(t, Timeout, kind)
}

func TestClassifyDiskBeatsNotFound(t *testing.T) {
	kind := Classify(1, "cp: cannot create regular file: No space left on device (no such file or directory)", "")
	assert.Equal(t, Disk, kind)
}

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, Fatal, SeverityOf(Disk))
	assert.Equal(t, Fatal, SeverityOf(Permission))
	assert.Equal(t, Fatal, SeverityOf(NotFound))
	assert.Equal(t, Retryable, SeverityOf(Network))
	assert.Equal(t, Retryable, SeverityOf(Lock))
	assert.Equal(t, Retryable, SeverityOf(Timeout))
	assert.Equal(t, Retryable, SeverityOf(PackageCorrupt))
	assert.Equal(t, Warning, SeverityOf(Unknown))
}

func TestEveryKindHasSuggestion(t *testing.T) {
	for k := Unknown; k <= Timeout; k++ {
		assert.NotEmpty(t, Suggestion(k), "kind %s", k)
	}
}

func TestPrependTakesPrecedence(t *testing.T) {
	c := NewRuleClassifier(DefaultRules).Prepend(Rule{
		Name:  "mirror-down",
		Kind:  Network,
		Match: contains("mirror unavailable"),
	})
	assert.Equal(t, Network, c.Classify(1, "mirror unavailable: permission denied", ""))
	assert.Len(t, c.Rules(), len(DefaultRules)+1)
}

func TestClassifyError(t *testing.T) {
	timedOut := &executor.ExitError{Result: executor.Result{TimedOut: true, ExitCode: -1}, Err: context.DeadlineExceeded}
	assert.Equal(t, Timeout, ClassifyError(nil, timedOut))

	exited := &executor.ExitError{Result: executor.Result{ExitCode: 127}, Err: errors.New("exit status 127")}
	assert.Equal(t, NotFound, ClassifyError(nil, fmt.Errorf("phase step: %w", exited)))

	assert.Equal(t, Timeout, ClassifyError(nil, fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
	assert.Equal(t, Disk, ClassifyError(nil, errors.New("no space left on device")))
	assert.Equal(t, Unknown, ClassifyError(nil, nil))
}

func TestWithKindOverridesRules(t *testing.T) {
	err := WithKind(Disk, errors.New("connection refused"))
	assert.Equal(t, Disk, ClassifyError(nil, fmt.Errorf("record: %w", err)))
	assert.Equal(t, "connection refused", err.Error())
	assert.NoError(t, WithKind(Network, nil))
}
