package rollback

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/lyndonlyu/hostprov/internal/action"
	"github.com/lyndonlyu/hostprov/internal/ledger"
	"github.com/rs/zerolog"
)

func TestRollbackLIFOProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("rollback applies actions in exact reverse record order", prop.ForAll(
		func(phases []string) bool {
			l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"), zerolog.Nop())
			if err != nil {
				return false
			}
			for i, p := range phases {
				if _, err := l.RecordFor(p, fmt.Sprintf("step %d", i), action.NewRunCommand(fmt.Sprint(i))); err != nil {
					return false
				}
			}
			a := &recordingApplier{failOn: map[string]bool{}, unmet: map[string]bool{}}
			if _, err := New(l, a, zerolog.Nop()).Execute(context.Background()); err != nil {
				return false
			}
			if len(a.applied) != len(phases) {
				return false
			}
			for i, x := range a.applied {
				if x.Argv[0] != fmt.Sprint(len(phases)-1-i) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("system-prep", "desktop-env", "rdp", "editor-vscode")),
	))

	properties.TestingRun(t)
}
