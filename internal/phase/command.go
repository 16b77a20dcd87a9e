package phase

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lyndonlyu/hostprov/internal/config"
	"github.com/lyndonlyu/hostprov/internal/executor"
)

// CommandHandler runs a phase described in configuration: a list of argv
// steps, each optionally paired with a rollback action, followed by a list
// of validation commands.
//
// A retried Execute resumes at the step that failed; completed steps are not
// run twice.
type CommandHandler struct {
	def    config.PhaseConfig
	runner executor.Runner

	mu   sync.Mutex
	next int
}

func NewCommandHandler(def config.PhaseConfig, runner executor.Runner) *CommandHandler {
	return &CommandHandler{def: def, runner: runner}
}

func (h *CommandHandler) Name() string { return h.def.Name }

func stepName(s config.StepConfig) string {
	if s.Name != "" {
		return s.Name
	}
	return strings.Join(s.Run, " ")
}

func (h *CommandHandler) Execute(ctx context.Context) ([]RecordedAction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var pending []RecordedAction
	for h.next < len(h.def.Steps) {
		step := h.def.Steps[h.next]
		if _, err := h.runner.Run(ctx, step.Run); err != nil {
			return pending, fmt.Errorf("step %q: %w", stepName(step), err)
		}
		h.next++
		if step.Rollback.IsZero() {
			continue
		}
		ra := RecordedAction{Description: stepName(step), Rollback: step.Rollback}
		recorded, err := Record(ctx, ra)
		if err != nil {
			return pending, fmt.Errorf("step %q: record: %w", stepName(step), err)
		}
		if !recorded {
			pending = append(pending, ra)
		}
	}
	return pending, nil
}

func (h *CommandHandler) Validate(ctx context.Context) error {
	for _, argv := range h.def.Validate {
		if _, err := h.runner.Run(ctx, argv); err != nil {
			return fmt.Errorf("validation %q: %w", strings.Join(argv, " "), err)
		}
	}
	return nil
}

func (h *CommandHandler) Preview(context.Context) ([]string, error) {
	lines := make([]string, 0, len(h.def.Steps))
	for _, s := range h.def.Steps {
		line := s.Preview
		if line == "" {
			line = "would run: " + strings.Join(s.Run, " ")
		}
		if !s.Rollback.IsZero() {
			line += " (undo: " + s.Rollback.String() + ")"
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// RunnerFactory builds the command runner for one phase from its extra
// environment.
type RunnerFactory func(env map[string]string) executor.Runner

// FromConfig registers a CommandHandler for every configured phase.
func FromConfig(cfg *config.Config, newRunner RunnerFactory) (*Registry, error) {
	reg := NewRegistry()
	for _, p := range cfg.Phases {
		if err := reg.Register(NewCommandHandler(p, newRunner(p.Env))); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
