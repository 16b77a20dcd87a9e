// Package action defines the closed set of typed undo operations recorded in
// the transaction ledger, and the interpreter that executes them.
//
// Actions never carry shell strings. Every variant maps onto a fixed argv or a
// direct filesystem call, and each has a postcondition that Verify can check
// after a rollback.
package action

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Type discriminates the Action variants.
type Type string

const (
	RemoveFile       Type = "remove_file"
	RestoreFile      Type = "restore_file"
	UninstallPackage Type = "uninstall_package"
	StopService      Type = "stop_service"
	RunCommand       Type = "run_command"
)

// Types lists every known variant.
var Types = []Type{RemoveFile, RestoreFile, UninstallPackage, StopService, RunCommand}

var ErrInvalid = errors.New("action: invalid")

// Action is a single typed undo operation. Only the fields that belong to
// Type are populated.
type Action struct {
	Type Type     `json:"type" yaml:"type"`
	Path string   `json:"path,omitempty" yaml:"path,omitempty"`
	From string   `json:"from,omitempty" yaml:"from,omitempty"`
	To   string   `json:"to,omitempty" yaml:"to,omitempty"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Argv []string `json:"argv,omitempty" yaml:"argv,omitempty"`
}

func NewRemoveFile(path string) Action { return Action{Type: RemoveFile, Path: path} }

func NewRestoreFile(from, to string) Action { return Action{Type: RestoreFile, From: from, To: to} }

func NewUninstallPackage(name string) Action { return Action{Type: UninstallPackage, Name: name} }

func NewStopService(name string) Action { return Action{Type: StopService, Name: name} }

func NewRunCommand(argv ...string) Action { return Action{Type: RunCommand, Argv: argv} }

// IsZero reports whether a is the empty action.
func (a Action) IsZero() bool {
	return a.Type == "" && a.Path == "" && a.From == "" && a.To == "" && a.Name == "" && len(a.Argv) == 0
}

// Validate checks that the variant is known and its required fields are set.
func (a Action) Validate() error {
	switch a.Type {
	case RemoveFile:
		return requirePath("path", a.Path)
	case RestoreFile:
		if err := requirePath("from", a.From); err != nil {
			return err
		}
		return requirePath("to", a.To)
	case UninstallPackage, StopService:
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("%w: %s requires name", ErrInvalid, a.Type)
		}
		if strings.HasPrefix(a.Name, "-") {
			return fmt.Errorf("%w: %s name %q looks like a flag", ErrInvalid, a.Type, a.Name)
		}
		return nil
	case RunCommand:
		if len(a.Argv) == 0 || a.Argv[0] == "" {
			return fmt.Errorf("%w: run_command requires argv", ErrInvalid)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalid)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, a.Type)
	}
}

func requirePath(field, p string) error {
	if p == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, field)
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("%w: %s %q must be absolute", ErrInvalid, field, p)
	}
	if filepath.Clean(p) == "/" {
		return fmt.Errorf("%w: %s must not be /", ErrInvalid, field)
	}
	return nil
}

// String is the short human description stored in session action refs.
func (a Action) String() string {
	switch a.Type {
	case RemoveFile:
		return "remove " + a.Path
	case RestoreFile:
		return fmt.Sprintf("restore %s from %s", a.To, a.From)
	case UninstallPackage:
		return "uninstall package " + a.Name
	case StopService:
		return "stop service " + a.Name
	case RunCommand:
		return "run " + strings.Join(a.Argv, " ")
	default:
		return string(a.Type)
	}
}
