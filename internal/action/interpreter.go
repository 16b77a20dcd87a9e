package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lyndonlyu/hostprov/internal/executor"
	"github.com/rs/zerolog"
)

// Commands holds the argv templates used for package and service actions.
// The literal "{name}" is replaced with the action's name.
type Commands struct {
	Uninstall     []string `yaml:"uninstall"`
	PackageStatus []string `yaml:"package_status"`
	StopService   []string `yaml:"stop_service"`
	ServiceActive []string `yaml:"service_active"`
}

// DefaultCommands targets Debian-family hosts with systemd.
func DefaultCommands() Commands {
	return Commands{
		Uninstall:     []string{"apt-get", "remove", "-y", "{name}"},
		PackageStatus: []string{"dpkg", "-s", "{name}"},
		StopService:   []string{"systemctl", "stop", "{name}"},
		ServiceActive: []string{"systemctl", "is-active", "--quiet", "{name}"},
	}
}

func (c Commands) withDefaults() Commands {
	d := DefaultCommands()
	if len(c.Uninstall) == 0 {
		c.Uninstall = d.Uninstall
	}
	if len(c.PackageStatus) == 0 {
		c.PackageStatus = d.PackageStatus
	}
	if len(c.StopService) == 0 {
		c.StopService = d.StopService
	}
	if len(c.ServiceActive) == 0 {
		c.ServiceActive = d.ServiceActive
	}
	return c
}

func expand(tmpl []string, name string) []string {
	argv := make([]string, len(tmpl))
	for i, arg := range tmpl {
		argv[i] = strings.ReplaceAll(arg, "{name}", name)
	}
	return argv
}

// Interpreter executes actions and checks their postconditions.
type Interpreter struct {
	runner   executor.Runner
	commands Commands
	logger   zerolog.Logger
}

func NewInterpreter(runner executor.Runner, commands Commands, logger zerolog.Logger) *Interpreter {
	return &Interpreter{runner: runner, commands: commands.withDefaults(), logger: logger}
}

// Apply performs the action.
func (in *Interpreter) Apply(ctx context.Context, a Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	in.logger.Debug().Str("action", a.String()).Msg("apply")

	switch a.Type {
	case RemoveFile:
		if err := os.RemoveAll(a.Path); err != nil {
			return fmt.Errorf("action: remove %s: %w", a.Path, err)
		}
		return nil
	case RestoreFile:
		return restore(a.From, a.To)
	case UninstallPackage:
		return in.run(ctx, expand(in.commands.Uninstall, a.Name))
	case StopService:
		return in.run(ctx, expand(in.commands.StopService, a.Name))
	case RunCommand:
		return in.run(ctx, a.Argv)
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalid, a.Type)
}

func (in *Interpreter) run(ctx context.Context, argv []string) error {
	_, err := in.runner.Run(ctx, argv)
	return err
}

// Check verifies the postcondition of an applied action. It returns nil when
// the host is in the expected state. RunCommand has no postcondition.
func (in *Interpreter) Check(ctx context.Context, a Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	switch a.Type {
	case RemoveFile:
		if _, err := os.Lstat(a.Path); err == nil {
			return fmt.Errorf("%s still exists", a.Path)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", a.Path, err)
		}
		return nil
	case RestoreFile:
		return sameContent(a.From, a.To)
	case UninstallPackage:
		if _, err := in.runner.Run(ctx, expand(in.commands.PackageStatus, a.Name)); err == nil {
			return fmt.Errorf("package %s is still installed", a.Name)
		} else if errors.Is(err, executor.ErrCancelled) {
			return err
		}
		return nil
	case StopService:
		if _, err := in.runner.Run(ctx, expand(in.commands.ServiceActive, a.Name)); err == nil {
			return fmt.Errorf("service %s is still active", a.Name)
		} else if errors.Is(err, executor.ErrCancelled) {
			return err
		}
		return nil
	}
	return nil
}

// restore copies from over to, preserving the source's mode. The write goes
// through a temp file in the destination directory.
func restore(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("action: restore %s: %w", to, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("action: restore %s: %w", to, err)
	}

	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return fmt.Errorf("action: restore %s: %w", to, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(to), ".restore-*")
	if err != nil {
		return fmt.Errorf("action: restore %s: %w", to, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("action: restore %s: %w", to, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("action: restore %s: %w", to, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("action: restore %s: %w", to, err)
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return fmt.Errorf("action: restore %s: %w", to, err)
	}
	if err := os.Rename(tmpName, to); err != nil {
		return fmt.Errorf("action: restore %s: %w", to, err)
	}
	return nil
}

func sameContent(from, to string) error {
	want, err := os.ReadFile(from)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", from, err)
	}
	got, err := os.ReadFile(to)
	if err != nil {
		return fmt.Errorf("read restored %s: %w", to, err)
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("%s differs from %s", to, from)
	}
	return nil
}
