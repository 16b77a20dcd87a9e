// Package checkpoint stores one durable marker per completed phase. The
// existence of a marker is the idempotency signal: a phase with a valid
// checkpoint is skipped on every later run.
//
// The store does not know about validation ordering. Callers must only
// Create a checkpoint after the phase's post-validation passed.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const fileSuffix = ".checkpoint"

var (
	// ErrNotFound is returned when no checkpoint exists for a phase.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrInvalidName rejects phase names that are unsafe as file names.
	ErrInvalidName = errors.New("checkpoint: invalid phase name")
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidName reports whether name can be used as a phase/checkpoint name.
func ValidName(name string) bool {
	return nameRe.MatchString(name) && !strings.Contains(name, "..")
}

// Checkpoint is the on-disk marker record.
type Checkpoint struct {
	Name      string    `json:"CHECKPOINT_NAME"`
	CreatedAt time.Time `json:"CREATED_AT"`
	Host      string    `json:"HOSTNAME"`
	User      string    `json:"USER"`
}

// Store manages checkpoint files under a directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+fileSuffix)
}

// Create writes the checkpoint for name atomically. Re-creating an existing
// checkpoint leaves the original record untouched.
func (s *Store) Create(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if s.Exists(name) {
		return nil
	}

	host, _ := os.Hostname()
	cp := Checkpoint{
		Name:      name,
		CreatedAt: s.now().UTC().Truncate(time.Second),
		Host:      host,
		User:      currentUser(),
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal %s: %w", name, err)
	}
	if err := writeAtomic(s.path(name), append(data, '\n')); err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a checkpoint file for name is present.
func (s *Store) Exists(name string) bool {
	if !ValidName(name) {
		return false
	}
	info, err := os.Stat(s.path(name))
	return err == nil && info.Mode().IsRegular()
}

// Get reads and parses a checkpoint.
func (s *Store) Get(name string) (Checkpoint, error) {
	if !ValidName(name) {
		return Checkpoint{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: read %s: %w", name, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parse %s: %w", name, err)
	}
	return cp, nil
}

// Validate checks that the checkpoint is readable and carries at least its
// name and creation timestamp.
func (s *Store) Validate(name string) error {
	cp, err := s.Get(name)
	if err != nil {
		return err
	}
	var missing []string
	if cp.Name == "" {
		missing = append(missing, "CHECKPOINT_NAME")
	}
	if cp.CreatedAt.IsZero() {
		missing = append(missing, "CREATED_AT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("checkpoint: %s missing %s", name, strings.Join(missing, ", "))
	}
	if cp.Name != name {
		return fmt.Errorf("checkpoint: %s records name %q", name, cp.Name)
	}
	return nil
}

// Clear removes the checkpoint for name. Clearing a missing checkpoint is
// not an error.
func (s *Store) Clear(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: clear %s: %w", name, err)
	}
	return nil
}

// ClearAll removes every checkpoint and returns how many were removed.
func (s *Store) ClearAll() (int, error) {
	names, err := s.List()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range names {
		if err := s.Clear(n); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// List returns checkpoint names sorted alphabetically.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// CleanupOlderThan removes checkpoints created more than age ago. Records
// that cannot be parsed fall back to the file modification time.
func (s *Store) CleanupOlderThan(age time.Duration) (int, error) {
	names, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-age)
	removed := 0
	for _, n := range names {
		created, err := s.createdAt(n)
		if err != nil {
			return removed, err
		}
		if created.Before(cutoff) {
			if err := s.Clear(n); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *Store) createdAt(name string) (time.Time, error) {
	if cp, err := s.Get(name); err == nil && !cp.CreatedAt.IsZero() {
		return cp.CreatedAt, nil
	}
	info, err := os.Stat(s.path(name))
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint: stat %s: %w", name, err)
	}
	return info.ModTime(), nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// writeAtomic writes data to a temp file in the same directory, fsyncs it and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
