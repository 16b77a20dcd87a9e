// Package ledger is the append-only transaction log. Each line of the ledger
// file is one JSON Transaction pairing a performed side effect with the typed
// action that undoes it. Lines are hash-chained so truncation or tampering is
// detectable.
package ledger

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyndonlyu/hostprov/internal/action"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyAction   = errors.New("ledger: action description is empty")
	ErrEmptyRollback = errors.New("ledger: rollback action is empty")
	ErrChainBroken   = errors.New("ledger: hash chain broken")
	ErrCorruptEntry  = errors.New("ledger: corrupt entry")
)

// Transaction is one ledger entry.
type Transaction struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Phase     string        `json:"phase,omitempty"`
	Action    string        `json:"action"`
	Rollback  action.Action `json:"rollback_command"`
	PrevHash  string        `json:"prev_hash,omitempty"`
	Hash      string        `json:"hash"`
}

func computeHash(tx Transaction) string {
	tx.Hash = ""
	data, _ := json.Marshal(tx)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Ledger appends to and replays a single ledger file. All writes are
// serialized by one mutex, so the file order is the real completion order
// even when several phases record concurrently.
type Ledger struct {
	mu       sync.Mutex
	path     string
	lastHash string
	count    int
	now      func() time.Time
	logger   zerolog.Logger
}

// Open reads the ledger at path without modifying it. A torn final line is
// ignored in memory; Reload repairs it once the caller holds the host lock.
func Open(path string, logger zerolog.Logger) (*Ledger, error) {
	l := &Ledger{path: path, now: time.Now, logger: logger}
	if err := l.load(false); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the ledger file, dropping any state cached by Open, and
// truncates a torn final line left by a crash mid-append. Writers call it
// after acquiring the host lock and before their first Record.
func (l *Ledger) Reload() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("ledger: mkdir: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(true)
}

func (l *Ledger) load(repair bool) error {
	l.count, l.lastHash = 0, ""
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: read %s: %w", l.path, err)
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		keep := bytes.LastIndexByte(data, '\n') + 1
		if repair {
			l.logger.Warn().Int("dropped_bytes", len(data)-keep).Msg("truncating torn ledger tail")
			if err := os.Truncate(l.path, int64(keep)); err != nil {
				return fmt.Errorf("ledger: truncate torn tail: %w", err)
			}
		}
		data = data[:keep]
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		l.count++
		var tx Transaction
		if err := json.Unmarshal(line, &tx); err != nil {
			l.logger.Warn().Err(err).Int("line", l.count).Msg("unparseable ledger entry")
			continue
		}
		l.lastHash = tx.Hash
	}
	return sc.Err()
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Record appends a transaction with no producing phase.
func (l *Ledger) Record(desc string, rollback action.Action) error {
	_, err := l.RecordFor("", desc, rollback)
	return err
}

// RecordFor appends a transaction attributed to phase and returns the stored
// entry. The entry is fsynced before RecordFor returns.
func (l *Ledger) RecordFor(phase, desc string, rollback action.Action) (Transaction, error) {
	if strings.TrimSpace(desc) == "" {
		return Transaction{}, ErrEmptyAction
	}
	if rollback.IsZero() {
		return Transaction{}, ErrEmptyRollback
	}
	if err := rollback.Validate(); err != nil {
		return Transaction{}, fmt.Errorf("ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := Transaction{
		ID:        uuid.New().String(),
		Timestamp: l.now().UTC(),
		Phase:     phase,
		Action:    desc,
		Rollback:  rollback,
		PrevHash:  l.lastHash,
	}
	tx.Hash = computeHash(tx)

	data, err := json.Marshal(tx)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: marshal: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return Transaction{}, fmt.Errorf("ledger: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return Transaction{}, fmt.Errorf("ledger: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Transaction{}, fmt.Errorf("ledger: sync: %w", err)
	}

	l.lastHash = tx.Hash
	l.count++
	l.logger.Debug().Str("tx", tx.ID).Str("phase", phase).Str("action", desc).Msg("recorded")
	return tx, nil
}

// Count returns the number of entries in the ledger.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Clear empties the ledger.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clearLocked()
}

func (l *Ledger) clearLocked() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ledger: clear: %w", err)
	}
	l.lastHash = ""
	l.count = 0
	return nil
}

// Backup copies the ledger to path. A missing ledger produces an empty
// backup file.
func (l *Ledger) Backup(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backupLocked(path)
}

func (l *Ledger) backupLocked(path string) error {
	data, err := os.ReadFile(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ledger: backup read: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ledger: backup mkdir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("ledger: backup: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ledger: backup write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ledger: backup sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ledger: backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ledger: backup rename: %w", err)
	}
	return nil
}

// Archive commits a successful run: the ledger is copied to
// dir/ledger-<sessionID>.jsonl and then cleared. An empty ledger is not
// archived and Archive returns "".
func (l *Ledger) Archive(dir, sessionID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return "", l.clearLocked()
	}
	path := filepath.Join(dir, "ledger-"+sessionID+".jsonl")
	if err := l.backupLocked(path); err != nil {
		return "", err
	}
	if err := l.clearLocked(); err != nil {
		return path, err
	}
	return path, nil
}

// All returns every entry in append order.
func (l *Ledger) All() ([]Transaction, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	defer f.Close()

	var txs []Transaction
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var tx Transaction
		if err := json.Unmarshal(line, &tx); err != nil {
			return txs, fmt.Errorf("ledger: entry %d: %w", n, err)
		}
		txs = append(txs, tx)
		n++
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return txs, fmt.Errorf("ledger: scan: %w", err)
	}
	return txs, nil
}

// VerifyChain checks every entry's hash and its link to the previous entry.
func (l *Ledger) VerifyChain() error {
	txs, err := l.All()
	if err != nil {
		return err
	}
	prev := ""
	for i, tx := range txs {
		if computeHash(tx) != tx.Hash {
			return fmt.Errorf("%w: entry %d (%s) hash mismatch", ErrChainBroken, i, tx.ID)
		}
		if tx.PrevHash != prev {
			return fmt.Errorf("%w: entry %d (%s) does not follow its predecessor", ErrChainBroken, i, tx.ID)
		}
		prev = tx.Hash
	}
	return nil
}
