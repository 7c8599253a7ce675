// Package journal keeps a local, append-only record of actions the
// settlement service confirmed. It is informational and never replayed.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const MaxEntries = 200

type Entry struct {
	ID             string    `json:"id"`
	Action         string    `json:"action"`
	Slug           string    `json:"slug,omitempty"`
	Summary        string    `json:"summary"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	At             time.Time `json:"at"`
}

type Journal struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Journal {
	return &Journal{dir: dir}
}

func (j *Journal) path() (string, error) {
	if err := os.MkdirAll(j.dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(j.dir, "journal.json"), nil
}

func (j *Journal) Load() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loadLocked()
}

func (j *Journal) loadLocked() ([]Entry, error) {
	path, err := j.path()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Entry{}, nil
	}
	var out []Entry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *Journal) saveLocked(entries []Entry) error {
	path, err := j.path()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Append adds e, filling ID and At when unset, and drops the oldest entries
// beyond MaxEntries.
func (j *Journal) Append(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	entries, err := j.loadLocked()
	if err != nil {
		return err
	}
	entries = append(entries, e)
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}
	return j.saveLocked(entries)
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	entries, err := j.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		out = append(out, entries[i])
	}
	return out, nil
}
