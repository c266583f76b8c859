package zerotrust

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// LockedEntry records one locked-out user in locked.yaml: who locked
// the account, when, and why.
type LockedEntry struct {
	User     string    `yaml:"user"`
	LockedAt time.Time `yaml:"locked_at"`
	Reason   string    `yaml:"reason"`
	LockedBy string    `yaml:"locked_by"`
}

// Lockout manages the set of locked-out users. State persists to
// locked.yaml; an in-memory set serves the per-operation lookups.
//
// Thread-safe; IsLocked is consulted on every authorization while
// Lock/Unlock/Reload modify the state. The engine file-watches
// locked.yaml, so `custodia lock` takes effect in a running process
// without a restart.
type Lockout struct {
	mu      sync.RWMutex
	locked  map[string]LockedEntry
	entries []LockedEntry
	path    string
}

// NewLockout loads the lockout state from the given YAML file. A
// missing file yields an empty lockout list.
func NewLockout(path string) (*Lockout, error) {
	lo := &Lockout{
		locked: make(map[string]LockedEntry),
		path:   path,
	}
	if err := lo.loadFromFile(); err != nil {
		return nil, err
	}
	return lo, nil
}

// IsLocked reports whether the given user is currently locked out.
// Called on every authorization, so it is an O(1) lookup under a read
// lock.
func (lo *Lockout) IsLocked(user string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()
	_, locked := lo.locked[user]
	return locked
}

// Lock adds a user to the lockout list and persists. Locking an
// already-locked user is a no-op.
func (lo *Lockout) Lock(user, reason, by string) error {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	if _, exists := lo.locked[user]; exists {
		return nil
	}

	entry := LockedEntry{
		User:     user,
		LockedAt: time.Now().UTC(),
		Reason:   reason,
		LockedBy: by,
	}
	lo.locked[user] = entry
	lo.entries = append(lo.entries, entry)

	slog.Warn("user locked out", "user", user, "reason", reason, "by", by)
	return lo.saveToFile()
}

// Unlock removes a user from the lockout list and persists. Unlocking
// a user that is not locked is a no-op.
func (lo *Lockout) Unlock(user string) error {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	if _, exists := lo.locked[user]; !exists {
		return nil
	}
	delete(lo.locked, user)

	filtered := make([]LockedEntry, 0, len(lo.entries))
	for _, e := range lo.entries {
		if e.User != user {
			filtered = append(filtered, e)
		}
	}
	lo.entries = filtered

	slog.Info("user unlocked", "user", user)
	return lo.saveToFile()
}

// Entries returns the current lockout list.
func (lo *Lockout) Entries() []LockedEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()
	out := make([]LockedEntry, len(lo.entries))
	copy(out, lo.entries)
	return out
}

// Reload re-reads locked.yaml and replaces the in-memory state. Called
// by the file watcher when the file changes on disk.
func (lo *Lockout) Reload() error {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	lo.locked = make(map[string]LockedEntry)
	lo.entries = nil

	if err := lo.loadFromFile(); err != nil {
		return err
	}

	slog.Info("lockout list reloaded", "locked_users", len(lo.locked))
	return nil
}

// loadFromFile reads locked.yaml into memory. Caller must hold the mutex.
func (lo *Lockout) loadFromFile() error {
	data, err := os.ReadFile(lo.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lockout list %s: %w", lo.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []LockedEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing lockout list %s: %w", lo.path, err)
	}

	lo.entries = entries
	for _, e := range entries {
		lo.locked[e.User] = e
	}
	return nil
}

// saveToFile writes the lockout list. Caller must hold the mutex.
func (lo *Lockout) saveToFile() error {
	if len(lo.entries) == 0 {
		return os.WriteFile(lo.path, []byte(""), 0o644)
	}

	data, err := yaml.Marshal(lo.entries)
	if err != nil {
		return fmt.Errorf("marshaling lockout list: %w", err)
	}
	return os.WriteFile(lo.path, data, 0o644)
}
