// Package lock implements the five-level cooperative file locking protocol used by SQLite.
// Table keeps per-file, per-owner levels so one owner can observe locks held by others.
package lock

import (
	"errors"
	"fmt"
	"sync"
)

// Level is a lock level, ordered from weakest to strongest. Values match SQLITE_LOCK_*.
type Level int32

// enum of all lock levels
const (
	None Level = iota
	Shared
	Reserved
	Pending
	Exclusive
)

// ErrBusy is returned when a lock can't be acquired because of another owner. Callers should retry.
var ErrBusy = errors.New("lock is busy")

// String returns a short name of the level
func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Shared:
		return "shared"
	case Reserved:
		return "reserved"
	case Pending:
		return "pending"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

// Valid reports whether l is one of the five known levels
func (l Level) Valid() bool { return l >= None && l <= Exclusive }

// Table tracks lock levels held by owners on files identified by key.
// Safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	files map[string]map[uint64]Level
}

// NewTable makes an empty lock table
func NewTable() *Table {
	return &Table{files: make(map[string]map[uint64]Level)}
}

// Level returns the current level of owner on key
func (t *Table) Level(key string, owner uint64) Level {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[key][owner]
}

// Lock upgrades owner's lock on key to level. Requesting a level at or below the current one is a no-op.
// Returns ErrBusy if the upgrade conflicts with another owner or skips a required step.
// A failed attempt to reach Exclusive may leave the owner at Pending, new Shared locks are blocked then.
func (t *Table) Lock(key string, owner uint64, level Level) error {
	if !level.Valid() {
		return fmt.Errorf("invalid lock level %d", level)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	owners := t.files[key]
	current := owners[owner]
	if level <= current {
		return nil
	}

	var strongest Level // strongest level held by other owners
	readers := 0        // other owners holding shared or above
	for o, l := range owners {
		if o == owner {
			continue
		}
		if l > strongest {
			strongest = l
		}
		if l >= Shared {
			readers++
		}
	}

	switch level {
	case Shared: // current is None
		if strongest >= Pending {
			return ErrBusy
		}
	case Reserved, Pending:
		if current == None || strongest >= Reserved {
			return ErrBusy
		}
	case Exclusive:
		if current == None {
			return ErrBusy
		}
		if current < Pending && strongest >= Reserved {
			return ErrBusy
		}
		if readers > 0 {
			t.set(key, owner, Pending)
			return ErrBusy
		}
	}
	t.set(key, owner, level)
	return nil
}

// Unlock downgrades owner's lock on key to level. Downgrades never fail, asking for a level
// at or above the current one is a no-op.
func (t *Table) Unlock(key string, owner uint64, level Level) error {
	if !level.Valid() {
		return fmt.Errorf("invalid lock level %d", level)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if level >= t.files[key][owner] {
		return nil
	}
	t.set(key, owner, level)
	return nil
}

// CheckReserved reports whether any owner other than the given one holds Reserved or above on key
func (t *Table) CheckReserved(key string, owner uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for o, l := range t.files[key] {
		if o != owner && l >= Reserved {
			return true
		}
	}
	return false
}

// Release drops any lock held by owner on key
func (t *Table) Release(key string, owner uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set(key, owner, None)
}

// set stores the level, removing empty entries. Caller holds the mutex.
func (t *Table) set(key string, owner uint64, level Level) {
	owners, ok := t.files[key]
	if level == None {
		if !ok {
			return
		}
		delete(owners, owner)
		if len(owners) == 0 {
			delete(t.files, key)
		}
		return
	}
	if !ok {
		owners = make(map[uint64]Level)
		t.files[key] = owners
	}
	owners[owner] = level
}
