package assignment

import (
	"context"
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
)

// keyLock is a binary semaphore whose acquisition can be abandoned.
type keyLock chan struct{}

// lockTable hands out one keyLock per entity key. Entries are never removed;
// the table grows with the number of distinct ids ever touched.
type lockTable struct {
	locks *xsync.Map[string, keyLock]
}

func newLockTable() *lockTable {
	return &lockTable{locks: xsync.NewMap[string, keyLock]()}
}

func (t *lockTable) get(key string) keyLock {
	if l, ok := t.locks.Load(key); ok {
		return l
	}
	l, _ := t.locks.LoadOrStore(key, make(keyLock, 1))
	return l
}

func jobKey(id string) string     { return "job:" + id }
func vehicleKey(id string) string { return "vehicle:" + id }

// held is the set of locks acquired by one operation, released in reverse.
type held struct {
	t    *lockTable
	keys []string
	set  map[string]struct{}
}

func (t *lockTable) newHeld() *held {
	return &held{t: t, set: make(map[string]struct{})}
}

// acquire locks the given keys in sorted order, skipping keys already held.
// Callers acquire job keys before vehicle keys and never go back to a lower
// group, which keeps the global acquisition order acyclic.
func (h *held) acquire(ctx context.Context, keys ...string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for i, k := range sorted {
		if i > 0 && sorted[i-1] == k {
			continue
		}
		if _, ok := h.set[k]; ok {
			continue
		}
		l := h.t.get(k)
		select {
		case l <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		h.keys = append(h.keys, k)
		h.set[k] = struct{}{}
	}
	return nil
}

func (h *held) has(key string) bool {
	_, ok := h.set[key]
	return ok
}

func (h *held) release() {
	for i := len(h.keys) - 1; i >= 0; i-- {
		<-h.t.get(h.keys[i])
	}
	h.keys = nil
	h.set = make(map[string]struct{})
}
