package busy

import (
	"sort"
	"time"
)

// AddOperationLock suppresses work for ttl (default 60 minutes). Adding a
// lock for a type that is already locked replaces it.
func (d *Detector) AddOperationLock(opType, reason string, ttl time.Duration) OperationLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := d.now()
	l := OperationLock{
		OperationType: opType,
		Reason:        reason,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	d.mu.Lock()
	d.locks[opType] = l
	d.mu.Unlock()

	log.Info("operation lock added", "operationType", opType, "reason", reason, "expiresAt", l.ExpiresAt)
	return l
}

// RemoveOperationLock reports whether a lock was removed.
func (d *Detector) RemoveOperationLock(opType string) bool {
	d.mu.Lock()
	_, ok := d.locks[opType]
	delete(d.locks, opType)
	d.mu.Unlock()

	if ok {
		log.Info("operation lock removed", "operationType", opType)
	}
	return ok
}

// CleanupExpiredLocks purges expired locks and returns how many were removed.
func (d *Detector) CleanupExpiredLocks() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for k, l := range d.locks {
		if !now.Before(l.ExpiresAt) {
			delete(d.locks, k)
			removed++
		}
	}
	return removed
}

// Locks returns the active locks ordered by creation time.
func (d *Detector) Locks() []OperationLock {
	d.CleanupExpiredLocks()
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocksLocked()
}

func (d *Detector) sortedLocksLocked() []OperationLock {
	out := make([]OperationLock, 0, len(d.locks))
	for _, l := range d.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OperationType < out[j].OperationType
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
