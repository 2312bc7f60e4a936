// Package idpool allocates UIDs and GIDs out of configured ranges: a
// plain range pool for UIDs (one per service instance) and a refcounted,
// per-item pool for GIDs (one GID shared by every instance of an item).
package idpool

import (
	"sync"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
)

// Validator vetoes a candidate id, e.g. by checking it isn't already
// claimed outside the pool's own bookkeeping (/etc/passwd and friends).
type Validator func(id int) bool

// UIDPool hands out unique integers from [rangeBegin, rangeEnd).
type UIDPool struct {
	mu         sync.Mutex
	begin, end int
	validator  Validator
	locked     map[int]struct{}
}

// NewUIDPool creates a pool over [begin, end). A nil validator admits
// every candidate in range.
func NewUIDPool(begin, end int, validator Validator) *UIDPool {
	if validator == nil {
		validator = func(int) bool { return true }
	}
	return &UIDPool{begin: begin, end: end, validator: validator, locked: make(map[int]struct{})}
}

// Acquire finds and reserves the first free, validator-accepted id.
func (p *UIDPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id := p.begin; id < p.end; id++ {
		if _, taken := p.locked[id]; taken {
			continue
		}
		if !p.validator(id) {
			continue
		}
		p.locked[id] = struct{}{}
		return id, nil
	}

	return 0, aoserrors.New(aoserrors.KindNotFound, "no free id in pool")
}

// TryAcquire reserves a specific id, used when restoring a persisted
// instance's previously assigned UID.
func (p *UIDPool) TryAcquire(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < p.begin || id >= p.end {
		return aoserrors.New(aoserrors.KindOutOfRange, "id outside pool range")
	}
	if _, taken := p.locked[id]; taken {
		return aoserrors.New(aoserrors.KindAlreadyExist, "id already locked")
	}

	p.locked[id] = struct{}{}
	return nil
}

// Release returns id to the pool.
func (p *UIDPool) Release(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, taken := p.locked[id]; !taken {
		return aoserrors.New(aoserrors.KindNotFound, "id not locked")
	}
	delete(p.locked, id)
	return nil
}

type gidEntry struct {
	gid      int
	refCount int
}

// GIDPool hands out GIDs keyed by item id: every instance of the same
// item shares one GID, refcounted so the id is released only when the
// last instance drops it.
type GIDPool struct {
	mu      sync.Mutex
	pool    *UIDPool
	byItem  map[string]gidEntry
}

// NewGIDPool creates a pool over [begin, end) for GID assignment.
func NewGIDPool(begin, end int, validator Validator) *GIDPool {
	return &GIDPool{pool: NewUIDPool(begin, end, validator), byItem: make(map[string]gidEntry)}
}

// GetGID returns itemID's GID, allocating one if this is the first
// instance of the item. requestedGID, if nonzero, pins the allocation to
// that value (used when restoring a persisted instance); it must match
// an already-assigned GID for the same item.
func (p *GIDPool) GetGID(itemID string, requestedGID int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byItem[itemID]; ok {
		if requestedGID != 0 && existing.gid != requestedGID {
			return 0, aoserrors.New(aoserrors.KindInvalidArgument, "requested gid conflicts with item's assigned gid")
		}
		existing.refCount++
		p.byItem[itemID] = existing
		return existing.gid, nil
	}

	var assigned int
	var err error
	if requestedGID != 0 {
		if err = p.pool.TryAcquire(requestedGID); err != nil {
			return 0, err
		}
		assigned = requestedGID
	} else {
		assigned, err = p.pool.Acquire()
		if err != nil {
			return 0, err
		}
	}

	p.byItem[itemID] = gidEntry{gid: assigned, refCount: 1}
	return assigned, nil
}

// Release decrements itemID's refcount, returning its GID to the pool
// once the last instance has released it.
func (p *GIDPool) Release(itemID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.byItem[itemID]
	if !ok {
		return aoserrors.New(aoserrors.KindNotFound, "item has no assigned gid")
	}

	if entry.refCount > 1 {
		entry.refCount--
		p.byItem[itemID] = entry
		return nil
	}

	if err := p.pool.Release(entry.gid); err != nil {
		return err
	}
	delete(p.byItem, itemID)
	return nil
}
