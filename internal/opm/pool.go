// Package opm implements the Object Pool Manager: a pooled, resizable
// allocator for reusable objects (message buffers, message envelopes) used
// by the mailbox fabric's hot path. See spec §4.1.
//
// Grounded on the teacher's plugin-slot pattern (patterns/memstore,
// patterns/producer) for the lifecycle shape, and on
// original_source/src/platform/opm/{OPM,ObjectPool,SyncObjectPool}.* for
// the reserve/release/growth algorithm this package ports from C++.
package opm

import (
	"log/slog"
	"sync"

	"github.com/dashingfabric/mailbox/internal/mlserr"
)

// GrowthMode controls whether a pool may enlarge (and shrink back) past
// its initial capacity.
type GrowthMode int

const (
	NoGrowth GrowthMode = iota
	GrowthAllowed
	GrowAndShrink
)

// Object is implemented by anything allocated through a Pool. Clean is
// invoked on release, before the object returns to the free list.
type Object interface {
	PoolID() int
	setPoolID(int)
	Clean()
}

// unknownPoolID sentinel marks an object that was never stamped by a pool —
// releasing it is a ProgrammerError (spec §7 NotPooled).
const unknownPoolID = -1

// ObjectBase is embedded by concrete poolable types; it supplies the
// PoolID bookkeeping so object authors only need to implement Clean.
type ObjectBase struct {
	poolID int
}

func NewObjectBase() ObjectBase { return ObjectBase{poolID: unknownPoolID} }

func (o *ObjectBase) PoolID() int      { return o.poolID }
func (o *ObjectBase) setPoolID(id int) { o.poolID = id }

// Pool is a single (objectType, initParam) pool of reusable objects.
type Pool struct {
	id         int
	typeTag    string
	initParam  string
	ctor       func() Object
	threshold  float64 // fraction f; stored only — Reserve grows when the free list is drained and does not consult it
	increment  int
	growth     GrowthMode
	threadSafe bool

	mu              sync.Mutex // only used when threadSafe
	free            []Object
	used            map[Object]struct{}
	capacity        int
	capacityHistory []int // pushed on every growth, popped on shrink
	peakUsed        int
	createdCount    int
}

// newPool constructs and pre-populates a pool with initialSize objects.
func newPool(id int, typeTag, initParam string, ctor func() Object, threshold float64, increment, initialSize int, threadSafe bool, growth GrowthMode) *Pool {
	p := &Pool{
		id:         id,
		typeTag:    typeTag,
		initParam:  initParam,
		ctor:       ctor,
		threshold:  threshold,
		increment:  increment,
		growth:     growth,
		threadSafe: threadSafe,
		used:       make(map[Object]struct{}),
	}
	p.growBy(initialSize)
	return p
}

// growBy constructs n new objects via the registered constructor, stamps
// them, and pushes them onto the free list. A constructor returning nil is
// logged and tolerated — growth continues leak-tolerant per spec §4.1.
func (p *Pool) growBy(n int) {
	for i := 0; i < n; i++ {
		obj := p.ctor()
		if obj == nil {
			slog.Warn("opm constructor returned nil during growth", "pool_id", p.id, "type", p.typeTag)
			continue
		}
		obj.setPoolID(p.id)
		p.free = append(p.free, obj)
		p.capacity++
		p.createdCount++
	}
}

func (p *Pool) lock() {
	if p.threadSafe {
		p.mu.Lock()
	}
}

func (p *Pool) unlock() {
	if p.threadSafe {
		p.mu.Unlock()
	}
}

// tryLock returns true if the pool was not thread-safe, or the lock was
// acquired without blocking. Used by non-blocking Reserve.
func (p *Pool) tryLock() bool {
	if !p.threadSafe {
		return true
	}
	return p.mu.TryLock()
}

// Reserve pops an object off the free list, growing the pool first if the
// growth policy and high-water mark require it (spec §4.1 reserve
// algorithm). blocking controls whether a thread-safe pool's lock is
// acquired with Lock() (may block) or TryLock() (fails fast, returning
// PoolExhausted).
func (p *Pool) Reserve(blocking bool) (Object, error) {
	if blocking {
		p.lock()
	} else if !p.tryLock() {
		return nil, mlserr.New(mlserr.PoolExhausted).
			WithMessage("pool locked, non-blocking reserve failed").
			WithSource("opm").Build()
	}
	defer p.unlock()

	if len(p.free) == 0 {
		if p.growth == NoGrowth {
			return nil, mlserr.New(mlserr.PoolExhausted).
				WithMessagef("pool %d exhausted (NoGrowth, capacity=%d)", p.id, p.capacity).
				WithSource("opm").Build()
		}
		p.capacityHistory = append(p.capacityHistory, p.capacity)
		p.growBy(p.increment)
		if len(p.free) == 0 {
			return nil, mlserr.New(mlserr.PoolExhausted).
				WithMessagef("pool %d growth produced no objects", p.id).
				WithSource("opm").Build()
		}
	}

	n := len(p.free)
	obj := p.free[n-1]
	p.free = p.free[:n-1]
	p.used[obj] = struct{}{}

	if len(p.used) > p.peakUsed {
		p.peakUsed = len(p.used)
	}

	// High-water check: once this reservation has drained the free list,
	// grow pre-emptively so the *next* caller doesn't have to pay for it
	// — this is what makes "reserve the Nth object" the point at which
	// capacity visibly jumps (spec §8 scenario 4).
	if len(p.free) == 0 && p.growth != NoGrowth {
		p.capacityHistory = append(p.capacityHistory, p.capacity)
		p.growBy(p.increment)
	}

	return obj, nil
}

// Release returns obj to the free list after invoking its Clean hook. If
// growth is GrowAndShrink and used has dropped below the last recorded
// growth threshold, capacity is popped back and the surplus free objects
// are dropped (left for the GC; there is no explicit destructor in Go).
func (p *Pool) Release(obj Object) error {
	p.lock()
	defer p.unlock()

	if obj.PoolID() != p.id {
		return mlserr.New(mlserr.ProgrammerError).
			WithMessagef("release: object stamped with pool %d, not %d", obj.PoolID(), p.id).
			WithSource("opm").Build()
	}
	if _, ok := p.used[obj]; !ok {
		return mlserr.New(mlserr.ProgrammerError).
			WithMessage("release: object not in used set").
			WithSource("opm").Build()
	}

	delete(p.used, obj)
	obj.Clean()
	p.free = append(p.free, obj)

	if p.growth == GrowAndShrink && len(p.capacityHistory) > 0 {
		prevCapacity := p.capacityHistory[len(p.capacityHistory)-1]
		// Shrink as soon as usage drops back under the capacity level that
		// existed before the most recent growth — the surplus added for
		// that growth spurt is no longer earning its keep.
		if len(p.used) < prevCapacity {
			surplus := p.capacity - prevCapacity
			if surplus > 0 && surplus <= len(p.free) {
				p.capacityHistory = p.capacityHistory[:len(p.capacityHistory)-1]
				p.free = p.free[:len(p.free)-surplus]
				p.capacity = prevCapacity
			}
		}
	}

	return nil
}

// Contains reports whether obj was allocated by this pool (spec
// isCreatedByOPM, scoped to a single pool here; OPM.IsCreatedByOPM checks
// across all pools).
func (p *Pool) Contains(obj Object) bool {
	p.lock()
	defer p.unlock()
	_, ok := p.used[obj]
	return ok
}

// Stats is a point-in-time snapshot for diagnostics and the Runtime
// shutdown summary.
type Stats struct {
	ID           int
	TypeTag      string
	Capacity     int
	Free         int
	Used         int
	PeakUsed     int
	CreatedCount int
}

func (p *Pool) Stats() Stats {
	p.lock()
	defer p.unlock()
	return Stats{
		ID:           p.id,
		TypeTag:      p.typeTag,
		Capacity:     p.capacity,
		Free:         len(p.free),
		Used:         len(p.used),
		PeakUsed:     p.peakUsed,
		CreatedCount: p.createdCount,
	}
}
