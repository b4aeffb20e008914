package opm

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/dashingfabric/mailbox/internal/mlserr"
)

// poolKey is the idempotency key: createPool with an identical
// (typeTag, initParam) pair returns the existing pool's id.
type poolKey struct {
	typeTag   string
	initParam string
}

// Manager is the process-wide Object Pool Manager: the "pool vector" of
// spec §5, one mutex protecting the vector itself, each pool carrying its
// own (optional) mutex for reserve/release.
type Manager struct {
	mu      sync.RWMutex
	pools   map[int]*Pool
	byKey   map[poolKey]int
	nextID  int
}

// NewManager constructs an empty OPM.
func NewManager() *Manager {
	return &Manager{
		pools: make(map[int]*Pool),
		byKey: make(map[poolKey]int),
	}
}

// CreatePool registers a new pool, or returns the id of an existing pool
// with an identical (typeTag, initParam) — createPool is idempotent in id
// per spec §4.1 and the "createPool is idempotent" law in spec §8.
func (m *Manager) CreatePool(typeTag, initParam string, ctor func() Object, threshold float64, increment, initialSize int, threadSafe bool, growth GrowthMode) int {
	key := poolKey{typeTag: typeTag, initParam: initParam}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		return id
	}

	id := m.nextID
	m.nextID++

	pool := newPool(id, typeTag, initParam, ctor, threshold, increment, initialSize, threadSafe, growth)
	m.pools[id] = pool
	m.byKey[key] = id

	slog.Debug("opm pool created",
		"pool_id", id, "type", typeTag, "init_param", initParam,
		"initial_size", initialSize, "thread_safe", threadSafe)

	return id
}

func (m *Manager) pool(poolID int) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pools[poolID]
	if !ok {
		return nil, mlserr.New(mlserr.InvalidArgument).
			WithMessagef("unknown pool id %d", poolID).
			WithSource("opm").Build()
	}
	return p, nil
}

// Reserve allocates an object from the named pool.
func (m *Manager) Reserve(poolID int, blocking bool) (Object, error) {
	p, err := m.pool(poolID)
	if err != nil {
		return nil, err
	}
	return p.Reserve(blocking)
}

// Release returns obj to whichever pool it was stamped with.
func (m *Manager) Release(obj Object) error {
	p, err := m.pool(obj.PoolID())
	if err != nil {
		return mlserr.New(mlserr.ProgrammerError).
			WithMessage("release of object not created by this OPM").
			WithSource("opm").Build()
	}
	return p.Release(obj)
}

// IsCreatedByOPM reports whether obj was allocated by any pool this
// manager owns.
func (m *Manager) IsCreatedByOPM(obj Object) bool {
	p, err := m.pool(obj.PoolID())
	if err != nil {
		return false
	}
	return p.Contains(obj)
}

// PoolStats returns a snapshot of every pool, for diagnostics.
func (m *Manager) PoolStats() []Stats {
	m.mu.RLock()
	ids := make([]int, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	pools := m.pools
	m.mu.RUnlock()

	stats := make([]Stats, 0, len(ids))
	for _, id := range ids {
		stats = append(stats, pools[id].Stats())
	}
	return stats
}

// Shutdown tears down all pools and logs a human-readable usage summary —
// the §9 "drains pools and prints usage summary" behavior, using
// go-humanize the way the teacher formats large counters for operators.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	for id, p := range m.pools {
		s := p.Stats()
		fmt.Fprintf(&b, "\n  pool %d (%s): peak_used=%s final_capacity=%s created=%s",
			id, s.TypeTag, humanize.Comma(int64(s.PeakUsed)),
			humanize.Comma(int64(s.Capacity)), humanize.Comma(int64(s.CreatedCount)))
	}

	slog.Info("opm shutdown", "pool_count", len(m.pools), "summary", b.String())

	m.pools = make(map[int]*Pool)
	m.byKey = make(map[poolKey]int)
}
