// Package threadmgr spawns named, restartable goroutines the way spec
// §4.2 / original_source/src/platform/threadmgr/ThreadManager.* spawn
// named, restartable OS threads: a trampoline retries the worker function
// a bounded number of times while it returns an error, and — when restart
// is requested —
// defers respawn to a side monitor goroutine rather than doing it inline
// from the exit path, to avoid a spawn-lock/exit-lock deadlock.
//
// Grounded on the teacher's background-goroutine idiom (patterns/producer
// batching loop, patterns/multicast_registry cleanupExpiredIdentities) for
// the ticker-driven monitor shape.
package threadmgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxRetries bounds the trampoline's in-place retry of a worker function
// that returns (spec §4.2: "retries the function up to R = 5 times").
const maxRetries = 5

// monitorInterval is how often the restart monitor drains pending
// restarts (spec §4.2: "drains it once every 2s").
const monitorInterval = 2 * time.Second

// Func is a worker function. It returns when it is done (permanently) or
// has failed; a non-nil error is logged but does not by itself trigger a
// restart — restart is requested explicitly at CreateThread time.
type Func func(stop <-chan struct{}) error

// ThreadID identifies one spawned worker. It changes across a restart —
// callers that cached the old id observe a stale value, same documented
// limitation as the source (spec §4.2 "Why").
type ThreadID string

// Manager is the process-wide thread manager: a restart map plus a lazily
// started monitor goroutine draining it.
type Manager struct {
	mu      sync.Mutex
	threads map[ThreadID]*worker

	restartMu  sync.Mutex
	restartMap map[ThreadID]restartRecord

	monitorOnce sync.Once
	monitorStop chan struct{}
}

type worker struct {
	id      ThreadID
	name    string
	fn      Func
	restart bool
	stop    chan struct{}
	done    chan struct{}
}

type restartRecord struct {
	name string
	fn   Func
}

// NewManager constructs an empty thread manager. The restart monitor is
// not started until the first CreateThread call that requests restart.
func NewManager() *Manager {
	return &Manager{
		threads:    make(map[ThreadID]*worker),
		restartMap: make(map[ThreadID]restartRecord),
	}
}

// CreateThread spawns fn on its own goroutine under the given name. If
// restart is true, the thread-exit hook re-queues fn for respawn via the
// restart monitor whenever the goroutine exits (after its in-place
// retries are exhausted).
func (m *Manager) CreateThread(name string, fn Func, restart bool) ThreadID {
	id := ThreadID(uuid.NewString())
	w := &worker{
		id:      id,
		name:    name,
		fn:      fn,
		restart: restart,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.threads[id] = w
	m.mu.Unlock()

	if restart {
		m.ensureMonitor()
	}

	go m.trampoline(w)
	return id
}

// CreateThreadPool spawns n identically-configured threads and returns
// their ids.
func (m *Manager) CreateThreadPool(n int, name string, fn Func, restart bool) []ThreadID {
	ids := make([]ThreadID, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, m.CreateThread(name, fn, restart))
	}
	return ids
}

// trampoline runs fn, retrying in place up to maxRetries times while it
// returns a non-nil error; a nil return ends the loop without a retry.
// Then — if the worker was created with restart=true — it posts a
// ThreadRestartRecord into the deferred restart map instead of respawning
// inline (spec §4.2 / §9 "Thread restart").
func (m *Manager) trampoline(w *worker) {
	defer close(w.done)

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = w.fn(w.stop)
		if err == nil {
			break
		}
		slog.Warn("thread function returned error", "thread", w.name, "attempt", attempt, "error", err)
	}

	m.mu.Lock()
	delete(m.threads, w.id)
	m.mu.Unlock()

	if w.restart {
		m.restartMu.Lock()
		m.restartMap[w.id] = restartRecord{name: w.name, fn: w.fn}
		m.restartMu.Unlock()
		slog.Info("thread exited, queued for restart", "thread", w.name)
	} else {
		slog.Info("thread exited", "thread", w.name)
	}
}

// ensureMonitor lazily starts the singleton monitor goroutine that drains
// the restart map every monitorInterval.
func (m *Manager) ensureMonitor() {
	m.monitorOnce.Do(func() {
		m.monitorStop = make(chan struct{})
		go m.runMonitor()
	})
}

func (m *Manager) runMonitor() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.monitorStop:
			return
		case <-ticker.C:
			m.drainRestarts()
		}
	}
}

func (m *Manager) drainRestarts() {
	m.restartMu.Lock()
	pending := m.restartMap
	m.restartMap = make(map[ThreadID]restartRecord)
	m.restartMu.Unlock()

	for oldID, rec := range pending {
		slog.Info("restarting thread", "thread", rec.name, "old_id", string(oldID))
		m.CreateThread(rec.name, rec.fn, true)
	}
}

// Stop signals every live worker's stop channel and halts the restart
// monitor. It does not wait for workers to actually exit, and neither
// Manager nor ThreadInfo exposes when a worker has finished.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, w := range m.threads {
		close(w.stop)
	}
	m.mu.Unlock()

	if m.monitorStop != nil {
		select {
		case <-m.monitorStop:
		default:
			close(m.monitorStop)
		}
	}
}

// ThreadInfo is a read-only snapshot of one live worker, exposed for
// admin/introspection — original_source's ThreadManager carries a
// getThreadCount()/listThreads() pair that the distilled spec dropped;
// SPEC_FULL keeps it as Snapshot (§4.10).
type ThreadInfo struct {
	ID      ThreadID
	Name    string
	Restart bool
}

// Snapshot lists currently live threads.
func (m *Manager) Snapshot() []ThreadInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ThreadInfo, 0, len(m.threads))
	for _, w := range m.threads {
		out = append(out, ThreadInfo{ID: w.id, Name: w.name, Restart: w.restart})
	}
	return out
}
