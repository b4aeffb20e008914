package mailbox

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/mlserr"
)

// timerReactor is the reactor instance every queue-backed mailbox owns
// for timers (spec §3 "a reactor instance for timers", §9 "register (fd,
// READ|TIMER, callback); deliver exactly-once per event; allow safe
// removal from inside a callback"). It is implemented over time.AfterFunc
// rather than an epoll-style loop — each timer entry is its own Go timer
// goroutine, which satisfies the required contract without a central
// event loop to manage (spec §9 "a reimplementation may use any
// equivalent").
type timerReactor struct {
	mu      sync.Mutex
	entries map[uint64]*timerEntry
	active  int32
}

type timerEntry struct {
	timer *time.Timer
	msg   *message.TimerMessage
	fire  func(*message.TimerMessage)
}

func (r *timerReactor) init() {
	r.entries = make(map[uint64]*timerEntry)
}

func (r *timerReactor) count() int32 { return atomic.LoadInt32(&r.active) }

// schedule starts a timer for t, invoking fire exactly once per expiry
// (spec §4.4 handle_timeout). Reusable timers with a non-zero
// RestartInterval reschedule themselves after firing; active-timer count
// stays incremented across a reschedule since the timer remains
// outstanding.
func (r *timerReactor) schedule(t *message.TimerMessage, fire func(*message.TimerMessage)) (uint64, error) {
	if t == nil {
		return 0, mlserr.New(mlserr.InvalidArgument).WithMessage("scheduleTimer: nil TimerMessage").WithSource("mailbox").Build()
	}

	id := newTimerID()
	t.TimerID = id

	entry := &timerEntry{msg: t, fire: fire}

	r.mu.Lock()
	r.entries[id] = entry
	r.mu.Unlock()
	atomic.AddInt32(&r.active, 1)

	entry.timer = time.AfterFunc(t.Timeout, func() { r.expire(id) })
	return id, nil
}

func (r *timerReactor) expire(id uint64) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if entry.msg.Reusable && entry.msg.RestartInterval > 0 {
		entry.timer.Reset(entry.msg.RestartInterval)
		r.mu.Unlock()
	} else {
		delete(r.entries, id)
		r.mu.Unlock()
		atomic.AddInt32(&r.active, -1)
	}

	entry.fire(entry.msg)
}

// cancel stops the timer and reports whether one outstanding instance
// was actually found and cancelled (spec §5 "Timer cancellation returns
// OK only if the reactor confirmed one outstanding instance cancelled").
// Disposal of the TimerMessage itself is left to the caller: if it is
// OPM-owned, Delete() (called by the caller after cancel succeeds)
// returns it to the pool; if reusable, the caller keeps it; the reactor
// never deletes a message on the caller's behalf.
func (r *timerReactor) cancel(id uint64, t *message.TimerMessage) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return mlserr.New(mlserr.NotFound).WithMessagef("cancelTimer: no outstanding timer %d", id).WithSource("mailbox").Build()
	}
	delete(r.entries, id)
	r.mu.Unlock()

	entry.timer.Stop()
	atomic.AddInt32(&r.active, -1)
	_ = t
	return nil
}

// reset updates a live timer's restart interval. A newInterval of zero
// transitions the timer to non-reusable (spec §4.4 "Resetting the
// restart interval to zero transitions the timer to non-reusable").
func (r *timerReactor) reset(id uint64, newInterval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return mlserr.New(mlserr.NotFound).WithMessagef("resetTimerInterval: no outstanding timer %d", id).WithSource("mailbox").Build()
	}

	entry.msg.RestartInterval = newInterval
	if newInterval == 0 {
		entry.msg.Reusable = false
	}
	return nil
}

// stop cancels every outstanding timer — called from Deactivate so a
// reactivated mailbox starts with a clean timer set.
func (r *timerReactor) stop() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[uint64]*timerEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		atomic.AddInt32(&r.active, -1)
	}
}

var timerIDCounter uint64

// newTimerID hands out a process-unique timer id. A uuid-derived value is
// used rather than a bare incrementing counter so ids stay unique across
// a mailbox's activate/deactivate/reactivate cycles the same way
// discovery-subscription ids do (SPEC_FULL §3).
func newTimerID() uint64 {
	u := uuid.New()
	var v uint64
	for _, b := range u[:8] {
		v = v<<8 | uint64(b)
	}
	if v == 0 {
		v = atomic.AddUint64(&timerIDCounter, 1)
	}
	return v
}
