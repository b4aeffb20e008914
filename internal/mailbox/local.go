package mailbox

import (
	"log/slog"
	"time"

	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/mlserr"
)

// DefaultLocalQueueBound is the LocalMailbox FIFO capacity used when a
// caller doesn't override it (spec §4.5 "Bounded FIFO").
const DefaultLocalQueueBound = 1024

// Local is the in-process bounded-queue mailbox (spec §4.5). It owns its
// own timer reactor (embedded via Base) and is also the local-queue
// building block DistributedMailbox, GroupMailbox, and LocalSMMailbox
// servers inherit (spec §4.6 "inherits local-queue behavior from
// LocalMailbox").
//
// There is no separate "dedicated thread running the timer reactor's
// event loop" here: Base's timerReactor schedules each TimerMessage on
// its own time.AfterFunc, so activate/deactivate only need to start and
// stop that reactor's bookkeeping, not a loop thread (spec §9 "a
// reimplementation may use any equivalent").
type Local struct {
	Base
	q *queue
}

// NewLocal constructs an inactive, standalone LocalMailbox. bound <= 0
// means unbounded.
func NewLocal(addr message.Address, registrar Registrar, bound int, debug bool) *Local {
	return newQueueMailbox(addr, registrar, bound, debug)
}

// newQueueMailbox builds the *Local queue+timer-reactor building block
// that DistributedMailbox, GroupMailbox, and LocalSMMailbox servers embed
// (spec §4.6 "inherits local-queue behavior from LocalMailbox"). self is
// initially the *Local itself; an embedding type should overwrite
// l.self once constructed so release()/timer-fire callbacks dispatch to
// its own overridden Activate/Deactivate/Post rather than Local's.
func newQueueMailbox(addr message.Address, registrar Registrar, bound int, debug bool) *Local {
	l := &Local{q: newQueue(bound)}
	l.initBase(l, registrar, addr, debug)
	return l
}

func (l *Local) Post(msg message.Message, timeout time.Duration) error {
	if err := l.q.Push(msg, timeout); err != nil {
		return err
	}
	l.incrementSent()
	return nil
}

func (l *Local) GetMessage(timeout time.Duration) (message.Message, bool) {
	msg, ok := l.q.Pop(timeout)
	if ok {
		l.incrementReceived()
	}
	return msg, ok
}

func (l *Local) GetMessageNonBlocking() (message.Message, bool) {
	msg, ok := l.q.PopNonBlocking()
	if ok {
		l.incrementReceived()
	}
	return msg, ok
}

// Activate registers this mailbox under its own address and marks it
// active (spec §4.4/§4.5). Activating an already-active mailbox is a
// no-op beyond re-registering, matching MLS's duplicate-registration
// protocol (spec §4.9) which handles the replace-in-place case.
func (l *Local) Activate(owner *OwnerHandle) error {
	if err := l.registerSelf(owner); err != nil {
		return err
	}
	if l.debug {
		slog.Debug("mailbox activated", "address", l.addr.String())
	}
	return nil
}

// Deactivate reverses Activate: deregisters, stops the timer reactor, and
// closes the local queue so blocked GetMessage callers observe
// (nil, false) (spec §4.5 "must idempotently interrupt blocked
// getMessage callers").
func (l *Local) Deactivate(owner *OwnerHandle) error {
	if !l.IsActive() {
		return nil
	}
	l.timers.stop()
	l.q.Close()
	if err := l.deregisterSelf(); err != nil {
		return err
	}
	if l.debug {
		slog.Debug("mailbox deactivated", "address", l.addr.String())
	}
	return nil
}

func (l *Local) Stats() Stats { return l.statsCommon() }

var _ Mailbox = (*Local)(nil)

// illegalPost is a shared helper proxies without a working transport
// fall back to (none currently need it, kept for proxy implementations
// that guard unreachable states).
func illegalPost(kind string) error {
	return mlserr.New(mlserr.ProgrammerError).WithMessagef("%s: illegal operation", kind).WithSource("mailbox").Build()
}
