// Package mailbox implements the unified Mailbox contract (spec §3 / §4.4)
// and its four transport variants: LocalMailbox (§4.5), DistributedMailbox
// +Proxy over TCP (§4.6), GroupMailbox+Proxy over UDP (§4.7), and
// LocalSMMailbox+Proxy over a process-wide FIFO standing in for shared
// memory (§4.8, see DESIGN.md).
//
// Grounded on the teacher's patterns/mailbox/mailbox.go for the
// activate/deactivate/post/receive shape and its reliance on log/slog for
// every lifecycle transition.
package mailbox

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/mlserr"
)

// Mailbox is the single contract every transport variant and its proxy
// implement (spec §3 "Mailbox"). acquire/release are unexported — only
// types in this package can fully satisfy it, matching the source's
// closed set of concrete mailbox kinds.
type Mailbox interface {
	Address() message.Address
	Post(msg message.Message, timeout time.Duration) error
	GetMessage(timeout time.Duration) (message.Message, bool)
	GetMessageNonBlocking() (message.Message, bool)
	Activate(owner *OwnerHandle) error
	Deactivate(owner *OwnerHandle) error
	IsActive() bool
	ScheduleTimer(t *message.TimerMessage) (uint64, error)
	CancelTimer(id uint64, t *message.TimerMessage) error
	ResetTimerInterval(id uint64, newInterval time.Duration) error
	Stats() Stats

	acquire()
	release()
}

// Registrar is the subset of MailboxLookupService a Mailbox calls back
// into during activate/deactivate (spec §4.9 register/deregister
// protocols). Defined here, implemented in package mls, to avoid an
// import cycle — mls needs to construct and hold Mailboxes, mailbox only
// needs to notify one.
type Registrar interface {
	Register(addr message.Address, mbx Mailbox) error
	Deregister(addr message.Address) error
}

// Stats is a point-in-time snapshot of a mailbox's counters (spec §4.4).
type Stats struct {
	Address       message.Address
	RefCount      int32
	Active        bool
	SentCount     int64
	ReceivedCount int64
	ActiveTimers  int32
}

// Base is embedded by every concrete mailbox type for the bookkeeping
// spec §3 assigns to "Mailbox": address, refcount, activation/shutdown
// flags, counters, active-timer count, the owning handle, and the timer
// reactor (spec §4.4 timer handling policy). Remote server variants embed
// a *Local for their local FIFO and compose their own I/O loop on top;
// see local.go.
type Base struct {
	self      Mailbox // set by the concrete constructor; used by release() to call back into Deactivate
	registrar Registrar

	addr     message.Address
	refCount int32
	active   int32 // atomic bool
	debug    bool

	sentCount     int64
	receivedCount int64

	ownerHandleWhoActivatedMe *OwnerHandle

	timers timerReactor
}

// initBase wires the Base's back-reference to the concrete mailbox that
// embeds it — required so release() (reached only via Base) can invoke
// the concrete type's own Deactivate/overridden methods — and records the
// Registrar (the MLS) activate/deactivate call back into.
func (b *Base) initBase(self Mailbox, registrar Registrar, addr message.Address, debug bool) {
	b.self = self
	b.registrar = registrar
	b.addr = addr
	b.debug = debug
	b.timers.init()
}

func (b *Base) Address() message.Address { return b.addr }
func (b *Base) IsActive() bool           { return atomic.LoadInt32(&b.active) == 1 }

func (b *Base) setActive(owner *OwnerHandle) {
	atomic.StoreInt32(&b.active, 1)
	b.ownerHandleWhoActivatedMe = owner
}

func (b *Base) setInactive() {
	atomic.StoreInt32(&b.active, 0)
	b.ownerHandleWhoActivatedMe = nil
}

func (b *Base) acquire() { atomic.AddInt32(&b.refCount, 1) }

// release implements the reference-count protocol of spec §4.4: hitting
// zero deactivates (if still active) using the handle that originally
// activated it, then the mailbox is left to the garbage collector — Go
// has no destructor to invoke, the MLS-side deregistration already
// happened inside Deactivate.
func (b *Base) release() {
	if atomic.AddInt32(&b.refCount, -1) != 0 {
		return
	}
	if b.IsActive() {
		_ = b.self.Deactivate(b.ownerHandleWhoActivatedMe)
	}
}

// registerSelf and deregisterSelf are the shared activate/deactivate
// halves every concrete mailbox (local-queue or proxy) uses to talk to
// its Registrar (spec §4.9 register/deregister protocols) — registering
// b.self, not b, so the MLS always holds the outermost concrete type.
func (b *Base) registerSelf(owner *OwnerHandle) error {
	if err := b.registrar.Register(b.addr, b.self); err != nil {
		return err
	}
	b.setActive(owner)
	return nil
}

func (b *Base) deregisterSelf() error {
	b.setInactive()
	return b.registrar.Deregister(b.addr)
}

func (b *Base) incrementSent()     { atomic.AddInt64(&b.sentCount, 1) }
func (b *Base) incrementReceived() { atomic.AddInt64(&b.receivedCount, 1) }

func (b *Base) statsCommon() Stats {
	return Stats{
		Address:       b.addr,
		RefCount:      atomic.LoadInt32(&b.refCount),
		Active:        b.IsActive(),
		SentCount:     atomic.LoadInt64(&b.sentCount),
		ReceivedCount: atomic.LoadInt64(&b.receivedCount),
		ActiveTimers:  b.timers.count(),
	}
}

// ScheduleTimer, CancelTimer, and ResetTimerInterval delegate to the
// embedded timer reactor; every local-queue-backed mailbox gets this
// behavior for free by embedding Base, and proxy variants (no reactor)
// shadow these with their own ProgrammerError-returning methods (spec §7
// "scheduling a timer via a proxy").
func (b *Base) ScheduleTimer(t *message.TimerMessage) (uint64, error) {
	return b.timers.schedule(t, func(msg *message.TimerMessage) {
		// handle_timeout (spec §4.4): post the fired timer back into this
		// mailbox's own queue. self is always a queue-backed type when
		// ScheduleTimer is reachable (proxies shadow this method).
		_ = b.self.Post(msg, 0)
	})
}

func (b *Base) CancelTimer(id uint64, t *message.TimerMessage) error {
	return b.timers.cancel(id, t)
}

func (b *Base) ResetTimerInterval(id uint64, newInterval time.Duration) error {
	return b.timers.reset(id, newInterval)
}

// proxyScheduleTimerErr, proxyCancelTimerErr, and proxyResetTimerErr are
// shared by every proxy mailbox type's own ScheduleTimer/CancelTimer/
// ResetTimerInterval methods, which shadow Base's promoted versions to
// report ProgrammerError — proxies have no reactor (spec §7 "scheduling a
// timer via a proxy"). Each proxy type defines these explicitly rather
// than via a second embedded struct, since embedding one alongside Base
// would make the method set ambiguous (both exist at the same depth).
func proxyScheduleTimerErr() (uint64, error) {
	return 0, mlserr.New(mlserr.ProgrammerError).WithMessage("scheduleTimer: proxy mailboxes have no reactor").WithSource("mailbox").Build()
}

func proxyCancelTimerErr() error {
	return mlserr.New(mlserr.ProgrammerError).WithMessage("cancelTimer: proxy mailboxes have no reactor").WithSource("mailbox").Build()
}

func proxyResetTimerErr() error {
	return mlserr.New(mlserr.ProgrammerError).WithMessage("resetTimerInterval: proxy mailboxes have no reactor").WithSource("mailbox").Build()
}

// proxyNoGetMessage is embedded by proxy mailbox types: posting through a
// proxy is legal, getMessage through one is not (spec §7 "posting through
// a proxy's illegal getMessage").
type proxyNoGetMessage struct{}

func (proxyNoGetMessage) GetMessage(time.Duration) (message.Message, bool) {
	slog.Warn("getMessage called on a proxy mailbox, which has no local queue")
	return nil, false
}

func (proxyNoGetMessage) GetMessageNonBlocking() (message.Message, bool) {
	slog.Warn("getMessageNonBlocking called on a proxy mailbox, which has no local queue")
	return nil, false
}

// IsProxy reports whether mbx is one of the three proxy kinds (spec §4.9
// register protocol "Proxy remote addresses go into proxy"). MLS uses
// this to route a just-activated mailbox to the proxy registry instead of
// the local one without needing its own closed type switch.
func IsProxy(mbx Mailbox) bool {
	switch mbx.(type) {
	case *DistributedProxy, *GroupProxy, *SMFifoProxy:
		return true
	default:
		return false
	}
}
