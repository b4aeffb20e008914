package mailbox

import (
	"sync"
	"time"

	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/mlserr"
)

// Handle is a reference-counted smart reference to a Mailbox (spec §3/§4.4).
// Every live Handle counts one reference; closing it decrements the count,
// and at zero the mailbox deactivates itself using whichever OwnerHandle
// originally activated it.
type Handle struct {
	mbx    Mailbox
	mu     sync.Mutex
	closed bool
}

// NewHandle wraps mbx in a Handle, acquiring one reference. Applications
// get handles from MLS.Find or from a mailbox constructor — never by
// holding a Mailbox directly.
func NewHandle(mbx Mailbox) *Handle {
	mbx.acquire()
	return &Handle{mbx: mbx}
}

func (h *Handle) Address() message.Address { return h.mbx.Address() }

func (h *Handle) Post(msg message.Message, timeout time.Duration) error {
	return h.mbx.Post(msg, timeout)
}

func (h *Handle) Stats() Stats { return h.mbx.Stats() }

// Close releases this handle's reference. Idempotent — a second Close is
// a no-op rather than double-decrementing the mailbox's refcount.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.mbx.release()
	return nil
}

// Mailbox exposes the underlying Mailbox for callers that need the full
// surface (e.g. MLS converting an OwnerHandle to a plain Handle during
// proxy-on-miss, spec §4.9 step 4).
func (h *Handle) Mailbox() Mailbox { return h.mbx }

// OwnerHandle additionally exposes activate/deactivate, timer scheduling,
// and blocking/non-blocking getMessage (spec §3). getMu serializes
// concurrent GetMessage calls from a MailboxProcessor's N worker
// goroutines under one non-recursive mutex, so dequeuing is one-at-a-time
// even under a pool (spec §5).
type OwnerHandle struct {
	Handle
	getMu sync.Mutex
}

// NewOwnerHandle wraps mbx in an OwnerHandle, acquiring one reference.
func NewOwnerHandle(mbx Mailbox) *OwnerHandle {
	mbx.acquire()
	return &OwnerHandle{Handle: Handle{mbx: mbx}}
}

func (o *OwnerHandle) Activate() error {
	return o.mbx.Activate(o)
}

func (o *OwnerHandle) Deactivate() error {
	return o.mbx.Deactivate(o)
}

func (o *OwnerHandle) GetMessage(timeout time.Duration) (message.Message, bool) {
	o.getMu.Lock()
	defer o.getMu.Unlock()
	return o.mbx.GetMessage(timeout)
}

func (o *OwnerHandle) GetMessageNonBlocking() (message.Message, bool) {
	o.getMu.Lock()
	defer o.getMu.Unlock()
	return o.mbx.GetMessageNonBlocking()
}

func (o *OwnerHandle) ScheduleTimer(t *message.TimerMessage) (uint64, error) {
	if !o.mbx.IsActive() {
		return 0, mlserr.New(mlserr.ProgrammerError).WithMessage("scheduleTimer: mailbox not active").WithSource("mailbox").Build()
	}
	return o.mbx.ScheduleTimer(t)
}

func (o *OwnerHandle) CancelTimer(id uint64, t *message.TimerMessage) error {
	return o.mbx.CancelTimer(id, t)
}

func (o *OwnerHandle) ResetTimerInterval(id uint64, newInterval time.Duration) error {
	return o.mbx.ResetTimerInterval(id, newInterval)
}

// Downgrade converts this OwnerHandle into a plain Handle sharing the
// same single reference, without an extra acquire/release (spec §4.9 find
// protocol step 4: "convert the owner handle to a regular handle ...
// deleting the owner handle locally"). o is left closed so a later Close
// on it is a no-op rather than double-releasing the reference it just
// handed off.
func (o *OwnerHandle) Downgrade() *Handle {
	o.mu.Lock()
	mbx := o.mbx
	o.closed = true
	o.mu.Unlock()
	return &Handle{mbx: mbx}
}
