package mailbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/mlserr"
	"github.com/dashingfabric/mailbox/internal/opm"
)

// lengthPrefixSize is the u32 big-endian frame-length prefix SPEC_FULL §6
// adds ahead of every TCP frame, resolving the source's open question
// about recv coalescing (spec §9): without it, two small sends can arrive
// as one recv and mis-frame.
const lengthPrefixSize = 4

// Distributed is the TCP-server mailbox variant (spec §4.6). It embeds a
// *Local for queue/timer behavior — "inherits local-queue behavior from
// LocalMailbox" — and layers a TCP acceptor plus one reader goroutine per
// accepted connection on top.
type Distributed struct {
	*Local

	factory message.Factory

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewDistributed constructs an inactive DistributedMailbox server bound
// to addr.Endpoint on Activate. factory reconstructs typed messages from
// received frames (spec §6 "MessageFactory ... the core depends only on
// this signature").
func NewDistributed(addr message.Address, registrar Registrar, factory message.Factory, debug bool) *Distributed {
	d := &Distributed{
		factory: factory,
		conns:   make(map[string]net.Conn),
	}
	d.Local = newQueueMailbox(addr, registrar, DefaultLocalQueueBound, debug)
	d.Local.self = d
	return d
}

func (d *Distributed) Activate(owner *OwnerHandle) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", d.addr.Endpoint.String())
	if err != nil {
		return mlserr.Wrap(mlserr.TransportFatal, err).WithMessagef("distributed mailbox listen %s", d.addr.Endpoint).WithSource("mailbox").Build()
	}

	d.mu.Lock()
	d.listener = ln
	d.stop = make(chan struct{})
	d.mu.Unlock()

	if err := d.registerSelf(owner); err != nil {
		ln.Close()
		return err
	}

	d.wg.Add(1)
	go d.acceptLoop()
	return nil
}

func (d *Distributed) Deactivate(owner *OwnerHandle) error {
	if !d.IsActive() {
		return nil
	}

	d.mu.Lock()
	close(d.stop)
	if d.listener != nil {
		d.listener.Close()
	}
	conns := d.conns
	d.conns = make(map[string]net.Conn)
	d.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	d.wg.Wait()

	return d.Local.Deactivate(owner)
}

func (d *Distributed) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stop:
				return
			default:
				slog.Warn("distributed mailbox accept failed", "address", d.addr.String(), "error", err)
				return
			}
		}

		d.mu.Lock()
		d.conns[conn.RemoteAddr().String()] = conn
		d.mu.Unlock()

		d.wg.Add(1)
		go d.readLoop(conn)
	}
}

func (d *Distributed) readLoop(conn net.Conn) {
	defer d.wg.Done()
	key := conn.RemoteAddr().String()
	defer func() {
		d.mu.Lock()
		delete(d.conns, key)
		d.mu.Unlock()
		conn.Close()
	}()

	var lengthHdr [lengthPrefixSize]byte
	for {
		if _, err := io.ReadFull(conn, lengthHdr[:]); err != nil {
			slog.Debug("distributed mailbox peer disconnected", "address", d.addr.String(), "peer", key, "error", err)
			return
		}
		n := binary.BigEndian.Uint32(lengthHdr[:])
		if n == 0 || int(n) > message.MaxMessageLength {
			slog.Warn("distributed mailbox received malformed frame length", "address", d.addr.String(), "peer", key, "length", n)
			return
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			slog.Debug("distributed mailbox short read, disconnecting", "address", d.addr.String(), "peer", key, "error", err)
			return
		}

		buf := message.NewBuffer()
		buf.SetBytes(body)

		id, err := buf.GetUint16()
		if err != nil {
			slog.Warn("distributed mailbox frame missing message id", "address", d.addr.String(), "peer", key)
			continue
		}

		msg, err := d.factory.RecreateMessageFromBuffer(id, buf)
		if err != nil {
			slog.Warn("distributed mailbox could not reconstruct message", "address", d.addr.String(), "peer", key, "message_id", id, "error", err)
			continue
		}

		if buf.Remaining() {
			priority, err := buf.GetUint32()
			if err == nil {
				msg.SetPriority(priority)
			}
		}
		msg.SetSourceAddress(message.Address{LocationType: message.Distributed, MailboxName: key})

		if err := d.Post(msg, 0); err != nil {
			slog.Warn("distributed mailbox failed to enqueue received message", "address", d.addr.String(), "error", err)
		}
	}
}

var _ Mailbox = (*Distributed)(nil)

// DistributedProxy is the client-side stand-in for a remote
// DistributedMailbox (spec §4.6). It has no local queue and no timer
// reactor — proxyNoGetMessage makes GetMessage log a warning and return
// (nil, false), and the timer methods below report ProgrammerError per
// spec §7.
type DistributedProxy struct {
	Base
	proxyNoGetMessage

	manager      *opm.Manager
	bufferPoolID int

	mu   sync.Mutex
	conn net.Conn
}

func (p *DistributedProxy) ScheduleTimer(*message.TimerMessage) (uint64, error) { return proxyScheduleTimerErr() }
func (p *DistributedProxy) CancelTimer(uint64, *message.TimerMessage) error     { return proxyCancelTimerErr() }
func (p *DistributedProxy) ResetTimerInterval(uint64, time.Duration) error      { return proxyResetTimerErr() }

// NewDistributedProxy constructs an inactive proxy. manager/bufferPoolID
// name the OPM pool Post reserves MessageBuffers from (spec §4.6 "reserve
// MessageBuffer from OPM").
func NewDistributedProxy(addr message.Address, registrar Registrar, manager *opm.Manager, bufferPoolID int, debug bool) *DistributedProxy {
	p := &DistributedProxy{manager: manager, bufferPoolID: bufferPoolID}
	p.initBase(p, registrar, addr, debug)
	return p
}

func (p *DistributedProxy) Activate(owner *OwnerHandle) error {
	conn, err := net.DialTimeout("tcp", p.addr.Endpoint.String(), 5*time.Second)
	if err != nil {
		return mlserr.Wrap(mlserr.TransportFatal, err).WithMessagef("distributed proxy connect %s", p.addr.Endpoint).WithSource("mailbox").Build()
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	if err := p.registerSelf(owner); err != nil {
		conn.Close()
		return err
	}
	return nil
}

func (p *DistributedProxy) Deactivate(owner *OwnerHandle) error {
	if !p.IsActive() {
		return nil
	}
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()
	return p.deregisterSelf()
}

// Post serializes msg as messageId ‖ body ‖ optional priority, framed
// with the u32 length prefix, and writes it to the TCP stream. On
// send failure it closes, reconnects, and retries exactly once (spec
// §4.6 "automatically close, reconnect, and retry exactly once").
func (p *DistributedProxy) Post(msg message.Message, timeout time.Duration) error {
	buf, release, err := p.reserveBuffer()
	if err != nil {
		return err
	}
	defer release()

	if err := encodeFrame(buf, msg); err != nil {
		return err
	}

	if err := p.sendFramed(buf.Bytes(), timeout); err != nil {
		if reconnErr := p.reconnect(); reconnErr != nil {
			return mlserr.Wrap(mlserr.TransportTransient, err).WithMessage("distributed proxy send failed, reconnect failed").WithSource("mailbox").Build()
		}
		if err := p.sendFramed(buf.Bytes(), timeout); err != nil {
			return mlserr.Wrap(mlserr.TransportTransient, err).WithMessage("distributed proxy send failed after reconnect retry").WithSource("mailbox").Build()
		}
	}

	p.incrementSent()
	msg.Delete()
	return nil
}

func (p *DistributedProxy) reserveBuffer() (*message.Buffer, func(), error) {
	if p.manager == nil {
		buf := message.NewBuffer()
		return buf, func() {}, nil
	}
	obj, err := p.manager.Reserve(p.bufferPoolID, true)
	if err != nil {
		return nil, nil, err
	}
	buf := obj.(*message.Buffer)
	return buf, func() { _ = p.manager.Release(obj) }, nil
}

func encodeFrame(buf *message.Buffer, msg message.Message) error {
	if err := buf.PutUint16(msg.ID()); err != nil {
		return err
	}
	if err := msg.Serialize(buf); err != nil {
		return err
	}
	if msg.Priority() != 0 {
		if err := buf.PutUint32(msg.Priority()); err != nil {
			return err
		}
	}
	return nil
}

func (p *DistributedProxy) sendFramed(body []byte, timeout time.Duration) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("distributed proxy: not connected")
	}

	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}

	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

func (p *DistributedProxy) reconnect() error {
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()

	conn, err := net.DialTimeout("tcp", p.addr.Endpoint.String(), 5*time.Second)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return nil
}

func (p *DistributedProxy) Stats() Stats { return p.statsCommon() }

var _ Mailbox = (*DistributedProxy)(nil)
