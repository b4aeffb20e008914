package mailbox

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/mlserr"
	"github.com/dashingfabric/mailbox/internal/opm"
)

// GroupOptions carries the per-mailbox multicast configuration spec §4.7
// / §6 recognizes: loopback, TTL, and the outbound interface for
// multicast sends. Zero value is broadcast-appropriate (loopback/ttl
// unused); used for multicast it means loopback disabled and ttl 1 (a
// ttl <= 0 is sent as 1). DefaultGroupOptions enables loopback.
type GroupOptions struct {
	MulticastLoopbackEnabled bool
	MulticastTTL             int
	MulticastInterface       net.IP
}

// DefaultGroupOptions mirrors spec §4.7's stated defaults: loopback
// enabled, ttl 1.
func DefaultGroupOptions() GroupOptions {
	return GroupOptions{MulticastLoopbackEnabled: true, MulticastTTL: 1}
}

// Group is the UDP multicast/broadcast mailbox variant (spec §4.7). Like
// Distributed, it embeds a *Local for queue/timer behavior and layers a
// single UDP socket reader on top — there is no per-sender connection
// state, unlike DistributedMailbox's fd-per-stream map.
type Group struct {
	*Local

	factory message.Factory
	opts    GroupOptions

	mu   sync.Mutex
	conn *net.UDPConn
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewGroup(addr message.Address, registrar Registrar, factory message.Factory, opts GroupOptions, debug bool) *Group {
	g := &Group{factory: factory, opts: opts}
	g.Local = newQueueMailbox(addr, registrar, DefaultLocalQueueBound, debug)
	g.Local.self = g
	return g
}

func (g *Group) Activate(owner *OwnerHandle) error {
	udpAddr := &net.UDPAddr{IP: g.addr.Endpoint.IP, Port: int(g.addr.Endpoint.Port)}

	var conn *net.UDPConn
	var err error
	if g.addr.Endpoint.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp4", nil, udpAddr)
		if err == nil {
			setMulticastLoopback(conn, g.opts.MulticastLoopbackEnabled)
		}
	} else {
		conn, err = net.ListenUDP("udp4", udpAddr)
	}
	if err != nil {
		return mlserr.Wrap(mlserr.TransportFatal, err).WithMessagef("group mailbox listen %s", g.addr.Endpoint).WithSource("mailbox").Build()
	}

	g.mu.Lock()
	g.conn = conn
	g.stop = make(chan struct{})
	g.mu.Unlock()

	if err := g.registerSelf(owner); err != nil {
		conn.Close()
		return err
	}

	g.wg.Add(1)
	go g.readLoop(conn)
	return nil
}

func (g *Group) Deactivate(owner *OwnerHandle) error {
	if !g.IsActive() {
		return nil
	}
	g.mu.Lock()
	close(g.stop)
	if g.conn != nil {
		g.conn.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()

	return g.Local.Deactivate(owner)
}

func (g *Group) readLoop(conn *net.UDPConn) {
	defer g.wg.Done()
	datagram := make([]byte, message.MaxMessageLength)

	for {
		n, peer, err := conn.ReadFromUDP(datagram)
		if err != nil {
			select {
			case <-g.stop:
				return
			default:
				slog.Debug("group mailbox read error", "address", g.addr.String(), "error", err)
				return
			}
		}

		buf := message.NewBuffer()
		buf.SetBytes(datagram[:n])

		id, err := buf.GetUint16()
		if err != nil {
			continue
		}
		msg, err := g.factory.RecreateMessageFromBuffer(id, buf)
		if err != nil {
			slog.Warn("group mailbox could not reconstruct message", "address", g.addr.String(), "message_id", id, "error", err)
			continue
		}
		if buf.Remaining() {
			if p, err := buf.GetUint32(); err == nil {
				msg.SetPriority(p)
			}
		}
		msg.SetSourceAddress(message.Address{LocationType: message.Group, MailboxName: peer.String()})

		if err := g.Post(msg, 0); err != nil {
			slog.Warn("group mailbox failed to enqueue received message", "address", g.addr.String(), "error", err)
		}
	}
}

var _ Mailbox = (*Group)(nil)

// GroupProxy is the sender-side stand-in for a GroupMailbox (spec §4.7):
// a plain UDP socket, no reactor, no retry on failed send — UDP offers no
// delivery guarantee to retry against.
type GroupProxy struct {
	Base
	proxyNoGetMessage

	opts         GroupOptions
	manager      *opm.Manager
	bufferPoolID int

	mu   sync.Mutex
	conn *net.UDPConn
}

func NewGroupProxy(addr message.Address, registrar Registrar, manager *opm.Manager, bufferPoolID int, opts GroupOptions, debug bool) *GroupProxy {
	p := &GroupProxy{opts: opts, manager: manager, bufferPoolID: bufferPoolID}
	p.initBase(p, registrar, addr, debug)
	return p
}

func (p *GroupProxy) ScheduleTimer(*message.TimerMessage) (uint64, error) { return proxyScheduleTimerErr() }
func (p *GroupProxy) CancelTimer(uint64, *message.TimerMessage) error     { return proxyCancelTimerErr() }
func (p *GroupProxy) ResetTimerInterval(uint64, time.Duration) error      { return proxyResetTimerErr() }

func (p *GroupProxy) Activate(owner *OwnerHandle) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return mlserr.Wrap(mlserr.TransportFatal, err).WithMessage("group proxy socket open failed").WithSource("mailbox").Build()
	}

	if p.addr.Endpoint.IsMulticast() {
		if err := setMulticastOutboundInterface(conn, p.opts.MulticastInterface); err != nil {
			conn.Close()
			return mlserr.Wrap(mlserr.TransportFatal, err).WithMessage("group proxy multicast interface set failed").WithSource("mailbox").Build()
		}
		setMulticastTTL(conn, p.opts.MulticastTTL)
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

func (p *GroupProxy) Deactivate(owner *OwnerHandle) error {
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

// Post writes one UDP datagram, one message per datagram (spec §4.7). No
// retry: "Failed send returns ERROR; no retry (UDP semantics)".
func (p *GroupProxy) Post(msg message.Message, timeout time.Duration) error {
	buf, release, err := p.reserveBuffer()
	if err != nil {
		return err
	}
	defer release()

	if err := encodeFrame(buf, msg); err != nil {
		return err
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return mlserr.New(mlserr.TransportTransient).WithMessage("group proxy not activated").WithSource("mailbox").Build()
	}

	dst := &net.UDPAddr{IP: p.addr.Endpoint.IP, Port: int(p.addr.Endpoint.Port)}
	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.WriteToUDP(buf.Bytes(), dst); err != nil {
		return mlserr.Wrap(mlserr.TransportTransient, err).WithMessage("group proxy send failed").WithSource("mailbox").Build()
	}

	p.incrementSent()
	msg.Delete()
	return nil
}

func (p *GroupProxy) reserveBuffer() (*message.Buffer, func(), error) {
	if p.manager == nil {
		return message.NewBuffer(), func() {}, nil
	}
	obj, err := p.manager.Reserve(p.bufferPoolID, true)
	if err != nil {
		return nil, nil, err
	}
	buf := obj.(*message.Buffer)
	return buf, func() { _ = p.manager.Release(obj) }, nil
}

func (p *GroupProxy) Stats() Stats { return p.statsCommon() }

var _ Mailbox = (*GroupProxy)(nil)
