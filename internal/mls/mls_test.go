package mls

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dashingfabric/mailbox/internal/mailbox"
	"github.com/dashingfabric/mailbox/internal/message"
)

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

// newTestService builds a Service with no OPM manager configured, so any
// proxy it synthesizes falls back to non-pooled message.Buffers — these
// tests exercise MLS registration/find semantics, not OPM reservation.
func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{})
	require.NoError(t, err)
	return svc
}

type stubMsg struct {
	message.Base
	Payload string
}

func (m *stubMsg) Serialize(buf *message.Buffer) error { return buf.PutString(m.Payload) }
func (m *stubMsg) Deserialize(buf *message.Buffer) error {
	p, err := buf.GetString()
	m.Payload = p
	return err
}

// Scenario 1 (spec §8): local round-trip through MLS.find.
func TestLocalRoundTripThroughFind(t *testing.T) {
	svc := newTestService(t)

	addrA := message.Address{LocationType: message.Local, MailboxName: "A"}
	a := mailbox.NewLocal(addrA, svc, mailbox.DefaultLocalQueueBound, false)
	aOwner := mailbox.NewOwnerHandle(a)
	require.NoError(t, aOwner.Activate())
	defer aOwner.Deactivate()

	addrB := message.Address{LocationType: message.Local, MailboxName: "B"}
	b := mailbox.NewLocal(addrB, svc, mailbox.DefaultLocalQueueBound, false)
	bOwner := mailbox.NewOwnerHandle(b)
	require.NoError(t, bOwner.Activate())
	defer bOwner.Deactivate()

	handle, err := svc.Find(addrB)
	require.NoError(t, err)
	defer handle.Close()

	require.NoError(t, handle.Post(&stubMsg{Base: message.NewBase(7, 1), Payload: "hi"}, 0))

	msg, ok := bOwner.GetMessage(time.Second)
	require.True(t, ok)
	require.Equal(t, "hi", msg.(*stubMsg).Payload)

	require.Equal(t, int64(0), a.Stats().SentCount, "A never posted anything in this scenario")
	require.Equal(t, int64(1), b.Stats().SentCount)
	require.Equal(t, int64(1), b.Stats().ReceivedCount)
}

func TestFindUnknownLocationTypeErrors(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Find(message.Address{LocationType: message.Unknown})
	require.Error(t, err)
}

func TestFindLocalMissErrors(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Find(message.Address{LocationType: message.Local, MailboxName: "nope"})
	require.Error(t, err)
}

// Scenario 5 (spec §8): registering a duplicate LOCAL address deactivates
// the incumbent; the second registration wins at find.
func TestDuplicateLocalRegistrationDeactivatesIncumbent(t *testing.T) {
	svc := newTestService(t)
	addr := message.Address{LocationType: message.Local, MailboxName: "X"}

	first := mailbox.NewLocal(addr, svc, mailbox.DefaultLocalQueueBound, false)
	firstOwner := mailbox.NewOwnerHandle(first)
	require.NoError(t, firstOwner.Activate())

	second := mailbox.NewLocal(addr, svc, mailbox.DefaultLocalQueueBound, false)
	secondOwner := mailbox.NewOwnerHandle(second)
	require.NoError(t, secondOwner.Activate())
	defer secondOwner.Deactivate()

	require.False(t, first.IsActive())
	require.True(t, second.IsActive())

	require.Error(t, first.Post(&stubMsg{Base: message.NewBase(1, 1)}, 0))
	_, ok := firstOwner.GetMessage(0)
	require.False(t, ok, "deactivated incumbent's queue should be closed")

	handle, err := svc.Find(addr)
	require.NoError(t, err)
	defer handle.Close()
	require.NoError(t, handle.Post(&stubMsg{Base: message.NewBase(2, 1), Payload: "to-second"}, 0))

	msg, ok := secondOwner.GetMessage(time.Second)
	require.True(t, ok)
	require.Equal(t, "to-second", msg.(*stubMsg).Payload)
}

// Scenario 2 (spec §8), simplified to a single process: a DistributedMailbox
// server registers its LOCAL-equivalent and is discoverable over TCP via a
// synthesized proxy; after the first message is delivered the server is
// stopped and the caller drops its handle, then a restarted server on the
// same endpoint receives the second message through a freshly found handle.
func TestDistributedFailoverProxyOnMiss(t *testing.T) {
	port := freeTCPPort(t)
	addr := message.Address{
		LocationType: message.Distributed,
		MailboxName:  "R",
		Endpoint:     message.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: port},
	}

	factory := message.NewRegistryFactory()
	factory.Register(1, func() message.Message { return &stubMsg{} })

	serverSvc := newTestService(t)
	server := mailbox.NewDistributed(addr, serverSvc, factory, false)
	serverOwner := mailbox.NewOwnerHandle(server)
	require.NoError(t, serverOwner.Activate())

	clientSvc := newTestService(t)
	h1, err := clientSvc.Find(addr)
	require.NoError(t, err)

	require.NoError(t, h1.Post(&stubMsg{Base: message.NewBase(1, 1), Payload: "M1"}, time.Second))
	msg, ok := serverOwner.GetMessage(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, "M1", msg.(*stubMsg).Payload)

	require.NoError(t, serverOwner.Deactivate())
	require.NoError(t, h1.Close())

	server2 := mailbox.NewDistributed(addr, serverSvc, factory, false)
	server2Owner := mailbox.NewOwnerHandle(server2)
	require.NoError(t, server2Owner.Activate())
	defer server2Owner.Deactivate()

	h2, err := clientSvc.Find(addr)
	require.NoError(t, err)
	defer h2.Close()

	require.NoError(t, h2.Post(&stubMsg{Base: message.NewBase(1, 1), Payload: "M2"}, time.Second))
	msg2, ok := server2Owner.GetMessage(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, "M2", msg2.(*stubMsg).Payload)
}

// Scenario 3 (spec §8), at the registration level: three independent
// Services (standing in for three hosts) each own a GroupMailbox bound to
// the same multicast group; a fourth Service's synthesized GroupProxy
// posts once and every receiver gets exactly one delivery.
func TestMulticastFanOutAcrossServices(t *testing.T) {
	port := freeUDPPort(t)
	groupAddr := message.Address{
		LocationType: message.Group,
		MailboxName:  "fanout",
		Endpoint:     message.Endpoint{IP: net.ParseIP("224.9.9.2"), Port: port},
	}
	factory := message.NewRegistryFactory()
	factory.Register(42, func() message.Message { return &stubMsg{} })
	opts := mailbox.DefaultGroupOptions()

	var owners []*mailbox.OwnerHandle
	for i := 0; i < 3; i++ {
		svc := newTestService(t)
		g := mailbox.NewGroup(groupAddr, svc, factory, opts, false)
		owner := mailbox.NewOwnerHandle(g)
		require.NoError(t, owner.Activate())
		defer owner.Deactivate()
		owners = append(owners, owner)
	}

	senderSvc := newTestService(t)
	proxyHandle, err := senderSvc.Find(groupAddr)
	require.NoError(t, err)
	defer proxyHandle.Close()

	require.NoError(t, proxyHandle.Post(&stubMsg{Base: message.NewBase(42, 1), Payload: "fanout-msg"}, 0))

	for _, owner := range owners {
		msg, ok := owner.GetMessage(2 * time.Second)
		require.True(t, ok)
		require.Equal(t, "fanout-msg", msg.(*stubMsg).Payload)
	}
	require.Equal(t, int64(1), proxyHandle.Stats().SentCount)
}
