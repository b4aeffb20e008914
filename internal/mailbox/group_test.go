package mailbox

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/opm"
)

func TestGroupMulticastFanOutThreeReceivers(t *testing.T) {
	factory := message.NewRegistryFactory()
	factory.Register(42, func() message.Message { return &stubMsg{Base: message.NewBase(42, 1)} })

	groupAddr := message.Address{
		LocationType: message.Group,
		MailboxName:  "fanout",
		Endpoint:     message.Endpoint{IP: net.ParseIP("224.9.9.1"), Port: freeUDPPort(t)},
	}
	opts := GroupOptions{MulticastLoopbackEnabled: true, MulticastTTL: 1}

	owners := make([]*OwnerHandle, 3)
	members := make([]*Group, 3)
	for i := range members {
		reg := newFakeRegistrar()
		members[i] = NewGroup(groupAddr, reg, factory, opts, false)
		owners[i] = NewOwnerHandle(members[i])
		require.NoError(t, owners[i].Activate())
		defer owners[i].Deactivate()
	}

	manager := opm.NewManager()
	poolID := manager.CreatePool("message.Buffer", "group", func() opm.Object { return message.NewBuffer() }, 0.8, 4, 2, true, opm.GrowthAllowed)

	proxyReg := newFakeRegistrar()
	proxy := NewGroupProxy(groupAddr, proxyReg, manager, poolID, opts, false)
	proxyOwner := NewOwnerHandle(proxy)
	require.NoError(t, proxyOwner.Activate())
	defer proxyOwner.Deactivate()

	time.Sleep(50 * time.Millisecond) // let multicast group joins settle
	require.NoError(t, proxy.Post(&stubMsg{Base: message.NewBase(42, 1), Payload: "boom"}, time.Second))

	for i, owner := range owners {
		msg, ok := owner.GetMessage(2 * time.Second)
		require.True(t, ok, "member %d did not receive", i)
		require.Equal(t, "boom", msg.(*stubMsg).Payload)
	}
	require.Equal(t, int64(1), proxy.Stats().SentCount)
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}
