package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/opm"
)

func TestDistributedRoundTripOverLoopbackTCP(t *testing.T) {
	factory := message.NewRegistryFactory()
	factory.Register(7, func() message.Message { return &stubMsg{Base: message.NewBase(7, 1)} })

	serverAddr := message.Address{
		LocationType: message.Distributed,
		MailboxName:  "R",
		Endpoint:     message.Endpoint{IP: loopbackIP(), Port: freeTCPPort(t)},
	}
	serverReg := newFakeRegistrar()
	server := NewDistributed(serverAddr, serverReg, factory, false)
	serverOwner := NewOwnerHandle(server)
	require.NoError(t, serverOwner.Activate())
	defer serverOwner.Deactivate()

	manager := opm.NewManager()
	poolID := manager.CreatePool("message.Buffer", "", func() opm.Object { return message.NewBuffer() }, 0.8, 4, 2, true, opm.GrowthAllowed)

	proxyReg := newFakeRegistrar()
	proxy := NewDistributedProxy(serverAddr, proxyReg, manager, poolID, false)
	proxyOwner := NewOwnerHandle(proxy)
	require.NoError(t, proxyOwner.Activate())
	defer proxyOwner.Deactivate()

	require.NoError(t, proxy.Post(&stubMsg{Base: message.NewBase(7, 1), Payload: "hi"}, time.Second))

	msg, ok := serverOwner.GetMessage(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, "hi", msg.(*stubMsg).Payload)
	require.Equal(t, int64(1), proxy.Stats().SentCount)
}
