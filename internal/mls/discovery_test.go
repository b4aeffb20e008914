package mls

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dashingfabric/mailbox/internal/mailbox"
	"github.com/dashingfabric/mailbox/internal/message"
)

func TestDiscoveryMessageSerializeRoundTrip(t *testing.T) {
	addr := message.Address{
		LocationType: message.Distributed,
		MailboxName:  "R",
		NEID:         "neid-1",
		Endpoint:     message.Endpoint{IP: net.ParseIP("10.0.0.5").To4(), Port: 7777},
	}
	msg := NewDiscoveryMessage(DiscoveryAnnounce, addr)

	buf := message.NewBuffer()
	require.NoError(t, msg.Serialize(buf))

	var out DiscoveryMessage
	require.NoError(t, out.Deserialize(buf))

	require.Equal(t, DiscoveryAnnounce, out.Action)
	require.Equal(t, addr.LocationType, out.Address.LocationType)
	require.Equal(t, addr.MailboxName, out.Address.MailboxName)
	require.Equal(t, addr.NEID, out.Address.NEID)
	require.True(t, addr.Endpoint.IP.Equal(out.Address.Endpoint.IP))
	require.Equal(t, addr.Endpoint.Port, out.Address.Endpoint.Port)
}

func TestDiscoveryManagerMatchCriteriaWildcards(t *testing.T) {
	dm := newDiscoveryManager()
	addr := message.Address{LocationType: message.Distributed, MailboxName: "R", NEID: "shelf1"}
	dm.announceLocal(DiscoveryAnnounce, addr)

	_, matches := dm.registerForUpdates(MatchCriteria{}, nil)
	require.Len(t, matches, 1, "zero-value criteria is a wildcard matching everything announced")

	_, matches = dm.registerForUpdates(MatchCriteria{MailboxName: "other"}, nil)
	require.Empty(t, matches)
}

func TestDiscoveryManagerNotifiesSubscribersOnAnnounce(t *testing.T) {
	dm := newDiscoveryManager()

	addr := message.Address{LocationType: message.Local, MailboxName: "sink"}
	sink := mailbox.NewLocal(addr, noopRegistrar{}, mailbox.DefaultLocalQueueBound, false)
	owner := mailbox.NewOwnerHandle(sink)
	require.NoError(t, owner.Activate())
	defer owner.Deactivate()

	handle := mailbox.NewHandle(sink)
	defer handle.Close()

	_, current := dm.registerForUpdates(MatchCriteria{MailboxName: "R"}, handle)
	require.Empty(t, current)

	dm.announceLocal(DiscoveryAnnounce, message.Address{LocationType: message.Distributed, MailboxName: "R"})

	msg, ok := owner.GetMessage(0)
	require.True(t, ok)
	dmsg, ok := msg.(*DiscoveryMessage)
	require.True(t, ok)
	require.Equal(t, "R", dmsg.Address.MailboxName)
}

type noopRegistrar struct{}

func (noopRegistrar) Register(message.Address, mailbox.Mailbox) error { return nil }
func (noopRegistrar) Deregister(message.Address) error                { return nil }
