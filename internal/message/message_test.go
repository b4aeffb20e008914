package message

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type echoMessage struct {
	Base
	Payload string
}

func (m *echoMessage) Serialize(buf *Buffer) error   { return buf.PutString(m.Payload) }
func (m *echoMessage) Deserialize(buf *Buffer) error { p, err := buf.GetString(); m.Payload = p; return err }

func TestAddressEqualityAndOrdering(t *testing.T) {
	a := Address{LocationType: Local, MailboxName: "A"}
	b := Address{LocationType: Local, MailboxName: "A"}
	require.True(t, a.Equal(b))

	c := Address{LocationType: Local, MailboxName: "B"}
	require.False(t, a.Equal(c))
	require.Negative(t, a.Compare(c))
}

func TestLocalEquivalent(t *testing.T) {
	remote := Address{
		LocationType: Distributed,
		MailboxName:  "R",
		Endpoint:     Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 7777},
	}
	local := remote.LocalEquivalent()
	require.Equal(t, Local, local.LocationType)
	require.Equal(t, "R", local.MailboxName)
	require.True(t, remote.IsRemote())
	require.False(t, local.IsRemote())
}

func TestMulticastDetection(t *testing.T) {
	mc := Endpoint{IP: net.ParseIP("224.9.9.1")}
	bc := Endpoint{IP: net.ParseIP("10.0.0.255")}
	require.True(t, mc.IsMulticast())
	require.False(t, bc.IsMulticast())
}

func TestBufferRoundTrip(t *testing.T) {
	buf := NewBuffer()
	require.NoError(t, buf.PutUint16(7))
	require.NoError(t, buf.PutString("hi"))
	require.NoError(t, buf.PutUint32(42))

	id, err := buf.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(7), id)

	s, err := buf.GetString()
	require.NoError(t, err)
	require.Equal(t, "hi", s)

	n, err := buf.GetUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), n)

	require.False(t, buf.Remaining())
}

func TestBufferOverflowRejected(t *testing.T) {
	buf := NewBuffer()
	big := make([]byte, MaxMessageLength+1)
	require.Error(t, buf.PutBytes(big))
}

func TestRegistryFactoryRoundTrip(t *testing.T) {
	factory := NewRegistryFactory()
	factory.Register(7, func() Message { return &echoMessage{Base: NewBase(7, 1)} })

	sent := &echoMessage{Base: NewBase(7, 1), Payload: "hi"}
	buf := NewBuffer()
	require.NoError(t, sent.Serialize(buf))

	got, err := factory.RecreateMessageFromBuffer(7, buf)
	require.NoError(t, err)
	require.Equal(t, "hi", got.(*echoMessage).Payload)
}

func TestRegistryFactoryUnknownID(t *testing.T) {
	factory := NewRegistryFactory()
	_, err := factory.RecreateMessageFromBuffer(99, NewBuffer())
	require.Error(t, err)
}

func TestMessagePoolableDelete(t *testing.T) {
	var released bool
	rel := releaserFunc(func(obj interface{ PoolID() int }) error {
		released = true
		return nil
	})

	m := &echoMessage{Base: NewBase(1, 1)}
	m.MarkPoolable(rel, &poolableStub{})
	require.True(t, m.Poolable())

	m.Delete()
	require.True(t, released)
}

type releaserFunc func(obj interface{ PoolID() int }) error

func (f releaserFunc) Release(obj interface{ PoolID() int }) error { return f(obj) }

type poolableStub struct{}

func (p *poolableStub) PoolID() int { return 1 }
