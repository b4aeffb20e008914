package mailbox

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func loopbackIP() net.IP { return net.ParseIP("127.0.0.1") }

// freeTCPPort asks the OS for an ephemeral port by binding a listener and
// immediately closing it — good enough for a test that reopens it a few
// microseconds later, avoiding hardcoded ports across test files.
func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}
