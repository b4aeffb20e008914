package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dashingfabric/mailbox/internal/config"
	"github.com/dashingfabric/mailbox/internal/mailbox"
	"github.com/dashingfabric/mailbox/internal/message"
)

func TestNewRuntimeWithDiscoveryDisabled(t *testing.T) {
	rt, err := NewRuntime(config.Default())
	require.NoError(t, err)
	require.NotNil(t, rt.OPM)
	require.NotNil(t, rt.Threads)
	require.NotNil(t, rt.MLS)

	rt.Shutdown(context.Background())
}

func TestControlPlaneServesHealthAndReflection(t *testing.T) {
	rt, err := NewRuntime(config.Default())
	require.NoError(t, err)

	addr := message.Address{LocationType: message.Local, MailboxName: "probe"}
	mbx := mailbox.NewLocal(addr, rt.MLS, mailbox.DefaultLocalQueueBound, false)
	owner := mailbox.NewOwnerHandle(mbx)
	require.NoError(t, owner.Activate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rt.ServeControlPlane(ctx, 0))

	conn, err := grpc.NewClient(rt.listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	ctxReq, cancelReq := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelReq()
	_, err = client.Check(ctxReq, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)

	require.NoError(t, owner.Deactivate())
	rt.Shutdown(context.Background())
}
