package ipcsock

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minato-run/minato/internal/dispatch"
	"github.com/minato-run/minato/internal/pathutil"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())

	d := dispatch.New(nil)
	srv, err := Listen(d, nil)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestClientServer_RoundTrip(t *testing.T) {
	startTestServer(t)

	client := NewClient()
	err := client.Send(dispatch.Command{Action: dispatch.ActionContainerList})
	assert.NoError(t, err)
}

func TestClientServer_ErrorClosesWithoutPayload(t *testing.T) {
	startTestServer(t)

	client := NewClient()
	err := client.Send(dispatch.Command{Action: dispatch.ActionContainerStop, ContainerID: "nope"})
	assert.Error(t, err)
}

func TestClientServer_Exit(t *testing.T) {
	startTestServer(t)

	client := NewClient()
	require.NoError(t, client.Send(dispatch.Command{Action: dispatch.ActionDaemonExit}))

	// The server should stop accepting shortly after handling exit.
	time.Sleep(50 * time.Millisecond)
	_, err := net.Dial("unix", pathutil.SocketPath())
	assert.Error(t, err)
}

func TestServer_MalformedCommand(t *testing.T) {
	startTestServer(t)

	conn, err := net.Dial("unix", pathutil.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("{not json"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, _ := conn.Read(buf)
	assert.NotEqual(t, "OK", string(buf[:n]))
}
