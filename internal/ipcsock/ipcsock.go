// Package ipcsock implements the Unix-domain-socket control channel
// described in spec.md §4.5's daemon mode and §6's socket protocol: a
// single JSON-encoded dispatch.Command per connection, capped at 1024
// bytes, answered with the literal "OK" on success or a closed
// connection with no payload on failure. Grounded on
// original_source/src/daemon.rs's accept loop and src/client.rs's
// send/receive pair, upgraded from their raw textual command encoding
// to JSON plus a request id for daemon-side log correlation.
package ipcsock

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/minato-run/minato/internal/dispatch"
	"github.com/minato-run/minato/internal/pathutil"
)

// MaxMessageSize bounds a single command frame, matching
// original_source/src/daemon.rs's fixed 1024-byte read buffer.
const MaxMessageSize = 1024

// Server accepts connections on the state root's control socket and
// dispatches each to a Dispatcher.
type Server struct {
	Dispatcher *dispatch.Dispatcher
	Log        *logrus.Entry
	listener   net.Listener
}

// Listen creates (replacing any stale file) the Unix socket at
// pathutil.SocketPath and writes the daemon's pid file, matching
// original_source/src/daemon.rs's create_socket and start.
func Listen(d *dispatch.Dispatcher, log *logrus.Entry) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sockPath := pathutil.SocketPath()
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "ipcsock: removing stale socket")
	}
	if err := os.MkdirAll(pathutil.StateRoot(), 0o755); err != nil {
		return nil, errors.Wrap(err, "ipcsock: preparing state root")
	}

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, errors.Wrap(err, "ipcsock: binding control socket")
	}

	pidPath := pathutil.DaemonPIDPath()
	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		listener.Close()
		return nil, errors.Wrap(err, "ipcsock: removing stale pid file")
	}
	if err := os.WriteFile(pidPath, []byte(itoa(os.Getpid())), 0o644); err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "ipcsock: writing daemon pid file")
	}

	return &Server{Dispatcher: d, Log: log, listener: listener}, nil
}

// Serve accepts connections one at a time, spec.md §5's "Daemon mode
// accepts one client at a time... handlers run inline" concurrency
// model. It returns when the listener is closed.
func (s *Server) Serve() error {
	defer s.cleanup()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "ipcsock: accept failed")
		}
		s.handle(conn)
	}
}

func (s *Server) cleanup() {
	_ = os.Remove(pathutil.SocketPath())
	_ = os.Remove(pathutil.DaemonPIDPath())
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	reqID := uuid.NewString()
	log := s.Log.WithField("request", reqID)

	buf := make([]byte, MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		log.WithError(err).Warn("reading command failed")
		return
	}

	var cmd dispatch.Command
	if err := json.Unmarshal(buf[:n], &cmd); err != nil {
		log.WithError(err).Warn("malformed command")
		return
	}

	if cmd.Action == dispatch.ActionDaemonExit {
		log.Info("exit requested, closing listener")
		_, _ = conn.Write([]byte("OK"))
		_ = s.Close()
		return
	}

	if cmd.Action == dispatch.ActionContainerRun {
		// spec.md §4.5.2: in daemon mode the supervisor "returns"
		// instead of waiting, so the accept loop is never blocked for
		// the lifetime of a container.
		cmd.Detach = true
	}

	log.WithField("action", cmd.Action).Info("dispatching command")
	// Open Question (c), spec.md §9: if the client goes away mid
	// command, this call is still allowed to finish — it owns no
	// client-facing state — and the reply write below is simply
	// discarded on error rather than aborting the command.
	result, err := s.Dispatcher.Run(context.Background(), cmd)
	if err != nil {
		log.WithError(err).Warn("command failed")
		// spec.md §6: "on error, the connection closes without a
		// payload" — no bytes written, just close.
		return
	}
	log.WithField("message", result.Message).Info("command ok")
	_, _ = conn.Write([]byte("OK"))
}

func itoa(i int) string {
	data, _ := json.Marshal(i)
	return string(data)
}

// Client talks to a running daemon's control socket, the counterpart to
// Server. Grounded on original_source/src/client.rs's send: one
// connection per command, a single write then a single read.
type Client struct {
	SocketPath string
}

// NewClient points at the default state root's socket.
func NewClient() *Client {
	return &Client{SocketPath: pathutil.SocketPath()}
}

// Send encodes cmd as JSON, writes it in a single frame (capped at
// MaxMessageSize per spec.md §6), and returns whether the daemon
// replied with the literal "OK". A non-"OK" reply (including no reply
// at all, spec.md §6's "connection closes without a payload" error
// case) is reported as an error.
func (c *Client) Send(cmd dispatch.Command) error {
	conn, err := net.Dial("unix", c.SocketPath)
	if err != nil {
		return errors.Wrap(err, "ipcsock: dialing daemon")
	}
	defer conn.Close()

	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "ipcsock: encoding command")
	}
	if len(data) > MaxMessageSize {
		return errors.Errorf("ipcsock: encoded command is %d bytes, exceeds the %d byte frame", len(data), MaxMessageSize)
	}
	if _, err := conn.Write(data); err != nil {
		return errors.Wrap(err, "ipcsock: writing command")
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return errors.Wrap(err, "ipcsock: reading daemon reply")
	}
	if string(reply) != "OK" {
		return errors.Errorf("ipcsock: daemon reported failure for action %q", cmd.Action)
	}
	return nil
}
