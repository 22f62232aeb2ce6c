package relay

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncroom/relay/internal/v1/wire"
)

// fakeSocket satisfies transport for tests that never run the pumps.
// Reads report EOF immediately; writes accumulate in memory.
type fakeSocket struct {
	mu     sync.Mutex
	writes bytes.Buffer
	closed bool
}

func (f *fakeSocket) Read(p []byte) (int, error) {
	return 0, io.EOF
}

func (f *fakeSocket) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, net.ErrClosed
	}
	return f.writes.Write(p)
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// newTestConnection builds a connection over a fakeSocket and registers it
// as unjoined, the state a connection is in right after Accept.
func newTestConnection(s *Server, host string, port int) *Connection {
	c := newConnection(s, &fakeSocket{}, host, port)
	s.mu.Lock()
	s.unjoined[c.UniqueID()] = c
	s.mu.Unlock()
	return c
}

// acceptSocket extends fakeSocket to the full net.Conn surface Accept needs.
type acceptSocket struct {
	fakeSocket
	remote net.Addr
}

func (a *acceptSocket) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (a *acceptSocket) RemoteAddr() net.Addr             { return a.remote }
func (a *acceptSocket) SetDeadline(time.Time) error      { return nil }
func (a *acceptSocket) SetReadDeadline(time.Time) error  { return nil }
func (a *acceptSocket) SetWriteDeadline(time.Time) error { return nil }

// queuedCommands drains a connection's outbound queue without blocking.
func queuedCommands(c *Connection) []*wire.Command {
	var out []*wire.Command
	for {
		select {
		case cmd := <-c.send:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

func queuedTypes(c *Connection) []wire.MessageType {
	var out []wire.MessageType
	for _, cmd := range queuedCommands(c) {
		out = append(out, cmd.Type)
	}
	return out
}

// decodeJSONPayload decodes a broadcast payload (CLIENT_UPDATE, ROOM_UPDATE,
// LIST_*) into its wrapping JSON object.
func decodeJSONPayload(t *testing.T, cmd *wire.Command) map[string]any {
	t.Helper()
	payload, _, err := wire.DecodeJSON(cmd.Data, 0)
	require.NoError(t, err)
	return payload
}

const (
	testRoomScopedType = wire.TypeCommand + 50
	testOptimizedType  = wire.TypeOptimizedCommands + 7
)

// roomCommand builds a plain room-scoped command.
func roomCommand(payload string) *wire.Command {
	return wire.NewCommand(testRoomScopedType, []byte(payload))
}

// optimizedCommand builds a tail-mergeable command whose payload leads with
// a path field.
func optimizedCommand(path, body string) *wire.Command {
	data := append(wire.EncodeString(path), []byte(body)...)
	return wire.NewCommand(testOptimizedType, data)
}
