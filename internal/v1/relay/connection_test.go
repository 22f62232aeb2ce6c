package relay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncroom/relay/internal/v1/wire"
)

func dispatchOK(t *testing.T, c *Connection, cmd *wire.Command) {
	t.Helper()
	require.NoError(t, c.dispatch(cmd))
}

func TestDispatchJoinAndLeave(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)

	dispatchOK(t, c, wire.NewCommand(wire.TypeJoinRoom, []byte("studio")))
	require.NotNil(t, c.Room())
	assert.Equal(t, "studio", c.Room().Name())

	dispatchOK(t, c, wire.NewCommand(wire.TypeLeaveRoom, []byte("studio")))
	assert.Nil(t, c.Room())
	assert.Equal(t, 0, s.RoomCount())
}

func TestDispatchJoinWhileJoinedSendsError(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)
	s.Join(c, "studio")
	queuedCommands(c)

	dispatchOK(t, c, wire.NewCommand(wire.TypeJoinRoom, []byte("other")))

	cmds := queuedCommands(c)
	require.Len(t, cmds, 1)
	assert.Equal(t, wire.TypeSendError, cmds[0].Type)
	assert.Equal(t, "studio", c.Room().Name())
	assert.False(t, c.conn.(*fakeSocket).isClosed())
}

func TestDispatchLeaveValidation(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)

	// Leave with no room joined.
	dispatchOK(t, c, wire.NewCommand(wire.TypeLeaveRoom, []byte("studio")))
	types := queuedTypes(c)
	require.Equal(t, []wire.MessageType{wire.TypeSendError}, types)

	// Leave naming a different room than the joined one.
	s.Join(c, "studio")
	queuedCommands(c)
	dispatchOK(t, c, wire.NewCommand(wire.TypeLeaveRoom, []byte("other")))
	types = queuedTypes(c)
	require.Equal(t, []wire.MessageType{wire.TypeSendError}, types)
	assert.Equal(t, "studio", c.Room().Name())
}

func TestDispatchClientIDEcho(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)

	dispatchOK(t, c, wire.NewCommand(wire.TypeClientID, nil))

	cmds := queuedCommands(c)
	require.Len(t, cmds, 1)
	assert.Equal(t, wire.TypeClientID, cmds[0].Type)
	assert.Equal(t, c.UniqueID(), string(cmds[0].Data))
}

func TestDispatchSetClientName(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)
	other := newTestConnection(s, "10.0.0.2", 1002)

	dispatchOK(t, c, wire.NewCommand(wire.TypeSetClientName, []byte("ada")))

	cmds := queuedCommands(other)
	require.Len(t, cmds, 1)
	diff := decodeJSONPayload(t, cmds[0])[c.UniqueID()].(map[string]any)
	assert.Equal(t, "ada", diff[wire.ClientMetadataUsername])
	assert.Equal(t, "ada", c.Descriptor()[wire.ClientMetadataUsername])
}

func TestDispatchSetClientMetadataDiffOnly(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)
	other := newTestConnection(s, "10.0.0.2", 1002)

	payload := wire.MustEncodeJSON(map[string]any{"color": "red"})
	dispatchOK(t, c, wire.NewCommand(wire.TypeSetClientMetadata, payload))
	require.Len(t, queuedCommands(other), 1)

	// Re-sending the same metadata is a no-op diff and stays silent.
	dispatchOK(t, c, wire.NewCommand(wire.TypeSetClientMetadata, payload))
	assert.Empty(t, queuedCommands(other))
}

func TestDispatchSetClientMetadataMalformed(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)

	err := c.dispatch(wire.NewCommand(wire.TypeSetClientMetadata, []byte{0x01, 0x02}))
	assert.Error(t, err)
}

func TestDispatchSetRoomMetadata(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)
	s.Join(c, "studio")
	queuedCommands(c)

	payload := append(wire.EncodeString("studio"),
		wire.MustEncodeJSON(map[string]any{"scene": "intro"})...)
	dispatchOK(t, c, wire.NewCommand(wire.TypeSetRoomMetadata, payload))

	assert.Equal(t, "intro", c.Room().Descriptor()["scene"])

	// Truncated JSON half is a framing error.
	bad := wire.EncodeString("studio")
	err := c.dispatch(wire.NewCommand(wire.TypeSetRoomMetadata, bad))
	assert.Error(t, err)
}

func TestDispatchSetRoomKeepOpen(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)
	s.Join(c, "studio")
	queuedCommands(c)

	payload := append(wire.EncodeString("studio"), wire.EncodeBool(true)...)
	dispatchOK(t, c, wire.NewCommand(wire.TypeSetRoomKeepOpen, payload))
	assert.True(t, c.Room().KeepOpen())

	err := c.dispatch(wire.NewCommand(wire.TypeSetRoomKeepOpen, wire.EncodeString("studio")))
	assert.Error(t, err)
}

func TestDispatchDeleteRoom(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)
	s.Join(c, "studio")
	s.SetRoomKeepOpen("studio", true)
	s.Leave(c, "studio")
	queuedCommands(c)

	dispatchOK(t, c, wire.NewCommand(wire.TypeDeleteRoom, []byte("studio")))
	assert.Equal(t, 0, s.RoomCount())
}

func TestDispatchRoomCommandWithoutRoomIsDropped(t *testing.T) {
	s := NewServer(Options{})
	c := newTestConnection(s, "10.0.0.1", 1001)
	other := newTestConnection(s, "10.0.0.2", 1002)

	dispatchOK(t, c, roomCommand("stroke"))

	assert.Equal(t, 0, s.RoomCount())
	assert.Empty(t, queuedCommands(other))
	assert.Empty(t, queuedCommands(c))
}

func TestEnqueueFullQueueDisconnects(t *testing.T) {
	s := NewServer(Options{SendQueueCapacity: 2})
	c := newTestConnection(s, "10.0.0.1", 1001)

	c.Enqueue(roomCommand("1"))
	c.Enqueue(roomCommand("2"))
	assert.False(t, c.conn.(*fakeSocket).isClosed())

	c.Enqueue(roomCommand("3"))
	assert.True(t, c.conn.(*fakeSocket).isClosed())
}

// pipeConnection builds a Connection whose transport is one end of a
// net.Pipe, returning the test's end for reading what the pump writes.
func pipeConnection(t *testing.T, s *Server) (*Connection, net.Conn) {
	t.Helper()
	serverEnd, testEnd := net.Pipe()
	c := newConnection(s, serverEnd, "10.0.0.1", 1001)
	s.mu.Lock()
	s.unjoined[c.UniqueID()] = c
	s.mu.Unlock()
	return c, testEnd
}

func readWithDeadline(t *testing.T, conn net.Conn, d time.Duration) (*wire.Command, error) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	return wire.ReadCommand(conn)
}

// Ten list requests queued before the write pump runs must produce exactly
// one response.
func TestListRequestsCoalesce(t *testing.T) {
	s := NewServer(Options{})
	c, testEnd := pipeConnection(t, s)
	defer testEnd.Close()

	for range 10 {
		dispatchOK(t, c, wire.NewCommand(wire.TypeListRooms, nil))
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()

	cmd, err := readWithDeadline(t, testEnd, time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeListRooms, cmd.Type)

	_, err = readWithDeadline(t, testEnd, 100*time.Millisecond)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	c.close()
	<-pumpDone
}

// A cycle answers the client list before the room list, after the queue.
func TestWriteCycleOrdering(t *testing.T) {
	s := NewServer(Options{})
	c, testEnd := pipeConnection(t, s)
	defer testEnd.Close()

	queued := roomCommand("queued")
	c.Enqueue(queued)
	dispatchOK(t, c, wire.NewCommand(wire.TypeListRooms, nil))
	dispatchOK(t, c, wire.NewCommand(wire.TypeListAllClients, nil))

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()

	var got []wire.MessageType
	for range 3 {
		cmd, err := readWithDeadline(t, testEnd, time.Second)
		require.NoError(t, err)
		got = append(got, cmd.Type)
	}
	assert.Equal(t, []wire.MessageType{
		queued.Type,
		wire.TypeListAllClients,
		wire.TypeListRooms,
	}, got)

	c.close()
	<-pumpDone
}

// End to end over real TCP: two clients join one room, a room command from
// one reaches the other and never echoes back to the sender.
func TestServerOverTCP(t *testing.T) {
	s := NewServer(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx, "127.0.0.1:0") }()

	require.Eventually(t, s.Ready, 2*time.Second, 10*time.Millisecond)
	addr := s.Addr().String()

	dial := func() net.Conn {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		return conn
	}
	readUntil := func(conn net.Conn, want wire.MessageType) *wire.Command {
		t.Helper()
		for {
			cmd, err := readWithDeadline(t, conn, 2*time.Second)
			require.NoError(t, err)
			if cmd.Type == want {
				return cmd
			}
		}
	}

	clientA := dial()
	defer clientA.Close()
	require.NoError(t, wire.WriteCommand(clientA, wire.NewCommand(wire.TypeJoinRoom, []byte("studio"))))
	readUntil(clientA, wire.TypeContent)

	clientB := dial()
	defer clientB.Close()
	require.NoError(t, wire.WriteCommand(clientB, wire.NewCommand(wire.TypeJoinRoom, []byte("studio"))))
	readUntil(clientB, wire.TypeClearContent)

	stroke := wire.NewCommand(testRoomScopedType, []byte("stroke"))
	require.NoError(t, wire.WriteCommand(clientA, stroke))

	relayed := readUntil(clientB, testRoomScopedType)
	assert.Equal(t, stroke.ID, relayed.ID)
	assert.Equal(t, []byte("stroke"), relayed.Data)

	// The sender must see the resulting ROOM_UPDATE but no relay copy.
	readUntil(clientA, wire.TypeRoomUpdate)
	for {
		cmd, err := readWithDeadline(t, clientA, 200*time.Millisecond)
		if err != nil {
			var netErr net.Error
			require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected error: %v", err)
			break
		}
		require.NotEqual(t, testRoomScopedType, cmd.Type)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, s.Shutdown(shutdownCtx))
	require.NoError(t, <-runDone)
}
