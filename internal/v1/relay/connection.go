// Package relay implements the concurrent session/room engine: one
// Connection per accepted TCP socket, named Rooms owning a replayable
// command log, and the Server registry tying them together.
//
// Concurrency model:
// Each connection runs two goroutines, a read pump and a write pump,
// mirroring the readPump/writePump split used by every hub in this
// codebase's lineage. The write pump is the sole consumer of the
// connection's outbound queue, which preserves per-connection write
// serialization. Lock order is Server before Room, never the reverse;
// the per-connection mutex is a leaf.
package relay

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/syncroom/relay/internal/v1/logging"
	"github.com/syncroom/relay/internal/v1/metrics"
	"github.com/syncroom/relay/internal/v1/wire"
)

// transport is the subset of net.Conn the connection needs. Tests inject
// in-memory pipes through it.
type transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Connection drives the wire protocol for one client. Its unique id is the
// "host:port" of the remote end, which is also the key under which the
// server indexes it while unjoined.
type Connection struct {
	server *Server
	conn   transport
	host   string
	port   int

	mu       sync.Mutex
	room     *Room          // nil while unjoined
	metadata map[string]any // client-defined, opaque to the server

	// Outbound queue. Multi-producer, single consumer (the write pump).
	send chan *wire.Command
	wake chan struct{} // capacity 1, kicks the write pump for flag-only work

	// Coalescing flags: any number of list requests arriving during one
	// write cycle produce exactly one response each.
	listClientsPending atomic.Bool
	listRoomsPending   atomic.Bool

	closeOnce sync.Once
	done      chan struct{}

	ctx context.Context // carries the client address for log correlation
}

func newConnection(server *Server, conn transport, host string, port int) *Connection {
	c := &Connection{
		server:   server,
		conn:     conn,
		host:     host,
		port:     port,
		metadata: make(map[string]any),
		send:     make(chan *wire.Command, server.sendQueueCapacity),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.ctx = context.WithValue(context.Background(), logging.ClientAddrKey, c.UniqueID())
	return c
}

// UniqueID returns the connection's identity, "host:port".
func (c *Connection) UniqueID() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Room returns the room this connection has joined, or nil.
func (c *Connection) Room() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Connection) setRoom(r *Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}

// Descriptor builds the client descriptor broadcast in CLIENT_UPDATE and
// LIST_ALL_CLIENTS payloads: the client's own metadata plus the
// server-owned identity keys.
func (c *Connection) Descriptor() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	desc := make(map[string]any, len(c.metadata)+4)
	for k, v := range c.metadata {
		desc[k] = v
	}
	desc[wire.ClientMetadataID] = c.UniqueID()
	desc[wire.ClientMetadataIP] = c.host
	desc[wire.ClientMetadataPort] = c.port
	if c.room != nil {
		desc[wire.ClientMetadataRoom] = c.room.Name()
	} else {
		desc[wire.ClientMetadataRoom] = nil
	}
	return desc
}

func (c *Connection) start() {
	c.server.wg.Add(2)
	go func() {
		defer c.server.wg.Done()
		c.readPump()
	}()
	go func() {
		defer c.server.wg.Done()
		c.writePump()
	}()
}

// Enqueue appends cmd to the outbound queue. It never blocks: a full queue
// means the client is not draining its socket, and since dropping a single
// room command would desynchronize the client forever, the connection is
// closed instead.
func (c *Connection) Enqueue(cmd *wire.Command) {
	select {
	case c.send <- cmd:
	default:
		logging.Warn(c.ctx, "outbound queue full, disconnecting slow consumer",
			zap.Stringer("type", cmd.Type))
		metrics.Commands.WithLabelValues(cmd.Type.String(), "dropped").Inc()
		c.close()
	}
}

// close shuts the socket and releases the write pump. Idempotent; safe to
// call from any goroutine, including under the room lock.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump decodes inbound frames and dispatches them until the socket
// errors, the peer disconnects, or the client violates framing.
func (c *Connection) readPump() {
	defer c.server.HandleDisconnect(c)

	for {
		cmd, err := wire.ReadCommand(c.conn)
		if err != nil {
			if !errors.Is(err, wire.ErrClientDisconnected) {
				logging.Warn(c.ctx, "read failed", zap.Error(err))
			}
			return
		}
		if err := c.dispatch(cmd); err != nil {
			logging.Warn(c.ctx, "malformed payload", zap.Stringer("type", cmd.Type), zap.Error(err))
			metrics.Commands.WithLabelValues(cmd.Type.String(), "error").Inc()
			return
		}
	}
}

// dispatch routes one inbound command. A returned error means the payload
// could not be decoded and tears the connection down; protocol misuse
// (joining twice, leaving the wrong room) answers SEND_ERROR and keeps the
// connection alive.
func (c *Connection) dispatch(cmd *wire.Command) error {
	start := time.Now()
	defer func() {
		metrics.CommandProcessingDuration.WithLabelValues(cmd.Type.String()).
			Observe(time.Since(start).Seconds())
	}()
	metrics.Commands.WithLabelValues(cmd.Type.String(), "received").Inc()

	switch cmd.Type {
	case wire.TypeJoinRoom:
		c.joinRoom(string(cmd.Data))

	case wire.TypeLeaveRoom:
		c.leaveRoom(string(cmd.Data))

	case wire.TypeListRooms:
		c.listRoomsPending.Store(true)
		c.kick()

	case wire.TypeListAllClients:
		c.listClientsPending.Store(true)
		c.kick()

	case wire.TypeDeleteRoom:
		c.server.DeleteRoom(string(cmd.Data))

	case wire.TypeSetClientName:
		c.setClientMetadata(map[string]any{wire.ClientMetadataUsername: string(cmd.Data)})

	case wire.TypeSetClientMetadata:
		meta, _, err := wire.DecodeJSON(cmd.Data, 0)
		if err != nil {
			return err
		}
		c.setClientMetadata(meta)

	case wire.TypeSetRoomMetadata:
		roomName, offset, err := wire.DecodeString(cmd.Data, 0)
		if err != nil {
			return err
		}
		meta, _, err := wire.DecodeJSON(cmd.Data, offset)
		if err != nil {
			return err
		}
		c.server.SetRoomMetadata(roomName, meta)

	case wire.TypeSetRoomKeepOpen:
		roomName, offset, err := wire.DecodeString(cmd.Data, 0)
		if err != nil {
			return err
		}
		value, _, err := wire.DecodeBool(cmd.Data, offset)
		if err != nil {
			return err
		}
		c.server.SetRoomKeepOpen(roomName, value)

	case wire.TypeClientID:
		c.Enqueue(wire.NewCommand(wire.TypeClientID, []byte(c.UniqueID())))

	default:
		if cmd.Type.IsRoomScoped() {
			if room := c.Room(); room != nil {
				room.AppendAndDispatch(cmd, c)
			} else {
				logging.Warn(c.ctx, "room command received but no room joined",
					zap.Uint16("type", uint16(cmd.Type)))
			}
		} else {
			logging.Warn(c.ctx, "unknown control command",
				zap.Uint16("type", uint16(cmd.Type)))
		}
	}
	return nil
}

func (c *Connection) joinRoom(roomName string) {
	if room := c.Room(); room != nil {
		c.sendError("join_room(" + roomName + ") rejected: room " + room.Name() + " is already joined")
		return
	}
	c.server.Join(c, roomName)
}

func (c *Connection) leaveRoom(roomName string) {
	room := c.Room()
	switch {
	case room == nil:
		c.sendError("leave_room(" + roomName + ") rejected: no room is joined")
	case room.Name() != roomName:
		c.sendError("leave_room(" + roomName + ") rejected: room " + room.Name() + " is joined instead")
	default:
		c.server.Leave(c, roomName)
	}
}

// setClientMetadata merges a metadata diff into the connection and
// broadcasts the change set. An empty diff produces no traffic.
func (c *Connection) setClientMetadata(meta map[string]any) {
	c.mu.Lock()
	diff := wire.UpdateAndDiff(c.metadata, meta)
	c.mu.Unlock()
	c.server.BroadcastClientUpdate(c, diff)
}

func (c *Connection) sendError(msg string) {
	logging.Warn(c.ctx, msg)
	c.Enqueue(wire.NewCommand(wire.TypeSendError, wire.EncodeString(msg)))
}

// kick wakes the write pump when only a coalescing flag changed and the
// queue is empty. Edge-triggered: a pending kick is never duplicated.
func (c *Connection) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writePump is the single consumer of the outbound queue. Each cycle
// drains the queue in FIFO order, then answers at most one pending
// LIST_ALL_CLIENTS and one pending LIST_ROOMS request.
func (c *Connection) writePump() {
	defer c.close()

	for {
		select {
		case cmd := <-c.send:
			if err := wire.WriteCommand(c.conn, cmd); err != nil {
				return
			}
		case <-c.wake:
		case <-c.done:
			return
		}

		if err := c.drainQueue(); err != nil {
			return
		}
		if err := c.flushPendingLists(); err != nil {
			return
		}
	}
}

func (c *Connection) drainQueue() error {
	for {
		select {
		case cmd := <-c.send:
			if err := wire.WriteCommand(c.conn, cmd); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Connection) flushPendingLists() error {
	if c.listClientsPending.Swap(false) {
		if err := wire.WriteCommand(c.conn, c.server.ListAllClientsCommand()); err != nil {
			return err
		}
	}
	if c.listRoomsPending.Swap(false) {
		if err := wire.WriteCommand(c.conn, c.server.ListRoomsCommand()); err != nil {
			return err
		}
	}
	return nil
}
