package relay

import (
	"context"
	"errors"
	"fmt"
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

// acceptPollInterval bounds how long the accept loop can go without
// noticing a cancelled context.
const acceptPollInterval = 100 * time.Millisecond

// AdmissionLimiter rate-limits connection admission per client IP.
// A nil limiter admits everything.
type AdmissionLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// Options configures a Server.
type Options struct {
	// SendQueueCapacity is the per-connection outbound queue size. A client
	// that falls this many commands behind is disconnected as a slow
	// consumer. Zero means DefaultSendQueueCapacity.
	SendQueueCapacity int

	// Limiter, when non-nil, is consulted before a socket is admitted.
	Limiter AdmissionLimiter
}

// DefaultSendQueueCapacity is the outbound queue size used when Options
// does not override it.
const DefaultSendQueueCapacity = 1024

// Server is the singleton registry: it owns the set of rooms and the set of
// unjoined connections, and mediates every operation that touches more than
// one room or more than one connection.
//
// Invariant: every live connection is in exactly one of the unjoined map or
// some room's member list, never both, never neither.
//
// The server mutex is not reentrant. Exported methods acquire it; *Locked
// helpers assume it is held. Room locks are only ever taken while the
// server lock is held or with no lock held, never the other way around.
type Server struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	unjoined map[string]*Connection // keyed by "host:port"
	listener net.Listener

	limiter           AdmissionLimiter
	sendQueueCapacity int

	ready atomic.Bool
	wg    sync.WaitGroup // connection pump goroutines
}

// NewServer creates an empty registry.
func NewServer(opts Options) *Server {
	capacity := opts.SendQueueCapacity
	if capacity <= 0 {
		capacity = DefaultSendQueueCapacity
	}
	return &Server{
		rooms:             make(map[string]*Room),
		unjoined:          make(map[string]*Connection),
		limiter:           opts.Limiter,
		sendQueueCapacity: capacity,
	}
}

// Ready reports whether the server is listening for connections.
func (s *Server) Ready() bool { return s.ready.Load() }

// Addr returns the bound listener address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns (joined, unjoined) connection counts.
func (s *Server) ClientCount() (joined, unjoined int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		joined += room.MemberCount()
	}
	return joined, len(s.unjoined)
}

// RoomCount returns the number of live rooms.
func (s *Server) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Run listens on addr and accepts connections until ctx is cancelled. The
// listener is deadline-polled so cancellation breaks the loop promptly even
// with no inbound traffic.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("relay: listener on %s is not TCP", addr)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.ready.Store(true)
	logging.Info(ctx, "listening", zap.String("addr", ln.Addr().String()))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = tcpLn.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := tcpLn.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Error(ctx, "accept failed", zap.Error(err))
			continue
		}
		s.Accept(conn)
	}
}

// Accept admits one socket: rate-limit check, register as unjoined, start
// the pumps, then broadcast the newcomer's initial descriptor to every
// connection, itself included.
func (s *Server) Accept(conn net.Conn) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		logging.Error(context.Background(), "unparseable remote address",
			zap.String("addr", conn.RemoteAddr().String()), zap.Error(err))
		_ = conn.Close()
		return
	}
	port, _ := strconv.Atoi(portStr)

	if s.limiter != nil && !s.limiter.Allow(context.Background(), host) {
		logging.Warn(context.Background(), "connection rejected by rate limit",
			zap.String("ip", host))
		_ = conn.Close()
		return
	}

	c := newConnection(s, conn, host, port)

	s.mu.Lock()
	if _, dup := s.unjoined[c.UniqueID()]; dup {
		s.mu.Unlock()
		logging.Error(c.ctx, "duplicate connection id on accept")
		_ = conn.Close()
		return
	}
	s.unjoined[c.UniqueID()] = c
	s.mu.Unlock()

	metrics.ActiveConnections.Inc()
	c.start()
	logging.Info(c.ctx, "new connection")
	s.BroadcastClientUpdate(c, c.Descriptor())
}

// Join moves conn into the named room, creating the room if needed. For an
// existing room the joiner receives CLEAR_CONTENT followed by the full log,
// with the room's joining counter guarding the window in which the room
// could look empty to a concurrent delete. A fresh room is built with its
// creator already a member (CONTENT marker queued) before it is published,
// so it never needs that guard.
func (s *Server) Join(conn *Connection, roomName string) {
	if conn.Room() != nil {
		// Connection-level validation rejects this before it reaches the
		// server; getting here is a programming error.
		logging.Error(conn.ctx, "join with room already set", zap.String("room", roomName))
		conn.close()
		return
	}

	s.mu.Lock()
	delete(s.unjoined, conn.UniqueID())
	room := s.rooms[roomName]
	if room == nil {
		// The creator must be a member with its CONTENT marker queued
		// before the room is visible in the registry. Published earlier,
		// a second joiner could fan out a command past a member list that
		// does not yet contain the creator.
		room = newRoom(s, roomName)
		conn.setRoom(room)
		room.addMember(conn)
		conn.Enqueue(wire.NewCommand(wire.TypeContent, nil))
		s.rooms[roomName] = room
		s.mu.Unlock()

		metrics.ActiveRooms.Inc()
		logging.Info(conn.ctx, "room created", zap.String("room", roomName))
		s.BroadcastRoomUpdate(room, room.Descriptor())
	} else {
		room.joining.Add(1)
		s.mu.Unlock()

		conn.setRoom(room)
		conn.Enqueue(wire.NewCommand(wire.TypeClearContent, nil))
		room.replayAndAddMember(conn)
		room.joining.Add(-1)
	}

	s.BroadcastClientUpdate(conn, map[string]any{wire.ClientMetadataRoom: roomName})
}

// Leave removes conn from the named room, re-registers it as unjoined, and
// deletes the room if that left it empty without keep_open.
func (s *Server) Leave(conn *Connection, roomName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomName]
	if room == nil {
		logging.Warn(conn.ctx, "leave for unknown room", zap.String("room", roomName))
		return
	}

	room.removeMember(conn)
	s.unjoined[conn.UniqueID()] = conn
	conn.setRoom(nil)

	conn.Enqueue(wire.NewCommand(wire.TypeLeaveRoom, nil))
	s.broadcastClientUpdateLocked(conn, map[string]any{wire.ClientMetadataRoom: nil})

	if room.MemberCount() == 0 && !room.KeepOpen() {
		logging.Info(conn.ctx, "room empty and not keep_open", zap.String("room", roomName))
		s.deleteRoomLocked(roomName)
	}
}

// DeleteRoom removes an empty room and announces ROOM_DELETED. Missing,
// non-empty, or mid-join rooms are refused with a warning.
func (s *Server) DeleteRoom(roomName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRoomLocked(roomName)
}

func (s *Server) deleteRoomLocked(roomName string) {
	room := s.rooms[roomName]
	switch {
	case room == nil:
		logging.Warn(context.Background(), "delete of unknown room", zap.String("room", roomName))
		return
	case room.MemberCount() > 0:
		logging.Warn(context.Background(), "delete of non-empty room", zap.String("room", roomName))
		return
	case room.joining.Load() > 0:
		logging.Warn(context.Background(), "delete of room being joined", zap.String("room", roomName))
		return
	}

	delete(s.rooms, roomName)
	metrics.ActiveRooms.Dec()
	metrics.RoomMembers.DeleteLabelValues(roomName)
	metrics.RoomLogBytes.DeleteLabelValues(roomName)
	logging.Info(context.Background(), "room deleted", zap.String("room", roomName))

	s.broadcastToAllLocked(wire.NewCommand(wire.TypeRoomDeleted, wire.EncodeString(roomName)))
}

// SetRoomMetadata merges meta into the room's metadata and broadcasts the
// diff. A no-op merge produces no broadcast.
func (s *Server) SetRoomMetadata(roomName string, meta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomName]
	if room == nil {
		logging.Warn(context.Background(), "set metadata for unknown room", zap.String("room", roomName))
		return
	}
	s.broadcastRoomUpdateLocked(room, room.updateMetadata(meta))
}

// SetRoomKeepOpen flips the room's keep_open attribute; an actual change is
// broadcast as a ROOM_UPDATE.
func (s *Server) SetRoomKeepOpen(roomName string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomName]
	if room == nil {
		logging.Warn(context.Background(), "set keep_open for unknown room", zap.String("room", roomName))
		return
	}
	if room.setKeepOpen(value) {
		s.broadcastRoomUpdateLocked(room, map[string]any{wire.RoomMetadataKeepOpen: value})
	}
}

// allConnectionsLocked snapshots every live connection: the unjoined map
// plus every room's member list, each snapshotted under its own room lock.
func (s *Server) allConnectionsLocked() []*Connection {
	conns := make([]*Connection, 0, len(s.unjoined))
	for _, c := range s.unjoined {
		conns = append(conns, c)
	}
	for _, room := range s.rooms {
		conns = append(conns, room.Members()...)
	}
	return conns
}

// BroadcastToAll enqueues cmd to every connection, joined or not.
func (s *Server) BroadcastToAll(cmd *wire.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastToAllLocked(cmd)
}

func (s *Server) broadcastToAllLocked(cmd *wire.Command) {
	for _, c := range s.allConnectionsLocked() {
		c.Enqueue(cmd)
	}
}

// BroadcastClientUpdate announces a client metadata diff to every
// connection, wrapped in a JSON object keyed by the client's unique id.
// An empty diff is silent.
func (s *Server) BroadcastClientUpdate(conn *Connection, diff map[string]any) {
	if len(diff) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastClientUpdateLocked(conn, diff)
}

func (s *Server) broadcastClientUpdateLocked(conn *Connection, diff map[string]any) {
	if len(diff) == 0 {
		return
	}
	payload := wire.MustEncodeJSON(map[string]any{conn.UniqueID(): diff})
	s.broadcastToAllLocked(wire.NewCommand(wire.TypeClientUpdate, payload))
}

// BroadcastRoomUpdate announces a room metadata diff to every connection,
// wrapped in a JSON object keyed by the room name. An empty diff is silent.
func (s *Server) BroadcastRoomUpdate(room *Room, diff map[string]any) {
	if len(diff) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastRoomUpdateLocked(room, diff)
}

func (s *Server) broadcastRoomUpdateLocked(room *Room, diff map[string]any) {
	if len(diff) == 0 {
		return
	}
	payload := wire.MustEncodeJSON(map[string]any{room.Name(): diff})
	s.broadcastToAllLocked(wire.NewCommand(wire.TypeRoomUpdate, payload))
}

// ListRoomsCommand snapshots the room registry into a LIST_ROOMS command.
func (s *Server) ListRoomsCommand() *wire.Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]any, len(s.rooms))
	for name, room := range s.rooms {
		result[name] = room.Descriptor()
	}
	return wire.NewCommand(wire.TypeListRooms, wire.MustEncodeJSON(result))
}

// ListAllClientsCommand snapshots every client descriptor into a
// LIST_ALL_CLIENTS command.
func (s *Server) ListAllClientsCommand() *wire.Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.allConnectionsLocked()
	result := make(map[string]any, len(conns))
	for _, c := range conns {
		result[c.UniqueID()] = c.Descriptor()
	}
	return wire.NewCommand(wire.TypeListAllClients, wire.MustEncodeJSON(result))
}

// HandleDisconnect runs the full cleanup for a dead connection: leave its
// room if any, drop it from the unjoined map (idempotent), close the
// socket, and announce CLIENT_DISCONNECTED.
func (s *Server) HandleDisconnect(conn *Connection) {
	if room := conn.Room(); room != nil {
		s.Leave(conn, room.Name())
	}

	s.mu.Lock()
	delete(s.unjoined, conn.UniqueID())
	s.mu.Unlock()

	conn.close()
	metrics.ActiveConnections.Dec()
	logging.Info(conn.ctx, "connection closed")

	s.BroadcastToAll(wire.NewCommand(wire.TypeClientDisconnected, wire.EncodeString(conn.UniqueID())))
}

// Shutdown stops accepting, closes every client socket, and waits for the
// pump goroutines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	conns := s.allConnectionsLocked()
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown timed out: %w", ctx.Err())
	}
}
