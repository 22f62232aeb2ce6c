package relay

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/syncroom/relay/internal/v1/logging"
	"github.com/syncroom/relay/internal/v1/metrics"
	"github.com/syncroom/relay/internal/v1/wire"
)

// Room owns a replayable, ordered log of room-scoped commands and the list
// of member connections. The room mutex covers the log, byteSize, metadata
// and the member list; it is always acquired after the server lock, never
// before it.
type Room struct {
	name   string
	server *Server

	mu       sync.Mutex
	keepOpen bool
	byteSize int
	metadata map[string]any
	commands []*wire.Command
	members  []*Connection // insertion order, which is also replay-visibility order

	// joining counts joins between the server critical section and the
	// member-list append; deletion is forbidden while it is non-zero.
	// A counter rather than a flag: overlapping joins must not disarm
	// each other's guard. Incremented only under the server lock.
	joining atomic.Int32
}

func newRoom(server *Server, name string) *Room {
	return &Room{
		name:     name,
		server:   server,
		metadata: make(map[string]any),
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) CommandCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

func (r *Room) ByteSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byteSize
}

func (r *Room) KeepOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keepOpen
}

// setKeepOpen reports whether the value actually changed.
func (r *Room) setKeepOpen(value bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keepOpen == value {
		return false
	}
	r.keepOpen = value
	return true
}

// updateMetadata merges meta into the room metadata and returns the diff.
func (r *Room) updateMetadata(meta map[string]any) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return wire.UpdateAndDiff(r.metadata, meta)
}

// Descriptor builds the room descriptor carried by ROOM_UPDATE and
// LIST_ROOMS payloads.
func (r *Room) Descriptor() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc := make(map[string]any, len(r.metadata)+3)
	for k, v := range r.metadata {
		desc[k] = v
	}
	desc[wire.RoomMetadataKeepOpen] = r.keepOpen
	desc[wire.RoomMetadataCommandCount] = len(r.commands)
	desc[wire.RoomMetadataByteSize] = r.byteSize
	return desc
}

// Members returns a snapshot of the member list, safe to iterate after the
// lock is released.
func (r *Room) Members() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, len(r.members))
	copy(out, r.members)
	return out
}

// addMember appends conn to the member list without replay. Used for the
// room creator, whose CONTENT marker stands in for an empty log.
func (r *Room) addMember(conn *Connection) {
	r.mu.Lock()
	r.members = append(r.members, conn)
	count := len(r.members)
	r.mu.Unlock()

	logging.Info(conn.ctx, "client added to room",
		zap.String("room", r.name), zap.Int("members", count))
	metrics.RoomMembers.WithLabelValues(r.name).Set(float64(count))
}

// replayAndAddMember enqueues the whole log to conn, in order, and appends
// conn to the member list inside the same critical section. Replay-then-add
// under one lock hold is the ordering invariant: a concurrent
// AppendAndDispatch either lands in the replayed log or in the post-join
// fan-out, never both and never neither.
func (r *Room) replayAndAddMember(conn *Connection) {
	r.mu.Lock()
	for _, cmd := range r.commands {
		conn.Enqueue(cmd)
	}
	r.members = append(r.members, conn)
	count := len(r.members)
	r.mu.Unlock()

	logging.Info(conn.ctx, "client added to room",
		zap.String("room", r.name), zap.Int("members", count))
	metrics.RoomMembers.WithLabelValues(r.name).Set(float64(count))
}

func (r *Room) removeMember(conn *Connection) {
	r.mu.Lock()
	for i, m := range r.members {
		if m == conn {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	count := len(r.members)
	r.mu.Unlock()

	logging.Info(conn.ctx, "client removed from room",
		zap.String("room", r.name), zap.Int("members", count))
	metrics.RoomMembers.WithLabelValues(r.name).Set(float64(count))
}

// AppendAndDispatch is the hot path: merge-append cmd to the log and fan it
// out to every member except the sender. The resulting ROOM_UPDATE diff is
// published after the room lock is released, so the server lock is never
// taken under the room lock.
func (r *Room) AppendAndDispatch(cmd *wire.Command, sender *Connection) {
	r.mu.Lock()
	prevBytes := r.byteSize
	prevCount := len(r.commands)
	r.mergeAppend(cmd)

	update := make(map[string]any, 2)
	if r.byteSize != prevBytes {
		update[wire.RoomMetadataByteSize] = r.byteSize
	}
	if len(r.commands) != prevCount {
		update[wire.RoomMetadataCommandCount] = len(r.commands)
	}

	for _, member := range r.members {
		if member != sender {
			member.Enqueue(cmd)
		}
	}
	logBytes := r.byteSize
	r.mu.Unlock()

	metrics.Commands.WithLabelValues(cmd.Type.String(), "relayed").Inc()
	metrics.RoomLogBytes.WithLabelValues(r.name).Set(float64(logBytes))

	r.server.BroadcastRoomUpdate(r, update)
}

// mergeAppend appends cmd, first applying the tail-merge rule: an optimized
// command replaces the last log entry when that entry has the same type and
// the same leading path. Collapsing repeated updates to one logical object
// keeps the replay bounded in typical use. Caller holds r.mu.
func (r *Room) mergeAppend(cmd *wire.Command) {
	if cmd.Type.IsOptimized() && len(r.commands) > 0 {
		if path, _, err := wire.DecodeString(cmd.Data, 0); err == nil {
			last := r.commands[len(r.commands)-1]
			if last.Type == cmd.Type {
				if lastPath, _, err := wire.DecodeString(last.Data, 0); err == nil && lastPath == path {
					r.commands = r.commands[:len(r.commands)-1]
					r.byteSize -= last.ByteSize()
				}
			}
		}
	}
	r.commands = append(r.commands, cmd)
	r.byteSize += cmd.ByteSize()
}
