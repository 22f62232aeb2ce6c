// Package wire implements the binary frame protocol spoken by relay clients.
//
// Every message on the wire is a Command: a fixed little-endian header
// followed by an opaque payload. Payload fields (strings, bools, JSON
// documents) use the length-prefixed encodings below. The server never
// interprets room-scoped payloads beyond the leading path field used for
// tail-merging.
package wire

// MessageType tags a Command. The numeric value partitions the space into
// three ranges:
//
//   - control types (<= TypeCommand): handled by the server or connection,
//     never stored in a room log
//   - room-scoped types (> TypeCommand): appended to the originating room's
//     log and fanned out to the other members
//   - optimized types (> TypeOptimizedCommands): room-scoped types whose
//     payload starts with a path string, eligible for tail-merging
type MessageType uint16

const (
	TypeJoinRoom MessageType = iota + 1
	TypeLeaveRoom
	TypeListRooms
	TypeListAllClients
	TypeDeleteRoom
	TypeSetClientName
	TypeSetClientMetadata
	TypeSetRoomMetadata
	TypeSetRoomKeepOpen
	TypeClientID
	TypeContent
	TypeClearContent
	TypeRoomDeleted
	TypeRoomUpdate
	TypeClientUpdate
	TypeClientDisconnected
	TypeSendError
)

// Range thresholds. Types strictly above TypeCommand are room-scoped;
// types strictly above TypeOptimizedCommands are additionally tail-mergeable.
const (
	TypeCommand           MessageType = 100
	TypeOptimizedCommands MessageType = 200
)

// IsRoomScoped reports whether commands of type t belong in a room log.
func (t MessageType) IsRoomScoped() bool {
	return t > TypeCommand
}

// IsOptimized reports whether commands of type t carry a leading path and
// participate in tail-merging.
func (t MessageType) IsOptimized() bool {
	return t > TypeOptimizedCommands
}

func (t MessageType) String() string {
	switch t {
	case TypeJoinRoom:
		return "join_room"
	case TypeLeaveRoom:
		return "leave_room"
	case TypeListRooms:
		return "list_rooms"
	case TypeListAllClients:
		return "list_all_clients"
	case TypeDeleteRoom:
		return "delete_room"
	case TypeSetClientName:
		return "set_client_name"
	case TypeSetClientMetadata:
		return "set_client_metadata"
	case TypeSetRoomMetadata:
		return "set_room_metadata"
	case TypeSetRoomKeepOpen:
		return "set_room_keep_open"
	case TypeClientID:
		return "client_id"
	case TypeContent:
		return "content"
	case TypeClearContent:
		return "clear_content"
	case TypeRoomDeleted:
		return "room_deleted"
	case TypeRoomUpdate:
		return "room_update"
	case TypeClientUpdate:
		return "client_update"
	case TypeClientDisconnected:
		return "client_disconnected"
	case TypeSendError:
		return "send_error"
	}
	if t.IsOptimized() {
		return "optimized_command"
	}
	if t.IsRoomScoped() {
		return "room_command"
	}
	return "unknown"
}

// Client descriptor keys. Clients exchange these through CLIENT_UPDATE and
// LIST_ALL_CLIENTS payloads; the server fills them, clients add their own.
const (
	ClientMetadataID       = "id"
	ClientMetadataIP       = "ip"
	ClientMetadataPort     = "port"
	ClientMetadataRoom     = "room"
	ClientMetadataUsername = "user_name"
)

// Room descriptor keys.
const (
	RoomMetadataKeepOpen     = "keep_open"
	RoomMetadataCommandCount = "command_count"
	RoomMetadataByteSize     = "byte_size"
)
