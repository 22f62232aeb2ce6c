package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrClientDisconnected reports that the peer went away (EOF or reset).
// It is a distinct condition from a framing error: callers tear the
// connection down silently instead of logging a protocol violation.
var ErrClientDisconnected = errors.New("wire: client disconnected")

// ReadCommand reads one framed command from r. It blocks until a full
// frame arrives, the peer disconnects, or the read fails.
func ReadCommand(r io.Reader) (*Command, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, disconnectOr(err)
	}

	length := binary.LittleEndian.Uint64(header[0:8])
	id := binary.LittleEndian.Uint32(header[8:12])
	msgType := MessageType(binary.LittleEndian.Uint16(header[12:14]))

	if length > MaxPayloadSize {
		return nil, fmt.Errorf("wire: frame payload of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, disconnectOr(err)
	}

	return &Command{Type: msgType, Data: data, ID: id}, nil
}

// WriteCommand writes cmd as a single frame.
func WriteCommand(w io.Writer, cmd *Command) error {
	buf := make([]byte, HeaderSize+len(cmd.Data))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(cmd.Data)))
	binary.LittleEndian.PutUint32(buf[8:12], cmd.ID)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(cmd.Type))
	copy(buf[HeaderSize:], cmd.Data)

	if _, err := w.Write(buf); err != nil {
		return disconnectOr(err)
	}
	return nil
}

// disconnectOr maps transport-level errors to ErrClientDisconnected and
// passes everything else through, deadline timeouts included.
func disconnectOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrClientDisconnected
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return ErrClientDisconnected
	}
	return err
}

// EncodeString encodes s as a u32 byte length followed by UTF-8 bytes.
func EncodeString(s string) []byte {
	buf := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

// DecodeString decodes a string field at offset and returns it with the
// offset of the next field.
func DecodeString(data []byte, offset int) (string, int, error) {
	if offset < 0 || offset+4 > len(data) {
		return "", 0, fmt.Errorf("wire: string length truncated at offset %d", offset)
	}
	length := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	start := offset + 4
	if length < 0 || start+length > len(data) {
		return "", 0, fmt.Errorf("wire: string of %d bytes truncated at offset %d", length, offset)
	}
	return string(data[start : start+length]), start + length, nil
}

// EncodeBool encodes b as a single byte.
func EncodeBool(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool decodes a bool field at offset.
func DecodeBool(data []byte, offset int) (bool, int, error) {
	if offset < 0 || offset >= len(data) {
		return false, 0, fmt.Errorf("wire: bool truncated at offset %d", offset)
	}
	return data[offset] != 0, offset + 1, nil
}

// EncodeJSON encodes v as a JSON document in a string field.
func EncodeJSON(v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode json: %w", err)
	}
	buf := make([]byte, 4+len(doc))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(doc)))
	copy(buf[4:], doc)
	return buf, nil
}

// MustEncodeJSON is EncodeJSON for values built by the server itself,
// where a marshal failure is a programming error.
func MustEncodeJSON(v any) []byte {
	buf, err := EncodeJSON(v)
	if err != nil {
		panic(err)
	}
	return buf
}

// DecodeJSON decodes a JSON field at offset into a generic map.
func DecodeJSON(data []byte, offset int) (map[string]any, int, error) {
	doc, next, err := DecodeString(data, offset)
	if err != nil {
		return nil, 0, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, 0, fmt.Errorf("wire: decode json: %w", err)
	}
	return out, next, nil
}
