package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// MaxPathLen is the capacity of each path buffer in the wire record,
// including the NUL terminator. Paths longer than MaxPathLen-1 bytes fail to
// encode; they are never truncated, because a truncated path handed to the
// policy engine would look like a validated full path.
const MaxPathLen = 1024

// MessageSize is the constant size of the wire record. Both ends depend on
// it: there is no length prefix and no self-describing framing.
//
//	action    int32    4
//	vnode id  uint64   8
//	uid, gid  uint32   4+4
//	pid, ppid int32    4+4
//	path      [MaxPathLen]byte
//	newpath   [MaxPathLen]byte
const MessageSize = 4 + 8 + 4 + 4 + 4 + 4 + MaxPathLen + MaxPathLen

var (
	ErrMalformedMessage = errors.New("wire: malformed message")
	ErrUnknownAction    = errors.New("wire: unknown action")
	ErrPathTooLong      = errors.New("wire: path exceeds maximum length")
	ErrPathInvalid      = errors.New("wire: path contains NUL byte")
)

// Message is one fixed-size record exchanged across the privilege boundary.
// VnodeID identifies the filesystem object the event concerns; it is the
// cache key for authorization verdicts. NewPath is meaningful only for
// two-path notifications (rename, link, exchange).
type Message struct {
	Action  Action
	VnodeID uint64
	UID     uint32
	GID     uint32
	PID     int32
	PPID    int32
	Path    string
	NewPath string
}

// Encode serializes m into a MessageSize-byte record, little-endian.
// The secondary path is zeroed unless the action is a two-path notification.
// ActionUnset is an in-memory sentinel and never crosses the wire.
func Encode(m Message) ([]byte, error) {
	if m.Action == ActionUnset || !KnownAction(m.Action) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, m.Action)
	}
	if err := checkPath(m.Path); err != nil {
		return nil, fmt.Errorf("path: %w", err)
	}
	newPath := m.NewPath
	if !TwoPath(m.Action) {
		newPath = ""
	}
	if err := checkPath(newPath); err != nil {
		return nil, fmt.Errorf("newpath: %w", err)
	}

	buf := make([]byte, MessageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Action))
	binary.LittleEndian.PutUint64(buf[4:12], m.VnodeID)
	binary.LittleEndian.PutUint32(buf[12:16], m.UID)
	binary.LittleEndian.PutUint32(buf[16:20], m.GID)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(m.PID))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(m.PPID))
	copy(buf[28:28+MaxPathLen], m.Path)
	copy(buf[28+MaxPathLen:], newPath)
	return buf, nil
}

// Decode parses a record produced by Encode. It fails on any length other
// than MessageSize and on any action tag outside the enumerated set; a
// channel on a privilege boundary rejects unrecognized input rather than
// guessing at it.
func Decode(buf []byte) (Message, error) {
	if len(buf) != MessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedMessage, len(buf), MessageSize)
	}
	action := Action(int32(binary.LittleEndian.Uint32(buf[0:4])))
	if action == ActionUnset || !KnownAction(action) {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownAction, action)
	}
	m := Message{
		Action:  action,
		VnodeID: binary.LittleEndian.Uint64(buf[4:12]),
		UID:     binary.LittleEndian.Uint32(buf[12:16]),
		GID:     binary.LittleEndian.Uint32(buf[16:20]),
		PID:     int32(binary.LittleEndian.Uint32(buf[20:24])),
		PPID:    int32(binary.LittleEndian.Uint32(buf[24:28])),
		Path:    cString(buf[28 : 28+MaxPathLen]),
	}
	if TwoPath(action) {
		m.NewPath = cString(buf[28+MaxPathLen:])
	}
	return m, nil
}

func checkPath(p string) error {
	if len(p) > MaxPathLen-1 {
		return fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(p))
	}
	if strings.IndexByte(p, 0) >= 0 {
		return ErrPathInvalid
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
