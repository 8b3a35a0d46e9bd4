package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope layout, big-endian:
//
//	| version u8 | kind u8 | name_len u8 | name (N bytes) | body_len u32 | body |
//
// The body is the MessagePack encoding of the variant struct. Unknown fields
// in the body are ignored on decode; an unknown variant name is an error
// because the discriminant is semantically required.
var (
	ErrUnknownVariant = errors.New("protocol: unknown message variant")
	ErrBadVersion     = errors.New("protocol: unsupported protocol version")
)

// DecodeError wraps any malformed-input failure so callers can distinguish
// garbage bytes from server-reported errors.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "protocol: decode: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// variants maps (kind, name) to a fresh instance of the concrete type.
var variants = map[Kind]map[string]func() Message{
	KindRequest: {
		Generate{}.Name():   func() Message { return &Generate{} },
		Cancel{}.Name():     func() Message { return &Cancel{} },
		ListModels{}.Name(): func() Message { return &ListModels{} },
		Status{}.Name():     func() Message { return &Status{} },
		Ping{}.Name():       func() Message { return &Ping{} },
	},
	KindResponse: {
		JobAccepted{}.Name():  func() Message { return &JobAccepted{} },
		JobComplete{}.Name():  func() Message { return &JobComplete{} },
		JobError{}.Name():     func() Message { return &JobError{} },
		JobCancelled{}.Name(): func() Message { return &JobCancelled{} },
		ModelList{}.Name():    func() Message { return &ModelList{} },
		StatusInfo{}.Name():   func() Message { return &StatusInfo{} },
		Pong{}.Name():         func() Message { return &Pong{} },
		Error{}.Name():        func() Message { return &Error{} },
	},
	KindUpdate: {
		JobStarted{}.Name():  func() Message { return &JobStarted{} },
		Progress{}.Name():    func() Message { return &Progress{} },
		Preview{}.Name():     func() Message { return &Preview{} },
		JobFinished{}.Name(): func() Message { return &JobFinished{} },
	},
}

// Encode serializes a message into its binary envelope.
func Encode(m Message) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Name(), err)
	}

	name := m.Name()
	if len(name) > 255 {
		return nil, fmt.Errorf("protocol: variant name too long: %d bytes", len(name))
	}

	var buf bytes.Buffer
	buf.Grow(7 + len(name) + len(body))
	buf.WriteByte(Version)
	buf.WriteByte(byte(m.Kind()))
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)

	var blen [4]byte
	binary.BigEndian.PutUint32(blen[:], uint32(len(body)))
	buf.Write(blen[:])
	buf.Write(body)

	return buf.Bytes(), nil
}

// Decode parses an envelope and returns the concrete message. Malformed bytes
// yield a *DecodeError; they never panic.
func Decode(data []byte) (Message, error) {
	r := bytes.NewReader(data)

	var version, kind, nameLen uint8
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("read version: %w", err)}
	}
	if version != Version {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %d", ErrBadVersion, version)}
	}
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("read kind: %w", err)}
	}
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("read name_len: %w", err)}
	}

	// The frame is fully buffered, so a declared length past the end of the
	// buffer is garbage. Reject it before allocating.
	if int(nameLen) > r.Len() {
		return nil, &DecodeError{Err: fmt.Errorf("name_len %d exceeds remaining %d bytes", nameLen, r.Len())}
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("read name: %w", err)}
	}

	var bodyLen uint32
	if err := binary.Read(r, binary.BigEndian, &bodyLen); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("read body_len: %w", err)}
	}
	if int64(bodyLen) > int64(r.Len()) {
		return nil, &DecodeError{Err: fmt.Errorf("body_len %d exceeds remaining %d bytes", bodyLen, r.Len())}
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("read body: %w", err)}
	}

	byName, ok := variants[Kind(kind)]
	if !ok {
		return nil, &DecodeError{Err: fmt.Errorf("%w: kind 0x%02x", ErrUnknownVariant, kind)}
	}
	newMsg, ok := byName[string(name)]
	if !ok {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %q", ErrUnknownVariant, string(name))}
	}

	msg := newMsg()
	if err := msgpack.Unmarshal(body, msg); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("unmarshal %q: %w", string(name), err)}
	}
	return msg, nil
}

// DecodeUpdate decodes an envelope and asserts it carries an Update. Used by
// broadcast subscribers, which must tolerate anything on the wire.
func DecodeUpdate(data []byte) (Update, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	u, ok := msg.(Update)
	if !ok {
		return nil, &DecodeError{Err: fmt.Errorf("expected update, got %s %q", kindName(msg.Kind()), msg.Name())}
	}
	return u, nil
}

// DecodeResponse decodes an envelope and asserts it carries a Response.
func DecodeResponse(data []byte) (Response, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(Response)
	if !ok {
		return nil, &DecodeError{Err: fmt.Errorf("expected response, got %s %q", kindName(msg.Kind()), msg.Name())}
	}
	return resp, nil
}

// DecodeRequest decodes an envelope and asserts it carries a Request.
func DecodeRequest(data []byte) (Request, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(Request)
	if !ok {
		return nil, &DecodeError{Err: fmt.Errorf("expected request, got %s %q", kindName(msg.Kind()), msg.Name())}
	}
	return req, nil
}

func kindName(k Kind) string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindUpdate:
		return "update"
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}
