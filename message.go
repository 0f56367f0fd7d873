// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package framelink

import (
	"fmt"

	"github.com/creachadair/framelink/packet"
)

const (
	// MessageSize is the size in bytes of every encoded message record.
	MessageSize = 32

	// PayloadSize is the size in bytes of the payload region of a record.
	PayloadSize = MessageSize - headerSize

	// MaxHandles is the largest handle count a record may declare.
	MaxHandles = PayloadSize / 4

	// Generation identifies the record framing implemented by this package:
	// a 16-bit code and a 16-bit handle count, little-endian, followed by the
	// payload. It is not compatible with the 64-bit single-code framing.
	Generation = 1

	headerSize = 4 // 2 code, 2 handle count
)

// Message is the parsed format of a fixed-size message record.
//
// The attached handles themselves are not part of the record: they travel as
// ancillary data on the same record boundary, and Handles declares how many
// the receiver must expect.
type Message struct {
	Code    Code
	Handles uint16
	Payload [PayloadSize]byte
}

// NewMessage constructs a message with the given code, declared handle count,
// and payload. It reports an error if the payload does not fit into a record
// or if handles exceeds [MaxHandles].
func NewMessage(code Code, handles int, payload []byte) (Message, error) {
	if err := checkHandles(handles); err != nil {
		return Message{}, err
	}
	b := packet.NewBuilder(PayloadSize)
	b.Put(payload...)
	if err := b.Err(); err != nil {
		return Message{}, err
	}
	m := Message{Code: code, Handles: uint16(handles)}
	copy(m.Payload[:], b.Bytes())
	return m, nil
}

// Encode encodes m in binary format. The result is always [MessageSize] bytes.
func (m Message) Encode() []byte {
	b := packet.NewBuilder(MessageSize)
	b.Uint16(uint16(m.Code))
	b.Uint16(m.Handles)
	b.Put(m.Payload[:]...)
	return b.Bytes()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m Message) MarshalBinary() ([]byte, error) { return m.Encode(), nil }

// UnmarshalBinary decodes a complete record from data. It implements
// encoding.BinaryUnmarshaler. The input must be exactly [MessageSize] bytes;
// a record is never partially decoded.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) != MessageSize {
		return fmt.Errorf("invalid record size (%d != %d bytes)", len(data), MessageSize)
	}
	s := packet.NewScanner(data)
	code, _ := s.Uint16() // the length is checked above
	nh, _ := s.Uint16()
	if err := checkHandles(int(nh)); err != nil {
		return err
	}
	m.Code = Code(code)
	m.Handles = nh
	copy(m.Payload[:], s.Rest())
	return nil
}

func checkHandles(n int) error {
	if n < 0 || n > MaxHandles {
		return fmt.Errorf("invalid handle count %d (max %d)", n, MaxHandles)
	}
	return nil
}

// String returns a human-friendly rendering of the message.
func (m Message) String() string {
	var pay string
	switch m.Code {
	case CodeFrameAvailable, CodeFrameComplete, CodeStreamFileDescriptor:
		// no payload
	case CodeStreamState:
		if s, err := m.StreamState(); err == nil {
			pay = ", " + s.String()
		}
	default:
		pay = fmt.Sprintf(", %+v", m.Payload)
	}
	return fmt.Sprintf("Message(%v, handles=%d%s)", m.Code, m.Handles, pay)
}

// StreamState decodes the payload of a StreamState message. It reports an
// error if m has a different code.
func (m Message) StreamState() (StreamStateValue, error) {
	if m.Code != CodeStreamState {
		return 0, fmt.Errorf("message code is %v, not %v", m.Code, CodeStreamState)
	}
	v, err := packet.NewScanner(m.Payload[:]).Uint32()
	if err != nil {
		return 0, err
	}
	return StreamStateValue(v), nil
}

// Code identifies the semantic type of a message.
//
// The registry of codes is closed for each wire generation. A receiver that
// does not recognize a code discards the message.
type Code uint16

const (
	CodeFrameAvailable       Code = 1 // A frame is ready to acquire
	CodeFrameComplete        Code = 2 // The acquired frame was released
	CodeStreamFileDescriptor Code = 3 // Transfers a stream handle (1 handle)
	CodeStreamState          Code = 4 // Reports handshake progress

	maxKnownCode = CodeStreamState
)

// Known reports whether c is defined by this protocol generation.
func (c Code) Known() bool { return c >= CodeFrameAvailable && c <= maxKnownCode }

func (c Code) String() string {
	switch c {
	case CodeFrameAvailable:
		return "FRAME_AVAILABLE"
	case CodeFrameComplete:
		return "FRAME_COMPLETE"
	case CodeStreamFileDescriptor:
		return "STREAM_FD"
	case CodeStreamState:
		return "STREAM_STATE"
	default:
		return fmt.Sprintf("CODE:%d", uint16(c))
	}
}

// StreamStateValue is the payload of a StreamState message.
type StreamStateValue uint32

const (
	StateWaitingForFd StreamStateValue = 0 // Sender is waiting for a stream handle
	StateConnected    StreamStateValue = 1 // Sender bound the stream handle
	StateError        StreamStateValue = 2 // Sender failed; the stream is unusable
)

func (s StreamStateValue) String() string {
	switch s {
	case StateWaitingForFd:
		return "WAITING_FOR_FD"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("state %d", uint32(s))
	}
}

// FrameAvailable returns a message announcing that a frame was submitted.
func FrameAvailable() Message { return Message{Code: CodeFrameAvailable} }

// FrameComplete returns a message announcing that a frame was released.
func FrameComplete() Message { return Message{Code: CodeFrameComplete} }

// StreamFileDescriptor returns a message that carries one stream handle.
// The handle must be attached when the message is sent.
func StreamFileDescriptor() Message { return Message{Code: CodeStreamFileDescriptor, Handles: 1} }

// StreamState returns a message reporting handshake state s.
func StreamState(s StreamStateValue) Message {
	b := packet.NewBuilder(PayloadSize)
	b.Uint32(uint32(s))
	m := Message{Code: CodeStreamState}
	copy(m.Payload[:], b.Bytes())
	return m
}
