package protocol

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/blukai/fishnet/internal/byteorder"
)

// peer to peer game traffic. each datagram is exactly one message: u16 tag
// followed by the variant's fields in declaration order, little-endian.

const (
	MessageTagSize = 2
	// MessageMaxSize is large enough for any variant; receivers read into a
	// buffer of this size.
	MessageMaxSize = 256
)

var ErrMalformedMessage = errors.New("malformed message")

type MessageKind uint16

const (
	// MessageIdle carries nothing, it is only used to probe the link.
	MessageIdle MessageKind = iota
	MessageRelayRequestID
	MessageRelayIDAssigned
	MessageRelayConnectTo
	MessageRelayConnected
	MessageInput
	MessageAck
)

func (k MessageKind) String() string {
	switch k {
	case MessageIdle:
		return "Idle"
	case MessageRelayRequestID:
		return "RelayRequestId"
	case MessageRelayIDAssigned:
		return "RelayIdAssigned"
	case MessageRelayConnectTo:
		return "RelayConnectTo"
	case MessageRelayConnected:
		return "RelayConnected"
	case MessageInput:
		return "Input"
	case MessageAck:
		return "Ack"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint16(k))
	}
}

// Message is a tagged union, only the fields that belong to Kind are
// meaningful:
//
//	Idle, RelayRequestId, RelayConnected: nothing
//	RelayIdAssigned, RelayConnectTo:      RelayID
//	Input:                                Frame, Input
//	Ack:                                  Frame
type Message struct {
	Kind    MessageKind
	RelayID uint64
	Frame   uint64
	Input   Input
}

func IdleMessage() Message { return Message{Kind: MessageIdle} }

func InputMessage(frame uint64, input Input) Message {
	return Message{Kind: MessageInput, Frame: frame, Input: input}
}

func AckMessage(frame uint64) Message {
	return Message{Kind: MessageAck, Frame: frame}
}

func RelayMessage(kind MessageKind, id uint64) Message {
	return Message{Kind: kind, RelayID: id}
}

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
)

func payloadSize(kind MessageKind) (int, bool) {
	switch kind {
	case MessageIdle, MessageRelayRequestID, MessageRelayConnected:
		return 0, true
	case MessageRelayIDAssigned, MessageRelayConnectTo, MessageAck:
		return 8, true
	case MessageInput:
		return 8 + InputSize, true
	default:
		return 0, false
	}
}

func (m *Message) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(nil)
}

// AppendBinary is MarshalBinary into a caller provided buffer.
func (m *Message) AppendBinary(data []byte) ([]byte, error) {
	if _, ok := payloadSize(m.Kind); !ok {
		return nil, fmt.Errorf("unknown message kind %d", uint16(m.Kind))
	}

	data = byteorder.AppendLe16(data, uint16(m.Kind))
	switch m.Kind {
	case MessageRelayIDAssigned, MessageRelayConnectTo:
		data = byteorder.AppendLe64(data, m.RelayID)
	case MessageInput:
		data = byteorder.AppendLe64(data, m.Frame)
		data = append(data, byte(m.Input.Movement), byte(m.Input.Action))
	case MessageAck:
		data = byteorder.AppendLe64(data, m.Frame)
	}

	return data, nil
}

// UnmarshalBinary requires data to be exactly one message, trailing bytes are
// an error.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < MessageTagSize {
		return fmt.Errorf("%w: too short (got %d bytes)", ErrMalformedMessage, len(data))
	}

	kind := MessageKind(byteorder.Le16(data[0:2]))
	size, ok := payloadSize(kind)
	if !ok {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, uint16(kind))
	}
	payload := data[MessageTagSize:]
	if len(payload) != size {
		return fmt.Errorf("%w: %s payload (got %d bytes; want %d)", ErrMalformedMessage, kind, len(payload), size)
	}

	*m = Message{Kind: kind}
	switch kind {
	case MessageRelayIDAssigned, MessageRelayConnectTo:
		m.RelayID = byteorder.Le64(payload)
	case MessageInput:
		m.Frame = byteorder.Le64(payload[0:8])
		m.Input = Input{
			Movement: Movement(payload[8]),
			Action:   Action(payload[9]),
		}
	case MessageAck:
		m.Frame = byteorder.Le64(payload)
	}

	return nil
}

func (m Message) String() string {
	switch m.Kind {
	case MessageRelayIDAssigned, MessageRelayConnectTo:
		return fmt.Sprintf("%s(%d)", m.Kind, m.RelayID)
	case MessageInput:
		return fmt.Sprintf("Input{frame: %d, input: %s}", m.Frame, m.Input)
	case MessageAck:
		return fmt.Sprintf("Ack{frame: %d}", m.Frame)
	default:
		return m.Kind.String()
	}
}
