package protocol

import (
	"encoding"
	"errors"
	"fmt"
	"net/netip"

	"github.com/blukai/fishnet/internal/byteorder"
	"github.com/blukai/fishnet/internal/debug"
)

// this file describes the matchmaking (lobby) protocol. game traffic between
// peers is described in message.go.

const (
	CmdHeaderSize = 8       // uint16 (2) + uint16 (2) + uint32 (4) = 8
	CmdMaxSize    = 4 << 10 // 4 * 1024 = 4096 bytes (4 is just an arbitrary number here)
)

var ErrMalformedCmd = errors.New("malformed cmd")

const (
	// NOTE(blukai): C stands for client
	_ uint16 = iota
	CCmdHello
	CCmdKeepAlive
	CCmdListLobbies
	CCmdCreateLobby
	CCmdJoinLobby
	CCmdLeaveLobby

	CCmdMax
)

const (
	// NOTE(blukai): S stands for server
	_ uint16 = iota + CCmdMax
	SCmdWelcome
	SCmdError
	SCmdLobbies
	SCmdLobbyCreated
	SCmdLobbyJoined
	SCmdMemberEntered

	SCmdMax
)

// error codes carried by SCmdError
const (
	_ uint16 = iota
	ErrCodeBadRequest
	ErrCodeUnknownPeer
	ErrCodeLobbyNotFound
	ErrCodeLobbyFull
	ErrCodeBadCapacity
)

func ErrCodeString(code uint16) string {
	switch code {
	case ErrCodeBadRequest:
		return "bad request"
	case ErrCodeUnknownPeer:
		return "unknown peer"
	case ErrCodeLobbyNotFound:
		return "lobby not found"
	case ErrCodeLobbyFull:
		return "lobby full"
	case ErrCodeBadCapacity:
		return "bad capacity"
	default:
		return fmt.Sprintf("unknown error code %d", code)
	}
}

// CmdHeader precedes every lobby datagram. Seq is picked by the client and
// echoed by the server so that replies can be matched with requests; server
// pushes carry zero.
type CmdHeader struct {
	Cmd  uint16
	Size uint16
	Seq  uint32
}

var (
	_ encoding.BinaryMarshaler   = (*CmdHeader)(nil)
	_ encoding.BinaryUnmarshaler = (*CmdHeader)(nil)
)

func (h *CmdHeader) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, CmdHeaderSize)
	data = byteorder.AppendLe16(data, h.Cmd)
	data = byteorder.AppendLe16(data, h.Size)
	data = byteorder.AppendLe32(data, h.Seq)
	debug.Assert(len(data) == CmdHeaderSize)
	return data, nil
}

func (h *CmdHeader) UnmarshalBinary(data []byte) error {
	if len(data) != CmdHeaderSize {
		return fmt.Errorf("%w: header size (got %d; want %d)", ErrMalformedCmd, len(data), CmdHeaderSize)
	}

	h.Cmd = byteorder.Le16(data[0:2])
	h.Size = byteorder.Le16(data[2:4])
	h.Seq = byteorder.Le32(data[4:8])

	return nil
}

type CmdBody interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type Cmd struct {
	Header *CmdHeader
	Body   CmdBody
}

var (
	_ encoding.BinaryMarshaler   = (*Cmd)(nil)
	_ encoding.BinaryUnmarshaler = (*Cmd)(nil)
)

// NewCmd is a shorthand that leaves Size to be filled in by MarshalBinary.
func NewCmd(cmd uint16, seq uint32, body CmdBody) Cmd {
	return Cmd{
		Header: &CmdHeader{Cmd: cmd, Seq: seq},
		Body:   body,
	}
}

// MarshalBinary fills in Header.Size.
func (cmd *Cmd) MarshalBinary() ([]byte, error) {
	var bodyBytes []byte
	if cmd.Body != nil {
		var err error
		bodyBytes, err = cmd.Body.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("could not marshal body: %w", err)
		}
	}
	if CmdHeaderSize+len(bodyBytes) > CmdMaxSize {
		return nil, fmt.Errorf("cmd is too big (got %d; max %d)", CmdHeaderSize+len(bodyBytes), CmdMaxSize)
	}
	cmd.Header.Size = uint16(len(bodyBytes))

	headerBytes, err := cmd.Header.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal header: %w", err)
	}

	data := append(headerBytes, bodyBytes...)
	debug.Assert(len(data) >= CmdHeaderSize)

	return data, nil
}

func (cmd *Cmd) UnmarshalBinary(data []byte) error {
	if len(data) < CmdHeaderSize {
		return fmt.Errorf("%w: too short (got %d; want >= %d)", ErrMalformedCmd, len(data), CmdHeaderSize)
	}

	header := &CmdHeader{}
	if err := header.UnmarshalBinary(data[0:CmdHeaderSize]); err != nil {
		return fmt.Errorf("could not unmarshal header: %w", err)
	}
	cmd.Header = header
	cmd.Body = nil

	bodyBytes := data[CmdHeaderSize:]
	if len(bodyBytes) != int(header.Size) {
		return fmt.Errorf("%w: body size (got %d; header says %d)", ErrMalformedCmd, len(bodyBytes), header.Size)
	}

	var body CmdBody
	switch header.Cmd {
	// client
	case CCmdHello, CCmdKeepAlive, CCmdListLobbies:
	case CCmdCreateLobby:
		body = new(NetworkedUint16)
	case CCmdJoinLobby, CCmdLeaveLobby:
		body = new(NetworkedUint64)
	// server
	case SCmdWelcome, SCmdLobbyCreated:
		body = new(NetworkedUint64)
	case SCmdError:
		body = new(NetworkedUint16)
	case SCmdLobbies:
		body = new(NetworkedLobbyList)
	case SCmdLobbyJoined:
		body = new(NetworkedLobbyJoined)
	case SCmdMemberEntered:
		body = new(NetworkedMemberEntered)
	default:
		return fmt.Errorf("%w: unknown cmd %d", ErrMalformedCmd, header.Cmd)
	}

	if body == nil {
		if len(bodyBytes) != 0 {
			return fmt.Errorf("%w: cmd %d carries no body", ErrMalformedCmd, header.Cmd)
		}
		return nil
	}
	if err := body.UnmarshalBinary(bodyBytes); err != nil {
		return fmt.Errorf("could not unmarshal body: %w", err)
	}
	cmd.Body = body

	return nil
}

type NetworkedUint16 uint16

var (
	_ encoding.BinaryMarshaler   = (*NetworkedUint16)(nil)
	_ encoding.BinaryUnmarshaler = (*NetworkedUint16)(nil)
)

func (n *NetworkedUint16) MarshalBinary() ([]byte, error) {
	return byteorder.AppendLe16(nil, uint16(*n)), nil
}

func (n *NetworkedUint16) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return fmt.Errorf("%w: uint16 (got %d bytes)", ErrMalformedCmd, len(data))
	}
	*n = NetworkedUint16(byteorder.Le16(data))
	return nil
}

type NetworkedUint64 uint64

var (
	_ encoding.BinaryMarshaler   = (*NetworkedUint64)(nil)
	_ encoding.BinaryUnmarshaler = (*NetworkedUint64)(nil)
)

func (n *NetworkedUint64) MarshalBinary() ([]byte, error) {
	return byteorder.AppendLe64(nil, uint64(*n)), nil
}

func (n *NetworkedUint64) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return fmt.Errorf("%w: uint64 (got %d bytes)", ErrMalformedCmd, len(data))
	}
	*n = NetworkedUint64(byteorder.Le64(data))
	return nil
}

// NetworkedLobbyList is u16 count followed by count u64 lobby ids.
type NetworkedLobbyList []uint64

var (
	_ encoding.BinaryMarshaler   = (*NetworkedLobbyList)(nil)
	_ encoding.BinaryUnmarshaler = (*NetworkedLobbyList)(nil)
)

func (n *NetworkedLobbyList) MarshalBinary() ([]byte, error) {
	if len(*n) > (CmdMaxSize-CmdHeaderSize-2)/8 {
		return nil, fmt.Errorf("too many lobbies: %d", len(*n))
	}
	data := make([]byte, 0, 2+len(*n)*8)
	data = byteorder.AppendLe16(data, uint16(len(*n)))
	for _, id := range *n {
		data = byteorder.AppendLe64(data, id)
	}
	return data, nil
}

func (n *NetworkedLobbyList) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: lobby list too short", ErrMalformedCmd)
	}
	count := int(byteorder.Le16(data[0:2]))
	if len(data) != 2+count*8 {
		return fmt.Errorf("%w: lobby list (got %d bytes for %d lobbies)", ErrMalformedCmd, len(data), count)
	}
	list := make(NetworkedLobbyList, count)
	for i := range list {
		list[i] = byteorder.Le64(data[2+i*8:])
	}
	*n = list
	return nil
}

const NetworkedMemberSize = 8 + 16 + 2

// NetworkedMember is a lobby member together with the address the lobby
// server sees it from; peers use that address to talk to each other directly.
type NetworkedMember struct {
	PeerID uint64
	Addr   netip.AddrPort
}

var (
	_ encoding.BinaryMarshaler   = (*NetworkedMember)(nil)
	_ encoding.BinaryUnmarshaler = (*NetworkedMember)(nil)
)

func (n *NetworkedMember) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, NetworkedMemberSize)
	data = byteorder.AppendLe64(data, n.PeerID)
	ip := n.Addr.Addr().As16()
	data = append(data, ip[:]...)
	data = byteorder.AppendLe16(data, n.Addr.Port())
	debug.Assert(len(data) == NetworkedMemberSize)
	return data, nil
}

func (n *NetworkedMember) UnmarshalBinary(data []byte) error {
	if len(data) != NetworkedMemberSize {
		return fmt.Errorf("%w: member (got %d bytes)", ErrMalformedCmd, len(data))
	}
	n.PeerID = byteorder.Le64(data[0:8])
	ip := netip.AddrFrom16([16]byte(data[8:24])).Unmap()
	n.Addr = netip.AddrPortFrom(ip, byteorder.Le16(data[24:26]))
	return nil
}

// NetworkedLobbyJoined is lobby id, u16 member count, members.
type NetworkedLobbyJoined struct {
	LobbyID uint64
	Members []NetworkedMember
}

var (
	_ encoding.BinaryMarshaler   = (*NetworkedLobbyJoined)(nil)
	_ encoding.BinaryUnmarshaler = (*NetworkedLobbyJoined)(nil)
)

func (n *NetworkedLobbyJoined) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 10+len(n.Members)*NetworkedMemberSize)
	data = byteorder.AppendLe64(data, n.LobbyID)
	data = byteorder.AppendLe16(data, uint16(len(n.Members)))
	for i := range n.Members {
		member, err := n.Members[i].MarshalBinary()
		debug.Assert(err == nil)
		data = append(data, member...)
	}
	return data, nil
}

func (n *NetworkedLobbyJoined) UnmarshalBinary(data []byte) error {
	if len(data) < 10 {
		return fmt.Errorf("%w: lobby joined too short", ErrMalformedCmd)
	}
	n.LobbyID = byteorder.Le64(data[0:8])
	count := int(byteorder.Le16(data[8:10]))
	if len(data) != 10+count*NetworkedMemberSize {
		return fmt.Errorf("%w: lobby joined (got %d bytes for %d members)", ErrMalformedCmd, len(data), count)
	}
	n.Members = make([]NetworkedMember, count)
	for i := range n.Members {
		off := 10 + i*NetworkedMemberSize
		if err := n.Members[i].UnmarshalBinary(data[off : off+NetworkedMemberSize]); err != nil {
			return err
		}
	}
	return nil
}

type NetworkedMemberEntered struct {
	LobbyID uint64
	Member  NetworkedMember
}

var (
	_ encoding.BinaryMarshaler   = (*NetworkedMemberEntered)(nil)
	_ encoding.BinaryUnmarshaler = (*NetworkedMemberEntered)(nil)
)

func (n *NetworkedMemberEntered) MarshalBinary() ([]byte, error) {
	member, err := n.Member.MarshalBinary()
	debug.Assert(err == nil)
	return append(byteorder.AppendLe64(nil, n.LobbyID), member...), nil
}

func (n *NetworkedMemberEntered) UnmarshalBinary(data []byte) error {
	if len(data) != 8+NetworkedMemberSize {
		return fmt.Errorf("%w: member entered (got %d bytes)", ErrMalformedCmd, len(data))
	}
	n.LobbyID = byteorder.Le64(data[0:8])
	return n.Member.UnmarshalBinary(data[8:])
}
