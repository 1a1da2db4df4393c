package protocol_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/blukai/fishnet/internal/protocol"
	"github.com/matryer/is"
)

func TestCmdHeaderEncoding(t *testing.T) {
	is := is.New(t)

	originalCmdHeader := protocol.CmdHeader{
		Cmd:  protocol.CCmdHello,
		Size: 42,
		Seq:  0xdeadbeef,
	}

	encodedCmdHeaderBytes, err := originalCmdHeader.MarshalBinary()
	is.NoErr(err)
	is.Equal(len(encodedCmdHeaderBytes), protocol.CmdHeaderSize)
	// little-endian on the wire
	is.Equal(encodedCmdHeaderBytes[4], byte(0xef))

	decodedCmdHeader := protocol.CmdHeader{}
	err = decodedCmdHeader.UnmarshalBinary(encodedCmdHeaderBytes)
	is.NoErr(err)
	is.Equal(originalCmdHeader, decodedCmdHeader)
}

func TestCmdEncoding(t *testing.T) {
	t.Run("no body", func(t *testing.T) {
		is := is.New(t)

		originalCmd := protocol.NewCmd(protocol.CCmdListLobbies, 7, nil)

		encodedCmdBytes, err := originalCmd.MarshalBinary()
		is.NoErr(err)
		is.Equal(len(encodedCmdBytes), protocol.CmdHeaderSize)

		decodedCmd := protocol.Cmd{}
		err = decodedCmd.UnmarshalBinary(encodedCmdBytes)
		is.NoErr(err)
		is.Equal(originalCmd, decodedCmd)
	})

	t.Run("with body", func(t *testing.T) {
		is := is.New(t)

		originalCmd := protocol.NewCmd(protocol.SCmdLobbyJoined, 3, &protocol.NetworkedLobbyJoined{
			LobbyID: 99,
			Members: []protocol.NetworkedMember{
				{PeerID: 1, Addr: netip.MustParseAddrPort("127.0.0.1:3400")},
				{PeerID: 2, Addr: netip.MustParseAddrPort("[2001:db8::1]:3401")},
			},
		})

		encodedCmdBytes, err := originalCmd.MarshalBinary()
		is.NoErr(err)
		is.Equal(int(originalCmd.Header.Size), 10+2*protocol.NetworkedMemberSize)

		decodedCmd := protocol.Cmd{}
		err = decodedCmd.UnmarshalBinary(encodedCmdBytes)
		is.NoErr(err)
		is.Equal(originalCmd, decodedCmd)
	})

	t.Run("lobby list", func(t *testing.T) {
		is := is.New(t)

		lobbies := protocol.NetworkedLobbyList{5, 6, 7}
		originalCmd := protocol.NewCmd(protocol.SCmdLobbies, 1, &lobbies)

		encodedCmdBytes, err := originalCmd.MarshalBinary()
		is.NoErr(err)

		decodedCmd := protocol.Cmd{}
		err = decodedCmd.UnmarshalBinary(encodedCmdBytes)
		is.NoErr(err)
		is.Equal(*decodedCmd.Body.(*protocol.NetworkedLobbyList), lobbies)
	})

	t.Run("size mismatch", func(t *testing.T) {
		is := is.New(t)

		capacity := protocol.NetworkedUint16(2)
		cmd := protocol.NewCmd(protocol.CCmdCreateLobby, 1, &capacity)
		encodedCmdBytes, err := cmd.MarshalBinary()
		is.NoErr(err)

		decodedCmd := protocol.Cmd{}
		err = decodedCmd.UnmarshalBinary(encodedCmdBytes[:len(encodedCmdBytes)-1])
		is.True(errors.Is(err, protocol.ErrMalformedCmd))
	})

	t.Run("unknown cmd", func(t *testing.T) {
		is := is.New(t)

		cmd := protocol.NewCmd(protocol.SCmdMax, 1, nil)
		encodedCmdBytes, err := cmd.MarshalBinary()
		is.NoErr(err)

		decodedCmd := protocol.Cmd{}
		err = decodedCmd.UnmarshalBinary(encodedCmdBytes)
		is.True(errors.Is(err, protocol.ErrMalformedCmd))
	})
}

func TestMessageEncoding(t *testing.T) {
	is := is.New(t)

	testCases := []protocol.Message{
		protocol.IdleMessage(),
		{Kind: protocol.MessageRelayRequestID},
		protocol.RelayMessage(protocol.MessageRelayIDAssigned, 1<<40+3),
		protocol.RelayMessage(protocol.MessageRelayConnectTo, 17),
		{Kind: protocol.MessageRelayConnected},
		protocol.InputMessage(50, protocol.Input{
			Movement: protocol.MoveLeft | protocol.MoveJump,
			Action:   protocol.ActionThrow,
		}),
		protocol.InputMessage(0, protocol.Input{}),
		protocol.AckMessage(1<<63 + 1),
	}

	for _, original := range testCases {
		encoded, err := original.MarshalBinary()
		is.NoErr(err)

		var decoded protocol.Message
		err = decoded.UnmarshalBinary(encoded)
		is.NoErr(err)
		is.Equal(original, decoded)
	}
}

func TestMessageLayout(t *testing.T) {
	is := is.New(t)

	idle := protocol.IdleMessage()
	encoded, err := idle.MarshalBinary()
	is.NoErr(err)
	is.Equal(encoded, []byte{0, 0})

	input := protocol.InputMessage(0x0102, protocol.Input{Movement: protocol.MoveRight, Action: protocol.ActionFire})
	encoded, err = input.MarshalBinary()
	is.NoErr(err)
	is.Equal(encoded, []byte{
		byte(protocol.MessageInput), 0,
		0x02, 0x01, 0, 0, 0, 0, 0, 0,
		byte(protocol.MoveRight), byte(protocol.ActionFire),
	})

	ack := protocol.AckMessage(9)
	encoded, err = ack.MarshalBinary()
	is.NoErr(err)
	is.Equal(len(encoded), 10)
}

func TestMessageMalformed(t *testing.T) {
	is := is.New(t)

	testCases := [][]byte{
		nil,
		{0},
		{0xff, 0xff},
		{byte(protocol.MessageIdle), 0, 1},
		{byte(protocol.MessageAck), 0, 1, 2, 3},
		{byte(protocol.MessageInput), 0, 1, 0, 0, 0, 0, 0, 0, 0, 0},
	}

	for _, tc := range testCases {
		var decoded protocol.Message
		err := decoded.UnmarshalBinary(tc)
		is.True(errors.Is(err, protocol.ErrMalformedMessage))
	}
}

func TestInputString(t *testing.T) {
	is := is.New(t)

	is.Equal(protocol.Input{}.String(), "{}")
	is.Equal(protocol.Input{Movement: protocol.MoveLeft, Action: protocol.ActionPickup}.String(), "{left,pickup}")
}
