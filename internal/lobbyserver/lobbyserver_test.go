package lobbyserver_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/blukai/fishnet/internal/lobbyserver"
	"github.com/blukai/fishnet/internal/protocol"
	"github.com/matryer/is"
)

func startServer(t *testing.T) *lobbyserver.LobbyServer {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	lobbyServer, err := lobbyserver.NewLobbyServer("udp4", "127.0.0.1:0", nil)
	is.NoErr(err)
	go lobbyServer.Run(ctx)

	return lobbyServer
}

type rawClient struct {
	t    *testing.T
	conn *net.UDPConn
	seq  uint32
}

func dial(t *testing.T, ls *lobbyserver.LobbyServer) *rawClient {
	is := is.New(t)

	conn, err := net.DialUDP("udp4", nil, ls.Addr())
	is.NoErr(err)
	t.Cleanup(func() { conn.Close() })

	return &rawClient{t: t, conn: conn}
}

func (c *rawClient) send(cmdID uint16, body protocol.CmdBody) uint32 {
	is := is.New(c.t)

	c.seq++
	cmd := protocol.NewCmd(cmdID, c.seq, body)
	bytes, err := cmd.MarshalBinary()
	is.NoErr(err)

	err = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	is.NoErr(err)
	_, err = c.conn.Write(bytes)
	is.NoErr(err)

	return c.seq
}

func (c *rawClient) recv() protocol.Cmd {
	is := is.New(c.t)

	err := c.conn.SetReadDeadline(time.Now().Add(time.Second))
	is.NoErr(err)
	buf := make([]byte, protocol.CmdMaxSize)
	n, _, err := c.conn.ReadFromUDP(buf)
	is.NoErr(err)

	cmd := protocol.Cmd{}
	is.NoErr(cmd.UnmarshalBinary(buf[:n]))
	return cmd
}

func (c *rawClient) hello() uint64 {
	is := is.New(c.t)

	seq := c.send(protocol.CCmdHello, nil)
	welcome := c.recv()
	is.Equal(welcome.Header.Cmd, protocol.SCmdWelcome)
	is.Equal(welcome.Header.Seq, seq)

	id := uint64(*welcome.Body.(*protocol.NetworkedUint64))
	is.True(id != 0)
	return id
}

func TestHello(t *testing.T) {
	is := is.New(t)

	ls := startServer(t)
	client := dial(t, ls)

	id := client.hello()
	// saying hello again from the same address keeps the id
	is.Equal(client.hello(), id)

	other := dial(t, ls)
	is.True(other.hello() != id)
}

func TestUnknownPeer(t *testing.T) {
	is := is.New(t)

	ls := startServer(t)
	client := dial(t, ls)

	seq := client.send(protocol.CCmdListLobbies, nil)
	reply := client.recv()
	is.Equal(reply.Header.Cmd, protocol.SCmdError)
	is.Equal(reply.Header.Seq, seq)
	is.Equal(uint16(*reply.Body.(*protocol.NetworkedUint16)), protocol.ErrCodeUnknownPeer)
}

func TestCreateListJoin(t *testing.T) {
	is := is.New(t)

	ls := startServer(t)

	owner := dial(t, ls)
	ownerID := owner.hello()
	guest := dial(t, ls)
	guestID := guest.hello()

	// nothing to list yet

	guest.send(protocol.CCmdListLobbies, nil)
	reply := guest.recv()
	is.Equal(reply.Header.Cmd, protocol.SCmdLobbies)
	is.Equal(len(*reply.Body.(*protocol.NetworkedLobbyList)), 0)

	// create

	capacity := protocol.NetworkedUint16(2)
	owner.send(protocol.CCmdCreateLobby, &capacity)
	reply = owner.recv()
	is.Equal(reply.Header.Cmd, protocol.SCmdLobbyCreated)
	lobbyID := uint64(*reply.Body.(*protocol.NetworkedUint64))

	// list

	guest.send(protocol.CCmdListLobbies, nil)
	reply = guest.recv()
	is.Equal([]uint64(*reply.Body.(*protocol.NetworkedLobbyList)), []uint64{lobbyID})

	// join

	body := protocol.NetworkedUint64(lobbyID)
	guest.send(protocol.CCmdJoinLobby, &body)
	reply = guest.recv()
	is.Equal(reply.Header.Cmd, protocol.SCmdLobbyJoined)
	joined := reply.Body.(*protocol.NetworkedLobbyJoined)
	is.Equal(joined.LobbyID, lobbyID)
	is.Equal(len(joined.Members), 2)
	is.Equal(joined.Members[0].PeerID, ownerID)
	is.Equal(joined.Members[1].PeerID, guestID)
	is.Equal(joined.Members[0].Addr.Port(), uint16(owner.conn.LocalAddr().(*net.UDPAddr).Port))
	is.Equal(len(ls.LobbyAddrs(lobbyID)), 2)

	// owner is told that guest entered

	reply = owner.recv()
	is.Equal(reply.Header.Cmd, protocol.SCmdMemberEntered)
	entered := reply.Body.(*protocol.NetworkedMemberEntered)
	is.Equal(entered.LobbyID, lobbyID)
	is.Equal(entered.Member.PeerID, guestID)

	// full lobbies are not listed and can't be joined

	third := dial(t, ls)
	third.hello()
	third.send(protocol.CCmdListLobbies, nil)
	reply = third.recv()
	is.Equal(len(*reply.Body.(*protocol.NetworkedLobbyList)), 0)

	third.send(protocol.CCmdJoinLobby, &body)
	reply = third.recv()
	is.Equal(reply.Header.Cmd, protocol.SCmdError)
	is.Equal(uint16(*reply.Body.(*protocol.NetworkedUint16)), protocol.ErrCodeLobbyFull)
}

func TestRetriedRequestIsAnsweredOnce(t *testing.T) {
	is := is.New(t)

	ls := startServer(t)
	owner := dial(t, ls)
	owner.hello()

	capacity := protocol.NetworkedUint16(2)
	seq := owner.send(protocol.CCmdCreateLobby, &capacity)
	first := owner.recv()

	// same seq again, as a retry would do
	owner.seq = seq - 1
	owner.send(protocol.CCmdCreateLobby, &capacity)
	second := owner.recv()
	is.Equal(first, second)

	other := dial(t, ls)
	other.hello()
	other.send(protocol.CCmdListLobbies, nil)
	reply := other.recv()
	is.Equal(len(*reply.Body.(*protocol.NetworkedLobbyList)), 1)
}

func TestJoinMissingLobby(t *testing.T) {
	is := is.New(t)

	ls := startServer(t)
	client := dial(t, ls)
	client.hello()

	body := protocol.NetworkedUint64(12345)
	client.send(protocol.CCmdJoinLobby, &body)
	reply := client.recv()
	is.Equal(reply.Header.Cmd, protocol.SCmdError)
	is.Equal(uint16(*reply.Body.(*protocol.NetworkedUint16)), protocol.ErrCodeLobbyNotFound)
}

func TestBadCapacity(t *testing.T) {
	is := is.New(t)

	ls := startServer(t)
	client := dial(t, ls)
	client.hello()

	capacity := protocol.NetworkedUint16(0)
	client.send(protocol.CCmdCreateLobby, &capacity)
	reply := client.recv()
	is.Equal(reply.Header.Cmd, protocol.SCmdError)
	is.Equal(uint16(*reply.Body.(*protocol.NetworkedUint16)), protocol.ErrCodeBadCapacity)
}

func TestLeaveDestroysEmptyLobby(t *testing.T) {
	is := is.New(t)

	ls := startServer(t)
	owner := dial(t, ls)
	owner.hello()

	capacity := protocol.NetworkedUint16(2)
	owner.send(protocol.CCmdCreateLobby, &capacity)
	reply := owner.recv()
	lobbyID := uint64(*reply.Body.(*protocol.NetworkedUint64))

	body := protocol.NetworkedUint64(lobbyID)
	owner.send(protocol.CCmdLeaveLobby, &body)

	// leave has no reply, list afterwards to make sure it was handled
	other := dial(t, ls)
	other.hello()
	other.send(protocol.CCmdListLobbies, nil)
	reply = other.recv()
	is.Equal(len(*reply.Body.(*protocol.NetworkedLobbyList)), 0)
	is.Equal(ls.LobbyAddrs(lobbyID), nil)
}
