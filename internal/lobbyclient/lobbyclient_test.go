package lobbyclient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blukai/fishnet/internal/lobbyclient"
	"github.com/blukai/fishnet/internal/lobbyserver"
	"github.com/blukai/fishnet/internal/protocol"
	"github.com/matryer/is"
)

type result struct {
	id      uint64
	err     error
	members int
}

func setup(ctx context.Context, t *testing.T) (*lobbyclient.LobbyClient, *lobbyclient.LobbyClient) {
	is := is.New(t)

	ls, err := lobbyserver.NewLobbyServer("udp4", "127.0.0.1:0", nil)
	is.NoErr(err)
	go ls.Run(ctx)

	clients := make([]*lobbyclient.LobbyClient, 2)
	for i := range clients {
		lc, err := lobbyclient.NewLobbyClient("udp4", ls.Addr().String(), nil)
		is.NoErr(err)
		go lc.Run(ctx)

		id, err := lc.Hello(ctx)
		is.NoErr(err)
		is.True(id != 0)
		is.Equal(lc.SelfID(), id)

		clients[i] = lc
	}
	is.True(clients[0].SelfID() != clients[1].SelfID())

	return clients[0], clients[1]
}

func wait[T any](t *testing.T, ch <-chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("no answer from lobby server")
		panic("unreachable")
	}
}

func TestCreateJoinAndTalk(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	owner, guest := setup(ctx, t)

	entered := make(chan result, 4)
	owner.OnMemberEntered(func(lobbyID, peerID uint64) {
		entered <- result{id: peerID}
	})

	created := make(chan result, 1)
	owner.CreateLobby(2, func(lobbyID uint64, err error) {
		created <- result{id: lobbyID, err: err}
	})
	lobby := wait(t, created)
	is.NoErr(lobby.err)
	is.Equal(owner.LobbyMembers(lobby.id), []uint64{owner.SelfID()})

	listed := make(chan []uint64, 1)
	guest.ListLobbies(func(lobbies []uint64, err error) {
		listed <- lobbies
	})
	is.Equal(wait(t, listed), []uint64{lobby.id})

	joined := make(chan result, 1)
	guest.JoinLobby(lobby.id, func(lobbyID uint64, err error) {
		// member cache is filled before the callback runs
		joined <- result{id: lobbyID, err: err, members: len(guest.LobbyMembers(lobbyID))}
	})
	res := wait(t, joined)
	is.NoErr(res.err)
	is.Equal(res.id, lobby.id)
	is.Equal(res.members, 2)

	is.Equal(wait(t, entered).id, guest.SelfID())
	is.Equal(owner.LobbyMembers(lobby.id), []uint64{owner.SelfID(), guest.SelfID()})

	// members talk to each other directly
	is.True(!owner.HeardFrom(guest.SelfID()))
	buf := make([]byte, protocol.MessageMaxSize)
	deadline := time.Now().Add(time.Second)
	for {
		is.True(time.Now().Before(deadline))
		is.True(guest.SendTo(owner.SelfID(), []byte("hi")))
		time.Sleep(5 * time.Millisecond)
		if owner.PacketAvailable() {
			break
		}
	}
	n, from, ok := owner.TryRecv(buf)
	is.True(ok)
	is.Equal(from, guest.SelfID())
	is.Equal(string(buf[:n]), "hi")
	is.True(owner.HeardFrom(guest.SelfID()))
	is.True(!guest.HeardFrom(owner.SelfID()))
	is.True(!owner.HeardFrom(12345))

	// nobody else is addressable
	is.True(!owner.SendTo(12345, []byte("hi")))
}

func TestJoinMissingLobby(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, guest := setup(ctx, t)

	joined := make(chan result, 1)
	guest.JoinLobby(42, func(lobbyID uint64, err error) {
		joined <- result{id: lobbyID, err: err}
	})
	res := wait(t, joined)

	var serviceErr *lobbyclient.ServiceError
	is.True(errors.As(res.err, &serviceErr))
	is.Equal(serviceErr.Code, protocol.ErrCodeLobbyNotFound)
}

func TestTryRecvIsEmpty(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	owner, _ := setup(ctx, t)

	_, _, ok := owner.TryRecv(make([]byte, 16))
	is.True(!ok)
	is.True(!owner.PacketAvailable())
}
