package relayserver_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/blukai/fishnet/internal/protocol"
	"github.com/blukai/fishnet/internal/relayserver"
	"github.com/blukai/fishnet/internal/transport"
	"github.com/matryer/is"
)

func startRelay(t *testing.T) (*relayserver.RelayServer, context.CancelFunc) {
	is := is.New(t)

	rs, err := relayserver.NewRelayServer("udp4", "127.0.0.1:0", nil)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rs.Run(ctx)
	}()

	return rs, func() {
		cancel()
		<-done
	}
}

type rawPeer struct {
	t    *testing.T
	conn *net.UDPConn
}

func dialRaw(t *testing.T, rs *relayserver.RelayServer) *rawPeer {
	conn, err := net.DialUDP("udp4", nil, rs.Addr())
	is.New(t).NoErr(err)
	return &rawPeer{t: t, conn: conn}
}

func (p *rawPeer) send(msg protocol.Message) {
	data, err := msg.MarshalBinary()
	is.New(p.t).NoErr(err)
	_, err = p.conn.Write(data)
	is.New(p.t).NoErr(err)
}

func (p *rawPeer) recv() (protocol.Message, bool) {
	buf := make([]byte, protocol.MessageMaxSize)
	err := p.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	is.New(p.t).NoErr(err)
	n, err := p.conn.Read(buf)
	if err != nil {
		return protocol.Message{}, false
	}
	var msg protocol.Message
	is.New(p.t).NoErr(msg.UnmarshalBinary(buf[:n]))
	return msg, true
}

func (p *rawPeer) requestID() uint64 {
	is := is.New(p.t)
	p.send(protocol.Message{Kind: protocol.MessageRelayRequestID})
	msg, ok := p.recv()
	is.True(ok)
	is.Equal(msg.Kind, protocol.MessageRelayIDAssigned)
	is.True(msg.RelayID != 0)
	return msg.RelayID
}

func TestRelayPairAndForward(t *testing.T) {
	is := is.New(t)

	rs, stop := startRelay(t)
	defer stop()

	host := dialRaw(t, rs)
	defer host.conn.Close()
	guest := dialRaw(t, rs)
	defer guest.conn.Close()

	hostID := host.requestID()
	guestID := guest.requestID()
	is.True(hostID != guestID)

	// asking again hands out the same id
	is.Equal(host.requestID(), hostID)

	// nothing is forwarded before pairing
	host.send(protocol.InputMessage(0, protocol.Input{}))
	_, ok := guest.recv()
	is.True(!ok)

	guest.send(protocol.RelayMessage(protocol.MessageRelayConnectTo, hostID))
	for _, p := range []*rawPeer{host, guest} {
		msg, ok := p.recv()
		is.True(ok)
		is.Equal(msg.Kind, protocol.MessageRelayConnected)
	}

	partner, ok := rs.Paired(hostID)
	is.True(ok)
	is.Equal(partner, guestID)

	want := protocol.InputMessage(12, protocol.Input{Movement: protocol.MoveUp})
	host.send(want)
	got, ok := guest.recv()
	is.True(ok)
	is.Equal(got, want)

	guest.send(protocol.AckMessage(12))
	got, ok = host.recv()
	is.True(ok)
	is.Equal(got, protocol.AckMessage(12))
}

func TestRelayRepeatsLostConnected(t *testing.T) {
	is := is.New(t)

	rs, stop := startRelay(t)
	defer stop()

	host := dialRaw(t, rs)
	defer host.conn.Close()
	guest := dialRaw(t, rs)
	defer guest.conn.Close()

	hostID := host.requestID()
	guest.requestID()

	guest.send(protocol.RelayMessage(protocol.MessageRelayConnectTo, hostID))
	_, ok := host.recv()
	is.True(ok)
	_, ok = guest.recv()
	is.True(ok)

	// the waiting side asks for its id again
	is.Equal(host.requestID(), hostID)
	msg, ok := host.recv()
	is.True(ok)
	is.Equal(msg.Kind, protocol.MessageRelayConnected)

	// the connecting side retries its connect
	guest.send(protocol.RelayMessage(protocol.MessageRelayConnectTo, hostID))
	msg, ok = guest.recv()
	is.True(ok)
	is.Equal(msg.Kind, protocol.MessageRelayConnected)
}

func TestRelayConnectToUnknown(t *testing.T) {
	is := is.New(t)

	rs, stop := startRelay(t)
	defer stop()

	p := dialRaw(t, rs)
	defer p.conn.Close()
	id := p.requestID()

	p.send(protocol.RelayMessage(protocol.MessageRelayConnectTo, id+1))
	_, ok := p.recv()
	is.True(!ok)

	// connecting to yourself is not a thing either
	p.send(protocol.RelayMessage(protocol.MessageRelayConnectTo, id))
	_, ok = p.recv()
	is.True(!ok)

	_, ok = rs.Paired(id)
	is.True(!ok)
}

func TestDialRelay(t *testing.T) {
	is := is.New(t)

	rs, stop := startRelay(t)
	defer stop()
	relayAddr := rs.Addr().String()

	host, err := transport.ListenUDP("udp4", []int{0}, nil)
	is.NoErr(err)
	defer host.Close()
	guest, err := transport.ListenUDP("udp4", []int{0}, nil)
	is.NoErr(err)
	defer guest.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assigned := make(chan uint64, 1)
	hostErr := make(chan error, 1)
	go func() {
		_, err := transport.DialRelay(ctx, host, "udp4", relayAddr, 0, func(id uint64) {
			assigned <- id
		})
		hostErr <- err
	}()

	var hostID uint64
	select {
	case hostID = <-assigned:
	case <-ctx.Done():
		t.Fatal("host never got an id")
	}

	guestID, err := transport.DialRelay(ctx, guest, "udp4", relayAddr, hostID, nil)
	is.NoErr(err)
	is.NoErr(<-hostErr)

	partner, ok := rs.Paired(guestID)
	is.True(ok)
	is.Equal(partner, hostID)

	// game traffic now flows through the relay
	_, ok = guest.Send([]byte{byte(protocol.MessageIdle), 0})
	is.True(ok)

	// late RelayIdAssigned replies to the host's id requests may still be
	// queued in front of it
	buf := make([]byte, protocol.MessageMaxSize)
	deadline := time.Now().Add(time.Second)
	got := false
	for !got && time.Now().Before(deadline) {
		n, ok := host.Recv(buf)
		if !ok {
			continue
		}
		var msg protocol.Message
		is.NoErr(msg.UnmarshalBinary(buf[:n]))
		got = msg.Kind == protocol.MessageIdle
	}
	is.True(got)
}
