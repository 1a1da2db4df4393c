package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

// CandidatePorts are tried in order, first free one wins. a fixed small set
// makes it easy to tell the other player what to type in.
var CandidatePorts = []int{3400, 3401, 3402, 3403}

// recvPoll bounds how long Recv waits for a datagram. go has no portable
// non-blocking read on net.UDPConn, a short deadline is the closest thing.
const recvPoll = time.Millisecond

var ErrNoFreePort = errors.New("no free candidate port")

// udpEndpoint is shared by all duplicates of a UDPTransport.
type udpEndpoint struct {
	conn *net.UDPConn
	peer atomic.Pointer[net.UDPAddr]

	refs      atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

type UDPTransport struct {
	ep     *udpEndpoint
	logger *log.Logger
	closed atomic.Bool
}

var _ Transport = (*UDPTransport)(nil)

// ListenUDP binds to the first free port among ports on all interfaces.
// ports may contain 0 to let the system pick.
func ListenUDP(network string, ports []int, logger *log.Logger) (*UDPTransport, error) {
	var errs error
	for _, port := range ports {
		conn, err := net.ListenUDP(network, &net.UDPAddr{Port: port})
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		return NewUDPTransport(conn, nil, logger), nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoFreePort, errs)
}

// NewUDPTransport takes ownership of conn. peer may be nil and set later with
// SetPeer.
func NewUDPTransport(conn *net.UDPConn, peer *net.UDPAddr, logger *log.Logger) *UDPTransport {
	ep := &udpEndpoint{conn: conn}
	ep.peer.Store(peer)
	ep.refs.Store(1)
	return &UDPTransport{
		ep:     ep,
		logger: silentIfNil(logger),
	}
}

func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.ep.conn.LocalAddr().(*net.UDPAddr)
}

func (t *UDPTransport) Peer() *net.UDPAddr {
	return t.ep.peer.Load()
}

// SetPeer resolves address (typed in by the user or handed out by a
// matchmaker) and makes it the only source Recv accepts datagrams from. it
// applies to every duplicate.
func (t *UDPTransport) SetPeer(network, address string) error {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return fmt.Errorf("could not resolve udp addr: %w", err)
	}
	t.ep.peer.Store(addr)
	return nil
}

func (t *UDPTransport) Send(data []byte) (int, bool) {
	peer := t.ep.peer.Load()
	if peer == nil {
		return 0, false
	}

	n, err := t.ep.conn.WriteToUDP(data, peer)
	if err != nil {
		t.logger.Debug().
			Str("peer", peer.String()).
			Msgf("could not write to udp: %v", err)
		return 0, false
	}
	return n, true
}

func (t *UDPTransport) Recv(buf []byte) (int, bool) {
	err := t.ep.conn.SetReadDeadline(time.Now().Add(recvPoll))
	if err != nil {
		return 0, false
	}

	n, addr, err := t.ep.conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
			t.logger.Debug().Msgf("could not read from udp: %v", err)
		}
		return 0, false
	}

	// before a peer is known anything goes, that is how a probe from a
	// not yet typed-in address is noticed.
	if peer := t.ep.peer.Load(); peer != nil && !sameAddr(peer, addr) {
		t.logger.Debug().
			Str("from", addr.String()).
			Msg("dropping datagram from stranger")
		return 0, false
	}

	return n, true
}

func (t *UDPTransport) Duplicate() (Transport, bool) {
	if t.closed.Load() {
		return nil, false
	}
	t.ep.refs.Add(1)
	return &UDPTransport{ep: t.ep, logger: t.logger}, true
}

// Close releases this handle, the socket is closed together with the last
// handle.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.ep.refs.Add(-1) > 0 {
		return nil
	}
	t.ep.closeOnce.Do(func() {
		t.ep.closeErr = t.ep.conn.Close()
	})
	return t.ep.closeErr
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
