// Package relayserver forwards game traffic between two peers that can not
// reach each other directly. peers are identified by the source address of
// their datagrams; pairing is done with the Relay* messages, everything else
// is forwarded verbatim to the partner.
package relayserver

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/blukai/fishnet/internal/debug"
	"github.com/blukai/fishnet/internal/protocol"
	"github.com/cespare/xxhash/v2"
	"github.com/phuslu/log"
)

const DefaultPeerTimeout = time.Second * 10

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

type peer struct {
	id       uint64
	addr     *net.UDPAddr
	lastSeen time.Time
	// partner is nil until a RelayConnectTo pairs the peer
	partner *peer
}

type RelayServer struct {
	conn *net.UDPConn
	buf  []byte

	logger *log.Logger

	// PeerTimeout must be set before Run.
	PeerTimeout time.Duration

	mu        sync.Mutex
	peers     map[addrKey]*peer
	peersByID map[uint64]*peer
	rand      *rand.Rand
}

func NewRelayServer(network, address string, logger *log.Logger) (*RelayServer, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &RelayServer{
		conn: conn,
		buf:  make([]byte, protocol.MessageMaxSize),

		logger: logger,

		PeerTimeout: DefaultPeerTimeout,

		peers:     make(map[addrKey]*peer),
		peersByID: make(map[uint64]*peer),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (rs *RelayServer) Addr() *net.UDPAddr {
	return rs.conn.LocalAddr().(*net.UDPAddr)
}

func (rs *RelayServer) runRecv(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := rs.conn.SetReadDeadline(time.Now().Add(time.Second))
			debug.Assert(err == nil)

			n, addr, err := rs.conn.ReadFromUDP(rs.buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}

				rs.logger.Error().
					Msgf("could not read from udp: %v", err)
				continue
			}

			msg := protocol.Message{}
			if err := msg.UnmarshalBinary(rs.buf[0:n]); err != nil {
				rs.logger.Debug().
					Str("bytes", fmt.Sprintf("%v", rs.buf[0:n])).
					Str("addr", addr.String()).
					Msgf("could not unmarshal message: %v", err)
				continue
			}

			rs.handleMessage(msg, rs.buf[0:n], addr)
		}
	}
}

func (rs *RelayServer) runPeerEvictor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			rs.evictStalePeers(time.Now())
		}
	}
}

func (rs *RelayServer) evictStalePeers(now time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for key, p := range rs.peers {
		if now.Sub(p.lastSeen) > rs.PeerTimeout {
			if p.partner != nil {
				p.partner.partner = nil
			}
			delete(rs.peers, key)
			delete(rs.peersByID, p.id)
			rs.logger.Debug().
				Uint64("peer", p.id).
				Str("addr", p.addr.String()).
				Msg("evicted peer")
		}
	}
}

func (rs *RelayServer) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		rs.runRecv(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rs.runPeerEvictor(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return rs.conn.Close()
}

func (rs *RelayServer) handleMessage(msg protocol.Message, raw []byte, addr *net.UDPAddr) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	key := makeAddrKey(addr)
	p, ok := rs.peers[key]

	if msg.Kind == protocol.MessageRelayRequestID {
		if !ok {
			p = &peer{
				id:   rs.newID(),
				addr: addr,
			}
			rs.peers[key] = p
			rs.peersByID[p.id] = p
			rs.logger.Info().
				Uint64("peer", p.id).
				Str("addr", addr.String()).
				Msg("assigned relay id")
		}
		p.lastSeen = time.Now()

		rs.send(protocol.RelayMessage(protocol.MessageRelayIDAssigned, p.id), addr)
		// the waiting side keeps asking for its id until it hears
		// RelayConnected, the first one may have been lost
		if p.partner != nil {
			rs.send(protocol.Message{Kind: protocol.MessageRelayConnected}, addr)
		}
		return
	}

	if !ok {
		rs.logger.Debug().
			Str("addr", addr.String()).
			Stringer("kind", msg.Kind).
			Msg("message from unknown peer")
		return
	}
	p.lastSeen = time.Now()

	switch msg.Kind {
	case protocol.MessageRelayConnectTo:
		rs.handleConnectTo(p, msg.RelayID)
	case protocol.MessageRelayIDAssigned, protocol.MessageRelayConnected:
		rs.logger.Debug().
			Uint64("peer", p.id).
			Stringer("kind", msg.Kind).
			Msg("unexpected relay message")
	default:
		if p.partner == nil {
			return
		}
		if _, err := rs.conn.WriteToUDP(raw, p.partner.addr); err != nil {
			rs.logger.Error().
				Uint64("peer", p.id).
				Msgf("could not forward: %v", err)
		}
	}
}

func (rs *RelayServer) handleConnectTo(p *peer, target uint64) {
	if p.partner != nil {
		if p.partner.id == target {
			// RelayConnected got lost on the way to p
			rs.send(protocol.Message{Kind: protocol.MessageRelayConnected}, p.addr)
		}
		return
	}

	other, ok := rs.peersByID[target]
	if !ok || other == p || other.partner != nil {
		rs.logger.Debug().
			Uint64("peer", p.id).
			Uint64("target", target).
			Msg("could not connect")
		return
	}

	p.partner = other
	other.partner = p

	connected := protocol.Message{Kind: protocol.MessageRelayConnected}
	rs.send(connected, p.addr)
	rs.send(connected, other.addr)

	rs.logger.Info().
		Uint64("peer", p.id).
		Uint64("target", target).
		Msg("paired")
}

func (rs *RelayServer) send(msg protocol.Message, addr *net.UDPAddr) {
	data, err := msg.MarshalBinary()
	debug.Assert(err == nil)

	if _, err := rs.conn.WriteToUDP(data, addr); err != nil {
		rs.logger.Error().
			Str("addr", addr.String()).
			Msgf("could not send %s: %v", msg.Kind, err)
	}
}

func (rs *RelayServer) newID() uint64 {
	for {
		id := rs.rand.Uint64()
		if _, taken := rs.peersByID[id]; id != 0 && !taken {
			return id
		}
	}
}

// Paired reports the partner id of peer id, for tests and diagnostics.
func (rs *RelayServer) Paired(id uint64) (uint64, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	p, ok := rs.peersByID[id]
	if !ok || p.partner == nil {
		return 0, false
	}
	return p.partner.id, true
}
