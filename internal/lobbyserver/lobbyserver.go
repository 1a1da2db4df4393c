package lobbyserver

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/blukai/fishnet/internal/debug"
	"github.com/blukai/fishnet/internal/protocol"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

const (
	DefaultPeerTimeout = time.Second * 10
	MaxLobbyCapacity   = 16
)

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

type peer struct {
	id       uint64
	addr     *net.UDPAddr
	lastSeen time.Time
	// lobby is 0 when the peer is not in a lobby
	lobby uint64

	// the last reply is kept so that a retried request (same seq) is
	// answered again instead of being executed twice.
	lastSeq   uint32
	lastReply []byte
}

type lobby struct {
	id       uint64
	capacity int
	// members are peer ids in join order, owner first
	members []uint64
}

func (l *lobby) full() bool {
	return len(l.members) >= l.capacity
}

type LobbyServer struct {
	conn *net.UDPConn
	buf  []byte

	logger *log.Logger

	// PeerTimeout must be set before Run.
	PeerTimeout time.Duration

	mu        sync.Mutex
	peers     map[addrKey]*peer
	peersByID map[uint64]*peer
	lobbies   map[uint64]*lobby
	// lobbyOrder is lobby ids in creation order, ListLobbies reports oldest
	// first.
	lobbyOrder []uint64
	rand       *rand.Rand
}

func NewLobbyServer(network, address string, logger *log.Logger) (*LobbyServer, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	ls := &LobbyServer{
		conn: conn,
		buf:  make([]byte, protocol.CmdMaxSize),

		logger: logger,

		PeerTimeout: DefaultPeerTimeout,

		peers:     make(map[addrKey]*peer),
		peersByID: make(map[uint64]*peer),
		lobbies:   make(map[uint64]*lobby),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	return ls, nil
}

// Addr can be useful to retreive server's address when LobbyServer was
// constructed with ":0".
func (ls *LobbyServer) Addr() *net.UDPAddr {
	return ls.conn.LocalAddr().(*net.UDPAddr)
}

func (ls *LobbyServer) runRecv(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := ls.conn.SetReadDeadline(time.Now().Add(time.Second))
			debug.Assert(err == nil)

			n, addr, err := ls.conn.ReadFromUDP(ls.buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}

				ls.logger.Error().
					Msgf("could not read from udp: %v", err)
				continue
			}

			cmd := protocol.Cmd{}
			if err := cmd.UnmarshalBinary(ls.buf[0:n]); err != nil {
				ls.logger.Error().
					Str("bytes", fmt.Sprintf("%v", ls.buf[0:n])).
					Str("addr", addr.String()).
					Msgf("could not unmarshal cmd: %v", err)
				continue
			}

			ls.logger.Debug().
				Any("cmd", &cmd).
				Any("addr", addr).
				Msgf("recv")

			ls.handleCmd(cmd, addr)
		}
	}
}

func (ls *LobbyServer) runPeerEvictor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			ls.evictStalePeers(time.Now())
		}
	}
}

func (ls *LobbyServer) evictStalePeers(now time.Time) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for key, p := range ls.peers {
		if now.Sub(p.lastSeen) > ls.PeerTimeout {
			ls.leaveLobbyLocked(p)
			delete(ls.peers, key)
			delete(ls.peersByID, p.id)
			ls.logger.Debug().
				Uint64("peer", p.id).
				Str("addr", p.addr.String()).
				Msg("evicted peer")
		}
	}
}

func (ls *LobbyServer) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ls.runRecv(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ls.runPeerEvictor(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return ls.conn.Close()
}

func (ls *LobbyServer) handleCmd(cmd protocol.Cmd, addr *net.UDPAddr) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	seq := cmd.Header.Seq

	if cmd.Header.Cmd == protocol.CCmdHello {
		if err := ls.handleCCmdHello(seq, addr); err != nil {
			ls.logger.Error().
				Msgf("error handling hello (addr: %s): %v", addr, err)
		}
		return
	}

	p, ok := ls.peers[makeAddrKey(addr)]
	if !ok {
		ls.sendError(protocol.ErrCodeUnknownPeer, seq, addr)
		return
	}
	p.lastSeen = time.Now()

	if seq != 0 && seq == p.lastSeq && p.lastReply != nil {
		if err := ls.sendBytes(p.lastReply, p.addr); err != nil {
			ls.logger.Error().
				Msgf("could not resend reply to %d: %v", p.id, err)
		}
		return
	}

	var err error
	switch cmd.Header.Cmd {
	case protocol.CCmdKeepAlive:
		// lastSeen is already maintained above
	case protocol.CCmdListLobbies:
		err = ls.handleCCmdListLobbies(seq, p)
	case protocol.CCmdCreateLobby:
		capacity, ok := cmd.Body.(*protocol.NetworkedUint16)
		debug.Assert(ok)
		err = ls.handleCCmdCreateLobby(seq, p, int(*capacity))
	case protocol.CCmdJoinLobby:
		id, ok := cmd.Body.(*protocol.NetworkedUint64)
		debug.Assert(ok)
		err = ls.handleCCmdJoinLobby(seq, p, uint64(*id))
	case protocol.CCmdLeaveLobby:
		id, ok := cmd.Body.(*protocol.NetworkedUint64)
		debug.Assert(ok)
		if p.lobby == uint64(*id) {
			ls.leaveLobbyLocked(p)
		}
	default:
		err = ls.replyError(protocol.ErrCodeBadRequest, seq, p)
	}

	if err != nil {
		ls.logger.Error().
			Uint64("peer", p.id).
			Msgf("error handling cmd %d (addr: %s): %v", cmd.Header.Cmd, addr, err)
	}
}

func (ls *LobbyServer) sendBytes(bytes []byte, addr *net.UDPAddr) error {
	ls.logger.Debug().
		Str("bytes", fmt.Sprintf("%v", bytes)).
		Msg("sendBytes")

	_, err := ls.conn.WriteToUDP(bytes, addr)
	return err
}

func (ls *LobbyServer) sendCmd(cmd protocol.Cmd, addr *net.UDPAddr) error {
	ls.logger.Debug().
		Any("cmd", &cmd).
		Any("addr", addr).
		Msg("sendCmd")

	bytes, err := cmd.MarshalBinary()
	debug.Assert(err == nil)

	return ls.sendBytes(bytes, addr)
}

// reply sends cmd to p and remembers it for retries of the same request.
func (ls *LobbyServer) reply(cmd protocol.Cmd, p *peer) error {
	ls.logger.Debug().
		Any("cmd", &cmd).
		Uint64("peer", p.id).
		Msg("reply")

	bytes, err := cmd.MarshalBinary()
	debug.Assert(err == nil)

	if seq := cmd.Header.Seq; seq != 0 {
		p.lastSeq = seq
		p.lastReply = bytes
	}
	return ls.sendBytes(bytes, p.addr)
}

func (ls *LobbyServer) replyError(code uint16, seq uint32, p *peer) error {
	body := protocol.NetworkedUint16(code)
	return ls.reply(protocol.NewCmd(protocol.SCmdError, seq, &body), p)
}

func (ls *LobbyServer) sendError(code uint16, seq uint32, addr *net.UDPAddr) {
	body := protocol.NetworkedUint16(code)
	if err := ls.sendCmd(protocol.NewCmd(protocol.SCmdError, seq, &body), addr); err != nil {
		ls.logger.Error().
			Msgf("could not send error %q to %s: %v", protocol.ErrCodeString(code), addr, err)
	}
}

// newID returns a random non-zero id that taken does not know about. ids are
// never handed out twice while the server runs.
func (ls *LobbyServer) newID(taken func(uint64) bool) uint64 {
	for {
		id := ls.rand.Uint64()
		if id != 0 && !taken(id) {
			return id
		}
	}
}

func (ls *LobbyServer) handleCCmdHello(seq uint32, addr *net.UDPAddr) error {
	key := makeAddrKey(addr)
	p, ok := ls.peers[key]
	if !ok {
		p = &peer{
			id:   ls.newID(func(id uint64) bool { _, ok := ls.peersByID[id]; return ok }),
			addr: addr,
		}
		ls.peers[key] = p
		ls.peersByID[p.id] = p
		ls.logger.Info().
			Uint64("peer", p.id).
			Str("addr", addr.String()).
			Msg("peer said hello")
	}
	p.lastSeen = time.Now()

	body := protocol.NetworkedUint64(p.id)
	return ls.sendCmd(protocol.NewCmd(protocol.SCmdWelcome, seq, &body), addr)
}

func (ls *LobbyServer) handleCCmdListLobbies(seq uint32, p *peer) error {
	list := protocol.NetworkedLobbyList{}
	for _, id := range ls.lobbyOrder {
		l := ls.lobbies[id]
		if l.full() || l.id == p.lobby {
			continue
		}
		list = append(list, l.id)
	}

	return ls.reply(protocol.NewCmd(protocol.SCmdLobbies, seq, &list), p)
}

func (ls *LobbyServer) handleCCmdCreateLobby(seq uint32, p *peer, capacity int) error {
	if capacity < 1 || capacity > MaxLobbyCapacity {
		return ls.replyError(protocol.ErrCodeBadCapacity, seq, p)
	}

	ls.leaveLobbyLocked(p)

	l := &lobby{
		id:       ls.newID(func(id uint64) bool { _, ok := ls.lobbies[id]; return ok }),
		capacity: capacity,
		members:  []uint64{p.id},
	}
	ls.lobbies[l.id] = l
	ls.lobbyOrder = append(ls.lobbyOrder, l.id)
	p.lobby = l.id

	ls.logger.Info().
		Uint64("peer", p.id).
		Uint64("lobby", l.id).
		Int("capacity", capacity).
		Msg("created lobby")

	body := protocol.NetworkedUint64(l.id)
	return ls.reply(protocol.NewCmd(protocol.SCmdLobbyCreated, seq, &body), p)
}

func (ls *LobbyServer) memberRecord(id uint64) protocol.NetworkedMember {
	p := ls.peersByID[id]
	debug.Assert(p != nil)
	return protocol.NetworkedMember{
		PeerID: p.id,
		Addr:   p.addr.AddrPort(),
	}
}

func (ls *LobbyServer) handleCCmdJoinLobby(seq uint32, p *peer, id uint64) error {
	l, ok := ls.lobbies[id]
	if !ok {
		return ls.replyError(protocol.ErrCodeLobbyNotFound, seq, p)
	}

	// a retried join of a lobby the peer is already in is answered again
	// without re-announcing the peer.
	alreadyMember := slices.Contains(l.members, p.id)
	if !alreadyMember {
		if l.full() {
			return ls.replyError(protocol.ErrCodeLobbyFull, seq, p)
		}
		ls.leaveLobbyLocked(p)
		l.members = append(l.members, p.id)
		p.lobby = l.id

		ls.logger.Info().
			Uint64("peer", p.id).
			Uint64("lobby", l.id).
			Int("members", len(l.members)).
			Msg("joined lobby")
	}

	joined := &protocol.NetworkedLobbyJoined{LobbyID: l.id}
	for _, member := range l.members {
		joined.Members = append(joined.Members, ls.memberRecord(member))
	}
	var errs error
	if err := ls.reply(protocol.NewCmd(protocol.SCmdLobbyJoined, seq, joined), p); err != nil {
		errs = multierror.Append(errs, err)
	}

	if !alreadyMember {
		if err := ls.broadcastMemberEntered(l, p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// broadcastMemberEntered tells everyone else in l that p entered.
func (ls *LobbyServer) broadcastMemberEntered(l *lobby, p *peer) error {
	entered := &protocol.NetworkedMemberEntered{
		LobbyID: l.id,
		Member:  ls.memberRecord(p.id),
	}
	cmd := protocol.NewCmd(protocol.SCmdMemberEntered, 0, entered)
	bytes, err := cmd.MarshalBinary()
	debug.Assert(err == nil)

	var errs error
	for _, member := range l.members {
		// don't send to the sender
		if member == p.id {
			continue
		}

		other := ls.peersByID[member]
		if err := ls.sendBytes(bytes, other.addr); err != nil {
			ls.logger.Error().
				Msgf("could not send member entered to %d: %v", other.id, err)

			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// leaveLobbyLocked removes p from its lobby, empty lobbies are destroyed.
func (ls *LobbyServer) leaveLobbyLocked(p *peer) {
	if p.lobby == 0 {
		return
	}
	l, ok := ls.lobbies[p.lobby]
	p.lobby = 0
	if !ok {
		return
	}

	l.members = slices.DeleteFunc(l.members, func(id uint64) bool { return id == p.id })
	if len(l.members) > 0 {
		return
	}

	delete(ls.lobbies, l.id)
	ls.lobbyOrder = slices.DeleteFunc(ls.lobbyOrder, func(id uint64) bool { return id == l.id })
	ls.logger.Info().
		Uint64("lobby", l.id).
		Msg("destroyed empty lobby")
}

// LobbyAddrs is mostly useful for tests and operators: it returns the member
// addresses of lobby id.
func (ls *LobbyServer) LobbyAddrs(id uint64) []netip.AddrPort {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	l, ok := ls.lobbies[id]
	if !ok {
		return nil
	}
	addrs := make([]netip.AddrPort, 0, len(l.members))
	for _, member := range l.members {
		addrs = append(addrs, ls.memberRecord(member).Addr)
	}
	return addrs
}
