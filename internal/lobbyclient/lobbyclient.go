package lobbyclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blukai/fishnet/internal/debug"
	"github.com/blukai/fishnet/internal/protocol"
	"github.com/cespare/xxhash/v2"
	"github.com/phuslu/log"
)

const (
	// inboxSize bounds the number of peer datagrams waiting for TryRecv,
	// newer datagrams are dropped when it is full.
	inboxSize = 1024
)

var ErrTimeout = errors.New("timeout reached")

// ServiceError is what the lobby server answered instead of the expected
// reply.
type ServiceError struct {
	Code uint16
}

func (e *ServiceError) Error() string {
	return "lobby server: " + protocol.ErrCodeString(e.Code)
}

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	// NOTE: ip is normalized so that an ipv4 address reported by the lobby
	// server matches the one read from the socket.
	ap := addr.AddrPort()
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	return addrKey(xxhash.Sum64String(ap.String()))
}

type pendingRequest struct {
	want     uint16
	bytes    []byte
	deadline time.Time
	handle   func(reply *protocol.Cmd, err error)
}

type inboxItem struct {
	from uint64
	data []byte
}

// LobbyClient is an asynchronous client of lobbyserver.LobbyServer. request
// methods return immediately, their callbacks are invoked later on the
// client's receive goroutine (or on the retry goroutine when a request times
// out). callbacks must not block.
//
// the same socket is used to exchange datagrams directly with other lobby
// members (SendTo / TryRecv).
type LobbyClient struct {
	conn    *net.UDPConn
	server  *net.UDPAddr
	readBuf []byte

	logger *log.Logger

	sendCh chan []byte
	inbox  chan inboxItem

	sendTimeout       time.Duration
	requestTimeout    time.Duration
	retryInterval     time.Duration
	keepAliveInterval time.Duration

	seq atomic.Uint32

	mu      sync.Mutex
	selfID  uint64
	pending map[uint32]*pendingRequest
	// NOTE: key is lobby id
	members map[uint64][]protocol.NetworkedMember
	// peers that may send datagrams to us directly
	peerIDs   map[addrKey]uint64
	peerAddrs map[uint64]*net.UDPAddr
	// heard is every peer a datagram was accepted from
	heard map[uint64]bool

	onMemberEntered []func(lobbyID, peerID uint64)
}

func NewLobbyClient(network, address string, logger *log.Logger) (*LobbyClient, error) {
	server, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	// NOTE: not dialed, peers are written to from the same socket
	conn, err := net.ListenUDP(network, nil)
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

	lc := &LobbyClient{
		conn:    conn,
		server:  server,
		readBuf: make([]byte, protocol.CmdMaxSize),

		logger: logger,

		sendCh: make(chan []byte, 64),
		inbox:  make(chan inboxItem, inboxSize),

		sendTimeout:       time.Second,
		requestTimeout:    time.Second * 5,
		retryInterval:     time.Millisecond * 250,
		keepAliveInterval: time.Second * 5,

		pending:   make(map[uint32]*pendingRequest),
		members:   make(map[uint64][]protocol.NetworkedMember),
		peerIDs:   make(map[addrKey]uint64),
		peerAddrs: make(map[uint64]*net.UDPAddr),
		heard:     make(map[uint64]bool),
	}

	return lc, nil
}

func (lc *LobbyClient) LocalAddr() *net.UDPAddr {
	return lc.conn.LocalAddr().(*net.UDPAddr)
}

func (lc *LobbyClient) runSendCh(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case bytes := <-lc.sendCh:
			err := lc.conn.SetWriteDeadline(time.Now().Add(lc.sendTimeout))
			debug.Assert(err == nil)

			_, err = lc.conn.WriteToUDP(bytes, lc.server)
			if err != nil {
				lc.logger.Error().
					Msgf("could not write: %v", err)
			}
		}
	}
}

func (lc *LobbyClient) runRecv(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := lc.conn.SetReadDeadline(time.Now().Add(time.Second))
			debug.Assert(err == nil)

			n, addr, err := lc.conn.ReadFromUDP(lc.readBuf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}

				lc.logger.Error().
					Msgf("could not read: %v", err)
				continue
			}

			if makeAddrKey(addr) != makeAddrKey(lc.server) {
				lc.handlePeerDatagram(lc.readBuf[0:n], addr)
				continue
			}

			cmd := protocol.Cmd{}
			if err := cmd.UnmarshalBinary(lc.readBuf[0:n]); err != nil {
				lc.logger.Error().
					Str("bytes", fmt.Sprintf("%v", lc.readBuf[0:n])).
					Msgf("could not unmarshal cmd: %v", err)
				continue
			}

			lc.logger.Debug().
				Any("cmd", &cmd).
				Msgf("recv")

			lc.handleCmd(&cmd)
		}
	}
}

func (lc *LobbyClient) handlePeerDatagram(data []byte, addr *net.UDPAddr) {
	lc.mu.Lock()
	from, ok := lc.peerIDs[makeAddrKey(addr)]
	if ok {
		lc.heard[from] = true
	}
	lc.mu.Unlock()
	if !ok {
		lc.logger.Debug().
			Str("addr", addr.String()).
			Msg("dropping datagram from unknown peer")
		return
	}

	item := inboxItem{from: from, data: slices.Clone(data)}
	select {
	case lc.inbox <- item:
	default:
		lc.logger.Debug().
			Uint64("from", from).
			Msg("inbox is full, dropping datagram")
	}
}

// runRetry re-sends requests that were not answered yet and fails the ones
// that ran out of time.
func (lc *LobbyClient) runRetry(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(lc.retryInterval):
			now := time.Now()

			var expired []*pendingRequest
			lc.mu.Lock()
			for seq, req := range lc.pending {
				if now.After(req.deadline) {
					delete(lc.pending, seq)
					expired = append(expired, req)
					continue
				}
				lc.enqueue(req.bytes)
			}
			lc.mu.Unlock()

			for _, req := range expired {
				req.handle(nil, ErrTimeout)
			}
		}
	}
}

func (lc *LobbyClient) runKeepAlive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(lc.keepAliveInterval):
			cmd := protocol.NewCmd(protocol.CCmdKeepAlive, 0, nil)
			bytes, err := cmd.MarshalBinary()
			debug.Assert(err == nil)
			lc.enqueue(bytes)
		}
	}
}

func (lc *LobbyClient) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		lc.runSendCh(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		lc.runRecv(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		lc.runRetry(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		lc.runKeepAlive(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return lc.conn.Close()
}

// enqueue never blocks, a dropped request is picked up again by runRetry.
func (lc *LobbyClient) enqueue(bytes []byte) {
	select {
	case lc.sendCh <- bytes:
	default:
		lc.logger.Debug().Msg("send queue is full")
	}
}

func (lc *LobbyClient) request(cmdID uint16, body protocol.CmdBody, want uint16, handle func(*protocol.Cmd, error)) {
	seq := lc.seq.Add(1)
	// zero is reserved for server pushes
	if seq == 0 {
		seq = lc.seq.Add(1)
	}

	cmd := protocol.NewCmd(cmdID, seq, body)
	bytes, err := cmd.MarshalBinary()
	debug.Assert(err == nil)

	lc.mu.Lock()
	lc.pending[seq] = &pendingRequest{
		want:     want,
		bytes:    bytes,
		deadline: time.Now().Add(lc.requestTimeout),
		handle:   handle,
	}
	lc.mu.Unlock()

	lc.logger.Debug().
		Any("cmd", &cmd).
		Msg("sendCmd")

	lc.enqueue(bytes)
}

func (lc *LobbyClient) handleCmd(cmd *protocol.Cmd) {
	if cmd.Header.Cmd == protocol.SCmdMemberEntered {
		entered, ok := cmd.Body.(*protocol.NetworkedMemberEntered)
		debug.Assert(ok)
		lc.handleMemberEntered(entered)
		return
	}

	lc.mu.Lock()
	req, ok := lc.pending[cmd.Header.Seq]
	if ok {
		delete(lc.pending, cmd.Header.Seq)
	}
	lc.mu.Unlock()

	if !ok {
		if cmd.Header.Cmd == protocol.SCmdError {
			code, ok := cmd.Body.(*protocol.NetworkedUint16)
			debug.Assert(ok)
			lc.logger.Warn().
				Uint32("seq", cmd.Header.Seq).
				Msgf("unsolicited lobby server error: %v", &ServiceError{Code: uint16(*code)})
		}
		// late duplicate of something already answered
		return
	}

	var err error
	switch cmd.Header.Cmd {
	case req.want:
	case protocol.SCmdError:
		code, ok := cmd.Body.(*protocol.NetworkedUint16)
		debug.Assert(ok)
		err = &ServiceError{Code: uint16(*code)}
	default:
		err = fmt.Errorf("received unexpected cmd back (got %d; want %d)", cmd.Header.Cmd, req.want)
	}
	req.handle(cmd, err)
}

func (lc *LobbyClient) handleMemberEntered(entered *protocol.NetworkedMemberEntered) {
	lc.mu.Lock()
	members := lc.members[entered.LobbyID]
	if !slices.ContainsFunc(members, func(m protocol.NetworkedMember) bool { return m.PeerID == entered.Member.PeerID }) {
		lc.members[entered.LobbyID] = append(members, entered.Member)
	}
	lc.registerPeerLocked(entered.Member)
	callbacks := slices.Clone(lc.onMemberEntered)
	lc.mu.Unlock()

	lc.logger.Info().
		Uint64("lobby", entered.LobbyID).
		Uint64("peer", entered.Member.PeerID).
		Msg("member entered lobby")

	for _, cb := range callbacks {
		cb(entered.LobbyID, entered.Member.PeerID)
	}
}

func (lc *LobbyClient) registerPeerLocked(member protocol.NetworkedMember) {
	if member.PeerID == lc.selfID || !member.Addr.IsValid() {
		return
	}
	addr := net.UDPAddrFromAddrPort(member.Addr)
	lc.peerIDs[makeAddrKey(addr)] = member.PeerID
	lc.peerAddrs[member.PeerID] = addr
}

// Hello registers with the lobby server and returns the id it assigned to
// us. it is blocking, everything else requires it to have succeeded.
func (lc *LobbyClient) Hello(ctx context.Context) (uint64, error) {
	done := make(chan error, 1)
	lc.request(protocol.CCmdHello, nil, protocol.SCmdWelcome, func(reply *protocol.Cmd, err error) {
		if err == nil {
			id, ok := reply.Body.(*protocol.NetworkedUint64)
			debug.Assert(ok)
			lc.mu.Lock()
			lc.selfID = uint64(*id)
			lc.mu.Unlock()
		}
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			return 0, fmt.Errorf("could not say hello: %w", err)
		}
		return lc.SelfID(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (lc *LobbyClient) SelfID() uint64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.selfID
}

// ListLobbies reports lobbies with free slots, oldest first.
func (lc *LobbyClient) ListLobbies(cb func(lobbies []uint64, err error)) {
	lc.request(protocol.CCmdListLobbies, nil, protocol.SCmdLobbies, func(reply *protocol.Cmd, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		list, ok := reply.Body.(*protocol.NetworkedLobbyList)
		debug.Assert(ok)
		cb([]uint64(*list), nil)
	})
}

func (lc *LobbyClient) CreateLobby(capacity int, cb func(lobbyID uint64, err error)) {
	body := protocol.NetworkedUint16(capacity)
	lc.request(protocol.CCmdCreateLobby, &body, protocol.SCmdLobbyCreated, func(reply *protocol.Cmd, err error) {
		if err != nil {
			cb(0, err)
			return
		}
		id, ok := reply.Body.(*protocol.NetworkedUint64)
		debug.Assert(ok)

		lc.mu.Lock()
		lc.members[uint64(*id)] = []protocol.NetworkedMember{{PeerID: lc.selfID}}
		lc.mu.Unlock()

		cb(uint64(*id), nil)
	})
}

// JoinLobby refreshes the member cache of the lobby before cb is called, so
// LobbyMembers is up to date inside cb.
func (lc *LobbyClient) JoinLobby(lobbyID uint64, cb func(lobbyID uint64, err error)) {
	body := protocol.NetworkedUint64(lobbyID)
	lc.request(protocol.CCmdJoinLobby, &body, protocol.SCmdLobbyJoined, func(reply *protocol.Cmd, err error) {
		if err != nil {
			cb(0, err)
			return
		}
		joined, ok := reply.Body.(*protocol.NetworkedLobbyJoined)
		debug.Assert(ok)

		lc.mu.Lock()
		lc.members[joined.LobbyID] = joined.Members
		for _, member := range joined.Members {
			lc.registerPeerLocked(member)
		}
		lc.mu.Unlock()

		cb(joined.LobbyID, nil)
	})
}

// LeaveLobby is fire and forget.
func (lc *LobbyClient) LeaveLobby(lobbyID uint64) {
	lc.mu.Lock()
	delete(lc.members, lobbyID)
	lc.mu.Unlock()

	body := protocol.NetworkedUint64(lobbyID)
	cmd := protocol.NewCmd(protocol.CCmdLeaveLobby, 0, &body)
	bytes, err := cmd.MarshalBinary()
	debug.Assert(err == nil)
	lc.enqueue(bytes)
}

// LobbyMembers is answered from the local cache which is filled by
// CreateLobby, JoinLobby and member entered notifications.
func (lc *LobbyClient) LobbyMembers(lobbyID uint64) []uint64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	members := lc.members[lobbyID]
	ids := make([]uint64, len(members))
	for i, member := range members {
		ids[i] = member.PeerID
	}
	return ids
}

// OnMemberEntered registers cb to be called whenever somebody enters a lobby
// we are in.
func (lc *LobbyClient) OnMemberEntered(cb func(lobbyID, peerID uint64)) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.onMemberEntered = append(lc.onMemberEntered, cb)
}

// SendTo writes data straight to a lobby member, no relaying through the lobby
// server. unreliable: false means it could not be sent right now.
func (lc *LobbyClient) SendTo(peerID uint64, data []byte) bool {
	lc.mu.Lock()
	addr, ok := lc.peerAddrs[peerID]
	lc.mu.Unlock()
	if !ok {
		return false
	}

	_, err := lc.conn.WriteToUDP(data, addr)
	if err != nil {
		lc.logger.Debug().
			Uint64("peer", peerID).
			Msgf("could not write to peer: %v", err)
		return false
	}
	return true
}

// TryRecv pops the oldest datagram received from a lobby member. never
// blocks.
func (lc *LobbyClient) TryRecv(buf []byte) (int, uint64, bool) {
	select {
	case item := <-lc.inbox:
		return copy(buf, item.data), item.from, true
	default:
		return 0, 0, false
	}
}

// PacketAvailable reports whether TryRecv would return something.
func (lc *LobbyClient) PacketAvailable() bool {
	return len(lc.inbox) > 0
}

// HeardFrom reports whether a datagram from peerID ever got through to us,
// i.e. whether the path from that peer is open.
func (lc *LobbyClient) HeardFrom(peerID uint64) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.heard[peerID]
}
