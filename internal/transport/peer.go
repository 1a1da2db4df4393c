package transport

import (
	"github.com/phuslu/log"
)

// PeerNetwork is the peer-addressed unreliable datagram primitive of a
// matchmaking service (see lobbyclient.LobbyClient).
type PeerNetwork interface {
	SendTo(peerID uint64, data []byte) bool
	TryRecv(buf []byte) (n int, from uint64, ok bool)
}

// PeerTransport talks to exactly one opponent over a PeerNetwork. it does not
// own the network, Close is a no-op for it.
type PeerTransport struct {
	net      PeerNetwork
	opponent uint64
	logger   *log.Logger
}

var _ Transport = (*PeerTransport)(nil)

func NewPeerTransport(net PeerNetwork, opponent uint64, logger *log.Logger) *PeerTransport {
	return &PeerTransport{
		net:      net,
		opponent: opponent,
		logger:   silentIfNil(logger),
	}
}

func (t *PeerTransport) Opponent() uint64 {
	return t.opponent
}

func (t *PeerTransport) Send(data []byte) (int, bool) {
	if !t.net.SendTo(t.opponent, data) {
		return 0, false
	}
	return len(data), true
}

// Recv drops whatever arrives from lobby members other than the opponent.
func (t *PeerTransport) Recv(buf []byte) (int, bool) {
	for {
		n, from, ok := t.net.TryRecv(buf)
		if !ok {
			return 0, false
		}
		if from == t.opponent {
			return n, true
		}
		t.logger.Debug().
			Uint64("from", from).
			Uint64("opponent", t.opponent).
			Msg("dropping datagram from non-opponent")
	}
}

func (t *PeerTransport) Duplicate() (Transport, bool) {
	return &PeerTransport{
		net:      t.net,
		opponent: t.opponent,
		logger:   t.logger,
	}, true
}

func (t *PeerTransport) Close() error {
	return nil
}
