// Package session turns "I want to play online" into a live transport to
// exactly one opponent by driving a matchmaking service through lobby
// discovery, lobby creation or joining, and a link probe.
//
// The matchmaking service is asynchronous. Session never waits for it: it
// issues requests, callbacks drop results into mailboxes, and Update polls
// those mailboxes once per tick.
package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/blukai/fishnet/internal/debug"
	"github.com/blukai/fishnet/internal/protocol"
	"github.com/blukai/fishnet/internal/transport"
	"github.com/phuslu/log"
)

// LobbyCapacity is fixed: a session is always exactly two players.
const LobbyCapacity = 2

// Matchmaker is what Session needs from a matchmaking service;
// lobbyclient.LobbyClient implements it. callbacks may run on any goroutine.
type Matchmaker interface {
	transport.PeerNetwork

	SelfID() uint64
	ListLobbies(cb func(lobbies []uint64, err error))
	CreateLobby(capacity int, cb func(lobbyID uint64, err error))
	JoinLobby(lobbyID uint64, cb func(lobbyID uint64, err error))
	LobbyMembers(lobbyID uint64) []uint64
	OnMemberEntered(cb func(lobbyID, peerID uint64))
	// HeardFrom reports whether any datagram from peerID has been received.
	HeardFrom(peerID uint64) bool
}

type State int

const (
	DiscoveringLobbies State = iota
	CreatingLobby
	AwaitingPeer
	JoiningLobby
	ProbingLink
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case DiscoveringLobbies:
		return "DiscoveringLobbies"
	case CreatingLobby:
		return "CreatingLobby"
	case AwaitingPeer:
		return "AwaitingPeer"
	case JoiningLobby:
		return "JoiningLobby"
	case ProbingLink:
		return "ProbingLink"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type ErrorKind int

const (
	NoError ErrorKind = iota
	ServiceUnavailable
	WrongLobby
	NoOpponent
	CreateLobbyFailed
)

var (
	ErrServiceUnavailable = errors.New("matchmaking service unavailable")
	ErrWrongLobby         = errors.New("wrong lobby")
	ErrNoOpponent         = errors.New("no opponent in lobby")
	ErrCreateLobbyFailed  = errors.New("could not create lobby")
)

func (k ErrorKind) Err() error {
	switch k {
	case ServiceUnavailable:
		return ErrServiceUnavailable
	case WrongLobby:
		return ErrWrongLobby
	case NoOpponent:
		return ErrNoOpponent
	case CreateLobbyFailed:
		return ErrCreateLobbyFailed
	default:
		return nil
	}
}

func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "NoError"
	case ServiceUnavailable:
		return "ServiceUnavailable"
	case WrongLobby:
		return "WrongLobby"
	case NoOpponent:
		return "NoOpponent"
	case CreateLobbyFailed:
		return "CreateLobbyFailed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

type lobbiesResult struct {
	lobbies []uint64
	err     error
}

type lobbyResult struct {
	id  uint64
	err error
}

type memberEntered struct {
	lobbyID uint64
	peerID  uint64
}

// Session is not safe for concurrent use: Update and the accessors belong to
// the tick goroutine. only the mailboxes are touched from elsewhere.
type Session struct {
	mm     Matchmaker
	logger *log.Logger

	state    State
	selfID   uint64
	lobbyID  uint64
	opponent uint64
	failure  ErrorKind
	cause    error

	lobbies Mailbox[lobbiesResult]
	created Mailbox[lobbyResult]
	joined  Mailbox[lobbyResult]
	entered Mailbox[memberEntered]

	probe []byte
}

// New starts in DiscoveringLobbies and immediately asks mm for the lobby
// list. mm must already know its own id.
func New(mm Matchmaker, logger *log.Logger) *Session {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	idle := protocol.IdleMessage()
	probe, err := idle.MarshalBinary()
	debug.Assert(err == nil)

	s := &Session{
		mm:     mm,
		logger: logger,
		state:  DiscoveringLobbies,
		selfID: mm.SelfID(),
		probe:  probe,
	}

	mm.OnMemberEntered(func(lobbyID, peerID uint64) {
		s.entered.Put(memberEntered{lobbyID: lobbyID, peerID: peerID})
	})
	mm.ListLobbies(func(lobbies []uint64, err error) {
		s.lobbies.Put(lobbiesResult{lobbies: lobbies, err: err})
	})

	return s
}

func (s *Session) State() State       { return s.state }
func (s *Session) LobbyID() uint64    { return s.lobbyID }
func (s *Session) SelfID() uint64     { return s.selfID }
func (s *Session) Opponent() uint64   { return s.opponent }
func (s *Session) Failure() ErrorKind { return s.failure }

// Err is nil unless the session Failed; it matches the ErrorKind sentinel
// with errors.Is and wraps the underlying service error when there is one.
func (s *Session) Err() error {
	if s.state != Failed {
		return nil
	}
	if s.cause != nil {
		return fmt.Errorf("%w: %w", s.failure.Err(), s.cause)
	}
	return s.failure.Err()
}

// Transport is available once the session is Ready.
func (s *Session) Transport() (*transport.PeerTransport, bool) {
	if s.state != Ready {
		return nil, false
	}
	return transport.NewPeerTransport(s.mm, s.opponent, s.logger), true
}

func (s *Session) transition(to State) {
	s.logger.Info().
		Str("from", s.state.String()).
		Str("to", to.String()).
		Uint64("lobby", s.lobbyID).
		Uint64("opponent", s.opponent).
		Msg("session state")
	s.state = to
}

func (s *Session) fail(kind ErrorKind, cause error) {
	s.failure = kind
	s.cause = cause
	s.transition(Failed)
	s.logger.Error().
		Str("kind", kind.String()).
		Msgf("session failed: %v", s.Err())
}

// Update advances the state machine by at most one step. call once per tick.
func (s *Session) Update() {
	switch s.state {
	case DiscoveringLobbies:
		s.updateDiscoveringLobbies()
	case CreatingLobby:
		s.updateCreatingLobby()
	case AwaitingPeer:
		s.updateAwaitingPeer()
	case JoiningLobby:
		s.updateJoiningLobby()
	case ProbingLink:
		s.updateProbingLink()
	case Ready, Failed:
	}
}

func (s *Session) updateDiscoveringLobbies() {
	res, ok := s.lobbies.Peek()
	if !ok {
		return
	}

	switch {
	case res.err != nil:
		s.fail(ServiceUnavailable, res.err)
	case len(res.lobbies) == 0:
		s.transition(CreatingLobby)
		s.mm.CreateLobby(LobbyCapacity, func(lobbyID uint64, err error) {
			s.created.Put(lobbyResult{id: lobbyID, err: err})
		})
	default:
		// no ranking, first one wins
		s.transition(JoiningLobby)
		s.mm.JoinLobby(res.lobbies[0], func(lobbyID uint64, err error) {
			s.joined.Put(lobbyResult{id: lobbyID, err: err})
		})
	}
}

func (s *Session) updateCreatingLobby() {
	res, ok := s.created.Peek()
	if !ok {
		return
	}

	if res.err != nil {
		s.fail(CreateLobbyFailed, res.err)
		return
	}
	s.lobbyID = res.id
	s.transition(AwaitingPeer)
}

func (s *Session) updateAwaitingPeer() {
	entered, ok := s.entered.Peek()
	if !ok || entered.lobbyID != s.lobbyID || entered.peerID == s.selfID {
		return
	}

	s.opponent = entered.peerID
	s.transition(ProbingLink)
}

func (s *Session) updateJoiningLobby() {
	res, ok := s.joined.Peek()
	if !ok {
		return
	}

	if res.err != nil {
		s.fail(WrongLobby, res.err)
		return
	}
	s.lobbyID = res.id

	members := s.mm.LobbyMembers(res.id)
	if len(members) != LobbyCapacity {
		s.fail(WrongLobby, fmt.Errorf("lobby has %d members, want %d", len(members), LobbyCapacity))
		return
	}

	// with two members "the one that is not me" is unambiguous
	for _, member := range members {
		if member != s.selfID {
			s.opponent = member
			s.transition(ProbingLink)
			return
		}
	}
	s.fail(NoOpponent, nil)
}

func (s *Session) updateProbingLink() {
	// peer to peer paths only open up after we sent something outbound, so
	// keep knocking until the opponent's knock gets through.
	s.mm.SendTo(s.opponent, s.probe)

	// only the opponent's own datagram proves its path is open, other peers
	// the service ever introduced us to do not count
	if s.mm.HeardFrom(s.opponent) {
		s.transition(Ready)
	}
}
