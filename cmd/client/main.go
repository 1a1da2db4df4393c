// client is a headless player: it connects to an opponent in one of three
// ways, then plays a scripted match in lockstep and reports a checksum of
// everything the simulation saw. both players must print the same checksum.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blukai/fishnet/internal/lobbyclient"
	"github.com/blukai/fishnet/internal/lockstep"
	"github.com/blukai/fishnet/internal/protocol"
	"github.com/blukai/fishnet/internal/session"
	"github.com/blukai/fishnet/internal/transport"
	"github.com/cespare/xxhash/v2"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

const (
	modeUDP   = "udp"
	modeLobby = "lobby"
	modeRelay = "relay"

	// linger keeps the match ticking after our last frame so that the
	// opponent still gets retransmissions of our final inputs.
	linger = 2 * time.Second
)

type Config struct {
	Mode      string `envconfig:"MODE" required:"true" default:"lobby"`
	PeerAddr  string `envconfig:"PEER_ADDR"`
	LobbyAddr string `envconfig:"LOBBY_ADDR" default:"127.0.0.1:5000"`
	RelayAddr string `envconfig:"RELAY_ADDR" default:"127.0.0.1:5001"`
	RelayPeer uint64 `envconfig:"RELAY_PEER"`
	TickRate  int    `envconfig:"TICK_RATE" default:"60"`
	Ticks     uint64 `envconfig:"TICKS" default:"600"`
	Debug     bool   `envconfig:"DEBUG"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("fishnet", config); err != nil {
		return nil, err
	}

	switch config.Mode {
	case modeUDP:
		if config.PeerAddr == "" {
			return nil, errors.New("udp mode requires FISHNET_PEER_ADDR")
		}
	case modeLobby, modeRelay:
	default:
		return nil, fmt.Errorf("unknown mode %q", config.Mode)
	}
	if config.TickRate <= 0 {
		return nil, fmt.Errorf("invalid tick rate %d", config.TickRate)
	}

	return config, nil
}

func configureLogger(config *Config) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.InfoLevel
	if config.Debug {
		logger.Level = log.DebugLevel
	}
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

// link is an established connection to the opponent together with our side
// of the match.
type link struct {
	tr   transport.Transport
	self int
	stop func()
}

// udpIdentity is the address the opponent sees us as: outgoing interface ip
// plus the bound port.
func udpIdentity(tr *transport.UDPTransport) (string, error) {
	probe, err := net.DialUDP("udp4", nil, tr.Peer())
	if err != nil {
		return "", fmt.Errorf("could not find outgoing interface: %w", err)
	}
	defer probe.Close()

	ip := probe.LocalAddr().(*net.UDPAddr).IP
	return (&net.UDPAddr{IP: ip, Port: tr.LocalAddr().Port}).String(), nil
}

func connectUDP(ctx context.Context, config *Config, logger *log.Logger) (*link, error) {
	tr, err := transport.ListenUDP("udp4", transport.CandidatePorts, logger)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}
	logger.Info().Msgf("listening on port %d", tr.LocalAddr().Port)

	if err := tr.SetPeer("udp4", config.PeerAddr); err != nil {
		tr.Close()
		return nil, err
	}

	self, err := udpIdentity(tr)
	if err != nil {
		tr.Close()
		return nil, err
	}
	opponent := tr.Peer().String()

	// knock until the opponent's knock gets through
	idle := protocol.IdleMessage()
	probe, err := idle.MarshalBinary()
	if err != nil {
		tr.Close()
		return nil, err
	}
	buf := make([]byte, protocol.MessageMaxSize)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		tr.Send(probe)
		if _, ok := tr.Recv(buf); ok {
			break
		}
		select {
		case <-ctx.Done():
			tr.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	logger.Info().
		Str("self", self).
		Str("opponent", opponent).
		Msg("udp link is up")

	return &link{
		tr:   tr,
		self: lockstep.ParticipantIndex(self, opponent),
		stop: func() {},
	}, nil
}

func connectLobby(ctx context.Context, config *Config, tickRate time.Duration, logger *log.Logger) (*link, error) {
	lc, err := lobbyclient.NewLobbyClient("udp4", config.LobbyAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("could not construct lobby client: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := lc.Run(ctx); err != nil {
			logger.Error().Msgf("lobby client run failed: %v", err)
		}
	}()
	stop := func() {
		cancel()
		<-done
	}

	selfID, err := lc.Hello(ctx)
	if err != nil {
		stop()
		return nil, err
	}
	logger.Info().Uint64("self", selfID).Msg("registered with lobby server")

	sess := session.New(lc, logger)
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()
	for sess.State() != session.Ready {
		sess.Update()
		if sess.State() == session.Failed {
			stop()
			return nil, sess.Err()
		}

		select {
		case <-ctx.Done():
			stop()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	tr, ok := sess.Transport()
	if !ok {
		stop()
		return nil, errors.New("session is ready but has no transport")
	}

	return &link{
		tr:   tr,
		self: lockstep.ParticipantIndex(sess.SelfID(), sess.Opponent()),
		stop: stop,
	}, nil
}

func connectRelay(ctx context.Context, config *Config, logger *log.Logger) (*link, error) {
	tr, err := transport.ListenUDP("udp4", []int{0}, logger)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}

	_, err = transport.DialRelay(ctx, tr, "udp4", config.RelayAddr, config.RelayPeer, func(id uint64) {
		if config.RelayPeer == 0 {
			logger.Info().Msgf("waiting for opponent, tell them FISHNET_RELAY_PEER=%d", id)
		}
	})
	if err != nil {
		tr.Close()
		return nil, err
	}

	// the waiting side takes slot 0
	self := 0
	if config.RelayPeer != 0 {
		self = 1
	}
	return &link{tr: tr, self: self, stop: func() {}}, nil
}

// scriptedInput walks a fixed pattern seeded by the participant index, good
// enough to tell the two players apart in the checksum.
type scriptedInput struct {
	seed uint64
	n    uint64
}

func (s *scriptedInput) CollectInput() protocol.Input {
	s.n++
	h := xxhash.Sum64([]byte{byte(s.seed), byte(s.n), byte(s.n >> 8), byte(s.n >> 16)})
	return protocol.Input{
		Movement: protocol.Movement(h) & (protocol.MoveLeft | protocol.MoveRight | protocol.MoveUp | protocol.MoveDown | protocol.MoveJump),
		Action:   protocol.Action(h>>8) & (protocol.ActionFire | protocol.ActionThrow | protocol.ActionPickup),
	}
}

// checksumSim feeds every delivered pair into a running hash.
type checksumSim struct {
	digest *xxhash.Digest
	ticks  uint64
	logger *log.Logger
}

func (s *checksumSim) ApplyTick(p0, p1 protocol.Input) {
	_, _ = s.digest.Write([]byte{byte(p0.Movement), byte(p0.Action), byte(p1.Movement), byte(p1.Action)})
	s.ticks++
	if s.ticks%60 == 0 {
		s.logger.Info().
			Uint64("tick", s.ticks).
			Str("p0", p0.String()).
			Str("p1", p1.String()).
			Msgf("checksum %016x", s.digest.Sum64())
	}
}

func play(ctx context.Context, config *Config, l *link, tickRate time.Duration, logger *log.Logger) error {
	sim := &checksumSim{digest: xxhash.New(), logger: logger}
	synchronizer, err := lockstep.New(l.tr, lockstep.Config{
		Self:       l.self,
		Collector:  &scriptedInput{seed: uint64(l.self)},
		Simulation: sim,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	synchronizer.Start(ctx)
	defer func() {
		if err := synchronizer.Close(); err != nil {
			logger.Error().Msgf("could not close synchronizer: %v", err)
		}
	}()

	target := config.Ticks + lockstep.Delay
	var finishedAt time.Time

	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := synchronizer.Tick(); err != nil {
			var desync *lockstep.DesyncError
			if errors.As(err, &desync) {
				logger.Error().
					Uint64("tick", desync.Tick).
					Int("slot", desync.Slot).
					Msg("disconnecting")
			}
			return err
		}

		if finishedAt.IsZero() && synchronizer.Frame() >= target {
			finishedAt = time.Now()
			stats := synchronizer.Stats()
			logger.Info().
				Int("self", l.self).
				Uint64("ticks", sim.ticks).
				Uint64("stalled", stats.Stalled).
				Uint64("inputs_sent", stats.InputsSent).
				Uint64("acks_sent", stats.AcksSent).
				Uint64("duplicates", stats.DuplicateInput).
				Uint64("dropped_outbound", stats.DroppedOutbound).
				Msgf("match finished, checksum %016x", sim.digest.Sum64())
		}
		if !finishedAt.IsZero() && time.Since(finishedAt) > linger {
			return nil
		}
	}
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config)
	tickRate := time.Second / time.Duration(config.TickRate)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var l *link
	switch config.Mode {
	case modeUDP:
		l, err = connectUDP(ctx, config, logger)
	case modeLobby:
		l, err = connectLobby(ctx, config, tickRate, logger)
	case modeRelay:
		l, err = connectRelay(ctx, config, logger)
	}
	if err != nil {
		return fmt.Errorf("could not connect (mode: %s): %w", config.Mode, err)
	}
	defer l.stop()

	logger.Info().
		Str("mode", config.Mode).
		Int("self", l.self).
		Msg("connected")

	if err := play(ctx, config, l, tickRate, logger); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("match failed: %w", err)
	}
	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
