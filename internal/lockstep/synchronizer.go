// Package lockstep keeps two simulations executing the same inputs on the
// same tick. Inputs are delayed by a fixed number of ticks; when the delayed
// tick is not complete yet the match simply waits, there is no prediction and
// no rollback.
package lockstep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blukai/fishnet/internal/protocol"
	"github.com/blukai/fishnet/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

const (
	inboundSize  = 1024
	outboundSize = 1024
	// recvIdle is how long the receive goroutine sleeps after finding
	// nothing to read.
	recvIdle = time.Millisecond
)

// InputCollector samples the local player once per tick.
type InputCollector interface {
	CollectInput() protocol.Input
}

// Simulation advances the game by one tick. it must be a pure function of
// the inputs and its own state, otherwise the peers drift apart.
type Simulation interface {
	ApplyTick(p0, p1 protocol.Input)
}

type InputCollectorFunc func() protocol.Input

func (f InputCollectorFunc) CollectInput() protocol.Input { return f() }

type SimulationFunc func(p0, p1 protocol.Input)

func (f SimulationFunc) ApplyTick(p0, p1 protocol.Input) { f(p0, p1) }

type Config struct {
	// Self is the local participant index, 0 or 1.
	Self int
	// Delay defaults to lockstep.Delay.
	Delay      uint64
	Collector  InputCollector
	Simulation Simulation
	Logger     *log.Logger
}

type Stats struct {
	Counters

	Frame            uint64
	DroppedOutbound  uint64
	MalformedInbound uint64
}

// Synchronizer drives Core from the network. Tick and the accessors belong
// to the simulation goroutine; the send and receive goroutines only talk to
// it through two queues.
type Synchronizer struct {
	core   *Core
	config Config
	logger *log.Logger

	tx transport.Transport
	rx transport.Transport

	inbound  chan protocol.Message
	outbound chan protocol.Message

	halted error

	droppedOutbound  uint64
	malformedInbound atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New takes ownership of tr.
func New(tr transport.Transport, config Config) (*Synchronizer, error) {
	if config.Collector == nil || config.Simulation == nil {
		return nil, errors.New("collector and simulation are required")
	}
	if config.Delay == 0 {
		config.Delay = Delay
	}

	core, err := NewCore(config.Self, config.Delay)
	if err != nil {
		return nil, fmt.Errorf("could not construct core: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	logger := config.Logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	rx, ok := tr.Duplicate()
	if !ok {
		return nil, errors.New("could not duplicate transport")
	}

	return &Synchronizer{
		core:   core,
		config: config,
		logger: logger,

		tx: tr,
		rx: rx,

		inbound:  make(chan protocol.Message, inboundSize),
		outbound: make(chan protocol.Message, outboundSize),
	}, nil
}

// Start launches the send and receive goroutines. they stop on ctx
// cancellation or Close.
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runRecv(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSend(ctx)
	}()

	s.logger.Info().
		Int("self", s.core.Self()).
		Uint64("delay", s.core.Delay()).
		Msg("lockstep started")
}

// Close stops the goroutines and closes both transport handles.
func (s *Synchronizer) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs error
	if err := s.rx.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.tx.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

func (s *Synchronizer) runRecv(ctx context.Context) {
	buf := make([]byte, protocol.MessageMaxSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, ok := s.rx.Recv(buf)
		if !ok {
			time.Sleep(recvIdle)
			continue
		}

		var msg protocol.Message
		if err := msg.UnmarshalBinary(buf[:n]); err != nil {
			// the sender's retransmission covers for it
			s.malformedInbound.Add(1)
			s.logger.Debug().
				Str("bytes", fmt.Sprintf("%v", buf[:n])).
				Msgf("could not unmarshal message: %v", err)
			continue
		}

		select {
		case s.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Synchronizer) runSend(ctx context.Context) {
	buf := make([]byte, 0, protocol.MessageMaxSize)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.outbound:
			data, err := msg.AppendBinary(buf[:0])
			if err != nil {
				s.logger.Error().Msgf("could not marshal %v: %v", msg, err)
				continue
			}
			if _, ok := s.tx.Send(data); !ok {
				s.logger.Debug().
					Stringer("msg", msg).
					Msg("could not send")
			}
		}
	}
}

// enqueue never blocks the tick. a message that does not fit is dropped,
// retransmission makes up for it.
func (s *Synchronizer) enqueue(msg protocol.Message) {
	select {
	case s.outbound <- msg:
	default:
		s.droppedOutbound++
	}
}

// Tick runs the protocol once. it returns a *DesyncError when the peers can
// no longer agree on the past; the synchronizer is halted from then on and
// every following Tick returns the same error without touching the
// simulation.
func (s *Synchronizer) Tick() error {
	if s.halted != nil {
		return s.halted
	}

	own := s.config.Collector.CollectInput()

drain:
	for {
		select {
		case msg := <-s.inbound:
			s.core.Receive(msg, s.enqueue)
		default:
			break drain
		}
	}

	s.core.Retransmit(s.enqueue)

	if err := s.core.Check(); err != nil {
		s.halted = err
		s.logger.Error().
			Uint64("frame", s.core.Frame()).
			Msgf("lockstep halted: %v", err)
		return err
	}

	if s.core.Advance(own, s.config.Simulation.ApplyTick) {
		s.logger.Debug().
			Uint64("frame", s.core.Frame()).
			Msg("advanced")
	}

	return nil
}

// Frame is the next tick to be delivered.
func (s *Synchronizer) Frame() uint64 {
	return s.core.Frame()
}

func (s *Synchronizer) Stats() Stats {
	return Stats{
		Counters:         s.core.Counters(),
		Frame:            s.core.Frame(),
		DroppedOutbound:  s.droppedOutbound,
		MalformedInbound: s.malformedInbound.Load(),
	}
}
