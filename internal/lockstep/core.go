package lockstep

import (
	"cmp"
	"fmt"

	"github.com/blukai/fishnet/internal/debug"
	"github.com/blukai/fishnet/internal/protocol"
)

// Delay is the fixed artificial input delay in ticks. both peers must agree
// on it, there is no negotiation.
const Delay = 8

// MaxLead bounds how far past the frame cursor an inbound tick may point. a
// well behaved peer never gets more than Delay ticks ahead; anything past
// MaxLead is dropped instead of growing the timeline without bound.
const MaxLead = 1 << 16

// DesyncError means a tick the simulation already moved past is missing the
// remote input. it can only be caused by a broken protocol implementation,
// the match can not continue.
type DesyncError struct {
	Tick  uint64
	Slot  int
	Frame uint64
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("desync: tick %d has no input in slot %d although frame is %d", e.Tick, e.Slot, e.Frame)
}

// ParticipantIndex picks timeline slots for a two player session: the side
// that sorts higher is 0. both peers compute it from their own point of view
// and end up with opposite answers.
func ParticipantIndex[T cmp.Ordered](self, opponent T) int {
	debug.Assert(self != opponent, "self and opponent must differ")
	if self > opponent {
		return 0
	}
	return 1
}

// Counters are plain numbers collected by Core. ConflictingInput counts
// duplicates that carried a different input than the one already stored, a
// protocol violation by the remote.
type Counters struct {
	Delivered        uint64
	Stalled          uint64
	InputsSent       uint64
	AcksSent         uint64
	DuplicateInput   uint64
	ConflictingInput uint64
	DroppedInput     uint64
	UnknownAck       uint64
}

// Core is the delayed lockstep protocol state of one peer without any IO. it
// owns the timeline and ack table; Synchronizer feeds it from the network.
type Core struct {
	self   int
	remote int
	delay  uint64

	// frame is the next tick to be delivered
	frame    uint64
	timeline Timeline
	acks     AckTable
	// ticks below checked have been verified to carry remote input
	checked uint64

	counters Counters
}

// NewCore pre-fills the first delay ticks of our slot with neutral input, so
// the match starts with delay ticks of warm-up and needs no special casing.
func NewCore(self int, delay uint64) (*Core, error) {
	if self != 0 && self != 1 {
		return nil, fmt.Errorf("invalid participant index %d", self)
	}
	if delay == 0 {
		return nil, fmt.Errorf("delay must be positive")
	}

	c := &Core{
		self:   self,
		remote: 1 - self,
		delay:  delay,
		frame:  delay,
	}
	for tick := uint64(0); tick < delay; tick++ {
		c.timeline.Set(tick, self, protocol.Input{})
	}
	c.acks.Grow(delay - 1)

	return c, nil
}

func (c *Core) Self() int              { return c.self }
func (c *Core) Delay() uint64          { return c.delay }
func (c *Core) Frame() uint64          { return c.frame }
func (c *Core) Counters() Counters     { return c.counters }
func (c *Core) Len() int               { return c.timeline.Len() }
func (c *Core) AckLen() int            { return c.acks.Len() }
func (c *Core) Acked(tick uint64) bool { return c.acks.Acked(tick) }

func (c *Core) Input(tick uint64, slot int) (protocol.Input, bool) {
	return c.timeline.Get(tick, slot)
}

// Receive applies one inbound message; replies (acks) go to send.
func (c *Core) Receive(msg protocol.Message, send func(protocol.Message)) {
	switch msg.Kind {
	case protocol.MessageInput:
		if msg.Frame > c.frame+MaxLead {
			c.counters.DroppedInput++
			return
		}

		c.timeline.Grow(msg.Frame)
		c.acks.Grow(msg.Frame)

		if !c.timeline.Set(msg.Frame, c.remote, msg.Input) {
			c.counters.DuplicateInput++
			if stored, _ := c.timeline.Get(msg.Frame, c.remote); stored != msg.Input {
				c.counters.ConflictingInput++
			}
		}

		// ack duplicates too, the previous ack may have been lost
		send(protocol.AckMessage(msg.Frame))
		c.counters.AcksSent++
	case protocol.MessageAck:
		if !c.acks.Ack(msg.Frame) {
			c.counters.UnknownAck++
		}
	default:
		// idle probes and relay chatter carry nothing for us
	}
}

// Retransmit sends our input for every unacked tick in [frame-2*delay,
// frame). older ticks are never sent again, acked or not.
func (c *Core) Retransmit(send func(protocol.Message)) {
	lo := uint64(0)
	if c.frame > 2*c.delay {
		lo = c.frame - 2*c.delay
	}

	for tick := lo; tick < c.frame; tick++ {
		if c.acks.Acked(tick) {
			continue
		}
		input, ok := c.timeline.Get(tick, c.self)
		debug.Assertf(ok, "own input for tick %d is missing", tick)
		send(protocol.InputMessage(tick, input))
		c.counters.InputsSent++
	}
}

// Check verifies that every tick older than frame-delay has remote input. a
// failure is reported as *DesyncError.
func (c *Core) Check() error {
	if c.frame <= c.delay {
		return nil
	}

	for ; c.checked+1 < c.frame-c.delay; c.checked++ {
		if _, ok := c.timeline.Get(c.checked, c.remote); !ok {
			return &DesyncError{Tick: c.checked, Slot: c.remote, Frame: c.frame}
		}
	}
	return nil
}

// Advance delivers the pair for frame-delay to apply when both inputs are
// known, then records own as our input for frame and moves on. it reports
// whether the simulation advanced; false means this tick stalls.
func (c *Core) Advance(own protocol.Input, apply func(p0, p1 protocol.Input)) bool {
	pair, ok := c.timeline.Pair(c.frame - c.delay)
	if !ok {
		c.counters.Stalled++
		return false
	}

	apply(pair[0], pair[1])

	ok = c.timeline.Set(c.frame, c.self, own)
	debug.Assertf(ok, "own input for tick %d written twice", c.frame)
	c.acks.Grow(c.frame)
	c.frame++
	c.counters.Delivered++

	return true
}
