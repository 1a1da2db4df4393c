package lockstep

import (
	"github.com/blukai/fishnet/internal/debug"
	"github.com/blukai/fishnet/internal/protocol"
)

type frame struct {
	inputs [2]protocol.Input
	set    [2]bool
}

// Timeline holds both players' inputs indexed by absolute tick. slots are
// write-once: the first input written for a (tick, slot) stays forever.
type Timeline struct {
	frames []frame
}

func (t *Timeline) Len() int {
	return len(t.frames)
}

// Grow makes sure tick is addressable, new ticks have no input yet.
func (t *Timeline) Grow(tick uint64) {
	if tick < uint64(len(t.frames)) {
		return
	}
	t.frames = append(t.frames, make([]frame, int(tick)+1-len(t.frames))...)
}

func (t *Timeline) Get(tick uint64, slot int) (protocol.Input, bool) {
	debug.Assert(slot == 0 || slot == 1)
	if tick >= uint64(len(t.frames)) {
		return protocol.Input{}, false
	}
	f := &t.frames[tick]
	return f.inputs[slot], f.set[slot]
}

// Set writes input into an empty slot, growing the timeline if needed. it
// returns false and leaves the slot untouched when it was already populated.
func (t *Timeline) Set(tick uint64, slot int, input protocol.Input) bool {
	debug.Assert(slot == 0 || slot == 1)
	t.Grow(tick)
	f := &t.frames[tick]
	if f.set[slot] {
		return false
	}
	f.inputs[slot] = input
	f.set[slot] = true
	return true
}

// Pair returns both inputs of tick, ok only when both are populated.
func (t *Timeline) Pair(tick uint64) ([2]protocol.Input, bool) {
	if tick >= uint64(len(t.frames)) {
		return [2]protocol.Input{}, false
	}
	f := &t.frames[tick]
	return f.inputs, f.set[0] && f.set[1]
}

// AckTable tracks, per tick, whether the remote peer confirmed it got our
// input. an acked tick never becomes unacked.
type AckTable struct {
	acked []bool
}

func (a *AckTable) Len() int {
	return len(a.acked)
}

func (a *AckTable) Grow(tick uint64) {
	if tick < uint64(len(a.acked)) {
		return
	}
	a.acked = append(a.acked, make([]bool, int(tick)+1-len(a.acked))...)
}

func (a *AckTable) Acked(tick uint64) bool {
	return tick < uint64(len(a.acked)) && a.acked[tick]
}

// Ack reports false for ticks the table does not know about.
func (a *AckTable) Ack(tick uint64) bool {
	if tick >= uint64(len(a.acked)) {
		return false
	}
	a.acked[tick] = true
	return true
}
