package protocol

import (
	"fmt"
	"strings"
)

const InputSize = 2

type Movement uint8

const (
	MoveLeft Movement = 1 << iota
	MoveRight
	MoveUp
	MoveDown
	MoveJump
)

type Action uint8

const (
	ActionFire Action = 1 << iota
	ActionThrow
	ActionPickup
)

// Input is one player's control sample for one tick. The zero value is the
// neutral input used to pre-fill the warm-up ticks.
type Input struct {
	Movement Movement
	Action   Action
}

func (in Input) IsNeutral() bool {
	return in == Input{}
}

func (in Input) String() string {
	if in.IsNeutral() {
		return "{}"
	}

	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{in.Movement&MoveLeft != 0, "left"},
		{in.Movement&MoveRight != 0, "right"},
		{in.Movement&MoveUp != 0, "up"},
		{in.Movement&MoveDown != 0, "down"},
		{in.Movement&MoveJump != 0, "jump"},
		{in.Action&ActionFire != 0, "fire"},
		{in.Action&ActionThrow != 0, "throw"},
		{in.Action&ActionPickup != 0, "pickup"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	if unknown := in.Movement &^ (MoveLeft | MoveRight | MoveUp | MoveDown | MoveJump); unknown != 0 {
		flags = append(flags, fmt.Sprintf("movement(%#x)", uint8(unknown)))
	}
	if unknown := in.Action &^ (ActionFire | ActionThrow | ActionPickup); unknown != 0 {
		flags = append(flags, fmt.Sprintf("action(%#x)", uint8(unknown)))
	}

	return "{" + strings.Join(flags, ",") + "}"
}
