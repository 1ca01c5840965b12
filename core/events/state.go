package events

import (
	"time"

	"github.com/kilianp07/fieldcmd/core/instruction"
)

// Channel names the actor that applied a transition.
type Channel string

const (
	ChannelMQTT Channel = "mqtt"
	ChannelOCPP Channel = "ocpp"
)

// StateChange is published after a successful compare-and-swap.
type StateChange struct {
	InstructionID int64
	NodeID        int64
	Channel       Channel
	From          instruction.State
	To            instruction.State
	Time          time.Time
}
