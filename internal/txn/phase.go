package txn

import (
	"fmt"
	"time"

	"github.com/moltbunker/rewardclaim/pkg/types"
)

// Phase is a step of the transaction pipeline
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBuilding
	PhaseAwaitingSignature
	PhaseBroadcasting
	PhaseConfirmed
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:              "idle",
	PhaseBuilding:          "building",
	PhaseAwaitingSignature: "awaiting_signature",
	PhaseBroadcasting:      "broadcasting",
	PhaseConfirmed:         "confirmed",
	PhaseFailed:            "failed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// MarshalText lets phases appear by name in JSON state
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name
func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Terminal reports whether the phase ends an attempt
func (p Phase) Terminal() bool {
	return p == PhaseConfirmed || p == PhaseFailed
}

// Transition is reported to observers on every phase change
type Transition struct {
	Variant types.Variant `json:"variant"`
	From    Phase         `json:"from"`
	To      Phase         `json:"to"`
	Attempt int           `json:"attempt"`
	At      time.Time     `json:"at"`
}
