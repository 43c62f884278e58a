package session

import (
	"encoding/json"
	"fmt"
)

// Phase is the state of a practice session. Exactly one phase is current at
// a time; the session owns all transitions.
type Phase uint8

const (
	Idle Phase = iota
	Loading
	Playing
	AwaitingCheckpoint
	WaitingForUser
	Recording
	Detecting
	Finished
	Aborted
)

var phaseNames = [...]string{
	Idle:               "idle",
	Loading:            "loading",
	Playing:            "playing",
	AwaitingCheckpoint: "awaiting_checkpoint",
	WaitingForUser:     "waiting_for_user",
	Recording:          "recording",
	Detecting:          "detecting",
	Finished:           "finished",
	Aborted:            "aborted",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == Finished || p == Aborted
}

// MarshalJSON encodes the phase as its name.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a phase name.
func (p *Phase) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for i, name := range phaseNames {
		if name == s {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown phase %q", s)
}
