package voice

import "fmt"

// State is the playback state of a guild session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePlaying
	StatePaused
	StateStopping
	StateDisconnecting
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateConnecting:    "connecting",
	StatePlaying:       "playing",
	StatePaused:        "paused",
	StateStopping:      "stopping",
	StateDisconnecting: "disconnecting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in JSON payloads and log fields.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HasTrack reports whether a session in this state must hold a current track.
func (s State) HasTrack() bool {
	return s == StatePlaying || s == StatePaused
}
