package queue

import (
	"fmt"
	"strings"
)

// LoopMode replaces separate track/queue repeat flags so both can never be
// on at once.
type LoopMode int

const (
	LoopNone LoopMode = iota
	LoopTrack
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "none"
	}
}

func ParseLoopMode(s string) (LoopMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return LoopNone, nil
	case "track", "song":
		return LoopTrack, nil
	case "queue", "all":
		return LoopQueue, nil
	default:
		return LoopNone, fmt.Errorf("unknown loop mode %q", s)
	}
}

func (m LoopMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *LoopMode) UnmarshalText(b []byte) error {
	parsed, err := ParseLoopMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
