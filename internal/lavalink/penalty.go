package lavalink

import (
	"math"

	"github.com/hxnx/lavanode/internal/protocol"
)

// framesPerMinute is what a healthy node sends per player each minute
// (one 20ms frame at a time).
const framesPerMinute = 3000

// Penalty scores how loaded a node is. Lower is better; a node without stats
// scores 0.
func Penalty(stats *protocol.Stats) float64 {
	if stats == nil {
		return 0
	}

	penalty := (math.Pow(1.05, 100*stats.CPU.SystemLoad) - 1) * 10

	if frames := stats.FrameStats; frames != nil {
		if frames.Deficit != -1 {
			penalty += framePenalty(frames.Deficit)
		}
		if frames.Nulled != -1 {
			penalty += framePenalty(frames.Nulled)
		}
	}

	return penalty * (1 + 0.05*float64(stats.Players))
}

func framePenalty(count int) float64 {
	ratio := float64(count) / framesPerMinute
	return (math.Pow(1.03, 500*ratio) - 1) * 600
}
