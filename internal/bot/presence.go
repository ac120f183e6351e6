package bot

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const presenceUpdateInterval = 60 * time.Second

func (b *Bot) startPresenceUpdater() {
	if b.presenceStop != nil {
		return
	}
	b.presenceStop = make(chan struct{})
	go func(stop <-chan struct{}) {
		ticker := time.NewTicker(presenceUpdateInterval)
		defer ticker.Stop()

		b.updatePresence()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.updatePresence()
			}
		}
	}(b.presenceStop)
}

func (b *Bot) stopPresenceUpdater() {
	if b.presenceStop == nil {
		return
	}
	close(b.presenceStop)
	b.presenceStop = nil
}

func (b *Bot) updatePresence() {
	status := presenceStatus(len(b.client.Players.All()), len(b.client.Nodes.Connected()), len(b.client.Nodes.All()))
	for _, s := range b.sessions {
		if err := s.UpdateGameStatus(0, status); err != nil {
			b.log.Debug("failed to update presence", zap.Int("shard", s.ShardID), zap.Error(err))
		}
	}
}

func presenceStatus(players, connected, nodes int) string {
	if connected == 0 {
		return "audio offline"
	}
	return fmt.Sprintf("%d players on %d/%d nodes", players, connected, nodes)
}
