package commands

import (
	"fmt"
	"runtime"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hxnx/lavanode/internal/logger"
	"go.uber.org/zap"
)

const pingRefreshID = "ping_refresh"

var startedAt = time.Now()

var pingCommand = &discordgo.ApplicationCommand{
	Name:        "ping",
	Description: "Show bot and audio node status",
}

func init() {
	CommandList = append(CommandList, pingCommand)
}

type statusSnapshot struct {
	Latency    time.Duration
	Guilds     int
	Shards     int
	Uptime     time.Duration
	AllocBytes uint64
	Nodes      int
	Connected  int
	Players    int
}

func (m *Music) snapshot(s *discordgo.Session) statusSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := statusSnapshot{
		Latency:    s.HeartbeatLatency().Round(time.Millisecond),
		Shards:     s.ShardCount,
		Uptime:     time.Since(startedAt).Round(time.Second),
		AllocBytes: mem.Alloc,
		Nodes:      len(m.client.Nodes.All()),
		Connected:  len(m.client.Nodes.Connected()),
		Players:    len(m.client.Players.All()),
	}
	if s.State != nil {
		snap.Guilds = len(s.State.Guilds)
	}
	if snap.Shards == 0 {
		snap.Shards = 1
	}
	return snap
}

func (s statusSnapshot) lines() []string {
	return []string{
		fmt.Sprintf("**Gateway latency:** %s", s.Latency),
		fmt.Sprintf("**Servers:** %d • **Shards:** %d", s.Guilds, s.Shards),
		fmt.Sprintf("**Uptime:** %s • **Memory:** %.2f MB", s.Uptime, float64(s.AllocBytes)/1024.0/1024.0),
		fmt.Sprintf("**Nodes:** %d/%d connected • **Players:** %d", s.Connected, s.Nodes, s.Players),
	}
}

func statusComponents(snap statusSnapshot, now time.Time) []discordgo.MessageComponent {
	divider := true
	spacing := discordgo.SeparatorSpacingSizeSmall

	texts := make([]discordgo.MessageComponent, 0, 4)
	for _, line := range snap.lines() {
		texts = append(texts, discordgo.TextDisplay{Content: line})
	}

	return []discordgo.MessageComponent{
		discordgo.Container{
			AccentColor: &accentColor,
			Components: []discordgo.MessageComponent{
				discordgo.TextDisplay{Content: "**Pong!**"},
				discordgo.Separator{Divider: &divider, Spacing: &spacing},
				discordgo.Section{
					Components: texts,
					Accessory: discordgo.Button{
						Style:    discordgo.PrimaryButton,
						Label:    "Refresh",
						CustomID: pingRefreshID,
					},
				},
				discordgo.TextDisplay{Content: fmt.Sprintf("Updated <t:%d:R>", now.Unix())},
			},
		},
	}
}

// respondStatus answers /ping with a new message and the refresh button by
// editing the original one.
func (m *Music) respondStatus(s *discordgo.Session, i *discordgo.InteractionCreate, respType discordgo.InteractionResponseType) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: respType,
		Data: &discordgo.InteractionResponseData{
			Components: statusComponents(m.snapshot(s), time.Now()),
			Flags:      discordgo.MessageFlagsIsComponentsV2 | discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		logger.Warn("failed to respond to ping", zap.Error(err))
	}
}
