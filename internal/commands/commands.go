package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hxnx/lavanode/internal/lavalink"
	"github.com/hxnx/lavanode/internal/queue"
	"go.uber.org/zap"
)

const commandTimeout = 15 * time.Second

var minVolume = float64(lavalink.MinVolume)

var CommandList = []*discordgo.ApplicationCommand{
	{
		Name:        "music",
		Description: "Play and manage music",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "play",
				Description: "Play a track, playlist or search result",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "query",
						Description: "Search terms or URL",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "skip",
				Description: "Skip the current track",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop playback and clear the queue",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "pause",
				Description: "Pause or resume playback",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "loop",
				Description: "Set the loop mode",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "mode",
						Description: "off/track/queue",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "off", Value: queue.LoopNone.String()},
							{Name: "track", Value: queue.LoopTrack.String()},
							{Name: "queue", Value: queue.LoopQueue.String()},
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "volume",
				Description: "Set the volume",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "level",
						Description: "0-1000, 100 is unchanged",
						Required:    true,
						MinValue:    &minVolume,
						MaxValue:    lavalink.MaxVolume,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "queue",
				Description: "Show the queue",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "leave",
				Description: "Leave the voice channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "nodes",
				Description: "Show Lavalink node status",
			},
		},
	},
}

func RegisterCommands(s *discordgo.Session, appID string, guildID string, log *zap.Logger) ([]*discordgo.ApplicationCommand, error) {
	scope := "global"
	if guildID != "" {
		scope = fmt.Sprintf("guild:%s", guildID)
	}

	log.Info("registering commands", zap.Int("count", len(CommandList)), zap.String("scope", scope))

	cmds, err := s.ApplicationCommandBulkOverwrite(appID, guildID, CommandList)
	if err != nil {
		return nil, fmt.Errorf("cannot bulk overwrite commands: %w", err)
	}
	return cmds, nil
}

// AddHandlers routes /music and /ping interactions on s to m.
func (m *Music) AddHandlers(s *discordgo.Session) {
	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			switch i.ApplicationCommandData().Name {
			case "music":
				m.handleMusicGroupCommand(s, i)
			case "ping":
				m.respondStatus(s, i, discordgo.InteractionResponseChannelMessageWithSource)
			}
		case discordgo.InteractionMessageComponent:
			if i.MessageComponentData().CustomID == pingRefreshID {
				m.respondStatus(s, i, discordgo.InteractionResponseUpdateMessage)
			}
		}
	})
}

func (m *Music) handleMusicGroupCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		respondEphemeral(s, i, "This command only works in a server.")
		return
	}

	sub := getSubcommandOption(i.ApplicationCommandData())
	if sub == nil {
		respondEphemeral(s, i, "Pick a subcommand.")
		return
	}

	// Loading and voice setup can outlast the 3s interaction deadline.
	if err := deferResponse(s, i); err != nil {
		m.log.Warn("defer failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reply, err := m.run(ctx, s, i, sub)
	if err != nil {
		m.log.Debug("command failed", zap.String("sub", sub.Name), zap.String("guild", i.GuildID), zap.Error(err))
		reply = describeError(err)
	}
	followup(s, i, reply)
}

func (m *Music) run(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) (string, error) {
	switch sub.Name {
	case "play":
		return m.Play(ctx, PlayRequest{
			GuildID:        i.GuildID,
			VoiceChannelID: userVoiceChannel(s, i.GuildID, getInteractionUserID(i)),
			TextChannelID:  i.ChannelID,
			Query:          getOptionString(sub.Options, "query"),
		})
	case "skip":
		return m.Skip(ctx, i.GuildID)
	case "stop":
		return m.Stop(ctx, i.GuildID)
	case "pause":
		return m.Pause(ctx, i.GuildID)
	case "loop":
		return m.Loop(ctx, i.GuildID, getOptionString(sub.Options, "mode"))
	case "volume":
		return m.Volume(ctx, i.GuildID, int(getOptionInt64(sub.Options, "level")))
	case "queue":
		return m.Queue(ctx, i.GuildID)
	case "leave":
		return m.Leave(ctx, i.GuildID)
	case "nodes":
		return m.Nodes(ctx)
	default:
		return "", fmt.Errorf("unknown subcommand %q", sub.Name)
	}
}

// describeError turns an error into a message fit for users.
func describeError(err error) string {
	var transport *lavalink.TransportError
	switch {
	case errors.Is(err, lavalink.ErrNoAvailableNodes):
		return "No Lavalink node is available right now."
	case errors.Is(err, lavalink.ErrNoVoiceSender), errors.Is(err, lavalink.ErrNodeNotConnected):
		return "The audio backend is not ready yet, try again shortly."
	case errors.Is(err, queue.ErrQueueFull):
		return "The queue is full."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long, try again."
	case errors.As(err, &transport):
		return "The audio node rejected the request."
	default:
		return capitalize(err.Error()) + "."
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}

func userVoiceChannel(s *discordgo.Session, guildID, userID string) string {
	if s == nil || s.State == nil || userID == "" {
		return ""
	}
	vs, err := s.State.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

func getSubcommandOption(data discordgo.ApplicationCommandInteractionData) *discordgo.ApplicationCommandInteractionDataOption {
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionSubCommand {
			return opt
		}
	}
	return nil
}
