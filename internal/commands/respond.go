package commands

import (
	"github.com/bwmarrin/discordgo"
	"github.com/hxnx/lavanode/internal/logger"
	"go.uber.org/zap"
)

var accentColor = 0xC9A0FF

func messageComponents(content string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.Container{
			AccentColor: &accentColor,
			Components: []discordgo.MessageComponent{
				discordgo.TextDisplay{Content: content},
			},
		},
	}
}

func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if s == nil || i == nil {
		return
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Components: messageComponents(content),
			Flags:      discordgo.MessageFlagsIsComponentsV2 | discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		logger.Warn("failed to respond", zap.Error(err))
	}
}

func deferResponse(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
}

func followup(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	_, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Components: messageComponents(content),
		Flags:      discordgo.MessageFlagsIsComponentsV2,
	})
	if err != nil {
		logger.Warn("failed to send followup", zap.Error(err))
	}
}

func getOptionString(options []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, opt := range options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

func getOptionInt64(options []*discordgo.ApplicationCommandInteractionDataOption, name string) int64 {
	for _, opt := range options {
		if opt.Name == name {
			return opt.IntValue()
		}
	}
	return 0
}

func getInteractionUserID(i *discordgo.InteractionCreate) string {
	if i == nil {
		return ""
	}
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
