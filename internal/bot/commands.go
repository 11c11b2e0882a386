package bot

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

func (b *Bot) registerCommands() error {
	voiceChannelTypes := []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice}

	command := &discordgo.ApplicationCommand{
		Name:        "voice",
		Description: "Manage temporary voice channels",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "setup",
				Description: "Configure the lobby channel and guild defaults",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "lobby",
						Description:  "Voice channel that spawns temporary channels",
						ChannelTypes: voiceChannelTypes,
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "limit",
						Description: "Default member limit (0 = unlimited)",
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "bitrate",
						Description: "Default bitrate in kbps",
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "enabled",
						Description: "Enable or disable channel creation",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "name",
				Description: "Rename your temporary channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "value",
						Description: "New channel name",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "limit",
				Description: "Change the member limit of your temporary channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "value",
						Description: "Member limit (0 = unlimited)",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "bitrate",
				Description: "Change the bitrate of your temporary channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "value",
						Description: "Bitrate in kbps",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "reset",
				Description: "Reset your temporary channel to the guild defaults",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "remove",
				Description: "Force-remove a temporary channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "channel",
						Description:  "Temporary channel to remove",
						ChannelTypes: voiceChannelTypes,
						Required:     true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "reconcile",
				Description: "Run a reconciliation pass now",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "info",
				Description: "Show details of your temporary channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stats",
				Description: "Show lifecycle statistics for this guild",
			},
		},
	}

	if _, err := b.session.ApplicationCommandCreate(b.session.State.User.ID, "", command); err != nil {
		return fmt.Errorf("register /voice: %w", err)
	}
	return nil
}
