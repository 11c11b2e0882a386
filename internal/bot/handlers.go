package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vcwarden/internal/audit"
	"vcwarden/internal/tempvc"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorAction  = 0x22C55E
	colorWarning = 0xF59E0B
	colorError   = 0xEF4444
)

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}

	data := interaction.ApplicationCommandData()
	if data.Name != "voice" {
		return
	}

	ctx := context.Background()
	if interaction.GuildID == "" {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice", "This command only works inside a server.", colorError, nil), true)
		return
	}
	if len(data.Options) == 0 {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice", "Missing subcommand.", colorError, nil), true)
		return
	}

	sub := data.Options[0]
	switch sub.Name {
	case "setup":
		b.handleSetup(ctx, session, interaction, sub.Options)
	case "name", "limit", "bitrate":
		b.handleModify(ctx, session, interaction, sub.Name, sub.Options)
	case "reset":
		b.handleReset(ctx, session, interaction)
	case "remove":
		b.handleRemove(ctx, session, interaction, sub.Options)
	case "reconcile":
		b.handleReconcile(ctx, session, interaction)
	case "info":
		b.handleInfo(ctx, session, interaction)
	case "stats":
		b.handleStats(ctx, session, interaction)
	default:
		b.respondEmbed(session, interaction, b.commandEmbed("Voice", "Unknown subcommand.", colorError, nil), true)
	}
}

func (b *Bot) handleSetup(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if !isAdmin(interaction) {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice setup", "You need Manage Channels permission for this.", colorError, nil), true)
		return
	}

	cfg, err := b.guildVoiceConfig(ctx, interaction.GuildID)
	if err != nil {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice setup", "Could not load guild settings.", colorError, nil), true)
		return
	}

	for _, option := range options {
		switch option.Name {
		case "lobby":
			channel := option.ChannelValue(session)
			if channel == nil || channel.Type != discordgo.ChannelTypeGuildVoice {
				b.respondEmbed(session, interaction, b.commandEmbed("Voice setup", "The lobby must be a voice channel.", colorError, nil), true)
				return
			}
			cfg.CreateChannelID = channel.ID
			cfg.Enabled = true
		case "limit":
			cfg.DefaultMemberLimit = tempvc.ClampMemberLimit(int(option.IntValue()))
		case "bitrate":
			cfg.DefaultBitrate = tempvc.ClampBitrate(int(option.IntValue())*1000) / 1000
		case "enabled":
			cfg.Enabled = option.BoolValue()
		}
	}

	if err := b.store.UpsertGuildVoiceConfig(ctx, cfg); err != nil {
		b.logger.Warn("guild voice config update failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respondEmbed(session, interaction, b.commandEmbed("Voice setup", "Saving the settings failed.", colorError, nil), true)
		return
	}

	lobby := "not set"
	if cfg.CreateChannelID != "" {
		lobby = "<#" + cfg.CreateChannelID + ">"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Lobby", Value: lobby, Inline: true},
		{Name: "Default limit", Value: formatLimit(cfg.DefaultMemberLimit), Inline: true},
		{Name: "Default bitrate", Value: fmt.Sprintf("%d kbps", cfg.DefaultBitrate), Inline: true},
		{Name: "Enabled", Value: fmt.Sprintf("%t", cfg.Enabled), Inline: true},
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Voice setup", "Settings updated.", colorAction, fields), true)
}

func (b *Bot) handleModify(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, name string, options []*discordgo.ApplicationCommandInteractionDataOption) {
	userID := interactionUserID(interaction)
	channelID := b.userVoiceChannel(interaction.GuildID, userID)
	if channelID == "" {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice", "Join your voice channel first.", colorError, nil), true)
		return
	}

	req := tempvc.ModifyRequest{
		ChannelID:   channelID,
		RequesterID: userID,
		Admin:       isAdmin(interaction),
	}
	if len(options) == 0 {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice", "Missing value.", colorError, nil), true)
		return
	}
	switch name {
	case "name":
		value := strings.TrimSpace(options[0].StringValue())
		if value == "" {
			b.respondEmbed(session, interaction, b.commandEmbed("Voice", "The name cannot be empty.", colorError, nil), true)
			return
		}
		req.Name = &value
	case "limit":
		value := int(options[0].IntValue())
		req.MemberLimit = &value
	case "bitrate":
		value := int(options[0].IntValue()) * 1000 // option is kbps
		req.Bitrate = &value
	}

	updated, err := b.controller.Modify(ctx, req)
	if err != nil {
		b.respondModifyError(session, interaction, err)
		return
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Name", Value: updated.Name, Inline: true},
		{Name: "Limit", Value: formatLimit(updated.MemberLimit), Inline: true},
		{Name: "Bitrate", Value: fmt.Sprintf("%d kbps", updated.Bitrate/1000), Inline: true},
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Voice", "Channel updated.", colorAction, fields), true)
}

// handleReset applies the guild defaults configured at reset time, not the
// values the channel was created with.
func (b *Bot) handleReset(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	userID := interactionUserID(interaction)
	channelID := b.userVoiceChannel(interaction.GuildID, userID)
	if channelID == "" {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice", "Join your voice channel first.", colorError, nil), true)
		return
	}

	cfg, err := b.guildVoiceConfig(ctx, interaction.GuildID)
	if err != nil {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice", "Could not load guild settings.", colorError, nil), true)
		return
	}

	limit := cfg.DefaultMemberLimit
	bitrate := cfg.DefaultBitrate * 1000
	updated, err := b.controller.Modify(ctx, tempvc.ModifyRequest{
		ChannelID:   channelID,
		RequesterID: userID,
		Admin:       isAdmin(interaction),
		MemberLimit: &limit,
		Bitrate:     &bitrate,
	})
	if err != nil {
		b.respondModifyError(session, interaction, err)
		return
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Limit", Value: formatLimit(updated.MemberLimit), Inline: true},
		{Name: "Bitrate", Value: fmt.Sprintf("%d kbps", updated.Bitrate/1000), Inline: true},
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Voice", "Channel reset to guild defaults.", colorAction, fields), true)
}

func (b *Bot) handleRemove(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if !isAdmin(interaction) {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice remove", "You need Manage Channels permission for this.", colorError, nil), true)
		return
	}
	if len(options) == 0 {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice remove", "Missing channel.", colorError, nil), true)
		return
	}
	channel := options[0].ChannelValue(session)
	if channel == nil {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice remove", "Unknown channel.", colorError, nil), true)
		return
	}

	reason := fmt.Sprintf("removed by %s", interactionUserID(interaction))
	if err := b.controller.Remove(ctx, channel.ID, reason); err != nil {
		if errors.Is(err, tempvc.ErrUnknownChannel) {
			b.respondEmbed(session, interaction, b.commandEmbed("Voice remove", "That channel is not managed by me.", colorError, nil), true)
			return
		}
		b.logger.Warn("forced removal failed", zap.String("channel_id", channel.ID), zap.Error(err))
		b.respondEmbed(session, interaction, b.commandEmbed("Voice remove", "Removing the channel failed; it stays tracked for the next reconciliation.", colorError, nil), true)
		return
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Voice remove", "Channel removed.", colorAction, nil), true)
}

func (b *Bot) handleReconcile(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if !isAdmin(interaction) {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice reconcile", "You need Manage Channels permission for this.", colorError, nil), true)
		return
	}

	summary, err := b.reconciler.Run(ctx)
	if err != nil {
		b.logger.Error("reconciliation failed", zap.Error(err))
		b.respondEmbed(session, interaction, b.commandEmbed("Voice reconcile", "Reconciliation aborted: "+summary.String(), colorError, nil), true)
		return
	}
	b.audit.Log(ctx, audit.LevelInfo, interaction.GuildID, interactionUserID(interaction), audit.EventReconcile, summary.String())

	fields := []*discordgo.MessageEmbedField{
		{Name: "Checked", Value: fmt.Sprintf("%d", summary.Checked), Inline: true},
		{Name: "Orphan rows removed", Value: fmt.Sprintf("%d", summary.Orphans), Inline: true},
		{Name: "Empty channels removed", Value: fmt.Sprintf("%d", summary.Emptied), Inline: true},
		{Name: "Repaired", Value: fmt.Sprintf("%d", summary.Repaired), Inline: true},
		{Name: "Failed", Value: fmt.Sprintf("%d", summary.Failed), Inline: true},
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Voice reconcile", "Reconciliation finished.", colorAction, fields), true)
}

func (b *Bot) handleInfo(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	channelID := b.userVoiceChannel(interaction.GuildID, interactionUserID(interaction))
	if channelID == "" {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice info", "Join a voice channel first.", colorError, nil), true)
		return
	}

	row, err := b.store.GetTempVoiceChannel(ctx, channelID)
	if err != nil {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice info", "Lookup failed.", colorError, nil), true)
		return
	}
	if row == nil {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice info", "This channel is not managed by me.", colorWarning, nil), true)
		return
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Name", Value: row.Name, Inline: true},
		{Name: "Owner", Value: "<@" + row.OwnerID + ">", Inline: true},
		{Name: "Created by", Value: "<@" + row.CreatedBy + ">", Inline: true},
		{Name: "Members", Value: fmt.Sprintf("%d", row.MemberCount), Inline: true},
		{Name: "Limit", Value: formatLimit(row.MemberLimit), Inline: true},
		{Name: "Bitrate", Value: fmt.Sprintf("%d kbps", row.Bitrate/1000), Inline: true},
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Voice info", "Channel details.", colorAction, fields), true)
}

func (b *Bot) handleStats(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if !isAdmin(interaction) {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice stats", "You need Manage Channels permission for this.", colorError, nil), true)
		return
	}

	report, err := b.analytics.Report(ctx, interaction.GuildID, time.Now().AddDate(0, 0, -7))
	if err != nil {
		b.respondEmbed(session, interaction, b.commandEmbed("Voice stats", "Report failed.", colorError, nil), true)
		return
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Events", Value: fmt.Sprintf("%d", report.Total), Inline: true},
		{Name: "Created", Value: fmt.Sprintf("%d", report.ByEvent[audit.EventChannelCreate]), Inline: true},
		{Name: "Removed", Value: fmt.Sprintf("%d", report.ByEvent[audit.EventChannelRemove]), Inline: true},
		{Name: "Owner changes", Value: fmt.Sprintf("%d", report.ByEvent[audit.EventOwnerChange]), Inline: true},
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Voice stats", "Last 7 days.", colorAction, fields), true)
}

func (b *Bot) respondModifyError(session *discordgo.Session, interaction *discordgo.InteractionCreate, err error) {
	switch {
	case errors.Is(err, tempvc.ErrNotOwner):
		b.respondEmbed(session, interaction, b.commandEmbed("Voice", "Only the channel owner can do that.", colorError, nil), true)
	case errors.Is(err, tempvc.ErrUnknownChannel):
		b.respondEmbed(session, interaction, b.commandEmbed("Voice", "This channel is not managed by me.", colorWarning, nil), true)
	default:
		b.logger.Warn("channel modification failed", zap.Error(err))
		b.respondEmbed(session, interaction, b.commandEmbed("Voice", "Updating the channel failed, please try again.", colorError, nil), true)
	}
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}

func interactionUserID(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func isAdmin(interaction *discordgo.InteractionCreate) bool {
	if interaction.Member == nil {
		return false
	}
	perms := interaction.Member.Permissions
	return perms&discordgo.PermissionAdministrator != 0 || perms&discordgo.PermissionManageChannels != 0
}

func formatLimit(limit int) string {
	if limit == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}
