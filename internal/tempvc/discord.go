package tempvc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// SessionGateway adapts a discordgo session to the Gateway contract.
type SessionGateway struct {
	session *discordgo.Session
}

func NewSessionGateway(session *discordgo.Session) *SessionGateway {
	return &SessionGateway{session: session}
}

func (g *SessionGateway) CreateVoiceChannel(ctx context.Context, guildID, name, parentID string, memberLimit, bitrate int) (string, error) {
	channel, err := g.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:      name,
		Type:      discordgo.ChannelTypeGuildVoice,
		ParentID:  parentID,
		UserLimit: memberLimit,
		Bitrate:   bitrate,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapNotFound(err)
	}
	return channel.ID, nil
}

func (g *SessionGateway) DeleteChannel(ctx context.Context, channelID, reason string) error {
	_, err := g.session.ChannelDelete(channelID, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
	return mapNotFound(err)
}

// channelEditBody is the PATCH payload for channel edits. discordgo's own
// ChannelEdit cannot carry a zero user_limit and always writes position, so
// the body is built here with pointer fields and only what the caller set.
type channelEditBody struct {
	Name      *string `json:"name,omitempty"`
	UserLimit *int    `json:"user_limit,omitempty"`
	Bitrate   *int    `json:"bitrate,omitempty"`
}

func (g *SessionGateway) EditChannel(ctx context.Context, channelID string, edit ChannelEdit) error {
	body := channelEditBody{
		Name:      edit.Name,
		UserLimit: edit.MemberLimit,
		Bitrate:   edit.Bitrate,
	}
	endpoint := discordgo.EndpointChannel(channelID)
	_, err := g.session.RequestWithBucketID("PATCH", endpoint, body, endpoint, discordgo.WithContext(ctx))
	return mapNotFound(err)
}

func (g *SessionGateway) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	return mapNotFound(g.session.GuildMemberMove(guildID, userID, &channelID, discordgo.WithContext(ctx)))
}

func (g *SessionGateway) ChannelParent(ctx context.Context, channelID string) (string, error) {
	if channel, err := g.session.State.Channel(channelID); err == nil {
		return channel.ParentID, nil
	}
	channel, err := g.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapNotFound(err)
	}
	return channel.ParentID, nil
}

func (g *SessionGateway) ChannelOccupants(ctx context.Context, guildID, channelID string) ([]string, error) {
	if _, err := g.session.State.Channel(channelID); err != nil {
		// Not in state cache; confirm against the REST API before treating
		// the channel as gone.
		if _, rerr := g.session.Channel(channelID, discordgo.WithContext(ctx)); rerr != nil {
			return nil, mapNotFound(rerr)
		}
	}

	guild, err := g.session.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("guild %s not in state: %w", guildID, err)
	}

	var occupants []string
	for _, vs := range guild.VoiceStates {
		if vs == nil || vs.ChannelID != channelID {
			continue
		}
		if g.isBot(guildID, vs.UserID) {
			continue
		}
		occupants = append(occupants, vs.UserID)
	}
	return occupants, nil
}

func (g *SessionGateway) isBot(guildID, userID string) bool {
	if member, err := g.session.State.Member(guildID, userID); err == nil && member.User != nil {
		return member.User.Bot
	}
	if member, err := g.session.GuildMember(guildID, userID); err == nil && member.User != nil {
		return member.User.Bot
	}
	return false
}

func mapNotFound(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownChannel {
			return ErrNotFound
		}
		if restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
	}
	return err
}
