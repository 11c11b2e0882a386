package tempvc

import (
	"context"
	"errors"
)

// ErrNotFound is returned by gateway calls when the target channel no longer
// exists. Teardown paths treat it as success.
var ErrNotFound = errors.New("channel not found")

// ChannelEdit carries the fields of a channel modification. Nil means leave
// the field unchanged.
type ChannelEdit struct {
	Name        *string
	MemberLimit *int
	Bitrate     *int
}

// Gateway is the platform capability the lifecycle manager depends on.
// Implemented by SessionGateway; tests substitute a fake.
type Gateway interface {
	CreateVoiceChannel(ctx context.Context, guildID, name, parentID string, memberLimit, bitrate int) (string, error)
	DeleteChannel(ctx context.Context, channelID, reason string) error
	EditChannel(ctx context.Context, channelID string, edit ChannelEdit) error
	MoveMember(ctx context.Context, guildID, userID, channelID string) error
	ChannelParent(ctx context.Context, channelID string) (string, error)
	// ChannelOccupants returns the user IDs currently connected to the
	// channel, bot accounts excluded.
	ChannelOccupants(ctx context.Context, guildID, channelID string) ([]string, error)
}
