package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// TempVoiceChannel mirrors one live temporary voice channel. A row exists
// exactly as long as the channel is believed to exist on the gateway.
type TempVoiceChannel struct {
	ChannelID   string
	GuildID     string
	CreatedBy   string
	OwnerID     string
	Name        string
	Bitrate     int
	MemberLimit int
	MemberCount int
	MemberQueue []string
	CreatedAt   time.Time
}

// Equal reports whether the mutable fields of two rows match. Creation
// metadata is immutable and not compared.
func (t TempVoiceChannel) Equal(other TempVoiceChannel) bool {
	if t.ChannelID != other.ChannelID ||
		t.OwnerID != other.OwnerID ||
		t.Name != other.Name ||
		t.Bitrate != other.Bitrate ||
		t.MemberLimit != other.MemberLimit ||
		t.MemberCount != other.MemberCount {
		return false
	}
	if len(t.MemberQueue) != len(other.MemberQueue) {
		return false
	}
	for i := range t.MemberQueue {
		if t.MemberQueue[i] != other.MemberQueue[i] {
			return false
		}
	}
	return true
}

type GuildVoiceConfig struct {
	GuildID            string
	CreateChannelID    string
	DefaultMemberLimit int
	DefaultBitrate     int
	Enabled            bool
}

// GetTempVoiceChannel returns nil when no row exists for the channel.
func (s *Store) GetTempVoiceChannel(ctx context.Context, channelID string) (*TempVoiceChannel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel_id, guild_id, created_by, owner_id, name, bitrate,
		member_limit, member_count, member_queue, created_at
		FROM temp_voice_channels WHERE channel_id = ?`, channelID)

	ch, err := scanTempVoiceChannel(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ch, nil
}

func (s *Store) UpsertTempVoiceChannel(ctx context.Context, ch TempVoiceChannel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO temp_voice_channels (
			channel_id, guild_id, created_by, owner_id, name, bitrate,
			member_limit, member_count, member_queue, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			bitrate = excluded.bitrate,
			member_limit = excluded.member_limit,
			member_count = excluded.member_count,
			member_queue = excluded.member_queue
	`,
		ch.ChannelID,
		ch.GuildID,
		ch.CreatedBy,
		ch.OwnerID,
		ch.Name,
		ch.Bitrate,
		ch.MemberLimit,
		ch.MemberCount,
		encodeMemberQueue(ch.MemberQueue),
		ch.CreatedAt.Unix(),
	)
	return err
}

func (s *Store) DeleteTempVoiceChannel(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM temp_voice_channels WHERE channel_id = ?`, channelID)
	return err
}

func (s *Store) ListTempVoiceChannels(ctx context.Context) ([]TempVoiceChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, guild_id, created_by, owner_id, name, bitrate,
		member_limit, member_count, member_queue, created_at
		FROM temp_voice_channels ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []TempVoiceChannel
	for rows.Next() {
		ch, err := scanTempVoiceChannel(rows.Scan)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// GetGuildVoiceConfig returns the stored config for the guild, falling back
// to the supplied defaults when no row exists yet.
func (s *Store) GetGuildVoiceConfig(ctx context.Context, guildID string, defaults GuildVoiceConfig) (GuildVoiceConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT create_channel_id, default_member_limit, default_bitrate, enabled
		FROM guild_voice_configs WHERE guild_id = ?`, guildID)

	result := defaults
	result.GuildID = guildID

	var enabled int
	err := row.Scan(
		&result.CreateChannelID,
		&result.DefaultMemberLimit,
		&result.DefaultBitrate,
		&enabled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, nil
		}
		return GuildVoiceConfig{}, err
	}
	result.Enabled = enabled == 1
	return result, nil
}

func (s *Store) UpsertGuildVoiceConfig(ctx context.Context, cfg GuildVoiceConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_voice_configs (
			guild_id, create_channel_id, default_member_limit, default_bitrate, enabled
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			create_channel_id = excluded.create_channel_id,
			default_member_limit = excluded.default_member_limit,
			default_bitrate = excluded.default_bitrate,
			enabled = excluded.enabled
	`,
		cfg.GuildID,
		cfg.CreateChannelID,
		cfg.DefaultMemberLimit,
		cfg.DefaultBitrate,
		boolToInt(cfg.Enabled),
	)
	return err
}

func scanTempVoiceChannel(scan func(...any) error) (TempVoiceChannel, error) {
	var ch TempVoiceChannel
	var queue string
	var created int64
	err := scan(
		&ch.ChannelID,
		&ch.GuildID,
		&ch.CreatedBy,
		&ch.OwnerID,
		&ch.Name,
		&ch.Bitrate,
		&ch.MemberLimit,
		&ch.MemberCount,
		&queue,
		&created,
	)
	if err != nil {
		return TempVoiceChannel{}, err
	}
	ch.MemberQueue = decodeMemberQueue(queue)
	ch.CreatedAt = time.Unix(created, 0)
	return ch, nil
}

// The member queue is stored as a comma-delimited scalar. Discord snowflake
// IDs are numeric, so the delimiter can never appear inside an entry.
func encodeMemberQueue(queue []string) string {
	return strings.Join(queue, ",")
}

func decodeMemberQueue(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}
