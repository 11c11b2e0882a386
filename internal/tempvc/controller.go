package tempvc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vcwarden/internal/audit"
	"vcwarden/internal/storage"
	"vcwarden/internal/utils"

	"go.uber.org/zap"
)

// Platform-legal bounds for voice channel settings.
const (
	MinBitrate     = 8000
	MaxBitrate     = 96000
	MaxMemberLimit = 99
)

var (
	ErrUnknownChannel = errors.New("not a managed voice channel")
	ErrNotOwner       = errors.New("requester does not own the channel")
	ErrCooldown       = errors.New("channel creation throttled")
)

// Store is the persistence capability the lifecycle manager depends on.
// Implemented by storage.Store.
type Store interface {
	GetTempVoiceChannel(ctx context.Context, channelID string) (*storage.TempVoiceChannel, error)
	UpsertTempVoiceChannel(ctx context.Context, ch storage.TempVoiceChannel) error
	DeleteTempVoiceChannel(ctx context.Context, channelID string) error
	ListTempVoiceChannels(ctx context.Context) ([]storage.TempVoiceChannel, error)
}

// VoiceEvent is one voice-state transition for a single user. Channel IDs are
// empty when the user was not connected on that side of the transition.
type VoiceEvent struct {
	GuildID         string
	UserID          string
	DisplayName     string
	BeforeChannelID string
	AfterChannelID  string
}

// ModifyRequest is an owner or admin edit of a managed channel. Nil fields
// are left unchanged.
type ModifyRequest struct {
	ChannelID   string
	RequesterID string
	Admin       bool
	Name        *string
	MemberLimit *int
	Bitrate     *int // bps
}

type Options struct {
	// CreatesPerWindow bounds how many channels one user may spawn inside
	// CreateWindow. Zero values fall back to 2 per minute.
	CreatesPerWindow int
	CreateWindow     time.Duration
}

// Controller turns voice-state transitions into channel lifecycle actions.
// All mutations to one channel's row happen under that channel's lock;
// distinct channels proceed in parallel.
type Controller struct {
	store     Store
	gateway   Gateway
	audit     *audit.Logger
	logger    *zap.Logger
	locks     *utils.LockMap
	creations *utils.RateWindow
	maxCreate int
}

func NewController(store Store, gateway Gateway, auditLogger *audit.Logger, logger *zap.Logger, opts Options) *Controller {
	if opts.CreatesPerWindow <= 0 {
		opts.CreatesPerWindow = 2
	}
	if opts.CreateWindow <= 0 {
		opts.CreateWindow = time.Minute
	}
	return &Controller{
		store:     store,
		gateway:   gateway,
		audit:     auditLogger,
		logger:    logger,
		locks:     utils.NewLockMap(),
		creations: utils.NewRateWindow(opts.CreateWindow),
		maxCreate: opts.CreatesPerWindow,
	}
}

// HandleVoiceState processes a single transition: a departure from the
// previous channel, then either a creation (lobby join) or a join tracking
// update for the new channel.
func (c *Controller) HandleVoiceState(ctx context.Context, cfg storage.GuildVoiceConfig, event VoiceEvent) error {
	if event.BeforeChannelID == event.AfterChannelID {
		return nil
	}

	var firstErr error
	if event.BeforeChannelID != "" {
		firstErr = c.handleLeave(ctx, event)
	}
	if event.AfterChannelID != "" {
		var err error
		if cfg.Enabled && cfg.CreateChannelID != "" && event.AfterChannelID == cfg.CreateChannelID {
			err = c.handleCreate(ctx, cfg, event)
		} else {
			err = c.handleJoin(ctx, event)
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Modify applies an owner/admin edit. Permission is checked before any I/O;
// the row is only persisted after the gateway edit succeeds.
func (c *Controller) Modify(ctx context.Context, req ModifyRequest) (storage.TempVoiceChannel, error) {
	unlock := c.locks.Lock(req.ChannelID)
	defer unlock()

	row, err := c.store.GetTempVoiceChannel(ctx, req.ChannelID)
	if err != nil {
		return storage.TempVoiceChannel{}, err
	}
	if row == nil {
		return storage.TempVoiceChannel{}, ErrUnknownChannel
	}
	if !req.Admin && req.RequesterID != row.OwnerID {
		return storage.TempVoiceChannel{}, ErrNotOwner
	}
	if req.Name == nil && req.MemberLimit == nil && req.Bitrate == nil {
		return *row, nil
	}

	updated := *row
	var edit ChannelEdit
	if req.Name != nil {
		edit.Name = req.Name
		updated.Name = *req.Name
	}
	if req.MemberLimit != nil {
		limit := ClampMemberLimit(*req.MemberLimit)
		edit.MemberLimit = &limit
		updated.MemberLimit = limit
	}
	if req.Bitrate != nil {
		bitrate := ClampBitrate(*req.Bitrate)
		edit.Bitrate = &bitrate
		updated.Bitrate = bitrate
	}

	if err := c.gateway.EditChannel(ctx, req.ChannelID, edit); err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = c.store.DeleteTempVoiceChannel(ctx, req.ChannelID)
			return storage.TempVoiceChannel{}, ErrUnknownChannel
		}
		return storage.TempVoiceChannel{}, fmt.Errorf("edit channel: %w", err)
	}
	if err := c.store.UpsertTempVoiceChannel(ctx, updated); err != nil {
		return storage.TempVoiceChannel{}, err
	}
	return updated, nil
}

// Remove force-deletes a managed channel. The gateway delete runs first so a
// genuine failure keeps the row for the next reconciliation pass.
func (c *Controller) Remove(ctx context.Context, channelID, reason string) error {
	unlock := c.locks.Lock(channelID)
	defer unlock()

	row, err := c.store.GetTempVoiceChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if row == nil {
		return ErrUnknownChannel
	}
	return c.teardown(ctx, *row, reason)
}

func (c *Controller) handleCreate(ctx context.Context, cfg storage.GuildVoiceConfig, event VoiceEvent) error {
	key := event.GuildID + ":" + event.UserID
	if c.creations.Add(key, time.Now()) > c.maxCreate {
		c.audit.Log(ctx, audit.LevelWarn, event.GuildID, event.UserID, audit.EventCooldown, "channel creation throttled")
		return ErrCooldown
	}

	parentID, err := c.gateway.ChannelParent(ctx, cfg.CreateChannelID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("lobby lookup: %w", err)
	}

	name := ChannelName(event.DisplayName)
	limit := ClampMemberLimit(cfg.DefaultMemberLimit)
	bitrate := ClampBitrate(cfg.DefaultBitrate * 1000)

	channelID, err := c.gateway.CreateVoiceChannel(ctx, event.GuildID, name, parentID, limit, bitrate)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}

	unlock := c.locks.Lock(channelID)
	defer unlock()

	row := storage.TempVoiceChannel{
		ChannelID:   channelID,
		GuildID:     event.GuildID,
		CreatedBy:   event.UserID,
		OwnerID:     event.UserID,
		Name:        name,
		Bitrate:     bitrate,
		MemberLimit: limit,
		MemberCount: 1,
		MemberQueue: []string{event.UserID},
		CreatedAt:   time.Now(),
	}
	if err := c.store.UpsertTempVoiceChannel(ctx, row); err != nil {
		// Do not leave an unmanaged channel behind.
		_ = c.gateway.DeleteChannel(ctx, channelID, "failed to persist channel record")
		return fmt.Errorf("persist channel: %w", err)
	}

	if err := c.gateway.MoveMember(ctx, event.GuildID, event.UserID, channelID); err != nil {
		// The empty channel gets cleaned up by the next reconciliation pass.
		c.logger.Warn("move into new channel failed", zap.String("channel_id", channelID), zap.String("user_id", event.UserID), zap.Error(err))
	}

	c.audit.Log(ctx, audit.LevelInfo, event.GuildID, event.UserID, audit.EventChannelCreate, fmt.Sprintf("created %q (%s)", name, channelID))
	return nil
}

func (c *Controller) handleLeave(ctx context.Context, event VoiceEvent) error {
	channelID := event.BeforeChannelID
	unlock := c.locks.Lock(channelID)
	defer unlock()

	row, err := c.store.GetTempVoiceChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}

	occupants, err := c.gateway.ChannelOccupants(ctx, row.GuildID, channelID)
	if errors.Is(err, ErrNotFound) {
		return c.store.DeleteTempVoiceChannel(ctx, channelID)
	}
	if err != nil {
		return fmt.Errorf("occupants: %w", err)
	}

	if len(occupants) == 0 {
		return c.teardown(ctx, *row, "temporary channel empty")
	}

	updated := *row
	updated.MemberCount = len(occupants)
	updated.MemberQueue = ReconcileQueue(row.MemberQueue, occupants)
	if !memberOf(occupants, row.OwnerID) {
		if next, ok := NextOwner(row.MemberQueue, occupants); ok {
			updated.OwnerID = next
			c.audit.Log(ctx, audit.LevelInfo, row.GuildID, next, audit.EventOwnerChange, fmt.Sprintf("ownership of %s passed from %s", channelID, row.OwnerID))
		} else {
			// Occupied channel with no queued candidate; reconciliation
			// re-derives the queue from live occupants.
			c.logger.Warn("no successor candidate in occupied channel", zap.String("channel_id", channelID), zap.String("owner_id", row.OwnerID))
		}
	}

	if updated.Equal(*row) {
		return nil
	}
	return c.store.UpsertTempVoiceChannel(ctx, updated)
}

func (c *Controller) handleJoin(ctx context.Context, event VoiceEvent) error {
	channelID := event.AfterChannelID
	unlock := c.locks.Lock(channelID)
	defer unlock()

	row, err := c.store.GetTempVoiceChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}

	occupants, err := c.gateway.ChannelOccupants(ctx, row.GuildID, channelID)
	if errors.Is(err, ErrNotFound) {
		return c.store.DeleteTempVoiceChannel(ctx, channelID)
	}
	if err != nil {
		return fmt.Errorf("occupants: %w", err)
	}

	updated := *row
	updated.MemberQueue = AppendMember(row.MemberQueue, event.UserID)
	updated.MemberCount = len(occupants)
	if updated.Equal(*row) {
		return nil
	}
	return c.store.UpsertTempVoiceChannel(ctx, updated)
}

// teardown deletes the platform channel and then the row. NotFound from the
// gateway means someone else already deleted the channel; the row still goes.
func (c *Controller) teardown(ctx context.Context, row storage.TempVoiceChannel, reason string) error {
	if err := c.gateway.DeleteChannel(ctx, row.ChannelID, reason); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete channel: %w", err)
	}
	if err := c.store.DeleteTempVoiceChannel(ctx, row.ChannelID); err != nil {
		return err
	}
	c.audit.Log(ctx, audit.LevelInfo, row.GuildID, row.OwnerID, audit.EventChannelRemove, fmt.Sprintf("removed %q (%s): %s", row.Name, row.ChannelID, reason))
	return nil
}

// ChannelName builds the display name for a user's channel, with the
// singular-possessive adjustment for names already ending in "s".
func ChannelName(displayName string) string {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return "Temp VC"
	}
	if strings.HasSuffix(displayName, "s") {
		return displayName + "' VC"
	}
	return displayName + "'s VC"
}

func ClampBitrate(bps int) int {
	if bps < MinBitrate {
		return MinBitrate
	}
	if bps > MaxBitrate {
		return MaxBitrate
	}
	return bps
}

func ClampMemberLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	if limit > MaxMemberLimit {
		return MaxMemberLimit
	}
	return limit
}
