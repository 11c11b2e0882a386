package bot

import (
	"context"
	"errors"
	"time"

	"vcwarden/internal/analytics"
	"vcwarden/internal/audit"
	"vcwarden/internal/config"
	"vcwarden/internal/storage"
	"vcwarden/internal/tempvc"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type Bot struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *storage.Store
	audit      *audit.Logger
	analytics  *analytics.Service
	session    *discordgo.Session
	controller *tempvc.Controller
	reconciler *tempvc.Reconciler
	stopCh     chan struct{}
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, auditLogger *audit.Logger, analyticsService *analytics.Service) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates

	gateway := tempvc.NewSessionGateway(session)
	controller := tempvc.NewController(store, gateway, auditLogger, logger, tempvc.Options{
		CreatesPerWindow: cfg.Voice.CreatesPerMinute,
		CreateWindow:     time.Minute,
	})

	return &Bot{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		audit:      auditLogger,
		analytics:  analyticsService,
		session:    session,
		controller: controller,
		reconciler: tempvc.NewReconciler(store, gateway, controller, logger),
		stopCh:     make(chan struct{}),
	}, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onVoiceStateUpdate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	if err := b.registerCommands(); err != nil {
		return err
	}

	b.startReconcileLoop()

	return nil
}

// Close stops the reconcile loop and closes the gateway session, giving up
// on the session once the context expires.
func (b *Bot) Close(ctx context.Context) {
	close(b.stopCh)
	if b.session == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = b.session.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("session close abandoned", zap.Error(ctx.Err()))
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username))
}

func (b *Bot) onVoiceStateUpdate(session *discordgo.Session, update *discordgo.VoiceStateUpdate) {
	if update.GuildID == "" || update.UserID == "" {
		return
	}
	if b.isBot(update.GuildID, update.UserID) {
		return
	}

	ctx := context.Background()
	cfg, err := b.guildVoiceConfig(ctx, update.GuildID)
	if err != nil {
		b.logger.Warn("guild voice config lookup failed", zap.String("guild_id", update.GuildID), zap.Error(err))
		return
	}

	before := ""
	if update.BeforeUpdate != nil {
		before = update.BeforeUpdate.ChannelID
	}
	event := tempvc.VoiceEvent{
		GuildID:         update.GuildID,
		UserID:          update.UserID,
		DisplayName:     b.displayName(update.GuildID, update.UserID),
		BeforeChannelID: before,
		AfterChannelID:  update.ChannelID,
	}

	if err := b.controller.HandleVoiceState(ctx, cfg, event); err != nil {
		if errors.Is(err, tempvc.ErrCooldown) {
			return
		}
		b.logger.Error("voice state handling failed",
			zap.String("guild_id", update.GuildID),
			zap.String("user_id", update.UserID),
			zap.Error(err))
	}
}

// guildVoiceConfig reads the per-guild settings, falling back to the process
// defaults for guilds that never ran /voice setup.
func (b *Bot) guildVoiceConfig(ctx context.Context, guildID string) (storage.GuildVoiceConfig, error) {
	defaults := storage.GuildVoiceConfig{
		DefaultMemberLimit: b.cfg.Voice.DefaultMemberLimit,
		DefaultBitrate:     b.cfg.Voice.DefaultBitrate,
	}
	return b.store.GetGuildVoiceConfig(ctx, guildID, defaults)
}

func (b *Bot) displayName(guildID, userID string) string {
	member, err := b.session.State.Member(guildID, userID)
	if err != nil {
		member, err = b.session.GuildMember(guildID, userID)
	}
	if err != nil || member == nil {
		return ""
	}
	if member.Nick != "" {
		return member.Nick
	}
	if member.User != nil {
		return member.User.Username
	}
	return ""
}

func (b *Bot) isBot(guildID, userID string) bool {
	member, err := b.session.State.Member(guildID, userID)
	if err != nil {
		member, err = b.session.GuildMember(guildID, userID)
	}
	if err != nil || member == nil || member.User == nil {
		return false
	}
	return member.User.Bot
}

// userVoiceChannel returns the channel the user is currently connected to,
// empty when they are not in voice.
func (b *Bot) userVoiceChannel(guildID, userID string) string {
	guild, err := b.session.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range guild.VoiceStates {
		if vs != nil && vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

func (b *Bot) startReconcileLoop() {
	if b.cfg.Voice.ReconcileMinutes <= 0 {
		return
	}
	interval := time.Duration(b.cfg.Voice.ReconcileMinutes) * time.Minute
	go func() {
		select {
		case <-time.After(30 * time.Second):
		case <-b.stopCh:
			return
		}
		b.runReconcile()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.runReconcile()
			case <-b.stopCh:
				return
			}
		}
	}()
}

func (b *Bot) runReconcile() {
	ctx := context.Background()
	summary, err := b.reconciler.Run(ctx)
	if err != nil {
		b.logger.Error("reconciliation failed", zap.Error(err))
		return
	}
	b.logger.Info("reconciliation finished", zap.String("summary", summary.String()))

	if b.cfg.Voice.AuditRetentionDays > 0 {
		if err := b.store.CleanupAuditLogs(ctx, b.cfg.Voice.AuditRetentionDays); err != nil {
			b.logger.Warn("audit log cleanup failed", zap.Error(err))
		}
	}
}
