package tempvc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"vcwarden/internal/audit"
	"vcwarden/internal/storage"

	"go.uber.org/zap"
)

type fakeChannel struct {
	name     string
	parentID string
	limit    int
	bitrate  int
}

type fakeGateway struct {
	channels  map[string]*fakeChannel
	occupants map[string][]string
	moved     map[string]string
	nextID    int

	creates, deletes, edits, moves int

	createErr error
	deleteErr error
	editErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		channels:  make(map[string]*fakeChannel),
		occupants: make(map[string][]string),
		moved:     make(map[string]string),
	}
}

func (g *fakeGateway) addChannel(id, parentID string) {
	g.channels[id] = &fakeChannel{parentID: parentID}
}

func (g *fakeGateway) CreateVoiceChannel(_ context.Context, guildID, name, parentID string, memberLimit, bitrate int) (string, error) {
	g.creates++
	if g.createErr != nil {
		return "", g.createErr
	}
	g.nextID++
	id := fmt.Sprintf("vc%d", g.nextID)
	g.channels[id] = &fakeChannel{name: name, parentID: parentID, limit: memberLimit, bitrate: bitrate}
	return id, nil
}

func (g *fakeGateway) DeleteChannel(_ context.Context, channelID, reason string) error {
	g.deletes++
	if g.deleteErr != nil {
		return g.deleteErr
	}
	if _, ok := g.channels[channelID]; !ok {
		return ErrNotFound
	}
	delete(g.channels, channelID)
	delete(g.occupants, channelID)
	return nil
}

func (g *fakeGateway) EditChannel(_ context.Context, channelID string, edit ChannelEdit) error {
	g.edits++
	if g.editErr != nil {
		return g.editErr
	}
	channel, ok := g.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	if edit.Name != nil {
		channel.name = *edit.Name
	}
	if edit.MemberLimit != nil {
		channel.limit = *edit.MemberLimit
	}
	if edit.Bitrate != nil {
		channel.bitrate = *edit.Bitrate
	}
	return nil
}

func (g *fakeGateway) MoveMember(_ context.Context, guildID, userID, channelID string) error {
	g.moves++
	g.moved[userID] = channelID
	g.occupants[channelID] = append(g.occupants[channelID], userID)
	return nil
}

func (g *fakeGateway) ChannelParent(_ context.Context, channelID string) (string, error) {
	channel, ok := g.channels[channelID]
	if !ok {
		return "", ErrNotFound
	}
	return channel.parentID, nil
}

func (g *fakeGateway) ChannelOccupants(_ context.Context, guildID, channelID string) ([]string, error) {
	if _, ok := g.channels[channelID]; !ok {
		return nil, ErrNotFound
	}
	return g.occupants[channelID], nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func newTestController(t *testing.T, gateway *fakeGateway, opts Options) (*Controller, *storage.Store) {
	t.Helper()
	store := newTestStore(t)
	if opts.CreatesPerWindow == 0 {
		opts.CreatesPerWindow = 100
	}
	auditLogger := audit.NewLogger(store, zap.NewNop())
	return NewController(store, gateway, auditLogger, zap.NewNop(), opts), store
}

func testConfig() storage.GuildVoiceConfig {
	return storage.GuildVoiceConfig{
		GuildID:            "g1",
		CreateChannelID:    "lobby",
		DefaultMemberLimit: 5,
		DefaultBitrate:     64,
		Enabled:            true,
	}
}

func seedChannel(t *testing.T, store *storage.Store, gateway *fakeGateway, ch storage.TempVoiceChannel, occupants []string) {
	t.Helper()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	if err := store.UpsertTempVoiceChannel(context.Background(), ch); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	gateway.addChannel(ch.ChannelID, "")
	gateway.occupants[ch.ChannelID] = occupants
}

func TestLobbyJoinCreatesChannel(t *testing.T) {
	gateway := newFakeGateway()
	gateway.addChannel("lobby", "cat1")
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	event := VoiceEvent{GuildID: "g1", UserID: "max", DisplayName: "Max", AfterChannelID: "lobby"}
	if err := controller.HandleVoiceState(ctx, testConfig(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	created := gateway.channels["vc1"]
	if created == nil {
		t.Fatal("expected channel vc1 created")
	}
	if created.name != "Max's VC" {
		t.Fatalf("expected name Max's VC, got %q", created.name)
	}
	if created.parentID != "cat1" {
		t.Fatalf("expected parent cat1, got %q", created.parentID)
	}
	if created.limit != 5 {
		t.Fatalf("expected member limit 5, got %d", created.limit)
	}
	if created.bitrate != 64000 {
		t.Fatalf("expected bitrate 64000, got %d", created.bitrate)
	}
	if gateway.moved["max"] != "vc1" {
		t.Fatalf("expected max moved into vc1, got %q", gateway.moved["max"])
	}

	row, err := store.GetTempVoiceChannel(ctx, "vc1")
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if row == nil {
		t.Fatal("expected persisted row")
	}
	if row.OwnerID != "max" || row.CreatedBy != "max" {
		t.Fatalf("expected max as owner and creator: %+v", row)
	}
	if len(row.MemberQueue) != 1 || row.MemberQueue[0] != "max" {
		t.Fatalf("expected queue [max], got %v", row.MemberQueue)
	}
	if row.MemberCount != 1 {
		t.Fatalf("expected member count 1, got %d", row.MemberCount)
	}
}

func TestLobbyJoinDisabledGuild(t *testing.T) {
	gateway := newFakeGateway()
	gateway.addChannel("lobby", "")
	controller, _ := newTestController(t, gateway, Options{})

	cfg := testConfig()
	cfg.Enabled = false
	event := VoiceEvent{GuildID: "g1", UserID: "max", DisplayName: "Max", AfterChannelID: "lobby"}
	if err := controller.HandleVoiceState(context.Background(), cfg, event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gateway.creates != 0 {
		t.Fatalf("expected no creation for disabled guild, got %d", gateway.creates)
	}
}

func TestLobbyJoinCreateFailureLeavesNoRow(t *testing.T) {
	gateway := newFakeGateway()
	gateway.addChannel("lobby", "")
	gateway.createErr = errors.New("rate limited")
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	event := VoiceEvent{GuildID: "g1", UserID: "max", DisplayName: "Max", AfterChannelID: "lobby"}
	if err := controller.HandleVoiceState(ctx, testConfig(), event); err == nil {
		t.Fatal("expected error from failed creation")
	}

	rows, err := store.ListTempVoiceChannels(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no persisted rows, got %d", len(rows))
	}
}

func TestLobbyJoinCooldown(t *testing.T) {
	gateway := newFakeGateway()
	gateway.addChannel("lobby", "")
	controller, _ := newTestController(t, gateway, Options{CreatesPerWindow: 1, CreateWindow: time.Minute})
	ctx := context.Background()

	event := VoiceEvent{GuildID: "g1", UserID: "max", DisplayName: "Max", AfterChannelID: "lobby"}
	if err := controller.HandleVoiceState(ctx, testConfig(), event); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := controller.HandleVoiceState(ctx, testConfig(), event)
	if !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected cooldown error, got %v", err)
	}
	if gateway.creates != 1 {
		t.Fatalf("expected single gateway create, got %d", gateway.creates)
	}
}

func TestOwnerLeaveSuccession(t *testing.T) {
	gateway := newFakeGateway()
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	seedChannel(t, store, gateway, storage.TempVoiceChannel{
		ChannelID:   "vc9",
		GuildID:     "g1",
		CreatedBy:   "max",
		OwnerID:     "max",
		Name:        "Max's VC",
		MemberCount: 2,
		MemberQueue: []string{"max", "sam"},
	}, []string{"sam"})

	event := VoiceEvent{GuildID: "g1", UserID: "max", DisplayName: "Max", BeforeChannelID: "vc9"}
	if err := controller.HandleVoiceState(ctx, testConfig(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	row, err := store.GetTempVoiceChannel(ctx, "vc9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row == nil {
		t.Fatal("channel should not have been deleted")
	}
	if row.OwnerID != "sam" {
		t.Fatalf("expected ownership passed to sam, got %q", row.OwnerID)
	}
	if row.MemberCount != 1 {
		t.Fatalf("expected member count 1, got %d", row.MemberCount)
	}
	if len(row.MemberQueue) != 1 || row.MemberQueue[0] != "sam" {
		t.Fatalf("expected queue [sam], got %v", row.MemberQueue)
	}
	if gateway.deletes != 0 {
		t.Fatal("channel must not be deleted while occupied")
	}
}

func TestNonOwnerLeaveKeepsOwner(t *testing.T) {
	gateway := newFakeGateway()
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	seedChannel(t, store, gateway, storage.TempVoiceChannel{
		ChannelID:   "vc9",
		GuildID:     "g1",
		CreatedBy:   "max",
		OwnerID:     "max",
		Name:        "Max's VC",
		MemberCount: 2,
		MemberQueue: []string{"max", "sam"},
	}, []string{"max"})

	event := VoiceEvent{GuildID: "g1", UserID: "sam", DisplayName: "Sam", BeforeChannelID: "vc9"}
	if err := controller.HandleVoiceState(ctx, testConfig(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	row, _ := store.GetTempVoiceChannel(ctx, "vc9")
	if row.OwnerID != "max" {
		t.Fatalf("owner must be unchanged, got %q", row.OwnerID)
	}
	if len(row.MemberQueue) != 1 || row.MemberQueue[0] != "max" {
		t.Fatalf("expected queue [max], got %v", row.MemberQueue)
	}
}

func TestLastOccupantLeaveTearsDown(t *testing.T) {
	gateway := newFakeGateway()
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	seedChannel(t, store, gateway, storage.TempVoiceChannel{
		ChannelID:   "vc9",
		GuildID:     "g1",
		CreatedBy:   "max",
		OwnerID:     "max",
		Name:        "Max's VC",
		MemberCount: 1,
		MemberQueue: []string{"max"},
	}, nil)

	event := VoiceEvent{GuildID: "g1", UserID: "max", DisplayName: "Max", BeforeChannelID: "vc9"}
	if err := controller.HandleVoiceState(ctx, testConfig(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, ok := gateway.channels["vc9"]; ok {
		t.Fatal("expected platform channel deleted")
	}
	row, err := store.GetTempVoiceChannel(ctx, "vc9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row != nil {
		t.Fatal("expected row deleted")
	}
}

func TestJoinTracksMembership(t *testing.T) {
	gateway := newFakeGateway()
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	seedChannel(t, store, gateway, storage.TempVoiceChannel{
		ChannelID:   "vc9",
		GuildID:     "g1",
		CreatedBy:   "max",
		OwnerID:     "max",
		Name:        "Max's VC",
		MemberCount: 1,
		MemberQueue: []string{"max"},
	}, []string{"max", "sam"})

	event := VoiceEvent{GuildID: "g1", UserID: "sam", DisplayName: "Sam", AfterChannelID: "vc9"}
	if err := controller.HandleVoiceState(ctx, testConfig(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	row, _ := store.GetTempVoiceChannel(ctx, "vc9")
	if len(row.MemberQueue) != 2 || row.MemberQueue[1] != "sam" {
		t.Fatalf("expected sam appended to queue, got %v", row.MemberQueue)
	}
	if row.MemberCount != 2 {
		t.Fatalf("expected member count 2, got %d", row.MemberCount)
	}
	if row.OwnerID != "max" {
		t.Fatalf("owner must be unchanged on join, got %q", row.OwnerID)
	}
}

func TestModifyRequiresOwnership(t *testing.T) {
	gateway := newFakeGateway()
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	seedChannel(t, store, gateway, storage.TempVoiceChannel{
		ChannelID: "vc9", GuildID: "g1", CreatedBy: "max", OwnerID: "max", Name: "Max's VC",
	}, []string{"max"})

	name := "hijacked"
	_, err := controller.Modify(ctx, ModifyRequest{ChannelID: "vc9", RequesterID: "sam", Name: &name})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if gateway.edits != 0 {
		t.Fatal("permission denial must happen before any gateway call")
	}

	// Admin privilege overrides ownership.
	if _, err := controller.Modify(ctx, ModifyRequest{ChannelID: "vc9", RequesterID: "sam", Admin: true, Name: &name}); err != nil {
		t.Fatalf("admin modify: %v", err)
	}
	row, _ := store.GetTempVoiceChannel(ctx, "vc9")
	if row.Name != "hijacked" {
		t.Fatalf("expected name updated, got %q", row.Name)
	}
}

func TestModifyClampsValues(t *testing.T) {
	gateway := newFakeGateway()
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	seedChannel(t, store, gateway, storage.TempVoiceChannel{
		ChannelID: "vc9", GuildID: "g1", CreatedBy: "max", OwnerID: "max", Name: "Max's VC",
	}, []string{"max"})

	limit := 500
	bitrate := 500000
	updated, err := controller.Modify(ctx, ModifyRequest{ChannelID: "vc9", RequesterID: "max", MemberLimit: &limit, Bitrate: &bitrate})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if updated.MemberLimit != MaxMemberLimit {
		t.Fatalf("expected limit clamped to %d, got %d", MaxMemberLimit, updated.MemberLimit)
	}
	if updated.Bitrate != MaxBitrate {
		t.Fatalf("expected bitrate clamped to %d, got %d", MaxBitrate, updated.Bitrate)
	}
	if gateway.channels["vc9"].limit != MaxMemberLimit || gateway.channels["vc9"].bitrate != MaxBitrate {
		t.Fatal("clamped values must be what reaches the gateway")
	}
}

func TestModifyGatewayFailureKeepsRow(t *testing.T) {
	gateway := newFakeGateway()
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	seedChannel(t, store, gateway, storage.TempVoiceChannel{
		ChannelID: "vc9", GuildID: "g1", CreatedBy: "max", OwnerID: "max", Name: "Max's VC",
	}, []string{"max"})

	gateway.editErr = errors.New("rate limited")
	name := "new name"
	if _, err := controller.Modify(ctx, ModifyRequest{ChannelID: "vc9", RequesterID: "max", Name: &name}); err == nil {
		t.Fatal("expected error")
	}
	row, _ := store.GetTempVoiceChannel(ctx, "vc9")
	if row.Name != "Max's VC" {
		t.Fatalf("row must be unchanged after gateway failure, got %q", row.Name)
	}
}

func TestRemoveIdempotentOnMissingChannel(t *testing.T) {
	gateway := newFakeGateway()
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	// Row exists but the channel is already gone on the platform.
	if err := store.UpsertTempVoiceChannel(ctx, storage.TempVoiceChannel{
		ChannelID: "vc9", GuildID: "g1", CreatedBy: "max", OwnerID: "max", Name: "Max's VC", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := controller.Remove(ctx, "vc9", "admin cleanup"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	row, _ := store.GetTempVoiceChannel(ctx, "vc9")
	if row != nil {
		t.Fatal("expected row removed despite missing platform channel")
	}
}

func TestRemoveTransientFailureKeepsRow(t *testing.T) {
	gateway := newFakeGateway()
	controller, store := newTestController(t, gateway, Options{})
	ctx := context.Background()

	seedChannel(t, store, gateway, storage.TempVoiceChannel{
		ChannelID: "vc9", GuildID: "g1", CreatedBy: "max", OwnerID: "max", Name: "Max's VC",
	}, []string{"max"})

	gateway.deleteErr = errors.New("rate limited")
	if err := controller.Remove(ctx, "vc9", "admin cleanup"); err == nil {
		t.Fatal("expected error")
	}
	row, _ := store.GetTempVoiceChannel(ctx, "vc9")
	if row == nil {
		t.Fatal("row must survive a failed platform delete")
	}
}
