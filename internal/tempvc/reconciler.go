package tempvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vcwarden/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Reconciler repairs drift between persisted channel rows and live gateway
// state. Every mutation is an idempotent recompute, so the job can run
// concurrently with live event handling as long as both honor the same
// per-channel locks.
type Reconciler struct {
	store      Store
	gateway    Gateway
	controller *Controller
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewReconciler(store Store, gateway Gateway, controller *Controller, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		gateway:    gateway,
		controller: controller,
		// Channel deletes are REST calls; one per second keeps a large sweep
		// inside the global rate limit.
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		logger:  logger,
	}
}

// Summary is what the admin surface renders after a pass.
type Summary struct {
	Checked  int
	Orphans  int // rows whose channel no longer exists
	Emptied  int // live channels torn down for having no human occupants
	Repaired int // rows rewritten with recomputed membership or ownership
	Failed   int
}

func (s Summary) String() string {
	return fmt.Sprintf("checked=%d orphans=%d emptied=%d repaired=%d failed=%d", s.Checked, s.Orphans, s.Emptied, s.Repaired, s.Failed)
}

// Run processes every persisted row independently; one row's failure is
// logged and counted, not fatal. Cancellation is honored between rows.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	rows, err := r.store.ListTempVoiceChannels(ctx)
	if err != nil {
		return summary, err
	}

	for _, row := range rows {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		summary.Checked++
		if err := r.reconcileRow(ctx, row, &summary); err != nil {
			summary.Failed++
			r.logger.Warn("reconcile row failed", zap.String("channel_id", row.ChannelID), zap.Error(err))
		}
	}
	return summary, nil
}

func (r *Reconciler) reconcileRow(ctx context.Context, row storage.TempVoiceChannel, summary *Summary) error {
	unlock := r.controller.locks.Lock(row.ChannelID)
	defer unlock()

	// The row may have changed or vanished while waiting on the lock.
	current, err := r.store.GetTempVoiceChannel(ctx, row.ChannelID)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	row = *current

	occupants, err := r.gateway.ChannelOccupants(ctx, row.GuildID, row.ChannelID)
	if errors.Is(err, ErrNotFound) {
		if err := r.store.DeleteTempVoiceChannel(ctx, row.ChannelID); err != nil {
			return err
		}
		summary.Orphans++
		return nil
	}
	if err != nil {
		return err
	}

	if len(occupants) == 0 {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := r.controller.teardown(ctx, row, "reconciliation: channel empty"); err != nil {
			return err
		}
		summary.Emptied++
		return nil
	}

	updated := row
	updated.MemberCount = len(occupants)

	// Occupants missed while offline join the back of the queue, then the
	// queue is intersected with who is actually present.
	queue := row.MemberQueue
	for _, userID := range occupants {
		queue = AppendMember(queue, userID)
	}
	updated.MemberQueue = ReconcileQueue(queue, occupants)

	if !memberOf(occupants, row.OwnerID) {
		if next, ok := NextOwner(queue, occupants); ok {
			updated.OwnerID = next
		}
	}

	if updated.Equal(row) {
		return nil
	}
	if err := r.store.UpsertTempVoiceChannel(ctx, updated); err != nil {
		return err
	}
	summary.Repaired++
	return nil
}
