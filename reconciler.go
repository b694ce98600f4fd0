package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

// ============================================================================
// Voice Reconciler
// ============================================================================

const (
	MsgReconcilerStarted    = "Reconciler started (interval %v)"
	MsgReconcilerStopped    = "Reconciler stopped"
	MsgReconcilerScanFail   = "Failed to scan pending joins: %v"
	MsgReconcilerBadRecord  = "Unparsable voice record (guild=%q channel=%q): %v"
	MsgReconcilerQuarantine = "Deleting voice record for guild %q after %d unparsable ticks"
	MsgReconcilerStale      = "Skipping stale join for guild %s (requested %v ago)"
	MsgReconcilerJoining    = "Reconciling join for guild %s -> channel %s"
	MsgReconcilerJoinFail   = "Reconcile join failed for guild %s: %v"
	MsgReconcilerDeleteFail = "Failed to delete voice record for guild %s: %v"
)

const (
	reconcileInterval   = 2 * time.Second
	reconcileStaleAfter = 5 * time.Minute
	reconcileBadLimit   = 3
)

func init() {
	RegisterDaemon(LogReconciler, func(ctx context.Context) (bool, func(), func()) {
		r := NewReconciler(GetVoiceManager())
		return true, func() { r.Run(ctx) }, func() {}
	})
}

// Reconciler drives persisted join desire toward live session state. It
// is the recovery path after restarts and failed direct joins; the
// command path writes records, this loop makes them true.
type Reconciler struct {
	vm      *VoiceSystem
	limiter *rate.Limiter

	mu       sync.Mutex
	badTicks map[string]int
}

func NewReconciler(vm *VoiceSystem) *Reconciler {
	return &Reconciler{
		vm:       vm,
		limiter:  rate.NewLimiter(rate.Limit(2), 4),
		badTicks: make(map[string]int),
	}
}

// Run ticks until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	LogReconciler(MsgReconcilerStarted, reconcileInterval)
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			LogReconciler(MsgReconcilerStopped)
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick scans every pending join record and acts on each one. A bad or
// failing record never aborts the scan; the rest of the batch still
// gets processed.
func (r *Reconciler) Tick(ctx context.Context) {
	records, err := GetPendingJoins(ctx)
	if err != nil {
		LogReconciler(MsgReconcilerScanFail, err)
		return
	}
	for _, rec := range records {
		r.reconcile(ctx, rec)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, rec *VoiceConnectionRecord) {
	guildID, gErr := snowflake.Parse(rec.GuildID)
	channelID, cErr := snowflake.Parse(rec.ChannelID)
	if gErr != nil || cErr != nil {
		r.noteBadRecord(ctx, rec, errors.Join(gErr, cErr))
		return
	}
	r.clearBadRecord(rec.GuildID)

	driver := r.vm.Driver()
	if driver == nil {
		return
	}
	if boundChannel, ok := driver.GetLiveSession(guildID); ok && boundChannel == channelID {
		return
	}

	if age := time.Since(rec.ConnectedAt); age > reconcileStaleAfter {
		LogReconciler(MsgReconcilerStale, guildID, age.Round(time.Second))
		return
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return
	}

	LogReconciler(MsgReconcilerJoining, guildID, channelID)
	err := r.vm.JoinWithRetry(ctx, guildID, channelID)
	if err == nil {
		return
	}
	LogReconciler(MsgReconcilerJoinFail, guildID, err)
	if errors.Is(err, ErrJoin) {
		RecordMetric(MetricJoinFailed)
		if err := DeleteVoiceConnection(ctx, rec.GuildID); err != nil {
			LogReconciler(MsgReconcilerDeleteFail, guildID, err)
		}
	}
}

// noteBadRecord counts consecutive ticks a record failed to parse and
// deletes it once the limit is hit, so a corrupt row cannot occupy the
// scan forever.
func (r *Reconciler) noteBadRecord(ctx context.Context, rec *VoiceConnectionRecord, parseErr error) {
	LogReconciler(MsgReconcilerBadRecord, rec.GuildID, rec.ChannelID, parseErr)

	r.mu.Lock()
	r.badTicks[rec.GuildID]++
	count := r.badTicks[rec.GuildID]
	if count >= reconcileBadLimit {
		delete(r.badTicks, rec.GuildID)
	}
	r.mu.Unlock()

	if count >= reconcileBadLimit {
		LogReconciler(MsgReconcilerQuarantine, rec.GuildID, count)
		if err := DeleteVoiceConnection(ctx, rec.GuildID); err != nil {
			LogReconciler(MsgReconcilerDeleteFail, rec.GuildID, err)
		}
	}
}

func (r *Reconciler) clearBadRecord(guildID string) {
	r.mu.Lock()
	delete(r.badTicks, guildID)
	r.mu.Unlock()
}
