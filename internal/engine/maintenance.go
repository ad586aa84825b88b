package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Worker cadence. Demotion runs often enough that the hot tier tracks real
// access behavior; the heavier scans run on long periods.
const (
	tierSweepInterval    = 5 * time.Minute
	loopSweepInterval    = time.Hour
	patternInterval      = 6 * time.Hour
	sessionPurgeInterval = time.Minute
	retentionInterval    = 24 * time.Hour
	pressureInterval     = time.Hour

	sweepBatch = 200

	// accessLogRetention bounds the temporal signal the pattern detector
	// reads; older bins add nothing past the stable window.
	accessLogRetention = 90 * 24 * time.Hour

	// frameRetention keeps closed frames around for debugging recent
	// context, nothing reads them after that.
	frameRetention = 30 * 24 * time.Hour

	// entityIdleAge is how long an entity must be orphaned before GC
	// collects it.
	entityIdleAge = 30 * 24 * time.Hour
)

// RunWorkers runs the background maintenance loops until ctx is cancelled:
// tier demotion, loop expiry, pattern recomputation, session and retention
// purges, and the care-pressure scan. Each loop survives per-tick errors;
// only ctx cancellation stops them.
func (e *Engine) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	wl := logging.Get(logging.CategoryWorkers)
	wl.Info("maintenance workers starting")

	g.Go(func() error { return e.every(ctx, tierSweepInterval, "tier_sweep", e.sweepTiers) })
	g.Go(func() error { return e.every(ctx, loopSweepInterval, "loop_sweep", e.sweepLoops) })
	g.Go(func() error { return e.every(ctx, patternInterval, "pattern_recompute", e.recomputePatterns) })
	g.Go(func() error { return e.every(ctx, sessionPurgeInterval, "session_purge", e.purgeSessions) })
	g.Go(func() error { return e.every(ctx, retentionInterval, "retention", e.enforceRetention) })
	g.Go(func() error { return e.every(ctx, pressureInterval, "care_pressure", e.scanCarePressure) })
	g.Go(func() error { return e.every(ctx, tierSweepInterval, "prefetch", e.runPrefetch) })

	err := g.Wait()
	wl.Info("maintenance workers stopped")
	if err == context.Canceled {
		return nil
	}
	return err
}

// every runs fn on a ticker. Errors are logged and the loop keeps going; a
// maintenance failure is never fatal to the process.
func (e *Engine) every(ctx context.Context, interval time.Duration, name string, fn func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	wl := logging.Get(logging.CategoryWorkers)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(); err != nil {
				wl.Error("%s: %v", name, err)
			}
		}
	}
}

func (e *Engine) sweepTiers() error {
	hot, err := e.tiers.DemoteIdleHot(sweepBatch)
	if err != nil {
		return fmt.Errorf("demote hot: %w", err)
	}
	warm, err := e.tiers.DemoteIdleWarm(sweepBatch)
	if err != nil {
		return fmt.Errorf("demote warm: %w", err)
	}
	if hot+warm > 0 {
		logging.Get(logging.CategoryWorkers).Debug("demoted %d hot, %d warm", hot, warm)
	}
	return nil
}

func (e *Engine) sweepLoops() error {
	_, err := e.loops.SweepExpired(sweepBatch)
	return err
}

// recomputePatterns rebuilds every active user's temporal pattern from the
// access log. Patterns are replaced wholesale.
func (e *Engine) recomputePatterns() error {
	users, err := e.store.PatternUserIDs()
	if err != nil {
		return err
	}
	for _, userID := range users {
		if _, err := e.patterns.Compute(userID); err != nil {
			logging.Get(logging.CategoryWorkers).Warn("pattern for user=%s: %v", userID, err)
		}
	}
	return nil
}

func (e *Engine) runPrefetch() error {
	users, err := e.store.PatternUserIDs()
	if err != nil {
		return err
	}
	for _, userID := range users {
		if _, err := e.prefetch.Run(userID); err != nil {
			logging.Get(logging.CategoryWorkers).Warn("prefetch for user=%s: %v", userID, err)
		}
	}
	return nil
}

func (e *Engine) purgeSessions() error {
	_, err := e.store.PurgeSessions(e.now())
	return err
}

// enforceRetention is the daily cleanup: hard-delete memories past the
// restore grace, drop stale access-log bins and closed frames, collect
// orphaned entities.
func (e *Engine) enforceRetention() error {
	now := e.now()
	wl := logging.Get(logging.CategoryWorkers)

	ids, err := e.store.DeletedBefore(now.Add(-restoreGrace), sweepBatch)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.store.PurgeMemory(id); err != nil {
			wl.Warn("purge memory %s: %v", id, err)
		}
	}
	if len(ids) > 0 {
		wl.Info("purged %d deleted memories", len(ids))
	}

	if _, err := e.store.PurgeAccessLog(now.Add(-accessLogRetention)); err != nil {
		return err
	}
	if _, err := e.store.PurgeFrames(now.Add(-frameRetention)); err != nil {
		return err
	}

	orphans, err := e.store.OrphanEntities(now.Add(-entityIdleAge), sweepBatch)
	if err != nil {
		return err
	}
	for _, id := range orphans {
		if err := e.store.DeleteEntity(id); err != nil {
			wl.Warn("delete orphan entity %s: %v", id, err)
		}
	}
	if len(orphans) > 0 {
		wl.Info("collected %d orphan entities", len(orphans))
	}
	return nil
}

// scanCarePressure checks each user's care circle for sustained negative
// drift and records a notification, at most once per entity per cooldown.
func (e *Engine) scanCarePressure() error {
	users, err := e.store.UserIDs()
	if err != nil {
		return err
	}
	now := e.now()
	cooldown := e.cfg.Options.NotificationCooldown()

	for _, userID := range users {
		selfID, err := e.selfEntity(userID)
		if err != nil {
			return err
		}
		signals, err := e.relations.CheckPressure(userID, selfID)
		if err != nil {
			return err
		}
		for _, sig := range signals {
			last, err := e.store.LastNotification(userID, "care_pressure", sig.Entity.ID)
			if err != nil {
				return err
			}
			if !last.IsZero() && now.Sub(last) < cooldown {
				continue
			}
			n := &types.Notification{
				ID:        uuid.NewString(),
				UserID:    userID,
				Kind:      "care_pressure",
				EntityID:  sig.Entity.ID,
				Payload:   fmt.Sprintf("relationship with %s declining (ema=%.2f)", sig.Entity.Name, sig.Rel.ValenceEMA),
				Status:    "recorded",
				CreatedAt: now,
			}
			if err := e.store.InsertNotification(n); err != nil {
				return err
			}
			logging.Get(logging.CategoryWorkers).Info("care pressure recorded for user=%s entity=%s",
				userID, sig.Entity.Name)
		}
	}
	return nil
}
