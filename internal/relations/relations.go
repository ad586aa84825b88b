// Package relations maintains the relationship graph as a side effect of
// ingest. Each memory mentioning people bumps the user->person edges:
// interaction count, valence EMA, recent-valence window, trend and
// sensitivity list. The ingest pipeline is the only writer, so updates are
// last-write-wins per edge without coordination.
package relations

import (
	"time"

	"github.com/google/uuid"

	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

const (
	// emaAlpha weights the newest valence observation.
	emaAlpha = 0.1

	// recentWindow is how many raw valences the trend looks at.
	recentWindow = 10

	// trendDelta is the recent-vs-EMA gap that flips the trend label.
	trendDelta = 0.15
)

// Updater applies relationship consequences of ingested memories.
type Updater struct {
	store *store.Store
	now   func() time.Time
}

// New creates an updater.
func New(st *store.Store) *Updater {
	return &Updater{store: st, now: time.Now}
}

// Apply updates the user's edge to every resolved person mentioned in the
// memory. selfID is the entity representing the user.
func (u *Updater) Apply(selfID string, mem *types.Memory, feats types.Features) error {
	now := u.now()
	for _, p := range feats.People {
		if p.EntityID == "" || p.EntityID == selfID {
			continue
		}
		if err := u.touch(mem.UserID, selfID, p.EntityID, feats, now); err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) touch(userID, fromID, toID string, feats types.Features, now time.Time) error {
	rel, err := u.store.GetRelationship(userID, fromID, toID)
	if err != nil {
		return err
	}
	if rel == nil {
		rel = &types.Relationship{
			ID:           uuid.NewString(),
			UserID:       userID,
			FromEntityID: fromID,
			ToEntityID:   toID,
			Trend:        types.TrendStable,
		}
	}

	rel.Interactions++
	rel.LastInteraction = now

	if rel.Interactions == 1 {
		rel.ValenceEMA = feats.Valence
	} else {
		rel.ValenceEMA = emaAlpha*feats.Valence + (1-emaAlpha)*rel.ValenceEMA
	}
	rel.RecentValences = append(rel.RecentValences, feats.Valence)
	if len(rel.RecentValences) > recentWindow {
		rel.RecentValences = rel.RecentValences[len(rel.RecentValences)-recentWindow:]
	}
	rel.Trend = trend(rel.ValenceEMA, rel.RecentValences)

	for _, topic := range feats.Sensitive {
		rel.Sensitivities = appendUnique(rel.Sensitivities, topic)
	}

	if err := u.store.PutRelationship(rel); err != nil {
		return err
	}
	logging.Get(logging.CategoryRelations).Debug(
		"edge %s->%s: n=%d ema=%.2f trend=%s", fromID, toID, rel.Interactions, rel.ValenceEMA, rel.Trend)
	return nil
}

// trend compares the mean of the recent raw valences against the long EMA.
func trend(ema float64, recent []float64) types.Trend {
	if len(recent) < 3 {
		return types.TrendStable
	}
	var sum float64
	for _, v := range recent {
		sum += v
	}
	mean := sum / float64(len(recent))
	switch {
	case mean > ema+trendDelta:
		return types.TrendImproving
	case mean < ema-trendDelta:
		return types.TrendDeclining
	default:
		return types.TrendStable
	}
}

// PressureSignal describes a care-circle member whose relationship shows
// sustained negative drift.
type PressureSignal struct {
	Entity *types.Entity
	Rel    *types.Relationship
}

// CheckPressure scans the user's care circle for declining, negative-EMA
// relationships. The caller is responsible for the notification cooldown.
func (u *Updater) CheckPressure(userID, selfID string) ([]PressureSignal, error) {
	circle, err := u.store.CareCircleEntities(userID)
	if err != nil {
		return nil, err
	}
	var out []PressureSignal
	for _, ent := range circle {
		rel, err := u.store.GetRelationship(userID, selfID, ent.ID)
		if err != nil {
			return nil, err
		}
		if rel == nil {
			continue
		}
		if rel.Trend == types.TrendDeclining && rel.ValenceEMA < -0.2 {
			out = append(out, PressureSignal{Entity: ent, Rel: rel})
		}
	}
	return out, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
