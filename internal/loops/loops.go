// Package loops tracks open commitments. The tracker turns extracted
// commitment candidates into OpenLoop records, suppresses duplicates,
// closes loops implicitly when a completion is reported, and expires dated
// loops past a grace period. Loop states only move forward: open ->
// done | expired | cancelled, never back.
package loops

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Tracker applies the loop consequences of an ingested memory.
type Tracker struct {
	store *store.Store
	opts  config.Options

	// loc resolves "by friday" style hints; defaults to time.Local.
	loc *time.Location
	now func() time.Time
}

// New creates a tracker.
func New(st *store.Store, opts config.Options) *Tracker {
	return &Tracker{store: st, opts: opts, loc: time.Local, now: time.Now}
}

// Result summarizes what Apply did, for ingest logging and tests.
type Result struct {
	Opened  []*types.OpenLoop
	Closed  []*types.OpenLoop
	Touched int // duplicate mentions refreshed
}

// Apply processes a memory's extracted features: completions first (so one
// memory can close an old loop and open a new one), then commitments.
func (t *Tracker) Apply(mem *types.Memory, feats types.Features) (Result, error) {
	var res Result
	now := t.now()

	for _, surface := range feats.Completions {
		closed, err := t.closeForCounterparty(mem.UserID, surface, now)
		if err != nil {
			return res, err
		}
		res.Closed = append(res.Closed, closed...)
	}

	for _, c := range feats.Commitments {
		loop, opened, err := t.open(mem, c, now)
		if err != nil {
			return res, err
		}
		if loop == nil {
			continue
		}
		if opened {
			res.Opened = append(res.Opened, loop)
		} else {
			res.Touched++
		}
	}
	return res, nil
}

// open creates the loop for one commitment, or refreshes the matching open
// duplicate. The counterparty entity is created on first mention.
func (t *Tracker) open(mem *types.Memory, c types.ProposedCommitment, now time.Time) (*types.OpenLoop, bool, error) {
	counterparty := strings.TrimSpace(c.Counterparty)
	if counterparty == "" {
		// A commitment with no counterparty ("remind me to stretch") is owed
		// to the user themself.
		counterparty = "self"
	}
	ent, err := t.store.UpsertEntity(mem.UserID, types.EntityPerson, counterparty, now)
	if err != nil {
		return nil, false, fmt.Errorf("resolve counterparty: %w", err)
	}

	desc := types.NormalizeText(c.Description)
	if desc == "" {
		desc = types.NormalizeText(mem.Text)
	}
	fp := types.Fingerprint(desc)

	existing, err := t.store.FindOpenLoopByFingerprint(mem.UserID, ent.ID, fp)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		// Same obligation mentioned again: refresh, don't duplicate.
		if err := t.store.TouchLoopMention(existing.ID, now); err != nil {
			return nil, false, err
		}
		logging.Get(logging.CategoryLoops).Debug("duplicate loop mention %s refreshed", existing.ID)
		return existing, false, nil
	}

	loop := &types.OpenLoop{
		ID:              uuid.NewString(),
		UserID:          mem.UserID,
		Type:            loopType(c.Polarity),
		CounterpartyID:  ent.ID,
		Description:     desc,
		DescFingerprint: fp,
		MemoryID:        mem.ID,
		DueAt:           ParseDueHint(c.DueHint, now, t.loc),
		State:           types.LoopOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastMention:     now,
	}
	if err := t.store.InsertLoop(loop); err != nil {
		return nil, false, err
	}
	logging.Get(logging.CategoryLoops).Info("opened loop %s (%s -> %s)", loop.ID, loop.Type, ent.Name)
	return loop, true, nil
}

// closeForCounterparty marks the oldest open loop against the named
// counterparty done. Completion phrasings rarely restate the original
// obligation, so matching is by counterparty, oldest first.
func (t *Tracker) closeForCounterparty(userID, surface string, now time.Time) ([]*types.OpenLoop, error) {
	ent, err := t.store.FindEntityByName(userID, strings.TrimSpace(surface))
	if err != nil || ent == nil {
		return nil, err
	}
	open, err := t.store.OpenLoopsForCounterparty(userID, ent.ID)
	if err != nil || len(open) == 0 {
		return nil, err
	}

	target := open[0]
	moved, err := t.store.CASLoopState(userID, target.ID, types.LoopDone, now)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, nil
	}
	target.State = types.LoopDone
	logging.Get(logging.CategoryLoops).Info("closed loop %s via completion mention of %s", target.ID, ent.Name)
	return []*types.OpenLoop{target}, nil
}

// Close transitions a loop explicitly. Closing a terminal loop is a
// semantic error; the caller gets the reason, the loop is untouched.
func (t *Tracker) Close(userID, loopID string, to types.LoopState) (*types.OpenLoop, error) {
	if to == types.LoopOpen {
		return nil, types.Validationf("loops.Close", "cannot transition a loop to open")
	}
	loop, err := t.store.GetLoop(userID, loopID)
	if err != nil {
		return nil, err
	}
	if loop.State.Terminal() {
		return nil, types.Semanticf("loops.Close", "loop %s is already %s", loopID, loop.State)
	}
	moved, err := t.store.CASLoopState(userID, loopID, to, t.now())
	if err != nil {
		return nil, err
	}
	if !moved {
		// Raced with the sweeper or another closer.
		return nil, types.Semanticf("loops.Close", "loop %s was closed concurrently", loopID)
	}
	loop.State = to
	return loop, nil
}

// List returns the user's loops, open by default, ordered soonest-due
// first.
func (t *Tracker) List(userID string, state types.LoopState, counterpartyID string) ([]*types.OpenLoop, error) {
	return t.store.ListLoops(store.LoopQuery{
		UserID:         userID,
		State:          state,
		CounterpartyID: counterpartyID,
	})
}

// ListOpen returns the user's open loops.
func (t *Tracker) ListOpen(userID string, limit int) ([]*types.OpenLoop, error) {
	return t.store.ListLoops(store.LoopQuery{UserID: userID, Limit: limit})
}

// ForCounterparty returns all open loops against one person.
func (t *Tracker) ForCounterparty(userID, counterpartyID string) ([]*types.OpenLoop, error) {
	return t.store.OpenLoopsForCounterparty(userID, counterpartyID)
}

// SweepExpired expires open loops whose due date passed more than the grace
// period ago. Undated loops never expire.
func (t *Tracker) SweepExpired(limit int) (int, error) {
	now := t.now()
	cutoff := now.Add(-t.opts.LoopGrace())
	due, err := t.store.LoopsDueBefore(cutoff, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, loop := range due {
		moved, err := t.store.CASLoopState(loop.UserID, loop.ID, types.LoopExpired, now)
		if err != nil {
			return expired, err
		}
		if moved {
			expired++
		}
	}
	if expired > 0 {
		logging.Get(logging.CategoryLoops).Info("expired %d overdue loops", expired)
	}
	return expired, nil
}

func loopType(p types.Polarity) types.LoopType {
	switch p {
	case types.PolarityTheyOwe:
		return types.LoopTheyOweYou
	case types.PolarityMutual:
		return types.LoopMutual
	default:
		return types.LoopYouOweThem
	}
}

// ParseDueHint resolves a fuzzy due phrase to a concrete deadline: the end
// (23:59:59) of the named day in the user's location. Weekday names mean
// the coming such weekday; a hint naming today's weekday means next week.
// Unparseable hints return nil, the loop stays undated.
func ParseDueHint(hint string, now time.Time, loc *time.Location) *time.Time {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return nil
	}
	local := now.In(loc)

	endOf := func(t time.Time) *time.Time {
		d := time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc)
		return &d
	}

	switch hint {
	case "today", "tonight", "end of day", "eod":
		return endOf(local)
	case "tomorrow":
		return endOf(local.AddDate(0, 0, 1))
	case "end of week", "eow":
		// Week ends Sunday.
		days := (7 - int(local.Weekday())) % 7
		return endOf(local.AddDate(0, 0, days))
	case "end of month", "eom":
		first := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		return endOf(first.AddDate(0, 1, -1))
	}

	weekdays := map[string]time.Weekday{
		"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
		"wednesday": time.Wednesday, "thursday": time.Thursday,
		"friday": time.Friday, "saturday": time.Saturday,
	}
	if wd, ok := weekdays[hint]; ok {
		days := int(wd-local.Weekday()+7) % 7
		if days == 0 {
			days = 7
		}
		return endOf(local.AddDate(0, 0, days))
	}
	return nil
}
