// Package frames manages the per-user context frame: a rolling record of
// where the user is, who they're with and what they're doing. At most one
// frame is active per user; setting a new frame closes the previous one.
// Expiry is enforced lazily on read, there is no timer per frame.
package frames

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// DefaultLifetime is how long a frame stays active without renewal.
const DefaultLifetime = 4 * time.Hour

// Manager owns frame lifecycle.
type Manager struct {
	store *store.Store
	now   func() time.Time
}

// New creates a frame manager.
func New(st *store.Store) *Manager {
	return &Manager{store: st, now: time.Now}
}

// Input describes the situation to install as the active frame. People are
// surface names resolved (and created) against the entity store.
type Input struct {
	Location string
	People   []string
	Activity string
	Project  string
	Tags     []string
	Lifetime time.Duration // 0 means DefaultLifetime
}

// Set installs a new active frame, closing any current one.
func (m *Manager) Set(userID string, in Input) (*types.ContextFrame, error) {
	now := m.now()
	lifetime := in.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	var peopleIDs []string
	for _, name := range in.People {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		ent, err := m.store.UpsertEntity(userID, types.EntityPerson, name, now)
		if err != nil {
			return nil, err
		}
		peopleIDs = append(peopleIDs, ent.ID)
	}

	f := &types.ContextFrame{
		ID:        uuid.NewString(),
		UserID:    userID,
		Location:  in.Location,
		PeopleIDs: peopleIDs,
		Activity:  in.Activity,
		Project:   in.Project,
		Tags:      in.Tags,
		StartedAt: now,
		ExpiresAt: now.Add(lifetime),
		Active:    true,
	}
	if err := m.store.StartFrame(f); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryFrames).Info("frame %s active for user=%s (%s/%s)",
		f.ID, userID, f.Location, f.Activity)
	return f, nil
}

// Clear closes the active frame. Clearing with none active is a no-op.
func (m *Manager) Clear(userID string) error {
	id, err := m.store.CloseActiveFrame(userID)
	if err != nil {
		return err
	}
	if id != "" {
		logging.Get(logging.CategoryFrames).Info("frame %s closed for user=%s", id, userID)
	}
	return nil
}

// Active returns the current frame, nil when none (or expired).
func (m *Manager) Active(userID string) (*types.ContextFrame, error) {
	return m.store.ActiveFrame(userID, m.now())
}

// Renew pushes the active frame's expiry forward; called when ingest
// activity shows the situation is still live.
func (m *Manager) Renew(f *types.ContextFrame) {
	if f == nil {
		return
	}
	if err := m.store.ExtendFrame(f.ID, m.now().Add(DefaultLifetime)); err != nil {
		logging.Get(logging.CategoryFrames).Warn("renew frame %s: %v", f.ID, err)
	}
}

// QueryText synthesizes retrieval query text from a frame, used for the
// empty-query "what's relevant right now" path.
func QueryText(f *types.ContextFrame, peopleNames []string) string {
	if f == nil {
		return ""
	}
	parts := make([]string, 0, 4)
	if f.Activity != "" {
		parts = append(parts, f.Activity)
	}
	if f.Project != "" {
		parts = append(parts, f.Project)
	}
	if f.Location != "" {
		parts = append(parts, f.Location)
	}
	parts = append(parts, peopleNames...)
	parts = append(parts, f.Tags...)
	return strings.Join(parts, " ")
}

// Key reduces a frame to a stable context key for per-context score
// adjustments: location plus activity, lowercased. Frames with neither
// collapse to the global key.
func Key(f *types.ContextFrame) string {
	if f == nil {
		return "global"
	}
	k := strings.ToLower(strings.TrimSpace(f.Location + "/" + f.Activity))
	if k == "/" {
		return "global"
	}
	return k
}
