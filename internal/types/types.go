// Package types defines the canonical records of the relevance engine:
// memories, entities, relationships, open loops, context frames, temporal
// patterns and recall sessions. All cross-component references are by id;
// resolution happens at read time through the relevant store.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SchemaVersion is stamped on every memory written by this build.
const SchemaVersion = 1

// MaxTextLen is the maximum accepted memory text length in characters.
const MaxTextLen = 10000

// Tier names the storage stratum (and thus the access latency class) a
// memory currently lives in.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// LifecycleState is the visibility state of a memory.
type LifecycleState string

const (
	StateActive     LifecycleState = "active"
	StateArchived   LifecycleState = "archived"
	StateSuppressed LifecycleState = "suppressed"
	StateDeleted    LifecycleState = "deleted"
)

// Category classifies what kind of statement a memory is.
type Category string

const (
	CategoryDecision    Category = "decision"
	CategoryCommitment  Category = "commitment"
	CategoryObservation Category = "observation"
	CategoryQuestion    Category = "question"
	CategoryOther       Category = "other"
)

// Polarity is the direction of a proposed commitment as extracted from text.
type Polarity string

const (
	PolarityYouOwe  Polarity = "you_owe"
	PolarityTheyOwe Polarity = "they_owe"
	PolarityMutual  Polarity = "mutual"
)

// Mention is an entity reference found in memory text. EntityID is empty
// when the surface form could not be resolved against the entity store.
type Mention struct {
	Surface  string `json:"surface"`
	EntityID string `json:"entity_id,omitempty"`
}

// ProposedCommitment is a commitment candidate emitted by feature extraction.
// The open-loop tracker decides whether it becomes an OpenLoop.
type ProposedCommitment struct {
	Polarity     Polarity `json:"polarity"`
	Counterparty string   `json:"counterparty"`
	Description  string   `json:"description"`
	DueHint      string   `json:"due_hint,omitempty"`
}

// Features is the structured output of feature extraction for one memory.
type Features struct {
	People      []Mention            `json:"people,omitempty"`
	Topics      []string             `json:"topics,omitempty"`
	Locations   []string             `json:"locations,omitempty"`
	Category    Category             `json:"category"`
	Valence     float64              `json:"valence"` // [-1, 1]
	Arousal     float64              `json:"arousal"` // [-1, 1]
	Commitments []ProposedCommitment `json:"commitments,omitempty"`
	Completions []string             `json:"completions,omitempty"` // counterparty surfaces asserted complete
	Novelty     []string             `json:"novelty,omitempty"`     // tokens unseen for this user
	Sensitive   []string             `json:"sensitive,omitempty"`   // sensitive topics touched

	// Partial marks lexical-only extraction after a language backend
	// timeout or failure.
	Partial bool `json:"partial,omitempty"`
}

// FrameSnapshot is the originating context captured at ingest time.
type FrameSnapshot struct {
	FrameID  string   `json:"frame_id,omitempty"`
	Location string   `json:"location,omitempty"`
	People   []string `json:"people,omitempty"`
	Activity string   `json:"activity,omitempty"`
	Project  string   `json:"project,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Memory is the canonical record. Text is immutable once stored; the
// document store row is the source of truth, the vector index and hot cache
// are projections.
type Memory struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Text        string         `json:"text"`
	Fingerprint string         `json:"fingerprint"`
	CreatedAt   time.Time      `json:"created_at"`
	LastAccess  time.Time      `json:"last_access"`
	State       LifecycleState `json:"state"`
	Tier        Tier           `json:"tier"`
	AccessCount int64          `json:"access_count"`

	Features Features `json:"features"`

	// Salience is the creation-time score in [0,100]; it never changes.
	// CurrentScore may be updated by offline re-scoring.
	Salience       float64 `json:"salience"`
	CurrentScore   float64 `json:"current_score"`
	WeightsVersion string  `json:"weights_version"`

	EntityIDs       []string       `json:"entity_ids,omitempty"`
	EmbeddingRef    string         `json:"embedding_ref,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	PredictiveHints []string       `json:"predictive_hints,omitempty"`
	Context         *FrameSnapshot `json:"context,omitempty"`

	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`

	// LogicalTS orders projection writes; a stale embedding write carrying a
	// lower logical timestamp than the stored one is discarded.
	LogicalTS     int64 `json:"logical_ts"`
	SchemaVersion int   `json:"schema_version"`
}

// EntityType is the kind of referent an entity names.
type EntityType string

const (
	EntityPerson  EntityType = "person"
	EntityProject EntityType = "project"
	EntityPlace   EntityType = "place"
	EntityTopic   EntityType = "topic"
)

// Entity is a referent created on first mention. Entities are retained for
// continuity even when the last mention is removed.
type Entity struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Type        EntityType        `json:"type"`
	Name        string            `json:"name"`
	UserOwned   bool              `json:"user_owned"`
	CareCircle  bool              `json:"care_circle,omitempty"`
	NotifyPrefs map[string]string `json:"notify_prefs,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Trend summarizes the direction of a relationship's recent valence.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// Relationship is a directed edge between two entities. It is updated
// exclusively by the ingest pipeline.
type Relationship struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	FromEntityID    string    `json:"from_entity_id"`
	ToEntityID      string    `json:"to_entity_id"`
	Interactions    int64     `json:"interactions"`
	LastInteraction time.Time `json:"last_interaction"`
	ValenceEMA      float64   `json:"valence_ema"`
	RecentValences  []float64 `json:"recent_valences,omitempty"`
	Trend           Trend     `json:"trend"`
	Sensitivities   []string  `json:"sensitivities,omitempty"`
}

// LoopType is who owes whom.
type LoopType string

const (
	LoopYouOweThem LoopType = "you_owe_them"
	LoopTheyOweYou LoopType = "they_owe_you"
	LoopMutual     LoopType = "mutual"
)

// LoopState is the open-loop lifecycle. Transitions form
// open -> {done, expired, cancelled} only; terminal states never reopen.
type LoopState string

const (
	LoopOpen      LoopState = "open"
	LoopDone      LoopState = "done"
	LoopExpired   LoopState = "expired"
	LoopCancelled LoopState = "cancelled"
)

// Terminal reports whether s admits no further state transitions.
func (s LoopState) Terminal() bool { return s != LoopOpen }

// OpenLoop is an unresolved commitment either owed by or owed to the user.
type OpenLoop struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Type            LoopType   `json:"type"`
	CounterpartyID  string     `json:"counterparty_id"`
	Description     string     `json:"description"`
	DescFingerprint string     `json:"desc_fingerprint"`
	MemoryID        string     `json:"memory_id"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	State           LoopState  `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastMention     time.Time  `json:"last_mention"`
}

// ContextFrame is the per-user rolling record of the current situation.
// At most one frame is active per user at any instant.
type ContextFrame struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Location  string    `json:"location,omitempty"`
	PeopleIDs []string  `json:"people_ids,omitempty"`
	Activity  string    `json:"activity,omitempty"`
	Project   string    `json:"project,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

// Snapshot reduces the frame to the form embedded into memories at ingest.
func (f *ContextFrame) Snapshot() *FrameSnapshot {
	if f == nil {
		return nil
	}
	return &FrameSnapshot{
		FrameID:  f.ID,
		Location: f.Location,
		People:   f.PeopleIDs,
		Activity: f.Activity,
		Project:  f.Project,
		Tags:     f.Tags,
	}
}

// PatternSlot holds one detected periodicity.
type PatternSlot struct {
	PeriodHours int     `json:"period_hours"`
	Confidence  float64 `json:"confidence"`
	Peaks       []int   `json:"peaks"` // offsets within the period, hours
}

// TemporalPattern is the per-user vector of detected periodicities.
// Patterns are recomputed wholesale, never mutated in place.
type TemporalPattern struct {
	UserID     string       `json:"user_id"`
	Daily      *PatternSlot `json:"daily,omitempty"`
	Weekly     *PatternSlot `json:"weekly,omitempty"`
	Monthly    *PatternSlot `json:"monthly,omitempty"`
	Initial    bool         `json:"initial"` // >= 21 days of data
	Stable     bool         `json:"stable"`  // >= 66 days of data
	ComputedAt time.Time    `json:"computed_at"`
}

// Vote is a per-candidate judgement within a recall session round.
type Vote string

const (
	VoteHot   Vote = "hot"
	VoteWarm  Vote = "warm"
	VoteCold  Vote = "cold"
	VoteWrong Vote = "wrong"
	VoteSpark Vote = "spark"
)

// RecallRound is one query/vote cycle of a recall session.
type RecallRound struct {
	Query      []float32       `json:"query"`
	Candidates []string        `json:"candidates"`
	Votes      map[string]Vote `json:"votes,omitempty"`
}

// RecallSession is the ephemeral "on second thought" refinement state.
type RecallSession struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Query     []float32     `json:"query"`
	Rounds    []RecallRound `json:"rounds"`
	Resolved  bool          `json:"resolved"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Notification is a written-not-mutated record of a delivery attempt or an
// audit event. Delivery itself is external to the engine.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"` // care_pressure, audit, loop_due
	EntityID  string    `json:"entity_id,omitempty"`
	MemoryID  string    `json:"memory_id,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeText trims and collapses internal whitespace. Fingerprints are
// computed over the normalized form.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint returns the dedup fingerprint for a memory text: the hex
// SHA-256 of the lowercased normalized text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(NormalizeText(text))))
	return hex.EncodeToString(sum[:])
}
