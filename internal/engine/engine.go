// Package engine wires the relevance engine together and exposes every tool
// operation as a method. The engine owns all collaborators; nothing reaches
// around it to a component directly. Construction follows dependency order:
// storage first, then the scoring and tracking components, then the
// orchestrating surfaces.
package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/embedding"
	"mnemo/internal/extract"
	"mnemo/internal/frames"
	"mnemo/internal/hotcache"
	"mnemo/internal/logging"
	"mnemo/internal/loops"
	"mnemo/internal/pattern"
	"mnemo/internal/relations"
	"mnemo/internal/retrieval"
	"mnemo/internal/salience"
	"mnemo/internal/session"
	"mnemo/internal/store"
	"mnemo/internal/tier"
	"mnemo/internal/types"
)

// Engine is the top-level relevance engine.
type Engine struct {
	cfg config.Config

	store     *store.Store
	hot       *hotcache.Cache
	tiers     *tier.Manager
	embedder  embedding.Engine
	extractor *extract.Extractor
	salience  *salience.Calculator
	loops     *loops.Tracker
	relations *relations.Updater
	frames    *frames.Manager
	retriever *retrieval.Retriever
	patterns  *pattern.Detector
	prefetch  *pattern.Prefetcher
	sessions  *session.Manager

	// selfIDs caches the per-user self entity.
	selfMu  sync.Mutex
	selfIDs map[string]string

	// unhealthy is set on a fatal dependency error; writes are refused
	// until the process restarts.
	unhealthy bool
	healthMu  sync.RWMutex

	now func() time.Time
}

// Option overrides a collaborator, used by tests to inject fakes.
type Option func(*Engine)

// WithExtractBackend replaces the language backend for feature extraction.
func WithExtractBackend(b extract.Backend) Option {
	return func(e *Engine) {
		e.extractor = extract.New(b, e.cfg.Options)
	}
}

// New builds an engine from configuration.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if err := logging.Initialize(cfg.DataDir, cfg.Logging); err != nil {
		return nil, err
	}
	boot := logging.Get(logging.CategoryBoot)
	boot.Info("starting engine: backend=%s db=%s", cfg.Options.LanguageBackend, cfg.DatabasePath)

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	hot, err := hotcache.New(hotcache.Options{
		Dir:      filepath.Join(cfg.DataDir, "hot"),
		TTL:      cfg.Options.HotTTL(),
		Capacity: 1024,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open hot cache: %w", err)
	}

	embedder, err := embedding.NewEngine(cfg)
	if err != nil {
		hot.Close()
		st.Close()
		return nil, err
	}

	var backend extract.Backend
	if cfg.Options.LanguageBackend != config.BackendLexicalOnly {
		b, err := extract.NewGenAIBackend(cfg)
		if err != nil {
			boot.Warn("language backend unavailable, lexical mode: %v", err)
		} else {
			backend = b
		}
	}

	e := &Engine{
		cfg:       cfg,
		store:     st,
		hot:       hot,
		embedder:  embedder,
		extractor: extract.New(backend, cfg.Options),
		salience:  salience.New(cfg.Options.SalienceWeightsVersion),
		selfIDs:   make(map[string]string),
		now:       time.Now,
	}
	e.tiers = tier.New(st, hot, cfg.Options)
	e.loops = loops.New(st, cfg.Options)
	e.relations = relations.New(st)
	e.frames = frames.New(st)
	e.retriever = retrieval.New(st, embedder, hot, e.tiers, cfg.Options)
	e.patterns = pattern.New(st, cfg.Options)
	e.prefetch = pattern.NewPrefetcher(st, hot)
	e.sessions = session.New(st, embedder, e.retriever)

	for _, opt := range opts {
		opt(e)
	}
	boot.Info("engine ready (embedder=%s)", embedder.Name())
	return e, nil
}

// NewInMemory builds an engine on in-memory stores with the lexical
// backend, for tests.
func NewInMemory(opts config.Options) (*Engine, error) {
	opts.LanguageBackend = config.BackendLexicalOnly

	st, err := store.New(":memory:")
	if err != nil {
		return nil, err
	}
	hot, err := hotcache.New(hotcache.Options{InMemory: true, TTL: opts.HotTTL(), Capacity: 64})
	if err != nil {
		st.Close()
		return nil, err
	}
	embedder := embedding.NewLexicalEngine(embedding.DefaultLexicalDimensions)

	e := &Engine{
		cfg:       config.Config{Options: opts},
		store:     st,
		hot:       hot,
		embedder:  embedder,
		extractor: extract.New(nil, opts),
		salience:  salience.New(opts.SalienceWeightsVersion),
		selfIDs:   make(map[string]string),
		now:       time.Now,
	}
	e.tiers = tier.New(st, hot, opts)
	e.loops = loops.New(st, opts)
	e.relations = relations.New(st)
	e.frames = frames.New(st)
	e.retriever = retrieval.New(st, embedder, hot, e.tiers, opts)
	e.patterns = pattern.New(st, opts)
	e.prefetch = pattern.NewPrefetcher(st, hot)
	e.sessions = session.New(st, embedder, e.retriever)
	return e, nil
}

// Close releases storage.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.hot.Close(); err != nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	logging.Close()
	return firstErr
}

// Store exposes the document store for tooling and tests.
func (e *Engine) Store() *store.Store { return e.store }

// Stats returns per-collection row counts.
func (e *Engine) Stats() (map[string]int64, error) { return e.store.Stats() }

// Healthy reports whether the engine accepts writes.
func (e *Engine) Healthy() bool {
	e.healthMu.RLock()
	defer e.healthMu.RUnlock()
	return !e.unhealthy
}

func (e *Engine) markUnhealthy(reason string, err error) {
	e.healthMu.Lock()
	e.unhealthy = true
	e.healthMu.Unlock()
	logging.Get(logging.CategoryBoot).Error("engine unhealthy (%s): %v", reason, err)
}

func (e *Engine) checkWritable(op string) error {
	if !e.Healthy() {
		return types.E(types.KindFatal, op, "engine is unhealthy, writes refused", nil)
	}
	return nil
}

// selfEntity resolves (creating once) the entity that represents the user
// in the relationship graph.
func (e *Engine) selfEntity(userID string) (string, error) {
	e.selfMu.Lock()
	if id, ok := e.selfIDs[userID]; ok {
		e.selfMu.Unlock()
		return id, nil
	}
	e.selfMu.Unlock()

	ent, err := e.store.UpsertEntity(userID, types.EntityPerson, "self", e.now())
	if err != nil {
		return "", err
	}
	e.selfMu.Lock()
	e.selfIDs[userID] = ent.ID
	e.selfMu.Unlock()
	return ent.ID, nil
}
