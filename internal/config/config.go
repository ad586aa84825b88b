// Package config holds the engine configuration. Options carries exactly the
// tunables the engine recognizes; everything else (paths, credentials,
// logging) lives in the surrounding Config and is infrastructure, not a
// tunable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the language backend used for feature extraction and
// embeddings.
const (
	BackendPrimary     = "primary"
	BackendSecondary   = "secondary"
	BackendLexicalOnly = "lexical_only"
)

// Options are the recognized engine tunables. No other tunables exist.
type Options struct {
	DedupWindowSeconds     int    `yaml:"dedup_window_seconds" json:"dedup_window_seconds"`
	SalienceWeightsVersion string `yaml:"salience_weights_version" json:"salience_weights_version"`

	HotThresholdPerHour int `yaml:"hot_threshold_per_hour" json:"hot_threshold_per_hour"`
	HotTTLSeconds       int `yaml:"hot_ttl_seconds" json:"hot_ttl_seconds"`
	WarmTTLSeconds      int `yaml:"warm_ttl_seconds" json:"warm_ttl_seconds"`
	ColdTTLSeconds      int `yaml:"cold_ttl_seconds" json:"cold_ttl_seconds"`

	GateThreshold float64 `yaml:"gate_threshold" json:"gate_threshold"`
	GateMin       float64 `yaml:"gate_min" json:"gate_min"`

	PatternMinConfidence     float64 `yaml:"pattern_min_confidence" json:"pattern_min_confidence"`
	PatternWindowInitialDays int     `yaml:"pattern_window_initial_days" json:"pattern_window_initial_days"`
	PatternWindowStableDays  int     `yaml:"pattern_window_stable_days" json:"pattern_window_stable_days"`

	RetrievalOverfetchFactor int `yaml:"retrieval_overfetch_factor" json:"retrieval_overfetch_factor"`
	LoopGraceDays            int `yaml:"loop_grace_days" json:"loop_grace_days"`

	FeatureTimeoutMS int `yaml:"feature_timeout_ms" json:"feature_timeout_ms"`
	VectorTimeoutMS  int `yaml:"vector_timeout_ms" json:"vector_timeout_ms"`
	LLMTimeoutMS     int `yaml:"llm_timeout_ms" json:"llm_timeout_ms"`

	LanguageBackend string `yaml:"language_backend" json:"language_backend"`

	NotificationCooldownSeconds int `yaml:"notification_cooldown_seconds" json:"notification_cooldown_seconds"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		DedupWindowSeconds:          60,
		SalienceWeightsVersion:      "v1",
		HotThresholdPerHour:         10,
		HotTTLSeconds:               3600,
		WarmTTLSeconds:              604800,
		ColdTTLSeconds:              31_536_000,
		GateThreshold:               0.5,
		GateMin:                     0.3,
		PatternMinConfidence:        0.3,
		PatternWindowInitialDays:    21,
		PatternWindowStableDays:     66,
		RetrievalOverfetchFactor:    5,
		LoopGraceDays:               7,
		FeatureTimeoutMS:            5000,
		VectorTimeoutMS:             2000,
		LLMTimeoutMS:                10_000,
		LanguageBackend:             BackendPrimary,
		NotificationCooldownSeconds: 14_400,
	}
}

// Duration helpers. Budgets are cooperative deadlines on the corresponding
// calls.

func (o Options) DedupWindow() time.Duration    { return time.Duration(o.DedupWindowSeconds) * time.Second }
func (o Options) HotTTL() time.Duration         { return time.Duration(o.HotTTLSeconds) * time.Second }
func (o Options) WarmTTL() time.Duration        { return time.Duration(o.WarmTTLSeconds) * time.Second }
func (o Options) ColdTTL() time.Duration        { return time.Duration(o.ColdTTLSeconds) * time.Second }
func (o Options) LoopGrace() time.Duration      { return time.Duration(o.LoopGraceDays) * 24 * time.Hour }
func (o Options) FeatureTimeout() time.Duration { return time.Duration(o.FeatureTimeoutMS) * time.Millisecond }
func (o Options) VectorTimeout() time.Duration  { return time.Duration(o.VectorTimeoutMS) * time.Millisecond }
func (o Options) LLMTimeout() time.Duration     { return time.Duration(o.LLMTimeoutMS) * time.Millisecond }
func (o Options) NotificationCooldown() time.Duration {
	return time.Duration(o.NotificationCooldownSeconds) * time.Second
}

// Validate rejects out-of-range tunables.
func (o Options) Validate() error {
	if o.GateThreshold < 0 || o.GateThreshold > 1 {
		return fmt.Errorf("gate_threshold must be in [0,1], got %v", o.GateThreshold)
	}
	if o.GateMin < 0 || o.GateMin > 1 {
		return fmt.Errorf("gate_min must be in [0,1], got %v", o.GateMin)
	}
	if o.PatternMinConfidence < 0 || o.PatternMinConfidence > 1 {
		return fmt.Errorf("pattern_min_confidence must be in [0,1], got %v", o.PatternMinConfidence)
	}
	if o.RetrievalOverfetchFactor < 1 {
		return fmt.Errorf("retrieval_overfetch_factor must be >= 1, got %d", o.RetrievalOverfetchFactor)
	}
	switch o.LanguageBackend {
	case BackendPrimary, BackendSecondary, BackendLexicalOnly:
	default:
		return fmt.Errorf("language_backend must be one of primary|secondary|lexical_only, got %q", o.LanguageBackend)
	}
	if o.HotThresholdPerHour < 1 {
		return fmt.Errorf("hot_threshold_per_hour must be >= 1, got %d", o.HotThresholdPerHour)
	}
	return nil
}

// LoggingConfig gates the categorized debug logs.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Level      string          `yaml:"level" json:"level"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
}

// GenAIConfig configures the Google GenAI backend used for feature
// extraction and embeddings when language_backend is primary or secondary.
type GenAIConfig struct {
	APIKey         string `yaml:"api_key" json:"api_key"`
	Model          string `yaml:"model" json:"model"`
	SecondaryModel string `yaml:"secondary_model" json:"secondary_model"`
	EmbedModel     string `yaml:"embed_model" json:"embed_model"`
}

// Config is the full file-level configuration: engine Options plus the
// infrastructure settings the process needs to come up.
type Config struct {
	DataDir      string        `yaml:"data_dir" json:"data_dir"`
	DatabasePath string        `yaml:"database_path" json:"database_path"`
	Options      Options       `yaml:"options" json:"options"`
	GenAI        GenAIConfig   `yaml:"genai" json:"genai"`
	Logging      LoggingConfig `yaml:"logging" json:"logging"`
}

// Default returns a Config rooted at dataDir with default options.
func Default(dataDir string) Config {
	return Config{
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "mnemo.db"),
		Options:      DefaultOptions(),
		GenAI: GenAIConfig{
			Model:          "gemini-2.5-flash",
			SecondaryModel: "gemini-2.5-flash-lite",
			EmbedModel:     "gemini-embedding-001",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file, applies defaults for anything unset, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, cfg.Options.Validate()
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "mnemo.db")
	}
	return cfg, cfg.Options.Validate()
}

// applyEnv overrides config fields from MNEMO_* environment variables.
// Only the settings an operator plausibly needs to flip at deploy time are
// exposed this way.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MNEMO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MNEMO_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("MNEMO_GENAI_API_KEY"); v != "" {
		cfg.GenAI.APIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.GenAI.APIKey == "" {
		cfg.GenAI.APIKey = v
	}
	if v := os.Getenv("MNEMO_LANGUAGE_BACKEND"); v != "" {
		cfg.Options.LanguageBackend = v
	}
	if v := os.Getenv("MNEMO_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("MNEMO_HOT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Options.HotThresholdPerHour = n
		}
	}
}
