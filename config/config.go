// Package config provides the memflow configuration surface.
//
// Loading precedence: built-in defaults, then an optional YAML file, then
// MEMFLOW_* environment variable overrides for the most operationally
// relevant knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/memflow/types"
)

// Config is the complete engine configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Budget      BudgetConfig      `yaml:"budget"`
	Reflection  ReflectionConfig  `yaml:"reflection"`
	Forgetting  ForgettingConfig  `yaml:"forgetting"`
	Graph       GraphConfig       `yaml:"graph"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Log         LogConfig         `yaml:"log"`
}

// StoreConfig configures tier capacities and classification defaults.
type StoreConfig struct {
	// Capacities caps the number of records per tier. 0 means unbounded.
	Capacities map[types.Tier]int `yaml:"capacities"`

	// DefaultTier receives records the classifier cannot place.
	DefaultTier types.Tier `yaml:"default_tier"`

	// DefaultImportance is assigned when neither the caller nor the
	// classifier decides otherwise.
	DefaultImportance types.Importance `yaml:"default_importance"`
}

// RetrievalConfig configures ranking.
type RetrievalConfig struct {
	// Hybrid composite weights: similarity, recency, importance, access count.
	SimilarityWeight float64 `yaml:"similarity_weight"`
	RecencyWeight    float64 `yaml:"recency_weight"`
	ImportanceWeight float64 `yaml:"importance_weight"`
	AccessWeight     float64 `yaml:"access_weight"`

	// DefaultLimit applies when a query does not set one.
	DefaultLimit int `yaml:"default_limit"`

	// EmbeddingWait bounds how long retrieval waits for a record's pending
	// embedding before scoring it with zero similarity. 0 disables waiting.
	EmbeddingWait time.Duration `yaml:"embedding_wait"`
}

// BudgetConfig configures context building.
type BudgetConfig struct {
	DefaultTokenBudget  int     `yaml:"default_token_budget"`
	ReservationFraction float64 `yaml:"reservation_fraction"`

	// TokenizerModel selects the tiktoken encoding for token estimation.
	// Unknown models fall back to a character-based estimator.
	TokenizerModel string `yaml:"tokenizer_model"`
}

// ReflectionConfig configures the consolidation pass.
type ReflectionConfig struct {
	// Interval triggers a pass on a fixed cadence. 0 disables the timer.
	Interval time.Duration `yaml:"interval"`

	// RecordThreshold triggers a pass after N new records since the last
	// one. 0 disables the counter trigger. Both triggers are OR'd.
	RecordThreshold int `yaml:"record_threshold"`

	// PatternMinCount is the tag frequency above which a tag is reported
	// as a pattern.
	PatternMinCount int `yaml:"pattern_min_count"`

	// Promote writes each summary back as a semantic-tier record.
	Promote bool `yaml:"promote"`
}

// ForgettingConfig configures eviction policies. A record is evicted when
// any enabled policy marks it and it is not critical.
type ForgettingConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`         // 0 disables the time policy
	MinImportance types.Importance `yaml:"min_importance"` // records below are evictable

	// ImportanceEnabled gates the importance policy separately because the
	// zero MinImportance value (low) is meaningful.
	ImportanceEnabled bool `yaml:"importance_enabled"`

	// CapacityThreshold is the occupancy fraction above which the capacity
	// policy evicts lowest-scoring records. 0 disables it.
	CapacityThreshold float64 `yaml:"capacity_threshold"`

	// Interval is the cadence of the background sweep. 0 disables it.
	Interval time.Duration `yaml:"interval"`
}

// GraphConfig configures the relationship index.
type GraphConfig struct {
	// SimilarityThreshold gates auto-detected similar_to edges.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// ClusterStrengthThreshold is the minimum edge strength considered
	// when computing clusters.
	ClusterStrengthThreshold float64 `yaml:"cluster_strength_threshold"`
}

// EmbeddingConfig configures the embedding client layer.
type EmbeddingConfig struct {
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`

	// RateLimit caps provider calls per second. 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// BatchSize caps texts per provider batch call.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval bounds how long a pending text waits for a batch.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// CacheSize is the in-process vector cache capacity (entries).
	CacheSize int64 `yaml:"cache_size"`

	// RedisAddr enables a shared second-level vector cache when non-empty.
	RedisAddr string        `yaml:"redis_addr"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
}

// PersistenceConfig configures the durable store.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Capacities: map[types.Tier]int{
				types.TierShortTerm:  200,
				types.TierLongTerm:   5000,
				types.TierEpisodic:   2000,
				types.TierSemantic:   5000,
				types.TierProcedural: 1000,
			},
			DefaultTier:       types.TierShortTerm,
			DefaultImportance: types.ImportanceMedium,
		},
		Retrieval: RetrievalConfig{
			SimilarityWeight: 0.4,
			RecencyWeight:    0.25,
			ImportanceWeight: 0.25,
			AccessWeight:     0.1,
			DefaultLimit:     10,
			EmbeddingWait:    0,
		},
		Budget: BudgetConfig{
			DefaultTokenBudget:  8000,
			ReservationFraction: 0.2,
			TokenizerModel:      "gpt-4o-mini",
		},
		Reflection: ReflectionConfig{
			Interval:        time.Hour,
			RecordThreshold: 50,
			PatternMinCount: 3,
			Promote:         true,
		},
		Forgetting: ForgettingConfig{
			MaxAge:            30 * 24 * time.Hour,
			MinImportance:     types.ImportanceLow,
			ImportanceEnabled: false,
			CapacityThreshold: 0.9,
			Interval:          time.Hour,
		},
		Graph: GraphConfig{
			SimilarityThreshold:      0.8,
			ClusterStrengthThreshold: 0.5,
		},
		Embedding: EmbeddingConfig{
			Dimensions:    1536,
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			RateLimit:     10,
			BatchSize:     32,
			FlushInterval: 200 * time.Millisecond,
			CacheSize:     10000,
			RedisTTL:      24 * time.Hour,
		},
		Persistence: PersistenceConfig{
			Enabled: false,
			Path:    "memflow.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps MEMFLOW_* variables onto the most operationally
// relevant knobs.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEMFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MEMFLOW_PERSISTENCE_PATH"); v != "" {
		cfg.Persistence.Path = v
		cfg.Persistence.Enabled = true
	}
	if v := os.Getenv("MEMFLOW_REDIS_ADDR"); v != "" {
		cfg.Embedding.RedisAddr = v
	}
	if v := os.Getenv("MEMFLOW_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Budget.DefaultTokenBudget = n
		}
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if !c.Store.DefaultTier.Valid() {
		return fmt.Errorf("store: invalid default tier %q", c.Store.DefaultTier)
	}
	if !c.Store.DefaultImportance.Valid() {
		return fmt.Errorf("store: invalid default importance %d", c.Store.DefaultImportance)
	}
	for tier, cap := range c.Store.Capacities {
		if !tier.Valid() {
			return fmt.Errorf("store: capacity for unknown tier %q", tier)
		}
		if cap < 0 {
			return fmt.Errorf("store: negative capacity for tier %q", tier)
		}
	}

	w := c.Retrieval
	for name, v := range map[string]float64{
		"similarity_weight": w.SimilarityWeight,
		"recency_weight":    w.RecencyWeight,
		"importance_weight": w.ImportanceWeight,
		"access_weight":     w.AccessWeight,
	} {
		if v < 0 {
			return fmt.Errorf("retrieval: %s must be >= 0", name)
		}
	}
	if w.SimilarityWeight+w.RecencyWeight+w.ImportanceWeight+w.AccessWeight == 0 {
		return fmt.Errorf("retrieval: at least one ranking weight must be positive")
	}
	if w.DefaultLimit <= 0 {
		return fmt.Errorf("retrieval: default_limit must be positive")
	}

	if f := c.Budget.ReservationFraction; f < 0 || f >= 1 {
		return fmt.Errorf("budget: reservation_fraction must be in [0,1)")
	}
	if c.Budget.DefaultTokenBudget <= 0 {
		return fmt.Errorf("budget: default_token_budget must be positive")
	}

	if t := c.Forgetting.CapacityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("forgetting: capacity_threshold must be in [0,1]")
	}
	if !c.Forgetting.MinImportance.Valid() {
		return fmt.Errorf("forgetting: invalid min_importance")
	}

	if t := c.Graph.SimilarityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("graph: similarity_threshold must be in [0,1]")
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding: dimensions must be positive")
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding: batch_size must be positive")
	}

	if c.Persistence.Enabled && c.Persistence.Path == "" {
		return fmt.Errorf("persistence: path is required when enabled")
	}
	return nil
}

// Weights bundles the hybrid ranking weights.
type Weights struct {
	Similarity float64
	Recency    float64
	Importance float64
	Access     float64
}

// Weights returns the hybrid ranking weights as a bundle.
func (c *RetrievalConfig) Weights() Weights {
	return Weights{
		Similarity: c.SimilarityWeight,
		Recency:    c.RecencyWeight,
		Importance: c.ImportanceWeight,
		Access:     c.AccessWeight,
	}
}
