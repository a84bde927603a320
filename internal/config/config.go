// Package config loads the engine's typed Config record (§9 "Dynamic
// configuration maps": replace runtime option bags with an enumerated
// typed struct) from defaults, an on-disk TOML file, and environment
// variables, using the same viper-based layering as cmd/bd.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PermissionMode selects how the Handler Surface (§4.I) enforces grants.
type PermissionMode string

const (
	// PermissionModeEnforced checks every operation against the
	// permissions table.
	PermissionModeEnforced PermissionMode = "enforced"
	// PermissionModePermissive allows everything; only for tests (§4.I
	// "a permissive mode is available for tests").
	PermissionModePermissive PermissionMode = "permissive"
)

// RateLimit bounds requests per agent over a fixed window (§5 backpressure).
type RateLimit struct {
	RequestsPerWindow int
	Window            time.Duration
}

// Config is the engine's single typed configuration record. Every field
// here corresponds to a named environment knob in spec §6.
type Config struct {
	// Storage
	DatabasePath string

	// Query Pipeline (§4.F)
	HybridAlpha    float64
	RerankAlpha    float64
	RerankTopK     int
	HydeEnabled    bool
	DefaultLimit   int
	MaxLimit       int
	CursorTTL      time.Duration
	CursorSecret   string

	// Embedding Job Queue (§4.E)
	EmbeddingConcurrency int
	EmbeddingQueueDepth  int
	EmbeddingMaxRetries  int

	// Prioritization Service (§4.G)
	PriorityMinSamples  int
	PriorityLearningRate float64
	PriorityWeightAdaptive float64
	PriorityWeightUsefulness float64
	PriorityWeightContext float64

	// Cache Layer (§4.H)
	CacheMaxEntries int
	CacheMaxBytes   int64

	// Handler Surface (§4.I)
	PermissionMode PermissionMode
	RateLimit      RateLimit
	AdminKey       string

	// Optional transports (§3 domain stack)
	NotifyNATSURL string
	NotifyNATSSubject string
	WatchEnabled  bool
	ListenAddr    string // serve's HTTP/WebSocket bind address

	// Debug logging (internal/logging)
	Debug bool
}

// Defaults returns the engine's baseline configuration, matching the
// numeric defaults named throughout spec §4.
func Defaults() *Config {
	return &Config{
		DatabasePath: "memengine.db",

		HybridAlpha:  0.5,
		RerankAlpha:  0.9,
		RerankTopK:   100,
		HydeEnabled:  false,
		DefaultLimit: 20,
		MaxLimit:     100,
		CursorTTL:    time.Hour,
		CursorSecret: "",

		EmbeddingConcurrency: 2,
		EmbeddingQueueDepth:  256,
		EmbeddingMaxRetries:  5,

		PriorityMinSamples:       10,
		PriorityLearningRate:     0.1,
		PriorityWeightAdaptive:   0.4,
		PriorityWeightUsefulness: 0.3,
		PriorityWeightContext:    0.3,

		CacheMaxEntries: 1000,
		CacheMaxBytes:   64 << 20,

		PermissionMode: PermissionModeEnforced,
		RateLimit:      RateLimit{RequestsPerWindow: 600, Window: time.Minute},

		ListenAddr: "127.0.0.1:8089",
	}
}

// Load assembles a Config from defaults, an optional TOML file at path
// (ignored if it does not exist), and MEMCTL_-prefixed environment
// variables, in that precedence order — env overrides file overrides
// defaults, the same viper layering cmd/bd uses.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("toml")
	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !isFileNotFound(err) {
				return nil, fmt.Errorf("load config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("MEMCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	out := Defaults()
	out.DatabasePath = v.GetString("database_path")
	out.HybridAlpha = v.GetFloat64("hybrid_alpha")
	out.RerankAlpha = v.GetFloat64("rerank_alpha")
	out.RerankTopK = v.GetInt("rerank_topk")
	out.HydeEnabled = v.GetBool("hyde_enabled")
	out.DefaultLimit = v.GetInt("default_limit")
	out.MaxLimit = v.GetInt("max_limit")
	out.CursorTTL = v.GetDuration("cursor_ttl")
	out.CursorSecret = v.GetString("cursor_secret")
	out.EmbeddingConcurrency = v.GetInt("embedding_concurrency")
	out.EmbeddingQueueDepth = v.GetInt("embedding_queue_depth")
	out.EmbeddingMaxRetries = v.GetInt("embedding_max_retries")
	out.PriorityMinSamples = v.GetInt("priority_min_samples")
	out.PriorityLearningRate = v.GetFloat64("priority_learning_rate")
	out.PriorityWeightAdaptive = v.GetFloat64("priority_weight_adaptive")
	out.PriorityWeightUsefulness = v.GetFloat64("priority_weight_usefulness")
	out.PriorityWeightContext = v.GetFloat64("priority_weight_context")
	out.CacheMaxEntries = v.GetInt("cache_max_entries")
	out.CacheMaxBytes = v.GetInt64("cache_max_bytes")
	out.PermissionMode = PermissionMode(v.GetString("permission_mode"))
	out.RateLimit.RequestsPerWindow = v.GetInt("rate_limit_requests")
	out.RateLimit.Window = v.GetDuration("rate_limit_window")
	out.AdminKey = v.GetString("admin_key")
	out.NotifyNATSURL = v.GetString("notify_nats_url")
	out.NotifyNATSSubject = v.GetString("notify_nats_subject")
	out.WatchEnabled = v.GetBool("watch_enabled")
	out.ListenAddr = v.GetString("listen_addr")
	out.Debug = v.GetBool("debug")

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("hybrid_alpha", cfg.HybridAlpha)
	v.SetDefault("rerank_alpha", cfg.RerankAlpha)
	v.SetDefault("rerank_topk", cfg.RerankTopK)
	v.SetDefault("hyde_enabled", cfg.HydeEnabled)
	v.SetDefault("default_limit", cfg.DefaultLimit)
	v.SetDefault("max_limit", cfg.MaxLimit)
	v.SetDefault("cursor_ttl", cfg.CursorTTL)
	v.SetDefault("cursor_secret", cfg.CursorSecret)
	v.SetDefault("embedding_concurrency", cfg.EmbeddingConcurrency)
	v.SetDefault("embedding_queue_depth", cfg.EmbeddingQueueDepth)
	v.SetDefault("embedding_max_retries", cfg.EmbeddingMaxRetries)
	v.SetDefault("priority_min_samples", cfg.PriorityMinSamples)
	v.SetDefault("priority_learning_rate", cfg.PriorityLearningRate)
	v.SetDefault("priority_weight_adaptive", cfg.PriorityWeightAdaptive)
	v.SetDefault("priority_weight_usefulness", cfg.PriorityWeightUsefulness)
	v.SetDefault("priority_weight_context", cfg.PriorityWeightContext)
	v.SetDefault("cache_max_entries", cfg.CacheMaxEntries)
	v.SetDefault("cache_max_bytes", cfg.CacheMaxBytes)
	v.SetDefault("permission_mode", string(cfg.PermissionMode))
	v.SetDefault("rate_limit_requests", cfg.RateLimit.RequestsPerWindow)
	v.SetDefault("rate_limit_window", cfg.RateLimit.Window)
	v.SetDefault("notify_nats_url", cfg.NotifyNATSURL)
	v.SetDefault("notify_nats_subject", cfg.NotifyNATSSubject)
	v.SetDefault("watch_enabled", cfg.WatchEnabled)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("debug", cfg.Debug)
}

func isFileNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

// Validate checks the numeric ranges that the query/rerank/priority
// formulas in §4.F/§4.G assume.
func (c *Config) Validate() error {
	if c.HybridAlpha < 0 || c.HybridAlpha > 1 {
		return fmt.Errorf("hybridAlpha must be in [0,1], got %v", c.HybridAlpha)
	}
	if c.RerankAlpha < 0 || c.RerankAlpha > 1 {
		return fmt.Errorf("rerankAlpha must be in [0,1], got %v", c.RerankAlpha)
	}
	if c.EmbeddingConcurrency < 1 {
		return fmt.Errorf("embeddingConcurrency must be >= 1, got %d", c.EmbeddingConcurrency)
	}
	if c.DefaultLimit < 1 || c.MaxLimit < c.DefaultLimit {
		return fmt.Errorf("invalid limit bounds: default=%d max=%d", c.DefaultLimit, c.MaxLimit)
	}
	switch c.PermissionMode {
	case PermissionModeEnforced, PermissionModePermissive:
	default:
		return fmt.Errorf("invalid permissionMode %q", c.PermissionMode)
	}
	return nil
}
