package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Persona   PersonaConfig   `json:"persona"`
	Model     ModelConfig     `json:"model"`
	Embedding EmbeddingConfig `json:"embedding"`
	Memory    MemoryConfig    `json:"memory"`
}

type PersonaConfig struct {
	Name string `json:"name" env:"MIO_PERSONA_NAME"`
	ID   string `json:"id" env:"MIO_PERSONA_ID"`
}

type ModelConfig struct {
	APIKey      string  `json:"api_key" env:"MIO_MODEL_API_KEY"`
	APIBase     string  `json:"api_base" env:"MIO_MODEL_API_BASE"`
	Model       string  `json:"model" env:"MIO_MODEL_NAME"`
	Temperature float64 `json:"temperature" env:"MIO_MODEL_TEMPERATURE"`
}

type EmbeddingConfig struct {
	APIKey  string `json:"api_key" env:"MIO_EMBEDDING_API_KEY"`
	APIBase string `json:"api_base" env:"MIO_EMBEDDING_API_BASE"`
	Model   string `json:"model" env:"MIO_EMBEDDING_MODEL"`
	// Local switches to the deterministic in-process embedder. Useful for
	// tests and offline runs; vectors are not comparable across modes.
	Local bool `json:"local" env:"MIO_EMBEDDING_LOCAL"`
}

// MemoryConfig carries every tunable of the memory subsystem. The scoring
// weights and thresholds are hand-tuned defaults, not derived values.
type MemoryConfig struct {
	DBPath string `json:"db_path" env:"MIO_MEMORY_DB_PATH"`

	// Working memory buffer.
	FlushIntervalSeconds int     `json:"flush_interval_seconds" env:"MIO_MEMORY_FLUSH_INTERVAL_SECONDS"`
	FlushThreshold       int     `json:"flush_threshold" env:"MIO_MEMORY_FLUSH_THRESHOLD"`
	DedupThreshold       float64 `json:"dedup_threshold" env:"MIO_MEMORY_DEDUP_THRESHOLD"`

	// Extraction pipeline.
	ChunkMaxSize        int      `json:"chunk_max_size" env:"MIO_MEMORY_CHUNK_MAX_SIZE"`
	ChunkIdleGapMinutes int      `json:"chunk_idle_gap_minutes" env:"MIO_MEMORY_CHUNK_IDLE_GAP_MINUTES"`
	SampleRate          float64  `json:"sample_rate" env:"MIO_MEMORY_SAMPLE_RATE"`
	KeywordDensity      float64  `json:"keyword_density" env:"MIO_MEMORY_KEYWORD_DENSITY"`
	TopicKeywords       []string `json:"topic_keywords"`

	// Episodic retrieval.
	RetrieveTopK          int     `json:"retrieve_top_k" env:"MIO_MEMORY_RETRIEVE_TOP_K"`
	SimilarityWeight      float64 `json:"similarity_weight" env:"MIO_MEMORY_SIMILARITY_WEIGHT"`
	DecayWeight           float64 `json:"decay_weight" env:"MIO_MEMORY_DECAY_WEIGHT"`
	ImportanceWeight      float64 `json:"importance_weight" env:"MIO_MEMORY_IMPORTANCE_WEIGHT"`
	TagBoost              float64 `json:"tag_boost" env:"MIO_MEMORY_TAG_BOOST"`
	RetrievalHalfLifeDays float64 `json:"retrieval_half_life_days" env:"MIO_MEMORY_RETRIEVAL_HALF_LIFE_DAYS"`

	// Semantic facts.
	ConfidenceBump     float64 `json:"confidence_bump" env:"MIO_MEMORY_CONFIDENCE_BUMP"`
	SemanticWindowDays int     `json:"semantic_window_days" env:"MIO_MEMORY_SEMANTIC_WINDOW_DAYS"`

	// Relational memory.
	SilenceThresholdDays int `json:"silence_threshold_days" env:"MIO_MEMORY_SILENCE_THRESHOLD_DAYS"`
	CoreStaleDays        int `json:"core_stale_days" env:"MIO_MEMORY_CORE_STALE_DAYS"`

	// Retention and eviction.
	RetentionWindowDays   int     `json:"retention_window_days" env:"MIO_MEMORY_RETENTION_WINDOW_DAYS"`
	RetentionHalfLifeDays float64 `json:"retention_half_life_days" env:"MIO_MEMORY_RETENTION_HALF_LIFE_DAYS"`
	RetentionFloor        float64 `json:"retention_floor" env:"MIO_MEMORY_RETENTION_FLOOR"`
	CommunityCapacity     int     `json:"community_capacity" env:"MIO_MEMORY_COMMUNITY_CAPACITY"`

	// Session vibes.
	VibeTTLHours  int `json:"vibe_ttl_hours" env:"MIO_MEMORY_VIBE_TTL_HOURS"`
	VibeCacheSize int `json:"vibe_cache_size" env:"MIO_MEMORY_VIBE_CACHE_SIZE"`

	// Distillation schedule, evaluated once a minute against a cron expression.
	DistillCron string `json:"distill_cron" env:"MIO_MEMORY_DISTILL_CRON"`
}

func DefaultConfig() *Config {
	return &Config{
		Persona: PersonaConfig{
			Name: "mio",
			ID:   "mio",
		},
		Model: ModelConfig{
			APIBase:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.4,
		},
		Embedding: EmbeddingConfig{
			APIBase: "https://api.openai.com/v1",
			Model:   "text-embedding-3-small",
		},
		Memory: MemoryConfig{
			DBPath:                "~/.mio/state/memory.db",
			FlushIntervalSeconds:  30,
			FlushThreshold:        16,
			DedupThreshold:        0.90,
			ChunkMaxSize:          40,
			ChunkIdleGapMinutes:   20,
			SampleRate:            0.33,
			KeywordDensity:        0.12,
			TopicKeywords:         []string{},
			RetrieveTopK:          5,
			SimilarityWeight:      0.55,
			DecayWeight:           0.25,
			ImportanceWeight:      0.10,
			TagBoost:              0.10,
			RetrievalHalfLifeDays: 7,
			ConfidenceBump:        0.10,
			SemanticWindowDays:    7,
			SilenceThresholdDays:  30,
			CoreStaleDays:         30,
			RetentionWindowDays:   90,
			RetentionHalfLifeDays: 14,
			RetentionFloor:        0.15,
			CommunityCapacity:     500,
			VibeTTLHours:          4,
			VibeCacheSize:         2048,
			DistillCron:           "0 4 * * *",
		},
	}
}

// LoadConfig reads the JSON config at path (a missing file means defaults)
// and applies environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// DBPath expands a leading ~ in the configured database path.
func (c *Config) DBPath() string {
	return expandHome(c.Memory.DBPath)
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
