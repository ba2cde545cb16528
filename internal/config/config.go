// Package config loads the memory engine's environment configuration:
// vector store connection, embedder, chunking, recall defaults,
// consolidation thresholds, and the relational store pool.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// VectorStoreConfig configures the external vector database connection.
type VectorStoreConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
	// LocalPath, if set, selects an embedded/local backend instead of Host+Port.
	LocalPath string
}

// EmbedderConfig configures the external embedding model runner.
type EmbedderConfig struct {
	Host         string
	Model        string
	Dim          int
	CachePath    string
	CacheEnabled bool
}

// ChunkingConfig configures the text chunker.
type ChunkingConfig struct {
	ChunkSize         int
	ChunkOverlap      int
	MinChunkSize      int
	PreserveSentences bool
}

// RecallConfig configures recall/search defaults.
type RecallConfig struct {
	DefaultRecallLimit int
	MinSimilarityScore float64
}

// ConsolidationConfig configures the consolidation engine's defaults.
type ConsolidationConfig struct {
	ConsolidationThreshold  float64
	ForgettingDays          int
	MinImportanceThreshold  float64
	MinAccessCountThreshold int
	DecayRate               float64
	MinDaysSinceAccess      int
	BoostAmount             float64
}

// RelationalConfig configures the SQL store pool.
type RelationalConfig struct {
	URL            string
	PoolMin        int
	PoolMax        int
	RunMigrations  bool
	ConnectTimeout time.Duration
}

// RateLimitConfig configures the sliding-window rate limiter applied to an
// external call site.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds float64
}

// CircuitBreakerConfig configures a circuit breaker guarding an external
// call site.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// Config is the fully assembled engine configuration.
type Config struct {
	VectorStore   VectorStoreConfig
	Embedder      EmbedderConfig
	Chunking      ChunkingConfig
	Recall        RecallConfig
	Consolidation ConsolidationConfig
	Relational    RelationalConfig

	EmbedderLimits   RateLimitConfig
	EmbedderBreaker  CircuitBreakerConfig
	VectorLimits     RateLimitConfig
	VectorBreaker    CircuitBreakerConfig

	// RedisURL, if set, enables the Redis-backed distributed rate limiter
	// shared by every process pointed at the same external services.
	RedisURL string

	KeywordConfigPath string // optional override file for relation-type heuristics
	LogLevel          string
}

// Load reads configuration from the environment (optionally from a .env
// file first), applying the documented defaults for anything unset.
func Load() *Config {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	return &Config{
		VectorStore: VectorStoreConfig{
			Host:      getString("MEMORIA_VECTOR_HOST", "localhost"),
			Port:      getInt("MEMORIA_VECTOR_PORT", 6334),
			APIKey:    getString("MEMORIA_VECTOR_API_KEY", ""),
			UseTLS:    getBool("MEMORIA_VECTOR_TLS", false),
			LocalPath: getString("MEMORIA_VECTOR_LOCAL_PATH", ""),
		},
		Embedder: EmbedderConfig{
			Host:         getString("MEMORIA_EMBEDDER_HOST", "http://localhost:11434"),
			Model:        getString("MEMORIA_EMBEDDER_MODEL", "nomic-embed-text"),
			Dim:          getInt("MEMORIA_EMBEDDER_DIM", 768),
			CachePath:    getString("MEMORIA_EMBEDDER_CACHE_PATH", ""),
			CacheEnabled: getBool("MEMORIA_EMBEDDER_CACHE_ENABLED", true),
		},
		Chunking: ChunkingConfig{
			ChunkSize:         getInt("MEMORIA_CHUNK_SIZE", 500),
			ChunkOverlap:      getInt("MEMORIA_CHUNK_OVERLAP", 50),
			MinChunkSize:      getInt("MEMORIA_MIN_CHUNK_SIZE", 50),
			PreserveSentences: getBool("MEMORIA_PRESERVE_SENTENCES", true),
		},
		Recall: RecallConfig{
			DefaultRecallLimit: getInt("MEMORIA_DEFAULT_RECALL_LIMIT", 5),
			MinSimilarityScore: getFloat("MEMORIA_MIN_SIMILARITY_SCORE", 0.5),
		},
		Consolidation: ConsolidationConfig{
			ConsolidationThreshold:  getFloat("MEMORIA_CONSOLIDATION_THRESHOLD", 0.9),
			ForgettingDays:          getInt("MEMORIA_FORGETTING_DAYS", 30),
			MinImportanceThreshold:  getFloat("MEMORIA_MIN_IMPORTANCE_THRESHOLD", 0.3),
			MinAccessCountThreshold: getInt("MEMORIA_MIN_ACCESS_COUNT_THRESHOLD", 1),
			DecayRate:               getFloat("MEMORIA_DECAY_RATE", 0.95),
			MinDaysSinceAccess:      getInt("MEMORIA_MIN_DAYS_SINCE_ACCESS", 7),
			BoostAmount:             getFloat("MEMORIA_BOOST_AMOUNT", 0.1),
		},
		Relational: RelationalConfig{
			URL:            getString("MEMORIA_RELATIONAL_URL", ""),
			PoolMin:        getInt("MEMORIA_POOL_MIN", 2),
			PoolMax:        getInt("MEMORIA_POOL_MAX", 10),
			RunMigrations:  getBool("MEMORIA_RUN_MIGRATIONS", true),
			ConnectTimeout: getDuration("MEMORIA_CONNECT_TIMEOUT", 10*time.Second),
		},
		EmbedderLimits:  RateLimitConfig{MaxRequests: getInt("MEMORIA_EMBEDDER_RATE_MAX", 100), WindowSeconds: getFloat("MEMORIA_EMBEDDER_RATE_WINDOW", 60)},
		EmbedderBreaker: CircuitBreakerConfig{FailureThreshold: getInt("MEMORIA_EMBEDDER_CB_THRESHOLD", 3), RecoveryTimeout: getDuration("MEMORIA_EMBEDDER_CB_RECOVERY", 30*time.Second), SuccessThreshold: getInt("MEMORIA_EMBEDDER_CB_SUCCESS", 1)},
		VectorLimits:    RateLimitConfig{MaxRequests: getInt("MEMORIA_VECTOR_RATE_MAX", 500), WindowSeconds: getFloat("MEMORIA_VECTOR_RATE_WINDOW", 60)},
		VectorBreaker:   CircuitBreakerConfig{FailureThreshold: getInt("MEMORIA_VECTOR_CB_THRESHOLD", 5), RecoveryTimeout: getDuration("MEMORIA_VECTOR_CB_RECOVERY", 15*time.Second), SuccessThreshold: getInt("MEMORIA_VECTOR_CB_SUCCESS", 2)},

		RedisURL:          getString("MEMORIA_REDIS_URL", ""),
		KeywordConfigPath: getString("MEMORIA_KEYWORD_CONFIG", ""),
		LogLevel:          getString("MEMORIA_LOG_LEVEL", "info"),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
