// Package engine assembles the memory engine's components from a loaded
// config.Config: the storage adapters, the rate limiter/circuit breaker
// guarding each of them, the embedding cache, and the three top-level
// managers (lifecycle, consolidation, graph) the rest of the application
// calls into. It is the single assembly point, so an outer transport
// layer or a test harness never duplicates wiring logic.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trapias/memoria/internal/chunking"
	"github.com/trapias/memoria/internal/config"
	"github.com/trapias/memoria/internal/consolidation"
	"github.com/trapias/memoria/internal/embeddings"
	"github.com/trapias/memoria/internal/graph"
	"github.com/trapias/memoria/internal/logging"
	"github.com/trapias/memoria/internal/memory"
	"github.com/trapias/memoria/internal/persistence"
	"github.com/trapias/memoria/internal/resilience"
	"github.com/trapias/memoria/internal/storage"
	"github.com/trapias/memoria/internal/types"
	"github.com/trapias/memoria/internal/workingmemory"
)

// Engine holds every wired component a caller needs: the three
// user-facing managers plus the adapters underneath them, so integration
// tests and any outer transport layer have one assembly point.
type Engine struct {
	Config        *config.Config
	Log           logging.Logger
	Vectors       storage.VectorStore
	Relational    storage.RelationalStore
	Embedder      embeddings.Embedder
	EmbedCache    *embeddings.Cache
	WorkingMemory *workingmemory.WorkingMemory
	Consolidator  *consolidation.Consolidator
	Memory        *memory.Manager
	Graph         *graph.Manager

	// DistributedLimiter is non-nil when a Redis URL is configured; it
	// enforces the embedder window across process instances on top of
	// the in-process limiter.
	DistributedLimiter *resilience.RedisRateLimiter

	redisClient *redis.Client
}

// Options lets callers substitute a fake VectorStore/RelationalStore/
// Embedder (for tests) instead of dialing the real Qdrant/Postgres/OpenAI
// backends Build would otherwise construct.
type Options struct {
	Vectors    storage.VectorStore
	Relational storage.RelationalStore
	Embedder   embeddings.Embedder
}

// Build wires the full engine from cfg. Any external service omitted from
// opts is dialed from cfg; RelationalStore is optional: without one, the
// graph capability is absent (suggestion calls report GraphUnavailable)
// while memory operations keep working.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	log := logging.New(logging.ParseLevel(cfg.LogLevel)).WithComponent("engine")

	eng := &Engine{Config: cfg, Log: log}

	embedderLimiter := resilience.NewRateLimiter(cfg.EmbedderLimits.MaxRequests, secondsToDuration(cfg.EmbedderLimits.WindowSeconds))
	embedderBreaker := resilience.NewCircuitBreaker("embedder", cfg.EmbedderBreaker.FailureThreshold, cfg.EmbedderBreaker.SuccessThreshold, cfg.EmbedderBreaker.RecoveryTimeout)
	vectorLimiter := resilience.NewRateLimiter(cfg.VectorLimits.MaxRequests, secondsToDuration(cfg.VectorLimits.WindowSeconds))
	vectorBreaker := resilience.NewCircuitBreaker("vector_store", cfg.VectorBreaker.FailureThreshold, cfg.VectorBreaker.SuccessThreshold, cfg.VectorBreaker.RecoveryTimeout)

	// With a Redis URL configured, the embedder window is additionally
	// enforced across every process sharing that Redis, so a fleet of
	// engine instances cannot collectively exceed the external cap.
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		eng.redisClient = redis.NewClient(redisOpts)
		eng.DistributedLimiter = resilience.NewRedisRateLimiter(eng.redisClient, "memoria", cfg.EmbedderLimits.MaxRequests, secondsToDuration(cfg.EmbedderLimits.WindowSeconds))
	}

	if opts.Vectors != nil {
		eng.Vectors = opts.Vectors
	} else {
		store, err := storage.NewQdrantStore(storage.QdrantConfig{
			Host:   cfg.VectorStore.Host,
			Port:   cfg.VectorStore.Port,
			APIKey: cfg.VectorStore.APIKey,
			UseTLS: cfg.VectorStore.UseTLS,
		}, vectorLimiter, vectorBreaker, log.WithComponent("qdrant"))
		if err != nil {
			return nil, fmt.Errorf("build vector store: %w", err)
		}
		eng.Vectors = store
	}

	if err := ensureCollections(ctx, eng.Vectors, cfg.Embedder.Dim); err != nil {
		return nil, fmt.Errorf("ensure collections: %w", err)
	}

	if opts.Relational != nil {
		eng.Relational = opts.Relational
	} else if cfg.Relational.URL != "" {
		// Rate limiting and circuit breaking guard only the embedder and
		// the remote vector store; the SQL pool already bounds its own
		// concurrency via PoolMin/PoolMax.
		rel, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:           cfg.Relational.URL,
			PoolMin:       cfg.Relational.PoolMin,
			PoolMax:       cfg.Relational.PoolMax,
			PoolTimeout:   cfg.Relational.ConnectTimeout,
			RunMigrations: cfg.Relational.RunMigrations,
		}, nil, nil, log.WithComponent("postgres"))
		if err != nil {
			log.WarnContext(ctx, "relational store unavailable, graph APIs will report GraphUnavailable", "error", err)
		} else {
			eng.Relational = rel
		}
	}

	if opts.Embedder != nil {
		eng.Embedder = opts.Embedder
	} else {
		eng.Embedder = embeddings.NewOpenAIClient(cfg.Embedder.Host, "", cfg.Embedder.Model, cfg.Embedder.Dim)
	}
	// The embedder must be alive before the engine is handed out; model pull
	// is best-effort per its contract.
	if ok, err := eng.Embedder.CheckConnection(ctx); err != nil {
		return nil, fmt.Errorf("embedder liveness check failed: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("embedder liveness check failed: endpoint not serving")
	}
	if _, err := eng.Embedder.EnsureModel(ctx); err != nil {
		log.WarnContext(ctx, "embedding model pull failed, continuing", "model", cfg.Embedder.Model, "error", err)
	}
	if cfg.Embedder.CacheEnabled {
		eng.EmbedCache = embeddings.NewCache(10000)
		eng.Embedder = embeddings.NewCachedEmbedder(rateLimitedEmbedder(eng.Embedder, embedderLimiter, eng.DistributedLimiter, embedderBreaker), eng.EmbedCache)
	} else {
		eng.Embedder = rateLimitedEmbedder(eng.Embedder, embedderLimiter, eng.DistributedLimiter, embedderBreaker)
	}

	eng.WorkingMemory = workingmemory.New(1000, 30*time.Minute)

	eng.Consolidator = consolidation.New(eng.Vectors, consolidation.Config{
		SimilarityThreshold:      cfg.Consolidation.ConsolidationThreshold,
		MaxClusterSize:           10,
		ForgettingMaxAge:         time.Duration(cfg.Consolidation.ForgettingDays) * 24 * time.Hour,
		ForgettingMinImportance:  cfg.Consolidation.MinImportanceThreshold,
		ForgettingMinAccessCount: int64(cfg.Consolidation.MinAccessCountThreshold),
		DecayRate:                cfg.Consolidation.DecayRate,
		DecayMinDaysSinceAccess:  cfg.Consolidation.MinDaysSinceAccess,
		DecayFloor:               0.1,
		BoostAmount:              cfg.Consolidation.BoostAmount,
		MaxImportance:            1.0,
	}, log.WithComponent("consolidation"))

	chunker := chunking.New(chunking.Config{
		ChunkSize:         cfg.Chunking.ChunkSize,
		ChunkOverlap:      cfg.Chunking.ChunkOverlap,
		MinChunkSize:      cfg.Chunking.MinChunkSize,
		Separators:        chunking.DefaultConfig().Separators,
		PreserveSentences: cfg.Chunking.PreserveSentences,
	})

	eng.Memory = memory.New(eng.Vectors, eng.Embedder, chunker, eng.WorkingMemory, eng.Consolidator, memory.Config{
		DefaultRecallLimit: cfg.Recall.DefaultRecallLimit,
		MinSimilarityScore: cfg.Recall.MinSimilarityScore,
		ChunkSize:          cfg.Chunking.ChunkSize,
	}, log.WithComponent("memory"))

	if cfg.KeywordConfigPath != "" {
		if err := graph.LoadKeywordOverrides(cfg.KeywordConfigPath); err != nil {
			return nil, fmt.Errorf("load keyword overrides: %w", err)
		}
	}
	eng.Graph = graph.New(eng.Relational, eng.Vectors, log.WithComponent("graph"))

	return eng, nil
}

// BackupManager builds a persistence.BackupManager over this engine's
// vector store and embedder, for callers that want to export/import.
func (e *Engine) BackupManager(backupDir string) *persistence.BackupManager {
	return persistence.NewBackupManager(e.Vectors, e.Embedder, backupDir, e.Log.WithComponent("backup"))
}

// Close releases any pooled connections the engine opened for itself
// (e.g. a Redis client used for distributed rate limiting).
func (e *Engine) Close() error {
	if e.redisClient != nil {
		return e.redisClient.Close()
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func ensureCollections(ctx context.Context, vectors storage.VectorStore, dim int) error {
	for _, kind := range types.AllKinds {
		exists, err := vectors.CollectionExists(ctx, string(kind))
		if err != nil {
			return err
		}
		if !exists {
			if err := vectors.CreateCollection(ctx, string(kind), uint64(dim)); err != nil {
				return err
			}
		}
		if err := vectors.EnsurePayloadIndexes(ctx, string(kind)); err != nil {
			return err
		}
	}
	return nil
}

// guardedEmbedder composes the shared rate limiter and circuit breaker
// around an inner Embedder's network call, matching the guard pattern
// every storage adapter already applies to its own external calls:
// rate-limit first, then circuit-breaker wrap.
type guardedEmbedder struct {
	inner   embeddings.Embedder
	limiter *resilience.RateLimiter
	dist    *resilience.RedisRateLimiter
	breaker *resilience.CircuitBreaker
}

func rateLimitedEmbedder(inner embeddings.Embedder, limiter *resilience.RateLimiter, dist *resilience.RedisRateLimiter, breaker *resilience.CircuitBreaker) embeddings.Embedder {
	return &guardedEmbedder{inner: inner, limiter: limiter, dist: dist, breaker: breaker}
}

func (g *guardedEmbedder) Embed(ctx context.Context, text string, kind embeddings.Kind) (embeddings.Result, error) {
	if g.limiter != nil {
		if err := g.limiter.Acquire(); err != nil {
			return embeddings.Result{}, err
		}
	}
	if g.dist != nil {
		if err := g.dist.Acquire(ctx, "embedder"); err != nil {
			return embeddings.Result{}, err
		}
	}
	var res embeddings.Result
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var innerErr error
		res, innerErr = g.inner.Embed(ctx, text, kind)
		return innerErr
	})
	return res, err
}

func (g *guardedEmbedder) CheckConnection(ctx context.Context) (bool, error) {
	return g.inner.CheckConnection(ctx)
}

func (g *guardedEmbedder) EnsureModel(ctx context.Context) (bool, error) {
	return g.inner.EnsureModel(ctx)
}

// QueryPrefix and DocumentPrefix forward to the inner embedder so wrapping
// it in a CachedEmbedder (which type-asserts for embeddings.PrefixedModel)
// still picks up the model's prefix convention.
func (g *guardedEmbedder) QueryPrefix() string {
	if pm, ok := g.inner.(embeddings.PrefixedModel); ok {
		return pm.QueryPrefix()
	}
	return ""
}

func (g *guardedEmbedder) DocumentPrefix() string {
	if pm, ok := g.inner.(embeddings.PrefixedModel); ok {
		return pm.DocumentPrefix()
	}
	return ""
}

func (g *guardedEmbedder) ModelName() string {
	if pm, ok := g.inner.(interface{ ModelName() string }); ok {
		return pm.ModelName()
	}
	return "default"
}
