package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
	"github.com/theapemachine/memcube/pkg/audit"
	"github.com/theapemachine/memcube/pkg/auth"
	"github.com/theapemachine/memcube/pkg/embedding"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"github.com/theapemachine/memcube/pkg/metrics"
	"github.com/theapemachine/memcube/pkg/orchestrator"
	"github.com/theapemachine/memcube/pkg/scheduler"
	"github.com/theapemachine/memcube/pkg/stores/qdrant"
	"github.com/theapemachine/memcube/pkg/stores/s3"
)

/*
stack is everything a surface needs, assembled once from the config. The
backends are fixed for the lifetime of the process.
*/
type stack struct {
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	audit        audit.Log
	vectors      memory.VectorStore
	metrics      *metrics.OperationMetrics
	auth         *auth.Service
}

func buildStack(ctx context.Context, v *viper.Viper) (*stack, error) {
	ops, err := metrics.NewOperationMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	embedder, err := buildEmbedder(v)
	if err != nil {
		return nil, err
	}

	vectors, err := buildVectorStore(ctx, v, embedder)
	if err != nil {
		return nil, err
	}

	auditLog, err := buildAuditLog(v)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(
		memory.NewInMemoryGraphStore(),
		vectors,
		embedder,
		auditLog,
		orchestrator.WithMetrics(ops),
		orchestrator.WithTimeouts(v.GetDuration("embedding.timeout"), v.GetDuration("store.timeout")),
	)

	sched := scheduler.New(orch, scheduler.Options{
		Workers:         v.GetInt("scheduler.workers"),
		QueueSize:       v.GetInt("scheduler.queue_size"),
		Retention:       v.GetDuration("scheduler.retention"),
		CleanupInterval: v.GetDuration("scheduler.cleanup_interval"),
		Metrics:         ops,
	})

	log.Info(
		"memory stack ready",
		"embedding", v.GetString("embedding.provider"),
		"vector", v.GetString("vector.backend"),
		"audit", v.GetString("audit.backend"),
	)

	return &stack{
		orchestrator: orch,
		scheduler:    sched,
		audit:        auditLog,
		vectors:      vectors,
		metrics:      ops,
		auth: auth.NewService(auth.Options{
			Token:      v.GetString("auth.token"),
			SigningKey: v.GetString("auth.signing_key"),
			RateLimit:  v.GetInt64("auth.rate_limit"),
		}),
	}, nil
}

// ready probes the vector backend; the graph store is always in process.
func (s *stack) ready(ctx context.Context) error {
	return s.vectors.Ping(ctx)
}

/*
close drains the scheduler before closing the audit log, so every accepted
task still gets its audit event.
*/
func (s *stack) close(ctx context.Context) {
	if err := s.scheduler.Close(ctx); err != nil {
		log.Warn("scheduler did not drain", "error", err)
	}

	if err := s.audit.Close(); err != nil {
		log.Error("failed to close audit log", "error", err)
	}
}

func buildEmbedder(v *viper.Viper) (memory.Embedder, error) {
	var (
		inner    memory.Embedder
		provider = strings.ToLower(v.GetString("embedding.provider"))
		model    = v.GetString("embedding.model")
	)

	if provider == "" || provider == "auto" {
		provider = "hash"

		if v.GetString("embedding.url") != "" || v.GetString("embedding.api_key") != "" {
			provider = "openai"
		}
	}

	switch provider {
	case "hash":
		// Deterministic and offline; nothing to cache.
		return embedding.NewHashEmbedder(v.GetInt("embedding.dimensions")), nil
	case "openai":
		options := []embedding.OpenAIEmbedderOption{
			embedding.WithOpenAIKey(v.GetString("embedding.api_key")),
			embedding.WithOpenAIBaseURL(v.GetString("embedding.url")),
			embedding.WithOpenAIDimensions(v.GetInt("embedding.dimensions")),
		}

		if model != "" {
			options = append(options, embedding.WithOpenAIModel(model))
		}

		inner = embedding.NewOpenAIEmbedder(options...)
	case "ollama":
		options := []embedding.OllamaEmbedderOption{}

		if url := v.GetString("embedding.url"); url != "" {
			options = append(options, embedding.WithOllamaHost(url))
		}

		if model != "" {
			options = append(options, embedding.WithOllamaModel(model))
		}

		inner = embedding.NewOllamaEmbedder(options...)
	default:
		return nil, memerr.ErrValidation.WithMessagef("unknown embedding provider %q", provider)
	}

	cached, err := embedding.NewCachedEmbedder(inner, provider+":"+model, v.GetInt64("embedding.cache_size"))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	return cached, nil
}

func buildVectorStore(ctx context.Context, v *viper.Viper, embedder memory.Embedder) (memory.VectorStore, error) {
	switch strings.ToLower(v.GetString("vector.backend")) {
	case "", "memory":
		return memory.NewInMemoryVectorStore(), nil
	case "chromem":
		return memory.NewChromemVectorStore(expandHome(v.GetString("vector.path")))
	case "qdrant":
		client := qdrant.New(v.GetString("vector.qdrant.url"), v.GetString("vector.qdrant.collection"))
		client.APIKey = v.GetString("vector.qdrant.api_key")

		dimension, err := embeddingDimension(ctx, v, embedder)
		if err != nil {
			return nil, err
		}

		if err := memerr.RetryWithBackoff(ctx, memerr.DefaultRetryConfig(), func(ctx context.Context) error {
			return client.EnsureCollection(ctx, dimension)
		}); err != nil {
			return nil, fmt.Errorf("qdrant at %s is not reachable: %w", client.Endpoint, err)
		}

		return memory.NewQdrantVectorStore(client), nil
	default:
		return nil, memerr.ErrValidation.WithMessagef("unknown vector backend %q", v.GetString("vector.backend"))
	}
}

/*
embeddingDimension uses the configured dimension when there is one and
otherwise embeds a probe text, so a new collection matches the model.
*/
func embeddingDimension(ctx context.Context, v *viper.Viper, embedder memory.Embedder) (int, error) {
	if dimension := v.GetInt("embedding.dimensions"); dimension > 0 {
		return dimension, nil
	}

	if sized, ok := embedder.(interface{ Dimensions() int }); ok {
		return sized.Dimensions(), nil
	}

	var probe []float32

	err := memerr.RetryWithBackoff(ctx, memerr.DefaultRetryConfig(), func(ctx context.Context) (err error) {
		probe, err = embedder.Embed(ctx, "dimension probe")
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to probe embedding dimension: %w", err)
	}

	return len(probe), nil
}

func buildAuditLog(v *viper.Viper) (audit.Log, error) {
	switch strings.ToLower(v.GetString("audit.backend")) {
	case "", "file":
		return audit.OpenFileLog(expandHome(v.GetString("audit.path")))
	case "memory":
		return audit.NewMemoryLog(), nil
	case "redis":
		return audit.NewRedisLog(audit.RedisOptions{
			URL: v.GetString("audit.redis.url"),
			Key: v.GetString("audit.redis.key"),
		})
	default:
		return nil, memerr.ErrValidation.WithMessagef("unknown audit backend %q", v.GetString("audit.backend"))
	}
}

func buildArchiver(v *viper.Viper) (*s3.Archiver, error) {
	return s3.NewArchiver(s3.Options{
		Endpoint:  v.GetString("audit.archive.endpoint"),
		AccessKey: v.GetString("audit.archive.access_key"),
		SecretKey: v.GetString("audit.archive.secret_key"),
		Bucket:    v.GetString("audit.archive.bucket"),
		Region:    v.GetString("audit.archive.region"),
		Prefix:    v.GetString("audit.archive.prefix"),
		UseSSL:    v.GetBool("audit.archive.use_ssl"),
	})
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	return path
}
