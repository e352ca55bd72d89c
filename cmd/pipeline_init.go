package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/fetcher"
	"github.com/carbonwatch/emissions-cli/internal/ocr"
	"github.com/carbonwatch/emissions-cli/internal/pipeline"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/record"
	"github.com/carbonwatch/emissions-cli/internal/vector"
	anthropicpkg "github.com/carbonwatch/emissions-cli/pkg/anthropic"
	"github.com/carbonwatch/emissions-cli/pkg/discord"
	"github.com/carbonwatch/emissions-cli/pkg/notion"
)

// pipelineEnv holds the initialized store, broker, index, and the wired
// pipeline shared by the worker, serve, and submit commands.
type pipelineEnv struct {
	Store    record.Store
	Broker   queue.Broker
	Index    vector.Index
	Pipeline *pipeline.Pipeline

	closers []func()
}

// Close releases resources in reverse acquisition order.
func (pe *pipelineEnv) Close() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		pe.closers[i]()
	}
}

func brokerOptions() queue.Options {
	return queue.Options{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Queue.BackoffSecs) * time.Second,
		MaxBackoff:     time.Duration(cfg.Queue.MaxBackoffSecs) * time.Second,
		ClaimTimeout:   time.Duration(cfg.Queue.ClaimTimeoutSecs) * time.Second,
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// initEnv sets up storage, the queue broker, the vector index, and every
// stage client, then builds the Pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*pipelineEnv, error) {
	env := &pipelineEnv{}

	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver (PIPELINE_STORE_DATABASE_URL)")
		}
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "create database pool")
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, eris.Wrap(err, "ping database")
		}
		env.closers = append(env.closers, pool.Close)

		// One pool serves records, jobs, and paragraph embeddings.
		env.Store = record.NewPostgresWithPool(pool)
		env.Broker = queue.NewPostgresWithPool(pool, brokerOptions())
		env.Index = vector.NewPostgresIndex(pool)

	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "emissions.db"
		}
		st, err := record.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, func() { _ = st.Close() })
		env.Store = st
		// The sqlite driver is for single-process local runs; jobs and
		// embeddings stay in memory and do not survive a restart.
		env.Broker = queue.NewMemory(brokerOptions())
		env.Index = vector.NewMemoryIndex()
		zap.L().Warn("sqlite driver selected, queue and index are in-memory only")

	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	for _, m := range []any{env.Store, env.Broker, env.Index} {
		if mg, ok := m.(migrator); ok {
			if err := mg.Migrate(ctx); err != nil {
				env.Close()
				return nil, eris.Wrap(err, "migrate")
			}
		}
	}

	embedder, err := vector.NewOllamaEmbedder(cfg.Embedding.OllamaHost, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init embedder")
	}

	fetch := fetcher.NewDispatcher(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:  cfg.Fetch.UserAgent,
			Timeout:    time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
			MaxRetries: cfg.Fetch.MaxRetries,
			MaxBytes:   cfg.Fetch.MaxBytes,
		}),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout:  time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
			MaxBytes: cfg.Fetch.MaxBytes,
		}),
	)

	var publisher pipeline.Publisher
	if cfg.Review.DiscordToken != "" {
		publisher = discord.NewClient(cfg.Review.DiscordToken, discord.WithBaseURL(cfg.Review.DiscordBaseURL))
	} else {
		zap.L().Warn("PIPELINE_REVIEW_DISCORD_TOKEN not set, records will pend without a review message")
	}

	var mirror pipeline.ReviewMirror
	if cfg.Notion.Token != "" && cfg.Notion.ReviewDB != "" {
		mirror = notion.NewMirror(notion.NewAPI(cfg.Notion.Token), cfg.Notion.ReviewDB)
		zap.L().Info("notion review mirror enabled")
	}

	pl, err := pipeline.New(cfg, pipeline.Deps{
		Store:     env.Store,
		Fetcher:   fetch,
		Converter: ocr.NewConverter(cfg.OCR.PdfToTextPath),
		Embedder:  embedder,
		Index:     env.Index,
		AI:        anthropicpkg.NewClient(cfg.Anthropic.Key),
		Publisher: publisher,
		Mirror:    mirror,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Pipeline = pl
	return env, nil
}
