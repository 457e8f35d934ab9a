package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/subflowhq/subflow/internal/artifact"
	"github.com/subflowhq/subflow/internal/blobstore"
	"github.com/subflowhq/subflow/internal/concurrency"
	"github.com/subflowhq/subflow/internal/config"
	"github.com/subflowhq/subflow/internal/database"
	"github.com/subflowhq/subflow/internal/llm"
	"github.com/subflowhq/subflow/internal/llmhealth"
	"github.com/subflowhq/subflow/internal/pipeline"
	"github.com/subflowhq/subflow/internal/pipeline/stages"
	"github.com/subflowhq/subflow/internal/provider"
	"github.com/subflowhq/subflow/internal/repository"
)

// healthMirrorKey is the Redis key the LLM health monitor mirrors into.
const healthMirrorKey = "subflow:llm_health"

// app bundles the wired components shared by the worker and run commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *database.DB
	rdb       *redis.Client
	repos     *repository.Registry
	artifacts artifact.Store
	blobs     *blobstore.Store
	health    *llmhealth.Monitor
	tracker   *concurrency.Tracker
	deps      *pipeline.Deps
	orch      *pipeline.Orchestrator
}

// openDatabase loads config and opens a migrated database handle. Shared by
// the maintenance commands that need nothing else.
func openDatabase() (*config.Config, *database.DB, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.New(cfg.Database, slog.Default())
	if err != nil {
		return nil, nil, failRuntime(err)
	}
	if err := db.Migrate(); err != nil {
		return nil, nil, failRuntime(err)
	}
	return cfg, db, nil
}

// newArtifactStore builds the configured artifact backend.
func newArtifactStore(ctx context.Context, cfg config.StorageConfig) (artifact.Store, error) {
	switch cfg.ArtifactBackend {
	case "", "local":
		return artifact.NewLocalStore(cfg.ArtifactDir)
	case "s3":
		return artifact.NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown artifact backend: %q", cfg.ArtifactBackend)
	}
}

// newRedisClient connects to Redis, or returns nil when no URL is configured.
func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// buildApp wires the full pipeline stack. When redis.url is unset app.rdb is
// nil and the health monitor runs without its Redis mirror.
func buildApp(ctx context.Context) (*app, error) {
	cfg, db, err := openDatabase()
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	rdb, err := newRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}

	artifacts, err := newArtifactStore(ctx, cfg.Storage)
	if err != nil {
		return nil, failRuntime(err)
	}
	blobs, err := blobstore.New(cfg.Storage.DataDir, db, logger)
	if err != nil {
		return nil, failRuntime(err)
	}

	vad, err := provider.NewVADProvider(cfg.VAD)
	if err != nil {
		return nil, err
	}
	asr, err := provider.NewASRProvider(cfg.ASR)
	if err != nil {
		return nil, err
	}

	health := llmhealth.NewMonitor(rdb, healthMirrorKey, logger)
	profiles := make(map[string]llm.Provider, 2)
	for name, profile := range map[string]config.LLMProfileConfig{
		"fast":  cfg.LLMFast,
		"power": cfg.LLMPower,
	} {
		if !profile.Configured() {
			logger.Info("LLM profile not configured, skipping", slog.String("profile", name))
			continue
		}
		p, err := llm.NewProvider(profile)
		if err != nil {
			return nil, fmt.Errorf("building LLM profile %s: %w", name, err)
		}
		profiles[name] = p
		health.Register(name, profile.Provider, profile.Model)
	}

	tracker := concurrency.NewTracker(map[string]int{
		concurrency.ServiceASR:      cfg.Concurrency.ASR,
		concurrency.ServiceLLMFast:  cfg.Concurrency.LLMFast,
		concurrency.ServiceLLMPower: cfg.Concurrency.LLMPower,
	})

	deps := &pipeline.Deps{
		Config:      cfg,
		Repos:       repository.NewRegistry(db),
		Artifacts:   artifacts,
		Blobs:       blobs,
		Audio:       provider.NewAudioProvider(cfg.Audio),
		VAD:         vad,
		ASR:         asr,
		LLMProfiles: profiles,
		Tracker:     tracker,
		Health:      health,
		Logger:      logger,
	}
	orch, err := pipeline.NewOrchestrator(deps, stages.All())
	if err != nil {
		return nil, failRuntime(err)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		rdb:       rdb,
		repos:     deps.Repos,
		artifacts: artifacts,
		blobs:     blobs,
		health:    health,
		tracker:   tracker,
		deps:      deps,
		orch:      orch,
	}, nil
}
