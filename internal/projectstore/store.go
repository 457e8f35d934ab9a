// Package projectstore caches project state in redis so status polls do not
// hit the database. The database row stays authoritative; entries expire on
// a TTL and are refreshed whenever the orchestrator persists state.
package projectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/repository"
)

const defaultTTL = 7 * 24 * time.Hour

// Store is a read-through project cache over the project repository.
type Store struct {
	rdb      *redis.Client
	projects repository.ProjectRepository
	ttl      time.Duration
	logger   *slog.Logger
}

// New creates a project store. A zero ttl uses the 7 day default.
func New(rdb *redis.Client, projects repository.ProjectRepository, ttl time.Duration, log *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{rdb: rdb, projects: projects, ttl: ttl, logger: log}
}

func cacheKey(id models.ULID) string {
	return "subflow:project:" + id.String()
}

// Get returns the cached project, falling back to the database on a miss or
// a cache error. Returns (nil, nil) when the project does not exist.
func (s *Store) Get(ctx context.Context, id models.ULID) (*models.Project, error) {
	if s.rdb != nil {
		data, err := s.rdb.Get(ctx, cacheKey(id)).Bytes()
		switch {
		case err == nil:
			var project models.Project
			if uerr := json.Unmarshal(data, &project); uerr == nil {
				return &project, nil
			}
			// A corrupt entry falls through to the database read.
			s.logger.Warn("dropping corrupt project cache entry",
				slog.String("project_id", id.String()))
			s.rdb.Del(ctx, cacheKey(id))
		case !errors.Is(err, redis.Nil):
			s.logger.Warn("project cache read failed",
				slog.String("project_id", id.String()),
				slog.String("error", err.Error()))
		}
	}

	project, err := s.projects.GetByID(ctx, id)
	if err != nil || project == nil {
		return project, err
	}
	s.Save(ctx, project)
	return project, nil
}

// Save writes the project into the cache. Cache failures are logged, never
// returned: the database row is the durable copy.
func (s *Store) Save(ctx context.Context, project *models.Project) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(project)
	if err != nil {
		s.logger.Warn("marshaling project for cache failed",
			slog.String("project_id", project.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	if err := s.rdb.Set(ctx, cacheKey(project.ID), data, s.ttl).Err(); err != nil {
		s.logger.Warn("project cache write failed",
			slog.String("project_id", project.ID.String()),
			slog.String("error", err.Error()))
	}
}

// Invalidate drops the cached entry.
func (s *Store) Invalidate(ctx context.Context, id models.ULID) error {
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Del(ctx, cacheKey(id)).Err(); err != nil {
		return fmt.Errorf("invalidating project cache: %w", err)
	}
	return nil
}
