package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rollcall-app/rollcall-api/internal/models"
)

type courseDirectoryStore interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	ListMembers(ctx context.Context, courseID string) ([]models.CourseMember, error)
}

type cacheMetrics interface {
	ObserveCacheOp(outcome string)
}

// DirectoryService serves course metadata and rosters with a Redis
// read-through cache. The directory changes rarely, so a short TTL keeps the
// hot session paths off the database. Cache failures degrade to the store.
type DirectoryService struct {
	store   courseDirectoryStore
	cache   *redis.Client
	metrics cacheMetrics
	ttl     time.Duration
	logger  *zap.Logger
}

// NewDirectoryService constructs DirectoryService. A nil cache client
// disables caching entirely.
func NewDirectoryService(store courseDirectoryStore, cache *redis.Client, metrics cacheMetrics, ttl time.Duration, logger *zap.Logger) *DirectoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DirectoryService{
		store:   store,
		cache:   cache,
		metrics: metrics,
		ttl:     ttl,
		logger:  logger,
	}
}

// FindByID returns a course, from cache when possible.
func (s *DirectoryService) FindByID(ctx context.Context, id string) (*models.Course, error) {
	key := fmt.Sprintf("directory:course:%s", id)
	var course models.Course
	if s.getCached(ctx, key, &course) {
		return &course, nil
	}
	fresh, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, key, fresh)
	return fresh, nil
}

// ListMembers returns a course roster, from cache when possible.
func (s *DirectoryService) ListMembers(ctx context.Context, courseID string) ([]models.CourseMember, error) {
	key := fmt.Sprintf("directory:roster:%s", courseID)
	var members []models.CourseMember
	if s.getCached(ctx, key, &members) {
		return members, nil
	}
	fresh, err := s.store.ListMembers(ctx, courseID)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, key, fresh)
	return fresh, nil
}

// Invalidate drops the cached entries for a course.
func (s *DirectoryService) Invalidate(ctx context.Context, courseID string) {
	if s.cache == nil {
		return
	}
	keys := []string{
		fmt.Sprintf("directory:course:%s", courseID),
		fmt.Sprintf("directory:roster:%s", courseID),
	}
	if err := s.cache.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("directory cache invalidation failed",
			zap.String("course_id", courseID),
			zap.Error(err))
	}
}

func (s *DirectoryService) getCached(ctx context.Context, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	raw, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.observe("miss")
		} else {
			s.observe("error")
			s.logger.Warn("directory cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		s.observe("error")
		return false
	}
	s.observe("hit")
	return true
}

func (s *DirectoryService) setCached(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		s.observe("error")
		s.logger.Warn("directory cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *DirectoryService) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveCacheOp(outcome)
	}
}
