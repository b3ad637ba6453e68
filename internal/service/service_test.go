package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/timmy/emomo-backfill/internal/config"
	"github.com/timmy/emomo-backfill/internal/domain"
	"github.com/timmy/emomo-backfill/internal/logger"
	"github.com/timmy/emomo-backfill/internal/repository"
)

// =============================================================================
// Test Helpers
// =============================================================================

func quietLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error", Output: io.Discard})
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		MaxOpenConns: 1,
		AutoMigrate:  true,
		LogLevel:     "silent",
	}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedDescriptions(t *testing.T, repo *repository.MemeRepository, descriptions []string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(descriptions))
	for _, d := range descriptions {
		m := &domain.Meme{VLMDescription: d, Category: "reaction", Tags: domain.StringArray{"funny"}}
		require.NoError(t, repo.Create(context.Background(), m))
		ids = append(ids, m.ID)
	}
	return ids
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) EnsureBucket(context.Context) error { return nil }

func (s *memStorage) Upload(_ context.Context, key string, reader io.Reader, _ int64, _ string) error {
	body, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
	return nil
}

func (s *memStorage) GetURL(key string) string { return "mem://" + key }

func (s *memStorage) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}
