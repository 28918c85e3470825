package repositories

import (
	"context"
	"sync"
	"time"

	"giftext/internal/models"
)

// MemoryGenerationRepository keeps the last N generations in process. Used
// when no database is configured.
type MemoryGenerationRepository struct {
	mu    sync.Mutex
	items []models.Generation
	limit int
}

func NewMemoryGenerationRepository(limit int) *MemoryGenerationRepository {
	if limit <= 0 {
		limit = 500
	}
	return &MemoryGenerationRepository{limit: limit}
}

func (r *MemoryGenerationRepository) Create(_ context.Context, g *models.Generation) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, *g)
	if len(r.items) > r.limit {
		r.items = r.items[len(r.items)-r.limit:]
	}
	return nil
}

func (r *MemoryGenerationRepository) List(_ context.Context, key string, limit int) ([]models.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Generation, 0, limit)
	for i := len(r.items) - 1; i >= 0 && len(out) < limit; i-- {
		if key == "" || r.items[i].Key == key {
			out = append(out, r.items[i])
		}
	}
	return out, nil
}

func (r *MemoryGenerationRepository) Get(_ context.Context, id string) (*models.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.items) - 1; i >= 0; i-- {
		if r.items[i].ID == id {
			g := r.items[i]
			return &g, nil
		}
	}
	return nil, ErrGenerationNotFound
}
