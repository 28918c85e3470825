package repositories

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"giftext/internal/models"
)

// newTestRepository connects to TEST_DATABASE_URL, skipping when it is unset.
func newTestRepository(t *testing.T) *GenerationRepository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New() error = %v", err)
	}
	t.Cleanup(pool.Close)

	repo := NewGenerationRepository(pool)
	if err := repo.Ping(ctx); err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return repo
}

// testKey returns a key of its own for one test and removes its rows afterwards.
func testKey(t *testing.T, repo *GenerationRepository) string {
	t.Helper()
	key := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = repo.db.Exec(context.Background(), `DELETE FROM generations WHERE key=$1`, key)
	})
	return key
}

func TestGenerationRepository_CreateGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	key := testKey(t, repo)

	g := &models.Generation{
		ID:         uuid.NewString(),
		Key:        key,
		Status:     models.GenerationCompleted,
		Frames:     24,
		SizeBytes:  1234,
		Waiters:    3,
		DurationMS: 850,
	}
	if err := repo.Create(ctx, g); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if g.CreatedAt.IsZero() {
		t.Error("Create() did not set CreatedAt")
	}

	got, err := repo.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Key != key || got.Status != models.GenerationCompleted || got.SizeBytes != 1234 || got.Waiters != 3 || got.ErrorText != "" {
		t.Errorf("Get() = %+v", got)
	}

	if err := repo.Create(ctx, g); !errors.Is(err, ErrGenerationExists) {
		t.Errorf("duplicate Create() = %v, want ErrGenerationExists", err)
	}
	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, ErrGenerationNotFound) {
		t.Errorf("Get() on missing id = %v, want ErrGenerationNotFound", err)
	}
}

func TestGenerationRepository_List(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	key := testKey(t, repo)
	other := testKey(t, repo)

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		g := &models.Generation{ID: ids[i], Key: key, Status: models.GenerationCompleted, Frames: 24, DurationMS: int64(i)}
		if i == 2 {
			g.Status = models.GenerationFailed
			g.ErrorText = "worker exited"
		}
		if err := repo.Create(ctx, g); err != nil {
			t.Fatalf("Create(%d) error = %v", i, err)
		}
	}
	if err := repo.Create(ctx, &models.Generation{ID: uuid.NewString(), Key: other, Status: models.GenerationCompleted, Frames: 24}); err != nil {
		t.Fatalf("Create(other) error = %v", err)
	}

	got, err := repo.List(ctx, key, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List() returned %d rows, want 3", len(got))
	}
	for i, g := range got {
		if g.Key != key {
			t.Errorf("row %d key = %q, want %q", i, g.Key, key)
		}
		if i > 0 && g.CreatedAt.After(got[i-1].CreatedAt) {
			t.Errorf("row %d is newer than row %d", i, i-1)
		}
	}
	for _, g := range got {
		if g.ID == ids[2] && (g.Status != models.GenerationFailed || g.ErrorText != "worker exited") {
			t.Errorf("failed row = %+v", g)
		}
		if g.ID != ids[2] && g.ErrorText != "" {
			t.Errorf("completed row %s has error text %q", g.ID, g.ErrorText)
		}
	}

	limited, err := repo.List(ctx, key, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("List(limit 1) = %d rows, %v", len(limited), err)
	}
}
