package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"giftext/internal/httpkit"
	"giftext/internal/models"
)

var (
	ErrGenerationNotFound = errors.New("generation not found")
	ErrGenerationExists   = errors.New("generation already recorded")
)

// GenerationStore records generation outcomes.
type GenerationStore interface {
	Create(ctx context.Context, g *models.Generation) error
	List(ctx context.Context, key string, limit int) ([]models.Generation, error)
	Get(ctx context.Context, id string) (*models.Generation, error)
}

const generationsSchema = `
CREATE TABLE IF NOT EXISTS generations (
	id          TEXT PRIMARY KEY,
	key         TEXT NOT NULL,
	status      TEXT NOT NULL,
	frames      INTEGER NOT NULL,
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	waiters     INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL,
	error_text  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS generations_key_created_at ON generations (key, created_at DESC);
`

type GenerationRepository struct {
	db *pgxpool.Pool
}

func NewGenerationRepository(db *pgxpool.Pool) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// Migrate creates the generations table if it does not exist.
func (r *GenerationRepository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, generationsSchema)
	return err
}

func (r *GenerationRepository) Create(ctx context.Context, g *models.Generation) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO generations (id, key, status, frames, size_bytes, waiters, duration_ms, error_text)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''))
		RETURNING created_at
	`, g.ID, g.Key, g.Status, g.Frames, g.SizeBytes, g.Waiters, g.DurationMS, g.ErrorText).Scan(&g.CreatedAt)
	if httpkit.IsUniqueViolation(err) {
		return ErrGenerationExists
	}
	return err
}

// List returns the latest generations, newest first. An empty key lists all keys.
func (r *GenerationRepository) List(ctx context.Context, key string, limit int) ([]models.Generation, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if key != "" {
		rows, err = r.db.Query(ctx, `
			SELECT id, key, status, frames, size_bytes, waiters, duration_ms, COALESCE(error_text,''), created_at
			FROM generations WHERE key=$1
			ORDER BY created_at DESC
			LIMIT $2
		`, key, limit)
	} else {
		rows, err = r.db.Query(ctx, `
			SELECT id, key, status, frames, size_bytes, waiters, duration_ms, COALESCE(error_text,''), created_at
			FROM generations
			ORDER BY created_at DESC
			LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Generation, 0, limit)
	for rows.Next() {
		var g models.Generation
		if err := rows.Scan(&g.ID, &g.Key, &g.Status, &g.Frames, &g.SizeBytes, &g.Waiters, &g.DurationMS, &g.ErrorText, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *GenerationRepository) Get(ctx context.Context, id string) (*models.Generation, error) {
	var g models.Generation
	err := r.db.QueryRow(ctx, `
		SELECT id, key, status, frames, size_bytes, waiters, duration_ms, COALESCE(error_text,''), created_at
		FROM generations
		WHERE id=$1
	`, id).Scan(&g.ID, &g.Key, &g.Status, &g.Frames, &g.SizeBytes, &g.Waiters, &g.DurationMS, &g.ErrorText, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGenerationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Ping reports whether the database is reachable.
func (r *GenerationRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
