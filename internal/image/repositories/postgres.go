package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cochaviz/kiln/internal/image"
)

const imageSchema = `CREATE TABLE IF NOT EXISTS runtime_images (
	id           TEXT PRIMARY KEY,
	reference    TEXT NOT NULL,
	image_id     TEXT NOT NULL,
	spec_id      TEXT NOT NULL,
	spec_version TEXT NOT NULL,
	profile      TEXT NOT NULL,
	version      TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	record       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS runtime_images_spec_created_idx ON runtime_images (spec_id, created_at DESC);`

// DB is the subset of *sql.DB used by the repository.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresConfig configures the image ledger database.
type PostgresConfig struct {
	URL          string
	PingTimeout  time.Duration
	MaxOpenConns int
}

func (c PostgresConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("database url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("database ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("database max open connections must be >= 1")
	}
	return nil
}

// OpenPostgres opens and pings the database through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

var _ image.ImageRepository = (*PostgresImageRepository)(nil)

// PostgresImageRepository stores runtime image records in a shared database.
type PostgresImageRepository struct {
	db DB
}

func NewPostgresImageRepository(db DB) *PostgresImageRepository {
	if db == nil {
		return nil
	}
	return &PostgresImageRepository{db: db}
}

// EnsureSchema creates the records table if it does not exist.
func (r *PostgresImageRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, imageSchema); err != nil {
		return fmt.Errorf("ensure image schema: %w", err)
	}
	return nil
}

func (r *PostgresImageRepository) Save(ctx context.Context, record image.RuntimeImage) error {
	if r == nil || r.db == nil {
		return errors.New("image repository not initialized")
	}
	if strings.TrimSpace(record.ID) == "" {
		return errors.New("image id is required")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode image record: %w", err)
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = r.db.ExecContext(
		ctx,
		`INSERT INTO runtime_images (
			id, reference, image_id, spec_id, spec_version, profile, version, created_at, record
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			reference = EXCLUDED.reference,
			image_id = EXCLUDED.image_id,
			spec_id = EXCLUDED.spec_id,
			spec_version = EXCLUDED.spec_version,
			profile = EXCLUDED.profile,
			version = EXCLUDED.version,
			created_at = EXCLUDED.created_at,
			record = EXCLUDED.record`,
		record.ID,
		record.Reference,
		record.ImageID,
		record.SpecificationID,
		record.SpecificationVersion,
		record.Profile,
		record.Version,
		createdAt.UTC(),
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert image record: %w", err)
	}
	return nil
}

func (r *PostgresImageRepository) Get(ctx context.Context, imageID string) (*image.RuntimeImage, error) {
	if imageID == "" {
		return nil, errors.New("image id is required")
	}
	row := r.db.QueryRowContext(ctx, `SELECT record FROM runtime_images WHERE id = $1`, imageID)
	return scanRecord(row)
}

func (r *PostgresImageRepository) LatestForSpec(ctx context.Context, specID string) (*image.RuntimeImage, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT record FROM runtime_images WHERE spec_id = $1 ORDER BY created_at DESC LIMIT 1`,
		specID,
	)
	return scanRecord(row)
}

func (r *PostgresImageRepository) List(ctx context.Context) ([]image.RuntimeImage, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record FROM runtime_images ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list image records: %w", err)
	}
	defer rows.Close()

	var records []image.RuntimeImage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		record, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanRecord(row *sql.Row) (*image.RuntimeImage, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func decodeRecord(raw []byte) (image.RuntimeImage, error) {
	var record image.RuntimeImage
	if err := json.Unmarshal(raw, &record); err != nil {
		return image.RuntimeImage{}, fmt.Errorf("decode image record: %w", err)
	}
	return record, nil
}
