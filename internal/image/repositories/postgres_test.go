package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/kiln/internal/image"
)

type execCall struct {
	query string
	args  []any
}

// recordingDB captures ExecContext calls. Queries are not supported.
type recordingDB struct {
	calls []execCall
	err   error
}

func (db *recordingDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	db.calls = append(db.calls, execCall{query: query, args: args})
	return nil, db.err
}

func (db *recordingDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (db *recordingDB) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

func TestPostgresConfigValidate(t *testing.T) {
	t.Parallel()

	valid := PostgresConfig{URL: "postgres://kiln@db/kiln", PingTimeout: time.Second, MaxOpenConns: 2}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cases := map[string]func(*PostgresConfig){
		"missing url":  func(c *PostgresConfig) { c.URL = " " },
		"zero timeout": func(c *PostgresConfig) { c.PingTimeout = 0 },
		"no conns":     func(c *PostgresConfig) { c.MaxOpenConns = 0 },
	}
	for name, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() error = nil", name)
		}
	}
}

func TestOpenPostgresRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := OpenPostgres(context.Background(), PostgresConfig{}); err == nil {
		t.Fatalf("OpenPostgres() error = nil")
	}
}

func TestPostgresSaveUpsertsRecord(t *testing.T) {
	t.Parallel()

	db := &recordingDB{}
	repo := NewPostgresImageRepository(db)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	record := image.RuntimeImage{
		ID:                   "img-1",
		Reference:            "kiln/node:1.0.0-production",
		ImageID:              "sha256:abc",
		SpecificationID:      "node",
		SpecificationVersion: "1.0.0",
		Profile:              "production",
		Version:              "node 1.0.0",
		CreatedAt:            created,
	}
	if err := repo.Save(context.Background(), record); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if len(db.calls) != 1 {
		t.Fatalf("ExecContext calls = %d, want 1", len(db.calls))
	}
	call := db.calls[0]
	if !strings.Contains(call.query, "ON CONFLICT (id) DO UPDATE") {
		t.Fatalf("query is not an upsert: %s", call.query)
	}
	if len(call.args) != 9 || call.args[0] != "img-1" || call.args[3] != "node" {
		t.Fatalf("unexpected args %v", call.args)
	}
	if got := call.args[7].(time.Time); !got.Equal(created) || got.Location() != time.UTC {
		t.Fatalf("created_at = %v, want %v in UTC", got, created)
	}

	decoded, err := decodeRecord(call.args[8].([]byte))
	if err != nil {
		t.Fatalf("decodeRecord() error = %v", err)
	}
	if decoded.Reference != record.Reference || decoded.Version != record.Version {
		t.Fatalf("decoded record = %+v", decoded)
	}
}

func TestPostgresSaveErrors(t *testing.T) {
	t.Parallel()

	repo := NewPostgresImageRepository(&recordingDB{})
	if err := repo.Save(context.Background(), image.RuntimeImage{}); err == nil {
		t.Fatalf("Save() without id: error = nil")
	}

	failing := NewPostgresImageRepository(&recordingDB{err: errors.New("connection reset")})
	if err := failing.Save(context.Background(), image.RuntimeImage{ID: "img-2"}); err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("Save() error = %v, want wrapped exec error", err)
	}
	if err := failing.EnsureSchema(context.Background()); err == nil {
		t.Fatalf("EnsureSchema() error = nil")
	}

	if NewPostgresImageRepository(nil) != nil {
		t.Fatalf("NewPostgresImageRepository(nil) should be nil")
	}
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := decodeRecord([]byte("{")); err == nil {
		t.Fatalf("decodeRecord() error = nil")
	}
	raw, _ := json.Marshal(image.RuntimeImage{ID: "img-3"})
	if record, err := decodeRecord(raw); err != nil || record.ID != "img-3" {
		t.Fatalf("decodeRecord() = %+v, %v", record, err)
	}
}
