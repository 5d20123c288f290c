// Package settings holds the small feature-toggle snapshot broadcast on the
// hub's global topic.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Snapshot is the full settings state pushed to every global subscriber.
type Snapshot struct {
	UploadsEnabled  bool      `json:"uploads_enabled"`
	LicensesEnabled bool      `json:"licenses_enabled"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefaultSnapshot is the state before any operator change.
func DefaultSnapshot() Snapshot {
	return Snapshot{UploadsEnabled: true, LicensesEnabled: true}
}

// Store is the persistence boundary for the snapshot.
type Store interface {
	Get(ctx context.Context) (Snapshot, error)
	Put(ctx context.Context, snap Snapshot) error
}

// Publisher fans snapshots out to global subscribers.
type Publisher interface {
	PublishGlobal(payload []byte)
}

// Service reads and updates the snapshot and broadcasts every change.
type Service struct {
	log       *slog.Logger
	store     Store
	publisher Publisher

	now func() time.Time
}

// NewService constructs a Service.
func NewService(log *slog.Logger, store Store, publisher Publisher) *Service {
	return &Service{
		log:       log,
		store:     store,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the current snapshot.
func (s *Service) Get(ctx context.Context) (Snapshot, error) {
	return s.store.Get(ctx)
}

// Update persists the new snapshot and broadcasts it.
func (s *Service) Update(ctx context.Context, snap Snapshot) (Snapshot, error) {
	snap.UpdatedAt = s.now()
	if err := s.store.Put(ctx, snap); err != nil {
		return Snapshot{}, err
	}
	s.log.Info("settings.update",
		"uploads_enabled", snap.UploadsEnabled, "licenses_enabled", snap.LicensesEnabled)

	if s.publisher != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			s.log.Error("settings.broadcast.encode.fail", "err", err)
		} else {
			s.publisher.PublishGlobal(payload)
		}
	}
	return snap, nil
}

// MemoryStore is the dev/test Store.
type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewMemoryStore constructs a MemoryStore seeded with defaults.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: DefaultSnapshot()}
}

// Get returns the snapshot.
func (s *MemoryStore) Get(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

// Put replaces the snapshot.
func (s *MemoryStore) Put(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	return nil
}

// PostgresStore keeps the snapshot in a single-row table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("settings: nil pool")
	}
	if schema == "" {
		schema = "tollgate"
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, errors.New("settings: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

// EnsureSchema creates the table when missing and seeds the default row.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	tbl := `"` + s.schema + `".settings`
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS "` + s.schema + `"`,
		`CREATE TABLE IF NOT EXISTS ` + tbl + ` (
			id               smallint PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			uploads_enabled  boolean NOT NULL,
			licenses_enabled boolean NOT NULL,
			updated_at       timestamptz NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	def := DefaultSnapshot()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+tbl+` (id, uploads_enabled, licenses_enabled, updated_at)
		 VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		def.UploadsEnabled, def.LicensesEnabled, time.Now().UTC())
	return err
}

// Get returns the snapshot row.
func (s *PostgresStore) Get(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT uploads_enabled, licenses_enabled, updated_at FROM "`+s.schema+`".settings WHERE id = 1`).
		Scan(&snap.UploadsEnabled, &snap.LicensesEnabled, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSnapshot(), nil
	}
	return snap, err
}

// Put replaces the snapshot row.
func (s *PostgresStore) Put(ctx context.Context, snap Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO "`+s.schema+`".settings (id, uploads_enabled, licenses_enabled, updated_at)
		 VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		 SET uploads_enabled = $1, licenses_enabled = $2, updated_at = $3`,
		snap.UploadsEnabled, snap.LicensesEnabled, snap.UpdatedAt)
	return err
}

var pgIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
