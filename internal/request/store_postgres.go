package request

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tollgate/internal/channel"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool; the caller closes it.
//
// Concurrency model:
//   - Every status write is a single UPDATE guarded by
//     status = ANY(prior set). RowsAffected == 0 with an existing row means
//     another writer won and maps to ErrAlreadyProcessed. No advisory locks
//     are needed because the predicate is the whole invariant.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tollgate").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("request: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("request: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "tollgate"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("request: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and table when missing. It is safe to run
// on every start.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	tbl := pgIdent(s.schema, "connection_requests")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + quoteIdent(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + tbl + ` (
			id             text PRIMARY KEY,
			subject_name   text NOT NULL,
			status         text NOT NULL,
			assigned_value double precision,
			origin_ip      text NOT NULL DEFAULT '',
			msg_chat_id    bigint,
			msg_id         bigint,
			msg_thread_id  bigint,
			created_at     timestamptz NOT NULL,
			updated_at     timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS connection_requests_status_idx ON ` + tbl + ` (status, created_at)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const requestColumns = `id, subject_name, status, assigned_value, origin_ip, msg_chat_id, msg_id, msg_thread_id, created_at, updated_at`

// Create inserts a record.
func (s *PostgresStore) Create(ctx context.Context, rec Request) error {
	if rec.ID == "" {
		return ErrInvalidInput
	}
	tbl := pgIdent(s.schema, "connection_requests")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+tbl+` (`+requestColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.SubjectName, rec.Status, rec.AssignedValue, rec.OriginIP,
		refChat(rec.MessageRef), refMsg(rec.MessageRef), refThread(rec.MessageRef),
		rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// Get returns a record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Request, error) {
	tbl := pgIdent(s.schema, "connection_requests")
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM `+tbl+` WHERE id = $1`, id)
	return scanRequest(row)
}

// ApplyStatus performs the conditional status write and returns the updated
// record.
func (s *PostgresStore) ApplyStatus(ctx context.Context, id string, ch StatusChange) (Request, error) {
	now := ch.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	from := make([]string, 0, len(ch.From))
	for _, st := range ch.From {
		from = append(from, string(st))
	}

	tbl := pgIdent(s.schema, "connection_requests")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+tbl+`
		 SET status = $2, assigned_value = $3, updated_at = $4
		 WHERE id = $1 AND status = ANY($5)
		 RETURNING `+requestColumns,
		id, ch.To, ch.AssignedValue, now, from,
	)
	rec, err := scanRequest(row)
	if errors.Is(err, ErrNotFound) {
		// Zero rows: either the id is unknown or the status moved on.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return Request{}, getErr
		}
		return Request{}, ErrAlreadyProcessed
	}
	return rec, err
}

// SetMessageRef records the operator message ref. The IS NULL predicate
// makes the first writer win; later writers are a silent no-op.
func (s *PostgresStore) SetMessageRef(ctx context.Context, id string, ref channel.MessageRef) error {
	tbl := pgIdent(s.schema, "connection_requests")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tbl+`
		 SET msg_chat_id = $2, msg_id = $3, msg_thread_id = $4
		 WHERE id = $1 AND msg_id IS NULL`,
		id, ref.ChatID, ref.MessageID, ref.ThreadID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListByStatus returns all records in st ordered by id.
func (s *PostgresStore) ListByStatus(ctx context.Context, st Status) ([]Request, error) {
	tbl := pgIdent(s.schema, "connection_requests")
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM `+tbl+` WHERE status = $1 ORDER BY id`, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExpireOlderThan bulk-moves stale non-terminal records into timed_out.
func (s *PostgresStore) ExpireOlderThan(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tbl := pgIdent(s.schema, "connection_requests")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tbl+`
		 SET status = $1, assigned_value = NULL, updated_at = $2
		 WHERE status = ANY($3) AND created_at < $4`,
		StatusTimedOut, now,
		[]string{string(StatusPending), string(StatusAwaitingValue)}, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		rec                   Request
		chatID, msgID, thread *int64
	)
	err := row.Scan(
		&rec.ID, &rec.SubjectName, &rec.Status, &rec.AssignedValue, &rec.OriginIP,
		&chatID, &msgID, &thread, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, err
	}
	if msgID != nil {
		ref := channel.MessageRef{MessageID: *msgID}
		if chatID != nil {
			ref.ChatID = *chatID
		}
		if thread != nil {
			ref.ThreadID = *thread
		}
		rec.MessageRef = &ref
	}
	return rec, nil
}

func refChat(r *channel.MessageRef) *int64 {
	if r == nil {
		return nil
	}
	return &r.ChatID
}

func refMsg(r *channel.MessageRef) *int64 {
	if r == nil {
		return nil
	}
	return &r.MessageID
}

func refThread(r *channel.MessageRef) *int64 {
	if r == nil {
		return nil
	}
	return &r.ThreadID
}

var pgIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func isValidPGIdent(s string) bool { return pgIdentRe.MatchString(s) }

func quoteIdent(s string) string { return `"` + s + `"` }

func pgIdent(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}
