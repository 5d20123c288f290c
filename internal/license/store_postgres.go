package license

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tollgate/internal/channel"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Same model as the connection-request store: the pool is caller-owned and
// every status write is a conditional UPDATE with the prior-status set as
// its predicate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tollgate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("license: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("license: invalid schema identifier")
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
		return nil, errors.New("license: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	tbl := pgIdent(s.schema, "license_requests")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + quoteIdent(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + tbl + ` (
			id              text PRIMARY KEY,
			owner_key       text NOT NULL,
			plan            text NOT NULL,
			status          text NOT NULL,
			payment_asset   text NOT NULL,
			payment_amount  double precision NOT NULL,
			payment_address text NOT NULL,
			send_limit      bigint NOT NULL,
			amount_consumed bigint NOT NULL DEFAULT 0,
			purchased_at    timestamptz NOT NULL,
			activated_at    timestamptz,
			expires_at      timestamptz,
			msg_chat_id     bigint,
			msg_id          bigint,
			msg_thread_id   bigint,
			meta_ip         text NOT NULL DEFAULT '',
			meta_agent      text NOT NULL DEFAULT '',
			meta_geo        text NOT NULL DEFAULT '',
			updated_at      timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS license_requests_owner_idx ON ` + tbl + ` (owner_key, status)`,
		`CREATE INDEX IF NOT EXISTS license_requests_expiry_idx ON ` + tbl + ` (status, expires_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS license_requests_open_owner_idx ON ` + tbl + ` (owner_key)
			WHERE status IN ('` + string(StatusPendingPayment) + `','` + string(StatusAwaitingApproval) + `')`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const licenseColumns = `id, owner_key, plan, status, payment_asset, payment_amount, payment_address,
	send_limit, amount_consumed, purchased_at, activated_at, expires_at,
	msg_chat_id, msg_id, msg_thread_id, meta_ip, meta_agent, meta_geo, updated_at`

// Create inserts a record. Losing the partial unique index race on
// (owner_key, open status) surfaces as ErrOpenExists.
func (s *PostgresStore) Create(ctx context.Context, rec Request) error {
	if rec.ID == "" || rec.OwnerKey == "" {
		return ErrInvalidInput
	}
	tbl := pgIdent(s.schema, "license_requests")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+tbl+` (`+licenseColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		rec.ID, rec.OwnerKey, rec.Plan, rec.Status, rec.PaymentAsset, rec.PaymentAmount,
		rec.PaymentAddress, rec.SendLimit, rec.AmountConsumed, rec.PurchasedAt,
		rec.ActivatedAt, rec.ExpiresAt,
		refChat(rec.MessageRef), refMsg(rec.MessageRef), refThread(rec.MessageRef),
		rec.Meta.IP, rec.Meta.UserAgent, rec.Meta.Geo, rec.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "license_requests_open_owner_idx" {
		return ErrOpenExists
	}
	return err
}

// Get returns a record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Request, error) {
	tbl := pgIdent(s.schema, "license_requests")
	row := s.pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM `+tbl+` WHERE id = $1`, id)
	return scanLicense(row)
}

// FindOpenByOwner returns the owner's open (pending/awaiting) request.
func (s *PostgresStore) FindOpenByOwner(ctx context.Context, owner string) (Request, error) {
	return s.findByOwner(ctx, owner, openStatuses)
}

// FindActiveByOwner returns the owner's active request.
func (s *PostgresStore) FindActiveByOwner(ctx context.Context, owner string) (Request, error) {
	return s.findByOwner(ctx, owner, []Status{StatusActive})
}

func (s *PostgresStore) findByOwner(ctx context.Context, owner string, set []Status) (Request, error) {
	from := make([]string, 0, len(set))
	for _, st := range set {
		from = append(from, string(st))
	}
	tbl := pgIdent(s.schema, "license_requests")
	row := s.pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM `+tbl+`
		 WHERE owner_key = $1 AND status = ANY($2)
		 ORDER BY purchased_at DESC
		 LIMIT 1`,
		owner, from)
	return scanLicense(row)
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

	tbl := pgIdent(s.schema, "license_requests")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+tbl+`
		 SET status = $2,
		     activated_at = COALESCE($3, activated_at),
		     expires_at = COALESCE($4, expires_at),
		     updated_at = $5
		 WHERE id = $1 AND status = ANY($6)
		 RETURNING `+licenseColumns,
		id, ch.To, ch.ActivatedAt, ch.ExpiresAt, now, from,
	)
	rec, err := scanLicense(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return Request{}, getErr
		}
		return Request{}, ErrAlreadyProcessed
	}
	return rec, err
}

// SetMessageRef records the operator message ref, first writer wins.
func (s *PostgresStore) SetMessageRef(ctx context.Context, id string, ref channel.MessageRef) error {
	tbl := pgIdent(s.schema, "license_requests")
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

// ExpireDue bulk-moves lapsed active records into expired.
func (s *PostgresStore) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tbl := pgIdent(s.schema, "license_requests")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tbl+`
		 SET status = $1, updated_at = $2
		 WHERE status = $3 AND expires_at IS NOT NULL AND expires_at <= $2`,
		StatusExpired, now, StatusActive,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (Request, error) {
	var (
		rec                   Request
		chatID, msgID, thread *int64
	)
	err := row.Scan(
		&rec.ID, &rec.OwnerKey, &rec.Plan, &rec.Status, &rec.PaymentAsset,
		&rec.PaymentAmount, &rec.PaymentAddress, &rec.SendLimit, &rec.AmountConsumed,
		&rec.PurchasedAt, &rec.ActivatedAt, &rec.ExpiresAt,
		&chatID, &msgID, &thread,
		&rec.Meta.IP, &rec.Meta.UserAgent, &rec.Meta.Geo, &rec.UpdatedAt,
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
