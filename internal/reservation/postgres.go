package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateCall is returned by [Store.Create] when a reservation already
// exists for the call. The finalizer maps it to a deduped success.
var ErrDuplicateCall = errors.New("reservation: call already has a reservation")

// Request is one persisted reservation. At most one exists per call.
type Request struct {
	ID            string
	TenantID      string
	CallID        string
	CustomerName  string
	CustomerPhone string
	PartySize     int

	// RequestedDate is YYYY-MM-DD, empty when not collected.
	RequestedDate string

	// RequestedTime is HH:MM, empty when not collected.
	RequestedTime string

	// Answers holds every collected field keyed by field key, after
	// coercion.
	Answers map[string]any

	Status    string // always "pending" on insert
	Source    string // "tool" or "fallback"
	CallLogID string
	CreatedAt time.Time
}

// Store persists reservations.
type Store interface {
	// Create inserts req. Returns [ErrDuplicateCall] when a reservation for
	// req.CallID already exists.
	Create(ctx context.Context, req *Request) error

	// LinkCallLog points the call's reservation at its call log file.
	// Returns false when no reservation exists for the call.
	LinkCallLog(ctx context.Context, callID, callLogID string) (bool, error)
}

// Schema is the SQL DDL for the reservation table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS reservation_requests (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    call_id        TEXT NOT NULL,
    customer_name  TEXT NOT NULL DEFAULT '',
    customer_phone TEXT NOT NULL DEFAULT '',
    party_size     INTEGER NOT NULL DEFAULT 0,
    requested_date DATE,
    requested_time TEXT,
    answers        JSONB NOT NULL DEFAULT '{}',
    status         TEXT NOT NULL DEFAULT 'pending',
    source         TEXT NOT NULL DEFAULT 'tool',
    call_log_id    TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_reservation_requests_call
    ON reservation_requests (call_id);
CREATE INDEX IF NOT EXISTS idx_reservation_requests_tenant
    ON reservation_requests (tenant_id, created_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("reservation: migrate: %w", err)
	}
	return nil
}

// Create inserts a reservation. The unique index on call_id makes concurrent
// duplicate tool calls collapse into [ErrDuplicateCall].
func (s *PostgresStore) Create(ctx context.Context, req *Request) error {
	answersJSON, err := json.Marshal(emptyMap(req.Answers))
	if err != nil {
		return fmt.Errorf("reservation: marshal answers: %w", err)
	}

	const query = `
		INSERT INTO reservation_requests (
			id, tenant_id, call_id, customer_name, customer_phone,
			party_size, requested_date, requested_time, answers, status, source
		) VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,'')::date,NULLIF($8,''),$9,$10,$11)
		RETURNING created_at`

	err = s.db.QueryRow(ctx, query,
		req.ID, req.TenantID, req.CallID, req.CustomerName, req.CustomerPhone,
		req.PartySize, req.RequestedDate, req.RequestedTime, answersJSON,
		req.Status, req.Source,
	).Scan(&req.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateCall
		}
		return fmt.Errorf("reservation: create: %w", err)
	}
	return nil
}

// LinkCallLog records the call log file id on the call's reservation.
func (s *PostgresStore) LinkCallLog(ctx context.Context, callID, callLogID string) (bool, error) {
	const query = `
		UPDATE reservation_requests
		SET call_log_id = $2
		WHERE call_id = $1`

	tag, err := s.db.Exec(ctx, query, callID, callLogID)
	if err != nil {
		return false, fmt.Errorf("reservation: link call log: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// emptyMap ensures JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
