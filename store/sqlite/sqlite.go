/*
Package sqlite provides a SQLite-backed implementation of settlement.Repository.

PURPOSE:
  Persists payment records. In production the same patterns apply to
  PostgreSQL with minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  settlement.Repository: Payment persistence
  settlement.Transactor: Atomic read-decide-write for registration

KEY TABLE:
  payments: One row per payment. Exactly one of reservation_id and
            subscription_id is set, enforced by a CHECK constraint.

INDEXES:
  - idx_payments_reservation: Ledger rebuild for reservations (hot path)
  - idx_payments_subscription: Ledger rebuild for subscriptions (hot path)
  - idempotency_key UNIQUE: Rejects replayed registrations

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. WithTx holds the write lock
  for the whole registration so two registrations for the same target
  cannot both pass the outstanding check.

USAGE:
  store, err := sqlite.New("./data/payments.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := settlement.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/settlement"
)

// Store implements settlement.Repository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ settlement.Repository = (*Store)(nil)
	_ settlement.Transactor = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		date TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'COMPLETED', 'CANCELLED')),
		reservation_id TEXT,
		subscription_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK ((reservation_id IS NULL) <> (subscription_id IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_payments_reservation
		ON payments(reservation_id, date) WHERE reservation_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_payments_subscription
		ON payments(subscription_id, date) WHERE subscription_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_payments_status
		ON payments(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// idSeq disambiguates ids generated within the same clock tick.
var idSeq atomic.Int64

// timeLayout is fixed-width so that ORDER BY on the text columns is
// chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const paymentColumns = `id, amount, date, status, reservation_id, subscription_id, idempotency_key, created_at, updated_at`

// =============================================================================
// REPOSITORY (settlement.Repository interface)
// =============================================================================

func (s *Store) Create(ctx context.Context, data settlement.NewPayment) (*settlement.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPayment(ctx, s.db, data)
}

func (s *Store) FindByID(ctx context.Context, id settlement.PaymentID) (*settlement.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findPayment(ctx, s.db, id)
}

func (s *Store) FindByReservationID(ctx context.Context, reservationID string) ([]settlement.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryPayments(ctx, s.db, "reservation_id", reservationID)
}

func (s *Store) FindBySubscriptionID(ctx context.Context, subscriptionID string) ([]settlement.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryPayments(ctx, s.db, "subscription_id", subscriptionID)
}

func (s *Store) Update(ctx context.Context, data settlement.UpdateStatusInput) (*settlement.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePayment(ctx, s.db, data)
}

func (s *Store) Delete(ctx context.Context, id settlement.PaymentID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deletePayment(ctx, s.db, id)
}

// =============================================================================
// TRANSACTIONAL STORE (settlement.Transactor interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore runs every call on the open transaction. The parent lock is held
// by WithTx.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) Create(ctx context.Context, data settlement.NewPayment) (*settlement.Payment, error) {
	return createPayment(ctx, t.tx, data)
}

func (t *txStore) FindByID(ctx context.Context, id settlement.PaymentID) (*settlement.Payment, error) {
	return findPayment(ctx, t.tx, id)
}

func (t *txStore) FindByReservationID(ctx context.Context, reservationID string) ([]settlement.Payment, error) {
	return queryPayments(ctx, t.tx, "reservation_id", reservationID)
}

func (t *txStore) FindBySubscriptionID(ctx context.Context, subscriptionID string) ([]settlement.Payment, error) {
	return queryPayments(ctx, t.tx, "subscription_id", subscriptionID)
}

func (t *txStore) Update(ctx context.Context, data settlement.UpdateStatusInput) (*settlement.Payment, error) {
	return updatePayment(ctx, t.tx, data)
}

func (t *txStore) Delete(ctx context.Context, id settlement.PaymentID) (bool, error) {
	return deletePayment(ctx, t.tx, id)
}

// =============================================================================
// QUERIES
// =============================================================================

func createPayment(ctx context.Context, q querier, data settlement.NewPayment) (*settlement.Payment, error) {
	id := data.ID
	if id == "" {
		id = settlement.PaymentID(fmt.Sprintf("pay-%d-%d", time.Now().UnixNano(), idSeq.Add(1)))
	}

	var reservationID, subscriptionID sql.NullString
	switch data.Target.Type {
	case settlement.TargetReservation:
		reservationID = nullString(data.Target.ID)
	case settlement.TargetSubscription:
		subscriptionID = nullString(data.Target.ID)
	}
	if !reservationID.Valid && !subscriptionID.Valid {
		return nil, settlement.MustBeAssociatedError(id)
	}
	if !data.Status.Valid() {
		return nil, fmt.Errorf("invalid payment status %q", data.Status)
	}

	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		data.Amount.Amount.String(),
		data.Date.UTC().Format(timeLayout),
		data.Status,
		reservationID,
		subscriptionID,
		nullString(data.IdempotencyKey),
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		switch {
		case isConstraintError(err, sqlite3.ErrConstraintCheck):
			return nil, settlement.MustBeAssociatedError(id)
		case isConstraintError(err, sqlite3.ErrConstraintUnique) && data.IdempotencyKey != "":
			return nil, settlement.ErrDuplicateIdempotencyKey
		}
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}

	return findPayment(ctx, q, id)
}

func findPayment(ctx context.Context, q querier, id settlement.PaymentID) (*settlement.Payment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanPayment(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// column is one of the two fixed target columns, never user input.
func queryPayments(ctx context.Context, q querier, column, targetID string) ([]settlement.Payment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE `+column+` = ?
		ORDER BY date ASC, created_at ASC, rowid ASC
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []settlement.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// updatePayment applies a status change. With ExpectedStatus set the
// UPDATE is a compare-and-set on the stored status.
func updatePayment(ctx context.Context, q querier, data settlement.UpdateStatusInput) (*settlement.Payment, error) {
	query := `UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{data.Status, time.Now().UTC().Format(timeLayout), data.PaymentID}
	if data.ExpectedStatus != "" {
		query += ` AND status = ?`
		args = append(args, data.ExpectedStatus)
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	if n == 0 {
		if data.ExpectedStatus == "" {
			return nil, nil
		}
		// Distinguish a missing row from a lost compare-and-set.
		existing, err := findPayment(ctx, q, data.PaymentID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, nil
		}
		return nil, settlement.ErrConcurrentModification
	}
	return findPayment(ctx, q, data.PaymentID)
}

func deletePayment(ctx context.Context, q querier, id settlement.PaymentID) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete payment: %w", err)
	}
	return n > 0, nil
}

func scanPayment(rows *sql.Rows) (settlement.Payment, error) {
	var (
		p              settlement.Payment
		amount         string
		date           string
		reservationID  sql.NullString
		subscriptionID sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := rows.Scan(
		&p.ID, &amount, &date, &p.Status,
		&reservationID, &subscriptionID, &idempotencyKey,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}

	value, err := decimal.NewFromString(amount)
	if err != nil {
		return p, fmt.Errorf("failed to parse amount of payment %s: %w", p.ID, err)
	}
	p.Amount = settlement.Money{Amount: value}

	switch {
	case reservationID.Valid:
		p.Target = settlement.Reservation(reservationID.String)
	case subscriptionID.Valid:
		p.Target = settlement.Subscription(subscriptionID.String)
	default:
		return p, settlement.MustBeAssociatedError(p.ID)
	}

	p.Date, _ = time.Parse(timeLayout, date)
	p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	p.IdempotencyKey = idempotencyKey.String

	return p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isConstraintError(err error, code sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == code
}
