// Package credits implements the monthly analysis credit ledger.
//
// Every paid analysis passes through a two-phase lease: Acquire reserves a
// credit inside a single database transaction, the caller runs the work, and
// Commit or Rollback finalizes the reservation. Abandoned reservations expire
// after a TTL and are reclaimed lazily by the next Acquire or Status call for
// the same subject; there is no background sweeper.
//
// The storage layer is plain database/sql and works against PostgreSQL and
// SQLite. The conditional UPDATE on the period row (reserved + consumed <
// credit_limit) is the linearization point: under concurrent acquisition the
// database serializes the row updates, so the limit can never be oversubscribed.
package credits

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	createPeriodsTableSQL = `
CREATE TABLE IF NOT EXISTS credit_periods (
    subject VARCHAR(255) NOT NULL,
    period_start VARCHAR(10) NOT NULL,
    credit_limit INTEGER NOT NULL,
    reserved INTEGER NOT NULL DEFAULT 0,
    consumed INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (subject, period_start),
    CHECK (reserved >= 0),
    CHECK (consumed >= 0),
    CHECK (consumed <= credit_limit),
    CHECK (reserved + consumed <= credit_limit)
);
`

	createReservationsTableSQL = `
CREATE TABLE IF NOT EXISTS credit_reservations (
    id VARCHAR(36) PRIMARY KEY,
    subject VARCHAR(255) NOT NULL,
    period_start VARCHAR(10) NOT NULL,
    work_item_id VARCHAR(255),
    source VARCHAR(20) NOT NULL,
    status VARCHAR(20) NOT NULL,
    failure_reason VARCHAR(100),
    expires_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    finalized_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_credit_reservations_subject_period ON credit_reservations(subject, period_start, status);
CREATE INDEX IF NOT EXISTS idx_credit_reservations_expires ON credit_reservations(expires_at);
CREATE INDEX IF NOT EXISTS idx_credit_reservations_work_item ON credit_reservations(work_item_id, status);
`
)

// Queries are written with ? placeholders and rebound for postgres at
// execution time.
const (
	insertPeriodSQL = `
INSERT INTO credit_periods (subject, period_start, credit_limit, reserved, consumed, updated_at)
VALUES (?, ?, ?, 0, 0, ?)
ON CONFLICT (subject, period_start) DO NOTHING
`

	selectPeriodSQL = `
SELECT credit_limit, reserved, consumed
FROM credit_periods
WHERE subject = ? AND period_start = ?
`

	reserveSQL = `
UPDATE credit_periods
SET reserved = reserved + 1, updated_at = ?
WHERE subject = ? AND period_start = ? AND reserved + consumed < credit_limit
`

	syncLimitSQL = `
UPDATE credit_periods
SET credit_limit = CASE WHEN reserved + consumed > ? THEN reserved + consumed ELSE ? END,
    updated_at = ?
WHERE subject = ? AND period_start = ?
`

	insertReservationSQL = `
INSERT INTO credit_reservations (id, subject, period_start, work_item_id, source, status, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, 'reserved', ?, ?)
`

	selectReservationSQL = `
SELECT id, subject, period_start, work_item_id, source, status, failure_reason, expires_at, created_at, finalized_at
FROM credit_reservations
WHERE id = ?
`

	releaseExpiredSQL = `
UPDATE credit_reservations
SET status = 'released', failure_reason = 'reservation_expired', finalized_at = ?
WHERE subject = ? AND period_start = ? AND status = 'reserved' AND expires_at < ?
`

	unreserveSQL = `
UPDATE credit_periods
SET reserved = CASE WHEN reserved >= ? THEN reserved - ? ELSE 0 END, updated_at = ?
WHERE subject = ? AND period_start = ?
`

	finalizeReservationSQL = `
UPDATE credit_reservations
SET status = ?, failure_reason = ?, finalized_at = ?
WHERE id = ? AND status = 'reserved'
`

	consumeSQL = `
UPDATE credit_periods
SET reserved = CASE WHEN reserved > 0 THEN reserved - 1 ELSE 0 END,
    consumed = consumed + 1,
    updated_at = ?
WHERE subject = ? AND period_start = ?
`

	releaseSQL = `
UPDATE credit_periods
SET reserved = CASE WHEN reserved > 0 THEN reserved - 1 ELSE 0 END,
    updated_at = ?
WHERE subject = ? AND period_start = ?
`
)

// Service is the credit leasing engine.
type Service struct {
	db       *sql.DB
	dialect  string
	limits   LimitResolver
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides the reservation time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithNotifier sets the recipient of quota snapshots after state changes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the leasing engine and initializes its schema.
// Supported dialects: postgres, sqlite.
func NewService(db *sql.DB, dialect string, limits LimitResolver, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "sqlite":

	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, sqlite)", dialect)
	}

	if limits == nil {
		limits = FixedLimit(DefaultLimit)
	}

	s := &Service{
		db:       db,
		dialect:  dialect,
		limits:   limits,
		notifier: NopNotifier{},
		ttl:      DefaultTTL,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Service) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createPeriodsTableSQL); err != nil {
		return fmt.Errorf("failed to create credit_periods table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, createReservationsTableSQL); err != nil {
		return fmt.Errorf("failed to create credit_reservations table: %w", err)
	}

	return nil
}

// bind rewrites ? placeholders to $N for postgres.
func (s *Service) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Acquire reserves one credit for the subject's current period.
// On denial it returns a *QuotaExhaustedError carrying the quota snapshot
// observed inside the denying transaction; no reservation row is written.
func (s *Service) Acquire(ctx context.Context, req *AcquireRequest) (*AcquireResponse, error) {
	if req == nil || req.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}

	source := req.Source
	if source == "" {
		source = SourceManual
	}
	if !source.Valid() {
		return nil, fmt.Errorf("invalid reservation source: %s", source)
	}

	now := s.now().UTC()
	period := PeriodStart(now)

	// Resolved before the transaction opens so a slow plan lookup never
	// holds row locks.
	limit, err := s.limits.LimitFor(ctx, req.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credit limit: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensurePeriod(ctx, tx, req.Subject, period, limit, now); err != nil {
		return nil, err
	}

	reclaimed, err := s.releaseExpired(ctx, tx, req.Subject, period, now)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, s.bind(reserveSQL), now, req.Subject, period)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve credit: %w", err)
	}
	granted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if granted == 0 {
		status, err := s.periodStatus(ctx, tx, req.Subject, period)
		if err != nil {
			return nil, err
		}
		// Commit anyway: expiry reclamation done above must stick even
		// when the reservation itself is denied.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		if reclaimed > 0 {
			reclaimedTotal.Add(float64(reclaimed))
			s.notifier.CreditsUpdated(status)
		}
		exhaustedTotal.Inc()
		slog.Debug("credit reservation denied",
			"subject", req.Subject, "period", period,
			"consumed", status.Consumed, "reserved", status.Reserved, "limit", status.Limit)
		return nil, NewQuotaExhaustedError(status)
	}

	id := uuid.NewString()
	expiresAt := now.Add(s.ttl)
	_, err = tx.ExecContext(ctx, s.bind(insertReservationSQL),
		id, req.Subject, period, nullable(req.WorkItemID), string(source), expiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	status, err := s.periodStatus(ctx, tx, req.Subject, period)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	s.notifier.CreditsUpdated(status)
	reservationsTotal.WithLabelValues(string(source)).Inc()
	if reclaimed > 0 {
		reclaimedTotal.Add(float64(reclaimed))
	}
	slog.Debug("credit reserved",
		"subject", req.Subject, "reservation", id, "source", source, "remaining", status.Remaining)

	return &AcquireResponse{
		ReservationID: id,
		ExpiresAt:     expiresAt,
		Status:        status,
	}, nil
}

// Commit finalizes a reservation as consumed. The credit is spent.
// Repeated calls are no-ops; unknown ids return ErrReservationNotFound.
func (s *Service) Commit(ctx context.Context, reservationID string) (*Status, error) {
	return s.finalize(ctx, reservationID, StatusConsumed, "")
}

// Rollback finalizes a reservation as released, returning the credit to the
// pool. An empty reason defaults to analysis_failed. Repeated calls are
// no-ops; unknown ids return ErrReservationNotFound.
func (s *Service) Rollback(ctx context.Context, reservationID, reason string) (*Status, error) {
	if reason == "" {
		reason = ReasonAnalysisFailed
	}
	return s.finalize(ctx, reservationID, StatusReleased, reason)
}

func (s *Service) finalize(ctx context.Context, reservationID string, target ReservationStatus, reason string) (*Status, error) {
	if reservationID == "" {
		return nil, fmt.Errorf("reservation id is required")
	}

	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The status guard makes finalization idempotent: only the first
	// transition out of reserved touches the counters.
	res, err := tx.ExecContext(ctx, s.bind(finalizeReservationSQL),
		string(target), nullable(reason), now, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize reservation: %w", err)
	}
	transitioned, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}

	rsv, err := s.getReservation(ctx, tx, reservationID)
	if err != nil {
		return nil, err
	}

	if transitioned == 0 {
		// Already terminal (earlier finalize or expiry reclamation).
		status, err := s.periodStatus(ctx, tx, rsv.Subject, rsv.PeriodStart)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return status, nil
	}

	counterSQL := releaseSQL
	if target == StatusConsumed {
		counterSQL = consumeSQL
	}
	if _, err := tx.ExecContext(ctx, s.bind(counterSQL), now, rsv.Subject, rsv.PeriodStart); err != nil {
		return nil, fmt.Errorf("failed to update period counters: %w", err)
	}

	status, err := s.periodStatus(ctx, tx, rsv.Subject, rsv.PeriodStart)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit finalization: %w", err)
	}

	s.notifier.CreditsUpdated(status)
	if target == StatusConsumed {
		consumedTotal.Inc()
	} else {
		releasedTotal.Inc()
	}
	slog.Debug("reservation finalized",
		"reservation", reservationID, "status", target, "subject", rsv.Subject)

	return status, nil
}

// Status returns the subject's quota snapshot for the current period.
// Like Acquire, it ensures the period row exists and reclaims expired
// reservations first, so the snapshot never overstates usage.
func (s *Service) Status(ctx context.Context, subject string) (*Status, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}

	now := s.now().UTC()
	period := PeriodStart(now)

	limit, err := s.limits.LimitFor(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credit limit: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensurePeriod(ctx, tx, subject, period, limit, now); err != nil {
		return nil, err
	}

	reclaimed, err := s.releaseExpired(ctx, tx, subject, period, now)
	if err != nil {
		return nil, err
	}

	status, err := s.periodStatus(ctx, tx, subject, period)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if reclaimed > 0 {
		reclaimedTotal.Add(float64(reclaimed))
		s.notifier.CreditsUpdated(status)
	}

	return status, nil
}

// EnsurePeriod makes sure the subject's current period row exists and
// returns its period start. The row is created with the resolver's limit;
// an existing row is left untouched.
func (s *Service) EnsurePeriod(ctx context.Context, subject string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}

	now := s.now().UTC()
	period := PeriodStart(now)

	limit, err := s.limits.LimitFor(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("failed to resolve credit limit: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.bind(insertPeriodSQL), subject, period, limit, now); err != nil {
		return "", fmt.Errorf("failed to ensure period row: %w", err)
	}

	return period, nil
}

// ReclaimExpired releases the subject's expired reservations for the current
// period and returns how many were reclaimed.
func (s *Service) ReclaimExpired(ctx context.Context, subject string) (int, error) {
	if subject == "" {
		return 0, fmt.Errorf("subject is required")
	}

	now := s.now().UTC()
	period := PeriodStart(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	reclaimed, err := s.releaseExpired(ctx, tx, subject, period, now)
	if err != nil {
		return 0, err
	}

	var status *Status
	if reclaimed > 0 {
		status, err = s.periodStatus(ctx, tx, subject, period)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if reclaimed > 0 {
		reclaimedTotal.Add(float64(reclaimed))
		s.notifier.CreditsUpdated(status)
	}

	return reclaimed, nil
}

// SyncLimit re-resolves the subject's plan limit and applies it to the
// current period row. The limit never drops below reserved + consumed, so
// the ledger invariants hold even across a plan downgrade.
func (s *Service) SyncLimit(ctx context.Context, subject string) (*Status, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}

	now := s.now().UTC()
	period := PeriodStart(now)

	limit, err := s.limits.LimitFor(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credit limit: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensurePeriod(ctx, tx, subject, period, limit, now); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, s.bind(syncLimitSQL), limit, limit, now, subject, period); err != nil {
		return nil, fmt.Errorf("failed to sync credit limit: %w", err)
	}

	status, err := s.periodStatus(ctx, tx, subject, period)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notifier.CreditsUpdated(status)
	return status, nil
}

// GetReservation fetches a reservation by id.
// Returns ErrReservationNotFound for unknown ids.
func (s *Service) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	if reservationID == "" {
		return nil, fmt.Errorf("reservation id is required")
	}
	return s.getReservation(ctx, s.db, reservationID)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Service) ensurePeriod(ctx context.Context, q querier, subject, period string, limit int, now time.Time) error {
	if _, err := q.ExecContext(ctx, s.bind(insertPeriodSQL), subject, period, limit, now); err != nil {
		return fmt.Errorf("failed to ensure period row: %w", err)
	}
	return nil
}

func (s *Service) releaseExpired(ctx context.Context, q querier, subject, period string, now time.Time) (int, error) {
	res, err := q.ExecContext(ctx, s.bind(releaseExpiredSQL), now, subject, period, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := q.ExecContext(ctx, s.bind(unreserveSQL), n, n, now, subject, period); err != nil {
		return 0, fmt.Errorf("failed to return reclaimed credits: %w", err)
	}

	slog.Debug("reclaimed expired reservations", "subject", subject, "period", period, "count", n)
	return int(n), nil
}

func (s *Service) periodStatus(ctx context.Context, q querier, subject, period string) (*Status, error) {
	var limit, reserved, consumed int
	row := q.QueryRowContext(ctx, s.bind(selectPeriodSQL), subject, period)
	if err := row.Scan(&limit, &reserved, &consumed); err != nil {
		return nil, fmt.Errorf("failed to read period %s for %s: %w", period, subject, err)
	}

	remaining := limit - reserved - consumed
	if remaining < 0 {
		remaining = 0
	}

	return &Status{
		Subject:     subject,
		PeriodStart: period,
		Limit:       limit,
		Reserved:    reserved,
		Consumed:    consumed,
		Remaining:   remaining,
		Exhausted:   remaining == 0,
	}, nil
}

func (s *Service) getReservation(ctx context.Context, q querier, reservationID string) (*Reservation, error) {
	var (
		rsv           Reservation
		workItemID    sql.NullString
		failureReason sql.NullString
		finalizedAt   sql.NullTime
	)

	row := q.QueryRowContext(ctx, s.bind(selectReservationSQL), reservationID)
	err := row.Scan(&rsv.ID, &rsv.Subject, &rsv.PeriodStart, &workItemID, &rsv.Source,
		&rsv.Status, &failureReason, &rsv.ExpiresAt, &rsv.CreatedAt, &finalizedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation: %w", err)
	}

	rsv.WorkItemID = workItemID.String
	rsv.FailureReason = failureReason.String
	if finalizedAt.Valid {
		rsv.FinalizedAt = finalizedAt.Time
	}

	return &rsv, nil
}

// nullable maps empty strings to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
