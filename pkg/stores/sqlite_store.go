package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// LookupPattern retrieves the learned pattern for a domain. Absence of a
// record is returned as (nil, nil), distinct from a recorded zero-confidence
// pattern.
func (s *SQLiteStore) LookupPattern(ctx context.Context, domain string) (*DomainPattern, error) {
	query := `
		SELECT domain, template, confidence, source, confirmed_at, created_at, updated_at
		FROM domain_patterns
		WHERE domain = ?
	`

	p := &DomainPattern{}
	err := s.db.QueryRowContext(ctx, query, normDomain(domain)).Scan(
		&p.Domain,
		&p.Template,
		&p.Confidence,
		&p.Source,
		&p.ConfirmedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup pattern: %w", err)
	}

	return p, nil
}

// RecordPattern stores a learned pattern for a domain. An existing record is
// overwritten only when the new source outranks the stored one, or when an
// equal-ranked source reports strictly higher confidence. The read-compare-
// write runs in a serializable transaction so concurrent learners for the
// same domain cannot interleave.
func (s *SQLiteStore) RecordPattern(ctx context.Context, domain, template string, confidence float64, source PatternSource) error {
	domain = normDomain(domain)

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curSource PatternSource
	var curConfidence float64
	err = tx.QueryRowContext(ctx,
		`SELECT source, confidence FROM domain_patterns WHERE domain = ?`, domain,
	).Scan(&curSource, &curConfidence)

	switch {
	case err == sql.ErrNoRows:
		// First record for this domain.
	case err != nil:
		return fmt.Errorf("failed to read current pattern: %w", err)
	default:
		if source.Rank() < curSource.Rank() {
			return tx.Commit()
		}
		if source.Rank() == curSource.Rank() && confidence <= curConfidence {
			return tx.Commit()
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO domain_patterns (domain, template, confidence, source, confirmed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			template = excluded.template,
			confidence = excluded.confidence,
			source = excluded.source,
			confirmed_at = excluded.confirmed_at,
			updated_at = excluded.updated_at
	`, domain, template, confidence, source, now, now, now)
	if err != nil {
		return fmt.Errorf("failed to record pattern: %w", err)
	}

	return tx.Commit()
}

// MarkPatternFailed records a (domain, template) pair as permanently failed.
// Idempotent.
func (s *SQLiteStore) MarkPatternFailed(ctx context.Context, domain, template string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO failed_patterns (domain, template, failed_at)
		VALUES (?, ?, ?)
	`, normDomain(domain), template, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark pattern failed: %w", err)
	}
	return nil
}

// IsPatternFailed reports whether a (domain, template) pair has been
// permanently failed.
func (s *SQLiteStore) IsPatternFailed(ctx context.Context, domain, template string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_patterns WHERE domain = ? AND template = ?`,
		normDomain(domain), template,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check failed pattern: %w", err)
	}
	return count > 0, nil
}

// FailedPatterns lists all permanently-failed templates for a domain.
func (s *SQLiteStore) FailedPatterns(ctx context.Context, domain string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT template FROM failed_patterns WHERE domain = ? ORDER BY failed_at ASC`,
		normDomain(domain),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed patterns: %w", err)
	}
	defer rows.Close()

	templates := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan failed pattern: %w", err)
		}
		templates = append(templates, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed patterns: %w", err)
	}

	return templates, nil
}

// LookupProvider retrieves a cached provider classification if it is younger
// than maxAge. Stale or missing classifications return (nil, nil).
func (s *SQLiteStore) LookupProvider(ctx context.Context, domain string, maxAge time.Duration) (*ProviderRecord, error) {
	query := `
		SELECT domain, provider, catch_all, catch_all_checked, classified_at
		FROM provider_cache
		WHERE domain = ?
	`

	rec := &ProviderRecord{}
	err := s.db.QueryRowContext(ctx, query, normDomain(domain)).Scan(
		&rec.Domain,
		&rec.Provider,
		&rec.CatchAll,
		&rec.CatchAllChecked,
		&rec.ClassifiedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup provider: %w", err)
	}

	if maxAge > 0 && time.Since(rec.ClassifiedAt) > maxAge {
		return nil, nil
	}

	return rec, nil
}

// UpsertProvider inserts or refreshes a provider classification.
func (s *SQLiteStore) UpsertProvider(ctx context.Context, rec *ProviderRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_cache (domain, provider, catch_all, catch_all_checked, classified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			provider = excluded.provider,
			catch_all = excluded.catch_all,
			catch_all_checked = excluded.catch_all_checked,
			classified_at = excluded.classified_at
	`, normDomain(rec.Domain), rec.Provider, rec.CatchAll, rec.CatchAllChecked, rec.ClassifiedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert provider: %w", err)
	}
	return nil
}

// SetCatchAll records the catch-all probe result for a domain.
func (s *SQLiteStore) SetCatchAll(ctx context.Context, domain string, catchAll bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE provider_cache SET catch_all = ?, catch_all_checked = 1 WHERE domain = ?
	`, catchAll, normDomain(domain))
	if err != nil {
		return fmt.Errorf("failed to set catch-all: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// No classification yet; create one so the probe result sticks.
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO provider_cache (domain, provider, catch_all, catch_all_checked, classified_at)
			VALUES (?, 'unknown', ?, 1, ?)
		`, normDomain(domain), catchAll, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to insert catch-all record: %w", err)
		}
	}

	return nil
}

// RecordCooldown memoizes an unresolved company until the given time.
func (s *SQLiteStore) RecordCooldown(ctx context.Context, domain, reason string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldowns (domain, reason, until, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			reason = excluded.reason,
			until = excluded.until,
			created_at = excluded.created_at
	`, normDomain(domain), reason, until.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record cooldown: %w", err)
	}
	return nil
}

// InCooldown returns the active cooldown for a domain, or (nil, nil) when
// none is active. Expired cooldowns are not returned.
func (s *SQLiteStore) InCooldown(ctx context.Context, domain string, now time.Time) (*Cooldown, error) {
	query := `
		SELECT domain, reason, until, created_at
		FROM cooldowns
		WHERE domain = ? AND datetime(until) > datetime(?)
	`

	cd := &Cooldown{}
	err := s.db.QueryRowContext(ctx, query, normDomain(domain), now.UTC()).Scan(
		&cd.Domain,
		&cd.Reason,
		&cd.Until,
		&cd.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check cooldown: %w", err)
	}

	return cd, nil
}

// CreateAttempt creates a new outreach attempt record. The UNIQUE constraint
// on (run_id, contact_key) enforces one attempt per contact per run.
func (s *SQLiteStore) CreateAttempt(ctx context.Context, attempt *Attempt) error {
	query := `
		INSERT INTO attempts (
			id, run_id, contact_key, contact_name, contact_role, company, domain,
			candidate, template, confidence, state, retries, sent_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.RunID,
		attempt.ContactKey,
		attempt.ContactName,
		attempt.ContactRole,
		attempt.Company,
		normDomain(attempt.Domain),
		attempt.Candidate,
		attempt.Template,
		attempt.Confidence,
		attempt.State,
		attempt.Retries,
		attempt.SentAt,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("attempt already exists for contact %s in run %s: %w",
				attempt.ContactKey, attempt.RunID, err)
		}
		return fmt.Errorf("failed to create attempt: %w", err)
	}

	return nil
}

// GetAttempt retrieves an attempt by ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	return s.scanAttempt(s.db.QueryRowContext(ctx, attemptSelect+` WHERE id = ?`, id))
}

// FindAttempt retrieves the attempt for a contact within a run, or (nil, nil).
func (s *SQLiteStore) FindAttempt(ctx context.Context, runID, contactKey string) (*Attempt, error) {
	a, err := s.scanAttempt(s.db.QueryRowContext(ctx,
		attemptSelect+` WHERE run_id = ? AND contact_key = ?`, runID, contactKey))
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil, nil
	}
	return a, err
}

// FindAttemptByCandidate locates the attempt whose current or historical
// candidate matches the given address. Bounce notifications can arrive after
// a retry has already moved the attempt to a new candidate.
func (s *SQLiteStore) FindAttemptByCandidate(ctx context.Context, candidate string) (*Attempt, error) {
	candidate = strings.ToLower(strings.TrimSpace(candidate))

	// The same candidate can exist across runs; the most recently touched
	// attempt is the one a bounce is about.
	a, err := s.scanAttempt(s.db.QueryRowContext(ctx,
		attemptSelect+` WHERE lower(candidate) = ? ORDER BY updated_at DESC LIMIT 1`, candidate))
	if err == nil {
		return a, nil
	}
	if !strings.Contains(err.Error(), "not found") {
		return nil, err
	}

	// Fall back to historical candidates recorded in attempt events.
	query := attemptSelect + `
		WHERE id IN (SELECT attempt_id FROM attempt_events WHERE lower(candidate) = ?)
		ORDER BY updated_at DESC LIMIT 1
	`
	a, err = s.scanAttempt(s.db.QueryRowContext(ctx, query, candidate))
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil, nil
	}
	return a, err
}

// UpdateAttempt persists the mutable fields of an attempt.
func (s *SQLiteStore) UpdateAttempt(ctx context.Context, attempt *Attempt) error {
	query := `
		UPDATE attempts
		SET candidate = ?, template = ?, confidence = ?, state = ?, retries = ?, sent_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		attempt.Candidate,
		attempt.Template,
		attempt.Confidence,
		attempt.State,
		attempt.Retries,
		attempt.SentAt,
		time.Now().UTC(),
		attempt.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("attempt not found: %s", attempt.ID)
	}

	return nil
}

// ListAttemptsByState lists attempts currently in the given state.
func (s *SQLiteStore) ListAttemptsByState(ctx context.Context, state AttemptState) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, attemptSelect+` WHERE state = ? ORDER BY updated_at ASC`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*Attempt{}
	for rows.Next() {
		a := &Attempt{}
		if err := scanAttemptRow(rows, a); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}

// AppendAttemptEvent appends a transition record to the attempt history.
func (s *SQLiteStore) AppendAttemptEvent(ctx context.Context, event *AttemptEvent) error {
	query := `
		INSERT INTO attempt_events (attempt_id, from_state, to_state, candidate, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.AttemptID,
		event.FromState,
		event.ToState,
		event.Candidate,
		event.Detail,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append attempt event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListAttemptEvents lists the transition history for an attempt, oldest first.
func (s *SQLiteStore) ListAttemptEvents(ctx context.Context, attemptID string) ([]*AttemptEvent, error) {
	query := `
		SELECT id, attempt_id, from_state, to_state, candidate, detail, timestamp
		FROM attempt_events
		WHERE attempt_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempt events: %w", err)
	}
	defer rows.Close()

	events := []*AttemptEvent{}
	for rows.Next() {
		e := &AttemptEvent{}
		err := rows.Scan(
			&e.ID,
			&e.AttemptID,
			&e.FromState,
			&e.ToState,
			&e.Candidate,
			&e.Detail,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt events: %w", err)
	}

	return events, nil
}

// GetCredit retrieves the credit ledger entry for a provider. An entry whose
// reset date has passed rolls over first: usage returns to zero and the
// reset date advances by whole months until it is in the future again.
func (s *SQLiteStore) GetCredit(ctx context.Context, provider string) (*APICredit, error) {
	query := `SELECT provider, budget, used, reset_at FROM api_credits WHERE provider = ?`

	c := &APICredit{}
	err := s.db.QueryRowContext(ctx, query, provider).Scan(
		&c.Provider,
		&c.Budget,
		&c.Used,
		&c.ResetAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit: %w", err)
	}

	now := time.Now().UTC()
	if !c.ResetAt.After(now) {
		resetAt := c.ResetAt
		for !resetAt.After(now) {
			resetAt = resetAt.AddDate(0, 1, 0)
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE api_credits SET used = 0, reset_at = ? WHERE provider = ?`,
			resetAt, provider)
		if err != nil {
			return nil, fmt.Errorf("failed to roll over credit: %w", err)
		}
		c.Used = 0
		c.ResetAt = resetAt
	}

	return c, nil
}

// EnsureCredit creates a ledger entry for a provider if none exists.
func (s *SQLiteStore) EnsureCredit(ctx context.Context, provider string, budget int, resetAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO api_credits (provider, budget, used, reset_at)
		VALUES (?, ?, 0, ?)
	`, provider, budget, resetAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure credit: %w", err)
	}
	return nil
}

// UseCredit consumes one credit for a provider.
func (s *SQLiteStore) UseCredit(ctx context.Context, provider string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_credits SET used = used + 1 WHERE provider = ?`, provider)
	if err != nil {
		return fmt.Errorf("failed to use credit: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("credit entry not found: %s", provider)
	}

	return nil
}

// ResetCredits zeroes all provider usage counters.
func (s *SQLiteStore) ResetCredits(ctx context.Context, resetAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_credits SET used = 0, reset_at = ?`, resetAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to reset credits: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

const attemptSelect = `
	SELECT id, run_id, contact_key, contact_name, contact_role, company, domain,
	       candidate, template, confidence, state, retries, sent_at, created_at, updated_at
	FROM attempts
`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanAttempt(row *sql.Row) (*Attempt, error) {
	a := &Attempt{}
	err := scanAttemptRow(row, a)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("attempt not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return a, nil
}

func scanAttemptRow(row rowScanner, a *Attempt) error {
	return row.Scan(
		&a.ID,
		&a.RunID,
		&a.ContactKey,
		&a.ContactName,
		&a.ContactRole,
		&a.Company,
		&a.Domain,
		&a.Candidate,
		&a.Template,
		&a.Confidence,
		&a.State,
		&a.Retries,
		&a.SentAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
}

func normDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
