package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	_ "modernc.org/sqlite"
)

// SQLiteRuleStore implements RuleStore on a local SQLite file in WAL mode.
// It is the store used by a single desktop install.
type SQLiteRuleStore struct {
	db    *sql.DB
	clock Clock
}

// NewSQLiteRuleStore opens (or creates) the database at path and
// initializes the schema.
func NewSQLiteRuleStore(path string) (*SQLiteRuleStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteRuleStore{db: db, clock: SystemClock{}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteRuleStore) Close() error { return s.db.Close() }

func (s *SQLiteRuleStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS automation_rules (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		name              TEXT NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		is_active         INTEGER NOT NULL DEFAULT 1,
		priority          REAL NOT NULL DEFAULT 0,
		trigger_spec      TEXT NOT NULL,
		action_spec       TEXT NOT NULL,
		cooldown_seconds  INTEGER,
		last_triggered_at TEXT,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		version           INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_automation_rules_user ON automation_rules(user_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isTransientSQLiteErr reports SQLITE_BUSY, SQLITE_LOCKED and WAL short
// reads, which succeed on retry.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention runs fn with exponential backoff while it fails with
// transient SQLite errors.
func retryOnContention(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransientSQLiteErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

const sqliteRuleColumns = `id, user_id, name, description, is_active, priority,
	trigger_spec, action_spec, cooldown_seconds, last_triggered_at,
	created_at, updated_at, version`

func scanSQLiteRule(row rowScanner) (*Rule, error) {
	var (
		r                    Rule
		active               int
		triggerSpec          string
		actionSpec           string
		cooldown             sql.NullInt64
		lastFired            sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Description, &active, &r.Priority,
		&triggerSpec, &actionSpec, &cooldown, &lastFired,
		&createdAt, &updatedAt, &r.Version); err != nil {
		return nil, err
	}
	r.Active = active != 0

	var err error
	if r.Trigger, err = UnmarshalTrigger([]byte(triggerSpec)); err != nil {
		return nil, fmt.Errorf("stored trigger for rule %s: %w", r.ID, err)
	}
	if r.Action, err = UnmarshalAction([]byte(actionSpec)); err != nil {
		return nil, fmt.Errorf("stored action for rule %s: %w", r.ID, err)
	}
	if cooldown.Valid {
		v := cooldown.Int64
		r.CooldownSeconds = &v
	}
	if lastFired.Valid {
		t, err := parseTime(lastFired.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_triggered_at: %w", err)
		}
		r.LastTriggeredAt = &t
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// List returns all rules for the user ordered by creation.
func (s *SQLiteRuleStore) List(ctx context.Context, userID string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRuleColumns+` FROM automation_rules WHERE user_id = ?`, userID)
	if err != nil {
		return nil, &TransportError{Op: "list rules", Err: err}
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanSQLiteRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransportError{Op: "list rules", Err: err}
	}
	// RFC3339Nano text does not sort chronologically across precisions.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get retrieves a rule by ID.
func (s *SQLiteRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	r, err := scanSQLiteRule(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRuleColumns+` FROM automation_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// Create inserts a rule. A taken ID returns ErrRuleExists.
func (s *SQLiteRuleStore) Create(ctx context.Context, rule *Rule) error {
	trigger, action, err := encodeSpecs(rule)
	if err != nil {
		return err
	}
	if rule.Version == 0 {
		rule.Version = 1
	}
	var lastFired sql.NullString
	if rule.LastTriggeredAt != nil {
		lastFired = sql.NullString{String: formatTime(*rule.LastTriggeredAt), Valid: true}
	}

	var affected int64
	err = retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO automation_rules (`+sqliteRuleColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			rule.ID, rule.UserID, rule.Name, rule.Description, boolInt(rule.Active), rule.Priority,
			trigger, action, nullableCooldown(rule.CooldownSeconds), lastFired,
			formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt), rule.Version)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return &TransportError{Op: "create rule", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}
	return nil
}

// Update replaces the editable fields, bumping the version when
// expectedVersion matches (or is 0).
func (s *SQLiteRuleStore) Update(ctx context.Context, rule *Rule, expectedVersion int64) (*Rule, error) {
	trigger, action, err := encodeSpecs(rule)
	if err != nil {
		return nil, err
	}

	var affected int64
	err = retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE automation_rules
			 SET name = ?, description = ?, is_active = ?, priority = ?,
			     trigger_spec = ?, action_spec = ?, cooldown_seconds = ?,
			     updated_at = ?, version = version + 1
			 WHERE id = ? AND user_id = ? AND (? = 0 OR version = ?)`,
			rule.Name, rule.Description, boolInt(rule.Active), rule.Priority,
			trigger, action, nullableCooldown(rule.CooldownSeconds),
			formatTime(s.clock.Now()), rule.ID, rule.UserID, expectedVersion, expectedVersion)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, &TransportError{Op: "update rule", Err: err}
	}
	if affected == 0 {
		return nil, s.missOrConflict(ctx, rule.UserID, rule.ID, expectedVersion)
	}
	return s.Get(ctx, rule.ID)
}

// Delete removes a rule.
func (s *SQLiteRuleStore) Delete(ctx context.Context, userID, id string) error {
	var affected int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM automation_rules WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return &TransportError{Op: "delete rule", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

// MarkTriggered stamps last_triggered_at, conditioned on expectedVersion.
func (s *SQLiteRuleStore) MarkTriggered(ctx context.Context, userID, id string, at time.Time, expectedVersion int64) error {
	var affected int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE automation_rules
			 SET last_triggered_at = ?, version = version + 1
			 WHERE id = ? AND user_id = ? AND (? = 0 OR version = ?)`,
			formatTime(at), id, userID, expectedVersion, expectedVersion)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return &TransportError{Op: "mark triggered", Err: err}
	}
	if affected == 0 {
		return s.missOrConflict(ctx, userID, id, expectedVersion)
	}
	return nil
}

// ListUserIDs returns every user owning at least one rule.
func (s *SQLiteRuleStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM automation_rules ORDER BY user_id`)
	if err != nil {
		return nil, &TransportError{Op: "list users", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteRuleStore) missOrConflict(ctx context.Context, userID, id string, expectedVersion int64) error {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM automation_rules WHERE id = ? AND user_id = ?`, id, userID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return &TransportError{Op: "read version", Err: err}
	}
	return fmt.Errorf("rule %s at version %d, expected %d: %w", id, version, expectedVersion, ErrVersionConflict)
}
