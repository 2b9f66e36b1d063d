package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Triggers and
// actions are stored as JSONB in their tagged encoding.
type PostgresRuleStore struct {
	db    *sql.DB
	clock Clock
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore. The
// schema is created by cmd/migrate.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:    db,
		clock: SystemClock{},
	}
}

const postgresRuleColumns = `id, user_id, name, description, is_active, priority,
	trigger_spec, action_spec, cooldown_seconds, last_triggered_at,
	created_at, updated_at, version`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r           Rule
		triggerSpec []byte
		actionSpec  []byte
		cooldown    sql.NullInt64
		lastFired   sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Description, &r.Active, &r.Priority,
		&triggerSpec, &actionSpec, &cooldown, &lastFired,
		&r.CreatedAt, &r.UpdatedAt, &r.Version); err != nil {
		return nil, err
	}

	trigger, err := UnmarshalTrigger(triggerSpec)
	if err != nil {
		return nil, fmt.Errorf("stored trigger for rule %s: %w", r.ID, err)
	}
	action, err := UnmarshalAction(actionSpec)
	if err != nil {
		return nil, fmt.Errorf("stored action for rule %s: %w", r.ID, err)
	}
	r.Trigger = trigger
	r.Action = action
	if cooldown.Valid {
		v := cooldown.Int64
		r.CooldownSeconds = &v
	}
	if lastFired.Valid {
		t := lastFired.Time
		r.LastTriggeredAt = &t
	}
	return &r, nil
}

// encodeSpecs returns the JSON texts for the trigger and action columns.
// Strings, not []byte, so lib/pq does not send them as bytea.
func encodeSpecs(rule *Rule) (string, string, error) {
	trigger, err := MarshalTrigger(rule.Trigger)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode trigger: %w", err)
	}
	action, err := MarshalAction(rule.Action)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode action: %w", err)
	}
	return string(trigger), string(action), nil
}

func nullableCooldown(c *int64) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *c, Valid: true}
}

// List returns all rules for the user ordered by creation
func (s *PostgresRuleStore) List(ctx context.Context, userID string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postgresRuleColumns+`
		FROM automation_rules
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, &TransportError{Op: "list rules", Err: err}
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, &TransportError{Op: "list rules", Err: err}
	}

	return rulesList, nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `
		SELECT `+postgresRuleColumns+`
		FROM automation_rules
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// Create inserts a new rule into the database
func (s *PostgresRuleStore) Create(ctx context.Context, rule *Rule) error {
	trigger, action, err := encodeSpecs(rule)
	if err != nil {
		return err
	}
	if rule.Version == 0 {
		rule.Version = 1
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_rules (`+postgresRuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, rule.ID, rule.UserID, rule.Name, rule.Description, rule.Active, rule.Priority,
		trigger, action, nullableCooldown(rule.CooldownSeconds), rule.LastTriggeredAt,
		rule.CreatedAt, rule.UpdatedAt, rule.Version)
	if err != nil {
		return &TransportError{Op: "create rule", Err: err}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}
	return nil
}

// Update modifies an existing rule, bumping its version
// The version check happens in the WHERE clause so concurrent writers
// cannot both succeed
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule, expectedVersion int64) (*Rule, error) {
	trigger, action, err := encodeSpecs(rule)
	if err != nil {
		return nil, err
	}

	updated, err := scanRule(s.db.QueryRowContext(ctx, `
		UPDATE automation_rules
		SET name = $1, description = $2, is_active = $3, priority = $4,
			trigger_spec = $5, action_spec = $6, cooldown_seconds = $7,
			updated_at = $8, version = version + 1
		WHERE id = $9 AND user_id = $10 AND ($11::bigint = 0 OR version = $11::bigint)
		RETURNING `+postgresRuleColumns,
		rule.Name, rule.Description, rule.Active, rule.Priority,
		trigger, action, nullableCooldown(rule.CooldownSeconds),
		s.clock.Now(), rule.ID, rule.UserID, expectedVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, rule.UserID, rule.ID, expectedVersion)
	}
	if err != nil {
		return nil, &TransportError{Op: "update rule", Err: err}
	}
	return updated, nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM automation_rules
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return &TransportError{Op: "delete rule", Err: err}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	return nil
}

// MarkTriggered stamps last_triggered_at, conditioned on expectedVersion
func (s *PostgresRuleStore) MarkTriggered(ctx context.Context, userID, id string, at time.Time, expectedVersion int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET last_triggered_at = $1, version = version + 1
		WHERE id = $2 AND user_id = $3 AND ($4::bigint = 0 OR version = $4::bigint)
	`, at, id, userID, expectedVersion)
	if err != nil {
		return &TransportError{Op: "mark triggered", Err: err}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.missOrConflict(ctx, userID, id, expectedVersion)
	}
	return nil
}

// ListUserIDs returns every user owning at least one rule
func (s *PostgresRuleStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM automation_rules ORDER BY user_id
	`)
	if err != nil {
		return nil, &TransportError{Op: "list users", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// missOrConflict explains a conditional write that touched no rows.
func (s *PostgresRuleStore) missOrConflict(ctx context.Context, userID, id string, expectedVersion int64) error {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM automation_rules WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return &TransportError{Op: "read version", Err: err}
	}
	return fmt.Errorf("rule %s at version %d, expected %d: %w", id, version, expectedVersion, ErrVersionConflict)
}
