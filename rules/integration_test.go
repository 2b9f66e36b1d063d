//go:build integration
// +build integration

package rules_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/automations/rules"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "automations_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=automations_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

func newRule(userID, name string, priority float64) *rules.Rule {
	cooldown := int64(60)
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &rules.Rule{
		ID:       uuid.NewString(),
		UserID:   userID,
		Name:     name,
		Active:   true,
		Priority: priority,
		Trigger: &rules.CompositeTrigger{Conditions: []rules.Condition{
			{Field: "activeApp", Operator: rules.OpEq, Value: "Chrome"},
			{Field: "usage.app.Chrome", Operator: rules.OpGte, Value: 1800.0},
		}},
		Action:          &rules.NotifyAction{Title: "Break", Message: "Time for a break"},
		CooldownSeconds: &cooldown,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	rule := newRule("user-1", "test-rule", 1)
	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}
	if err := store.Create(ctx, rule); !errors.Is(err, rules.ErrRuleExists) {
		t.Errorf("Expected ErrRuleExists, got %v", err)
	}

	retrieved, err := store.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "test-rule" {
		t.Errorf("Expected name 'test-rule', got '%s'", retrieved.Name)
	}
	composite, ok := retrieved.Trigger.(*rules.CompositeTrigger)
	if !ok || len(composite.Conditions) != 2 {
		t.Fatalf("Expected composite trigger with 2 conditions, got %#v", retrieved.Trigger)
	}

	retrieved.Name = "updated-rule"
	retrieved.Active = false
	updated, err := store.Update(ctx, retrieved, retrieved.Version)
	if err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}
	if updated.Name != "updated-rule" || updated.Active {
		t.Errorf("Update not applied: %+v", updated)
	}
	if updated.Version != 2 {
		t.Errorf("Expected version 2, got %d", updated.Version)
	}

	if _, err := store.Update(ctx, retrieved, 1); !errors.Is(err, rules.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}

	if err := store.Delete(ctx, "user-1", rule.ID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := store.Get(ctx, rule.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound after delete, got %v", err)
	}
}

func TestPostgresRuleStore_UserIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	ruleA := newRule("user-a", "a", 0)
	ruleB := newRule("user-b", "b", 0)
	for _, r := range []*rules.Rule{ruleA, ruleB} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Failed to create rule: %v", err)
		}
	}

	listA, err := store.List(ctx, "user-a")
	if err != nil {
		t.Fatalf("Failed to list rules: %v", err)
	}
	if len(listA) != 1 || listA[0].ID != ruleA.ID {
		t.Errorf("Expected only user-a's rule, got %d rules", len(listA))
	}

	if err := store.Delete(ctx, "user-a", ruleB.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound deleting another user's rule, got %v", err)
	}
	if err := store.MarkTriggered(ctx, "user-a", ruleB.ID, time.Now(), 0); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound marking another user's rule, got %v", err)
	}

	users, err := store.ListUserIDs(ctx)
	if err != nil {
		t.Fatalf("Failed to list users: %v", err)
	}
	if len(users) != 2 || users[0] != "user-a" || users[1] != "user-b" {
		t.Errorf("Expected [user-a user-b], got %v", users)
	}
}

func TestPostgresRuleStore_ConcurrentWriteBack(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	rule := newRule("user-1", "contended", 0)
	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.MarkTriggered(ctx, "user-1", rule.ID, time.Now(), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, rules.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || conflicts != writers-1 {
		t.Errorf("Expected 1 winner and %d conflicts, got %d and %d", writers-1, succeeded, conflicts)
	}

	got, err := store.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if got.Version != 2 || got.LastTriggeredAt == nil {
		t.Errorf("Expected version 2 with a trigger stamp, got %d %v", got.Version, got.LastTriggeredAt)
	}
}

func TestEngine_RunPassAgainstPostgres(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	high := newRule("user-1", "high", 10)
	low := newRule("user-1", "low", 1)
	for _, r := range []*rules.Rule{low, high} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Failed to create rule: %v", err)
		}
	}

	var fired []string
	executor := rules.ExecutorFunc(func(_ context.Context, f rules.Firing) error {
		fired = append(fired, f.RuleName)
		return nil
	})
	engine := rules.NewEngine(store, executor)

	ectx := &rules.EvaluationContext{
		Now:             time.Now(),
		ActiveApp:       "Chrome",
		AppUsageSeconds: map[string]float64{"Chrome": 2000},
	}
	res, err := engine.RunPass(ctx, "user-1", ectx)
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(fired) != 2 || fired[0] != "high" || fired[1] != "low" {
		t.Errorf("Expected [high low], got %v", fired)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Expected no errors, got %v", res.Errors)
	}

	// Both rules are now inside their cooldown.
	res, err = engine.RunPass(ctx, "user-1", ectx)
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(res.Fired) != 0 || len(res.Skipped) != 2 {
		t.Errorf("Expected nothing fired and 2 skipped, got %d fired %d skipped", len(res.Fired), len(res.Skipped))
	}
}
