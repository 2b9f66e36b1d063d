// Package scheduler runs dispatch passes for every known user on a fixed
// interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// Pass outcomes reported to the Observer.
const (
	OutcomeOK      = "ok"
	OutcomeAborted = "aborted"
	OutcomeFailed  = "failed"
)

// PassRunner runs one dispatch pass. *rules.Engine implements it.
type PassRunner interface {
	RunPass(ctx context.Context, userID string, ectx *rules.EvaluationContext) (*rules.PassResult, error)
}

// Observer receives scheduler statistics. *metrics.Metrics implements it.
type Observer interface {
	SetScheduledUsers(n int)
	ObserveUserPass(outcome string)
}

type userEntry struct {
	lastPass time.Time
	lastErr  error
}

// Scheduler keeps a registry of users and runs a pass for each of them
// every interval, with at most MaxConcurrentUsers passes in flight. Passes
// for one user never overlap within a round.
type Scheduler struct {
	engine   PassRunner
	provider rules.ContextProvider
	lister   rules.UserLister

	interval      time.Duration
	maxConcurrent int
	retryAttempts uint64
	retryInitial  time.Duration

	observer Observer
	log      *slog.Logger

	mu    sync.RWMutex
	users map[string]*userEntry
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the time between rounds.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxConcurrentUsers bounds the passes run in parallel.
func WithMaxConcurrentUsers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithRetry sets how often a pass failing with a TransportError is retried.
func WithRetry(attempts uint64, initial time.Duration) Option {
	return func(s *Scheduler) {
		s.retryAttempts = attempts
		if initial > 0 {
			s.retryInitial = initial
		}
	}
}

// WithUserLister reloads the registry from l before every round.
func WithUserLister(l rules.UserLister) Option {
	return func(s *Scheduler) { s.lister = l }
}

// WithObserver reports registry size and pass outcomes to o.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New creates a scheduler.
func New(engine PassRunner, provider rules.ContextProvider, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:        engine,
		provider:      provider,
		interval:      time.Minute,
		maxConcurrent: 8,
		retryAttempts: 3,
		retryInitial:  200 * time.Millisecond,
		log:           logger.Logger,
		users:         map[string]*userEntry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadUsers adds every rule owner known to the store. Users already in the
// registry keep their pass history.
func (s *Scheduler) LoadUsers(ctx context.Context) error {
	if s.lister == nil {
		return nil
	}
	ids, err := s.lister.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	s.mu.Lock()
	for _, id := range ids {
		if _, ok := s.users[id]; !ok && id != "" {
			s.users[id] = &userEntry{}
		}
	}
	n := len(s.users)
	s.mu.Unlock()

	s.setUsers(n)
	return nil
}

// AddUser registers userID. Adding a known user is a no-op.
func (s *Scheduler) AddUser(userID string) error {
	if userID == "" {
		return &rules.ConfigurationError{Field: "userId", Reason: "must be non-empty"}
	}
	s.mu.Lock()
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = &userEntry{}
	}
	n := len(s.users)
	s.mu.Unlock()

	s.setUsers(n)
	return nil
}

// RemoveUser drops userID from the registry. It does not touch the
// user's rules.
func (s *Scheduler) RemoveUser(userID string) error {
	s.mu.Lock()
	if _, ok := s.users[userID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("user %s not scheduled", userID)
	}
	delete(s.users, userID)
	n := len(s.users)
	s.mu.Unlock()

	s.setUsers(n)
	return nil
}

// ListUsers returns the registered user IDs, sorted.
func (s *Scheduler) ListUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LastPass returns when userID's last successful pass was evaluated.
func (s *Scheduler) LastPass(userID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.users[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastPass, true
}

// RunUser takes a snapshot for userID and runs one pass. Snapshot and
// rule-list TransportErrors are retried with exponential backoff; any
// other error is returned at once. Retries evaluate the same snapshot, and
// a provider implementing rules.SnapshotCommitter is committed only after
// a pass completes.
func (s *Scheduler) RunUser(ctx context.Context, userID string) (*rules.PassResult, error) {
	var (
		res  *rules.PassResult
		ectx *rules.EvaluationContext
	)
	attempt := func() error {
		if ectx == nil {
			snap, err := s.provider.Snapshot(ctx, userID)
			if err != nil {
				return s.classify(fmt.Errorf("failed to snapshot context: %w", err))
			}
			if snap.PreviousEvaluationAt.IsZero() {
				if last, ok := s.LastPass(userID); ok {
					snap.PreviousEvaluationAt = last
				}
			}
			ectx = snap
		}
		var err error
		res, err = s.engine.RunPass(ctx, userID, ectx)
		return s.classify(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.retryAttempts), ctx)

	err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		s.log.Warn("retrying pass", "user_id", userID, "error", err, "wait", wait)
	})

	s.mu.Lock()
	if e, ok := s.users[userID]; ok {
		e.lastErr = err
		if err == nil && res != nil {
			e.lastPass = res.EvaluatedAt
		}
	}
	s.mu.Unlock()

	if err == nil && !res.Aborted {
		if c, ok := s.provider.(rules.SnapshotCommitter); ok {
			c.Commit(userID, ectx)
		}
	}

	switch {
	case err != nil:
		s.observe(OutcomeFailed)
		return nil, err
	case res.Aborted:
		s.observe(OutcomeAborted)
	default:
		s.observe(OutcomeOK)
	}
	return res, nil
}

func (s *Scheduler) classify(err error) error {
	if err == nil || rules.IsTransportError(err) {
		return err
	}
	return backoff.Permanent(err)
}

// RunOnce runs a pass for every registered user. Failures for one user do
// not stop the others; they are joined into the returned error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	users := s.ListUsers()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(s.maxConcurrent)
	for _, id := range users {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := s.RunUser(ctx, id); err != nil {
				s.log.Error("scheduled pass failed", "user_id", id, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("user %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Run loads users and runs a round immediately and then every interval
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "interval", s.interval, "max_concurrent_users", s.maxConcurrent)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.round(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) round(ctx context.Context) {
	if err := s.LoadUsers(ctx); err != nil {
		s.log.Warn("failed to reload users", "error", err)
	}
	started := time.Now()
	err := s.RunOnce(ctx)
	s.log.Debug("scheduler round complete",
		"users", len(s.ListUsers()),
		"elapsed", time.Since(started),
		"failed", err != nil,
	)
}

func (s *Scheduler) setUsers(n int) {
	if s.observer != nil {
		s.observer.SetScheduledUsers(n)
	}
}

func (s *Scheduler) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveUserPass(outcome)
	}
}
