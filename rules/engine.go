package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/liamcoop/automations/internal/logger"
)

// DefaultExecutorTimeout bounds a single executor call.
const DefaultExecutorTimeout = 10 * time.Second

// PassObserver is notified after every pass, including failed ones.
type PassObserver interface {
	ObservePass(res *PassResult, err error, elapsed time.Duration)
}

// Engine runs dispatch passes: fetch a user's rules, match them against a
// snapshot, gate them, execute each surviving rule's action and record the
// firing. Delivery is at-least-once: a failed write-back can make a rule
// fire again on the next pass.
// Safe for concurrent passes; the conditional write-back is the only
// coordination between them.
type Engine struct {
	store           RuleStore
	executor        Executor
	matcher         *Matcher
	clock           Clock
	log             *slog.Logger
	observer        PassObserver
	executorTimeout time.Duration
	lookback        time.Duration
	evaluator       *ConditionEvaluator
	checkVersion    bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger. Default is logger.Logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithClock sets the clock used when a snapshot carries no timestamp.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithObserver registers a pass observer, e.g. metrics.
func WithObserver(o PassObserver) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithExecutorTimeout bounds each executor call.
func WithExecutorTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.executorTimeout = d }
}

// WithScheduleLookback sets the schedule window used when the snapshot has
// no PreviousEvaluationAt.
func WithScheduleLookback(d time.Duration) EngineOption {
	return func(e *Engine) { e.lookback = d }
}

// WithEvaluator sets the condition evaluator used by composite triggers.
func WithEvaluator(ev *ConditionEvaluator) EngineOption {
	return func(e *Engine) { e.evaluator = ev }
}

// WithUnconditionedWriteBack makes MarkTriggered ignore the version read
// during the pass.
func WithUnconditionedWriteBack() EngineOption {
	return func(e *Engine) { e.checkVersion = false }
}

// NewEngine creates a dispatch engine.
func NewEngine(store RuleStore, executor Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		store:           store,
		executor:        executor,
		clock:           SystemClock{},
		executorTimeout: DefaultExecutorTimeout,
		lookback:        DefaultScheduleLookback,
		checkVersion:    true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Logger
	}
	if e.executorTimeout <= 0 {
		e.executorTimeout = DefaultExecutorTimeout
	}
	e.matcher = NewMatcher(e.evaluator, e.lookback)
	return e
}

// Matcher returns the engine's trigger matcher.
func (e *Engine) Matcher() *Matcher { return e.matcher }

// RunPass evaluates every rule of userID against ectx and fires the ones
// that match and pass the gate, in gate order, one at a time.
//
// The only pass-level error is a *TransportError when the rule list cannot
// be fetched. Executor and write-back failures are recorded in
// PassResult.Errors and the pass continues. Cancelling ctx stops the pass
// between rules; a rule already executing is allowed to finish.
func (e *Engine) RunPass(ctx context.Context, userID string, ectx *EvaluationContext) (*PassResult, error) {
	started := time.Now()
	snap := ectx.Clone()
	if snap.Now.IsZero() {
		snap.Now = e.clock.Now()
	}
	snap.UserID = userID
	now := snap.Now

	res := &PassResult{
		UserID:      userID,
		EvaluatedAt: now,
		Matched:     []string{},
		Skipped:     []string{},
		Fired:       []FiredRule{},
		Errors:      []RuleError{},
	}

	all, err := e.store.List(ctx, userID)
	if err != nil {
		if !IsTransportError(err) {
			err = &TransportError{Op: "list rules", Err: err}
		}
		logger.ErrorPass()
		e.log.Error("failed to list rules", "user_id", userID, "error", err)
		e.observe(res, err, started)
		return nil, err
	}
	res.Evaluated = len(all)

	var matched []*Rule
	for _, r := range all {
		if e.matcher.MatchesRule(r, snap) {
			matched = append(matched, r)
			res.Matched = append(res.Matched, r.ID)
		}
	}

	selected := Select(matched, now)
	chosen := make(map[string]bool, len(selected))
	for _, r := range selected {
		chosen[r.ID] = true
	}
	for _, r := range matched {
		if !chosen[r.ID] {
			res.Skipped = append(res.Skipped, r.ID)
		}
	}

	for _, r := range selected {
		if ctx.Err() != nil {
			res.Aborted = true
			e.log.Info("pass cancelled between rules", "user_id", userID, "remaining_from", r.ID)
			break
		}
		e.fire(ctx, r, snap, res)
	}

	e.log.Debug("pass complete",
		"user_id", userID,
		"evaluated", res.Evaluated,
		"matched", len(res.Matched),
		"fired", len(res.Fired),
		"errors", len(res.Errors),
	)
	e.observe(res, nil, started)
	return res, nil
}

func (e *Engine) fire(ctx context.Context, r *Rule, snap *EvaluationContext, res *PassResult) {
	firing := Firing{
		RuleID:   r.ID,
		RuleName: r.Name,
		UserID:   r.UserID,
		Action:   cloneAction(r.Action),
		Context:  snap,
		FiredAt:  snap.Now,
	}

	if err := e.execute(ctx, firing); err != nil {
		execErr := &ExecutionError{RuleID: r.ID, Action: r.Action.Kind(), Err: err}
		res.Errors = append(res.Errors, RuleError{RuleID: r.ID, Err: execErr})
		logger.ErrorExecution()
		e.log.Error("action failed", "rule_id", r.ID, "action", r.Action.Kind(), "error", err)
		return
	}
	res.Fired = append(res.Fired, FiredRule{RuleID: r.ID, Action: r.Action.Kind()})

	expected := r.Version
	if !e.checkVersion {
		expected = 0
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.executorTimeout)
	defer cancel()
	if err := e.store.MarkTriggered(wctx, res.UserID, r.ID, snap.Now, expected); err != nil {
		wbErr := &WriteBackError{RuleID: r.ID, Err: err}
		res.Errors = append(res.Errors, RuleError{RuleID: r.ID, Err: wbErr})
		logger.WarnWriteBack()
		e.log.Warn("failed to record firing; rule may fire again",
			"rule_id", r.ID, "version", r.Version, "error", err)
	}
}

// execute runs the executor under its own deadline. The call is detached
// from ctx cancellation so a cancelled pass still finishes the current rule.
func (e *Engine) execute(ctx context.Context, f Firing) (err error) {
	if e.executor == nil {
		return errors.New("no executor configured")
	}
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.executorTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("executor panicked: %v", p)
			}
		}()
		done <- e.executor.Execute(execCtx, f)
	}()

	select {
	case err = <-done:
		return err
	case <-execCtx.Done():
		return fmt.Errorf("executor timed out after %s: %w", e.executorTimeout, execCtx.Err())
	}
}

func (e *Engine) observe(res *PassResult, err error, started time.Time) {
	if e.observer != nil {
		e.observer.ObservePass(res, err, time.Since(started))
	}
}
