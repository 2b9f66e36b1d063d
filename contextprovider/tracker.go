// Package contextprovider supplies the usage snapshots dispatch passes are
// evaluated against.
package contextprovider

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// ActivityReport is one update from the activity tracker on the desktop.
// Pointer fields are left unchanged when nil. Usage maps are deltas added
// to today's totals.
type ActivityReport struct {
	At             time.Time          `json:"at,omitempty"`
	ActiveApp      *string            `json:"activeApp,omitempty"`
	ActiveCategory *string            `json:"activeCategory,omitempty"`
	FocusMode      *string            `json:"focusMode,omitempty"`
	IdleSeconds    *float64           `json:"idleSeconds,omitempty"`
	AppUsage       map[string]float64 `json:"appUsage,omitempty"`
	CategoryUsage  map[string]float64 `json:"categoryUsage,omitempty"`
	OpenApps       []string           `json:"openApps,omitempty"`
	Attributes     map[string]any     `json:"attributes,omitempty"`
}

// Validate checks the report for values no tracker produces.
func (r *ActivityReport) Validate() error {
	if r.IdleSeconds != nil && (*r.IdleSeconds < 0 || math.IsNaN(*r.IdleSeconds) || math.IsInf(*r.IdleSeconds, 0)) {
		return &rules.ConfigurationError{Field: "idleSeconds", Reason: "must be a non-negative number"}
	}
	for _, m := range []struct {
		field string
		usage map[string]float64
	}{{"appUsage", r.AppUsage}, {"categoryUsage", r.CategoryUsage}} {
		for k, v := range m.usage {
			if k == "" {
				return &rules.ConfigurationError{Field: m.field, Reason: "keys must be non-empty"}
			}
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return &rules.ConfigurationError{Field: m.field + "." + k, Reason: "must be a non-negative number"}
			}
		}
	}
	return nil
}

type userState struct {
	day string // YYYY-MM-DD in the tracker's location

	activeApp      string
	activeCategory string
	focusMode      string
	idleSeconds    float64
	appUsage       map[string]float64
	categoryUsage  map[string]float64
	openApps       []string
	attributes     map[string]any
	lastReportAt   time.Time

	// Values seen by the last committed pass, for transition triggers.
	baselineApp  string
	baselineMode string
	lastSnapshot time.Time
}

// Tracker is an in-memory ContextProvider fed by activity reports. Usage
// totals reset at local midnight and never roll back to an earlier day.
// Snapshots are read-only; the previous app/mode baselines and
// PreviousEvaluationAt advance only when a completed pass is committed, so
// a pass that fails and is retried still sees the transition.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*userState
	loc   *time.Location
	clock rules.Clock
	log   *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLocation sets the zone used for snapshot times and the daily reset.
func WithLocation(loc *time.Location) TrackerOption {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithClock sets the tracker's clock.
func WithClock(c rules.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the tracker's logger.
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.log = l }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		users: map[string]*userState{},
		loc:   time.UTC,
		clock: rules.SystemClock{},
		log:   logger.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) stateFor(userID string, now time.Time) *userState {
	st, ok := t.users[userID]
	if !ok {
		st = &userState{
			day:           dayKey(now),
			appUsage:      map[string]float64{},
			categoryUsage: map[string]float64{},
		}
		t.users[userID] = st
	}
	if d := dayKey(now); d > st.day {
		st.day = d
		st.appUsage = map[string]float64{}
		st.categoryUsage = map[string]float64{}
	}
	return st
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

// Report applies an activity update for userID.
func (t *Tracker) Report(_ context.Context, userID string, r ActivityReport) error {
	if userID == "" {
		return &rules.ConfigurationError{Field: "userId", Reason: "must be non-empty"}
	}
	if err := r.Validate(); err != nil {
		return err
	}

	now := r.At
	if now.IsZero() {
		now = t.clock.Now()
	}
	now = now.In(t.loc)

	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateFor(userID, now)
	if dayKey(now) < st.day {
		t.log.Debug("dropping activity report from a previous day", "user_id", userID, "at", now, "day", st.day)
		return nil
	}

	// A late report still contributes usage but must not overwrite the
	// newer current state.
	stale := !st.lastReportAt.IsZero() && now.Before(st.lastReportAt)
	if stale {
		t.log.Debug("out of order activity report", "user_id", userID, "at", now, "last", st.lastReportAt)
	} else {
		st.lastReportAt = now
		st.applyCurrent(r)
	}
	for app, secs := range r.AppUsage {
		st.appUsage[app] += secs
	}
	for cat, secs := range r.CategoryUsage {
		st.categoryUsage[cat] += secs
	}
	return nil
}

func (st *userState) applyCurrent(r ActivityReport) {
	if r.ActiveApp != nil {
		st.activeApp = *r.ActiveApp
	}
	if r.ActiveCategory != nil {
		st.activeCategory = *r.ActiveCategory
	}
	if r.FocusMode != nil {
		st.focusMode = *r.FocusMode
	}
	if r.IdleSeconds != nil {
		st.idleSeconds = *r.IdleSeconds
	}
	if r.OpenApps != nil {
		st.openApps = append([]string(nil), r.OpenApps...)
	}
	if len(r.Attributes) > 0 {
		if st.attributes == nil {
			st.attributes = map[string]any{}
		}
		for k, v := range r.Attributes {
			st.attributes[k] = v
		}
	}
}

// Snapshot returns the user's current context. PreviousActiveApp,
// PreviousFocusMode and PreviousEvaluationAt come from the last Commit.
func (t *Tracker) Snapshot(_ context.Context, userID string) (*rules.EvaluationContext, error) {
	now := t.clock.Now().In(t.loc)

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stateFor(userID, now).snapshot(userID, now), nil
}

// Commit records ec as the context of the user's last completed pass, so
// the next snapshot reports its app, mode and time as the previous values.
// Commits older than the current baseline are ignored.
func (t *Tracker) Commit(userID string, ec *rules.EvaluationContext) {
	if ec == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.users[userID]
	if !ok || ec.Now.Before(st.lastSnapshot) {
		return
	}
	st.baselineApp = ec.ActiveApp
	st.baselineMode = ec.FocusMode
	st.lastSnapshot = ec.Now
}

// Peek returns the current context. It is equivalent to Snapshot without
// a context or error.
func (t *Tracker) Peek(userID string) *rules.EvaluationContext {
	now := t.clock.Now().In(t.loc)

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stateFor(userID, now).snapshot(userID, now)
}

// Forget drops all state for userID.
func (t *Tracker) Forget(userID string) {
	t.mu.Lock()
	delete(t.users, userID)
	t.mu.Unlock()
}

// Users lists users with tracked activity, sorted.
func (t *Tracker) Users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.users))
	for id := range t.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (st *userState) snapshot(userID string, now time.Time) *rules.EvaluationContext {
	ec := &rules.EvaluationContext{
		UserID:               userID,
		Now:                  now,
		PreviousEvaluationAt: st.lastSnapshot,
		ActiveApp:            st.activeApp,
		PreviousActiveApp:    st.baselineApp,
		ActiveCategory:       st.activeCategory,
		FocusMode:            st.focusMode,
		PreviousFocusMode:    st.baselineMode,
		IdleSeconds:          st.idleSeconds,
		AppUsageSeconds:      map[string]float64{},
		CategoryUsageSeconds: map[string]float64{},
		Attributes:           map[string]any{},
	}
	for k, v := range st.appUsage {
		ec.AppUsageSeconds[k] = v
		ec.TotalUsageSeconds += v
	}
	for k, v := range st.categoryUsage {
		ec.CategoryUsageSeconds[k] = v
	}
	if st.openApps != nil {
		ec.OpenApps = append([]string(nil), st.openApps...)
	}
	for k, v := range st.attributes {
		ec.Attributes[k] = v
	}
	return ec
}
