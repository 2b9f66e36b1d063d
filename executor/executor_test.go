package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automations/rules"
)

var firedAt = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

func firing(a rules.Action) rules.Firing {
	return rules.Firing{
		RuleID:   "rule-1",
		RuleName: "Chrome limit",
		UserID:   "user-1",
		Action:   a,
		FiredAt:  firedAt,
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name      string
		action    rules.Action
		wantTitle string
		wantBody  string
		wantData  map[string]string
	}{
		{
			name:      "notify",
			action:    &rules.NotifyAction{Title: "Heads up", Message: "You have been on Chrome a while"},
			wantTitle: "Heads up",
			wantBody:  "You have been on Chrome a while",
			wantData:  map[string]string{},
		},
		{
			name:      "block app with duration",
			action:    &rules.BlockAppAction{AppName: "Twitter", DurationMinutes: 15},
			wantTitle: "App blocked",
			wantBody:  "Twitter is blocked for 15 minutes.",
			wantData:  map[string]string{"appToBlock": "Twitter", "durationMinutes": "15"},
		},
		{
			name:      "suggest break default message",
			action:    &rules.SuggestBreakAction{BreakDurationMinutes: 5},
			wantTitle: "Time for a break",
			wantBody:  "Consider taking a 5 minute break.",
			wantData:  map[string]string{"breakDuration": "5"},
		},
		{
			name:      "suggest break custom message",
			action:    &rules.SuggestBreakAction{Message: "Stretch!"},
			wantTitle: "Time for a break",
			wantBody:  "Stretch!",
			wantData:  map[string]string{},
		},
		{
			name:      "switch focus mode",
			action:    &rules.SwitchFocusModeAction{TargetMode: "deep-work"},
			wantTitle: "Focus mode change",
			wantBody:  "Switching focus mode to deep-work.",
			wantData:  map[string]string{"targetFocusMode": "deep-work"},
		},
		{
			name:      "log mood",
			action:    &rules.LogMoodAction{MoodOptions: []string{"good", "tired"}},
			wantTitle: "Log your mood",
			wantBody:  "Would you like to record how you feel right now?",
			wantData:  map[string]string{"moodOptions": "good,tired"},
		},
		{
			name:      "context prompt",
			action:    &rules.ContextPromptAction{PromptText: "What are you working on?"},
			wantTitle: "Context",
			wantBody:  "What are you working on?",
			wantData:  map[string]string{"promptText": "What are you working on?"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, body, data := Describe(tt.action)
			assert.Equal(t, tt.wantTitle, title)
			assert.Equal(t, tt.wantBody, body)
			assert.Equal(t, tt.wantData, data)
		})
	}
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(firing(&rules.BlockAppAction{AppName: "Twitter"}))
	require.NoError(t, err)

	assert.Equal(t, "rule-1", msg.RuleID)
	assert.Equal(t, "user-1", msg.UserID)
	assert.Equal(t, rules.ActionBlockApp, msg.Kind)
	assert.Equal(t, "rule-1", msg.Data["ruleId"])
	assert.Equal(t, "block-app", msg.Data["actionType"])
	assert.Equal(t, "awfork://disable-rule?id=rule-1", msg.DisableLink)
	assert.True(t, msg.FiredAt.Equal(firedAt))

	decoded, err := rules.UnmarshalAction(msg.Action)
	require.NoError(t, err)
	assert.Equal(t, &rules.BlockAppAction{AppName: "Twitter"}, decoded)
}

func TestDisableRuleLink(t *testing.T) {
	link := DisableRuleLink("a b&c")
	id, err := ParseDisableRuleLink(link)
	require.NoError(t, err)
	assert.Equal(t, "a b&c", id)

	for _, bad := range []string{
		"https://disable-rule?id=x",
		"awfork://enable-rule?id=x",
		"awfork://disable-rule",
		"%zz",
	} {
		_, err := ParseDisableRuleLink(bad)
		assert.Error(t, err, bad)
	}
}

func TestLogExecutor(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))

	err := NewLogExecutor(l).Execute(context.Background(), firing(&rules.SwitchFocusModeAction{TargetMode: "deep-work"}))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "action executed", entry["msg"])
	assert.Equal(t, "rule-1", entry["rule_id"])
	assert.Equal(t, "switch-focus-mode", entry["action"])
	assert.Equal(t, "deep-work", entry["targetFocusMode"])
}

func TestWebhookExecutor(t *testing.T) {
	var (
		mu       sync.Mutex
		received Message
		headers  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	exec := NewWebhookExecutor(srv.URL, map[string]string{"Authorization": "Bearer local"}, time.Second)
	err := exec.Execute(context.Background(), firing(&rules.NotifyAction{Title: "Hi", Message: "There"}))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "Bearer local", headers.Get("Authorization"))
	assert.Equal(t, "rule-1", received.RuleID)
	assert.Equal(t, "Hi", received.Title)
	assert.Equal(t, rules.ActionNotify, received.Kind)
}

func TestWebhookExecutor_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	exec := NewWebhookExecutor(srv.URL, nil, time.Second)

	err := exec.Execute(context.Background(), firing(&rules.LogMoodAction{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")

	srv.Close()
	err = exec.Execute(context.Background(), firing(&rules.LogMoodAction{}))
	assert.Error(t, err)
}

type fakePublisher struct {
	mu         sync.Mutex
	subjects   []string
	payloads   [][]byte
	publishErr error
	flushErr   error
	flushes    int
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *fakePublisher) FlushWithContext(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return p.flushErr
}

func TestNATSExecutor(t *testing.T) {
	pub := &fakePublisher{}
	exec := newNATSExecutor(pub, "automations.actions.")

	f := firing(&rules.ContextPromptAction{PromptText: "What now?"})
	f.UserID = "alice.smith"
	require.NoError(t, exec.Execute(context.Background(), f))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "automations.actions.alice_smith", pub.subjects[0])
	assert.Equal(t, 1, pub.flushes)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, "alice.smith", msg.UserID)
	assert.Equal(t, "What now?", msg.Body)
}

func TestNATSExecutor_Subject(t *testing.T) {
	exec := newNATSExecutor(&fakePublisher{}, "")
	assert.Equal(t, DefaultSubjectPrefix+".u_1_x", exec.Subject("u*1>x"))
	assert.Equal(t, DefaultSubjectPrefix+"._", exec.Subject(""))
}

func TestNATSExecutor_Errors(t *testing.T) {
	boom := errors.New("boom")

	exec := newNATSExecutor(&fakePublisher{publishErr: boom}, "")
	assert.ErrorIs(t, exec.Execute(context.Background(), firing(&rules.LogMoodAction{})), boom)

	exec = newNATSExecutor(&fakePublisher{flushErr: boom}, "")
	assert.ErrorIs(t, exec.Execute(context.Background(), firing(&rules.LogMoodAction{})), boom)
}

func TestFanout(t *testing.T) {
	boom := errors.New("boom")
	var calls []string
	rec := func(name string, err error) rules.Executor {
		return rules.ExecutorFunc(func(context.Context, rules.Firing) error {
			calls = append(calls, name)
			return err
		})
	}

	err := Fanout{rec("a", nil), rec("b", boom), rec("c", nil)}.Execute(context.Background(), firing(&rules.LogMoodAction{}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b", "c"}, calls, "every executor is attempted")

	assert.NoError(t, Fanout{}.Execute(context.Background(), firing(&rules.LogMoodAction{})))
}

func TestRouter(t *testing.T) {
	var got []string
	named := func(name string) rules.Executor {
		return rules.ExecutorFunc(func(context.Context, rules.Firing) error {
			got = append(got, name)
			return nil
		})
	}

	r := NewRouter(named("default")).Route(rules.ActionBlockApp, named("blocker"))
	require.NoError(t, r.Execute(context.Background(), firing(&rules.BlockAppAction{AppName: "X"})))
	require.NoError(t, r.Execute(context.Background(), firing(&rules.LogMoodAction{})))
	assert.Equal(t, []string{"blocker", "default"}, got)

	err := NewRouter(nil).Execute(context.Background(), firing(&rules.LogMoodAction{}))
	assert.Error(t, err)
}
