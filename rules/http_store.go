package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Envelope is the response body of the automations API.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HTTPRuleStore is a RuleStore backed by a remote automations server.
// Every non-success response is a *TransportError; 404 and 409 responses
// additionally wrap ErrRuleNotFound and ErrVersionConflict.
//
// Update sends the expected version in the patch body, so it is only
// enforced when the server runs the optimistic concurrency policy.
// MarkTriggered is always conditional.
type HTTPRuleStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRuleStore creates a store for the server at baseURL. A nil client
// uses one with a 10s timeout.
func NewHTTPRuleStore(baseURL string, client *http.Client) *HTTPRuleStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRuleStore{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *HTTPRuleStore) userRulesURL(userID string) string {
	return fmt.Sprintf("%s/api/v1/users/%s/rules", s.baseURL, url.PathEscape(userID))
}

func (s *HTTPRuleStore) ruleURL(userID, id string) string {
	return s.userRulesURL(userID) + "/" + url.PathEscape(id)
}

// do sends a request and decodes the envelope's data into out (may be nil).
func (s *HTTPRuleStore) do(ctx context.Context, op, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("status %d: unreadable body: %w", resp.StatusCode, err)}
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		var cause error = fmt.Errorf("status %d: %s", resp.StatusCode, msg)
		switch resp.StatusCode {
		case http.StatusNotFound:
			cause = fmt.Errorf("%s: %w", msg, ErrRuleNotFound)
		case http.StatusConflict:
			cause = fmt.Errorf("%s: %w", msg, ErrVersionConflict)
		}
		return &TransportError{Op: op, Err: cause}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("failed to decode data: %w", err)}
		}
	}
	return nil
}

// List fetches the user's rules.
func (s *HTTPRuleStore) List(ctx context.Context, userID string) ([]*Rule, error) {
	var out []*Rule
	if err := s.do(ctx, "list rules", http.MethodGet, s.userRulesURL(userID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches a rule by ID.
func (s *HTTPRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	var out Rule
	target := fmt.Sprintf("%s/api/v1/rules/%s", s.baseURL, url.PathEscape(id))
	if err := s.do(ctx, "get rule", http.MethodGet, target, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type remoteDefinition struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	IsActive        bool            `json:"isActive"`
	Priority        float64         `json:"priority"`
	Trigger         json.RawMessage `json:"trigger"`
	Action          json.RawMessage `json:"action"`
	CooldownSeconds *int64          `json:"cooldownSeconds,omitempty"`
}

// Create posts the rule. The server's stored copy (timestamps, version)
// is written back into rule.
func (s *HTTPRuleStore) Create(ctx context.Context, rule *Rule) error {
	trigger, err := MarshalTrigger(rule.Trigger)
	if err != nil {
		return err
	}
	action, err := MarshalAction(rule.Action)
	if err != nil {
		return err
	}
	def := remoteDefinition{
		ID:              rule.ID,
		Name:            rule.Name,
		Description:     rule.Description,
		IsActive:        rule.Active,
		Priority:        rule.Priority,
		Trigger:         trigger,
		Action:          action,
		CooldownSeconds: rule.CooldownSeconds,
	}
	var out Rule
	if err := s.do(ctx, "create rule", http.MethodPost, s.userRulesURL(rule.UserID), def, &out); err != nil {
		return err
	}
	*rule = out
	return nil
}

// remotePatch replaces every editable field. A nil CooldownSeconds is sent
// as null, which clears the cooldown on the server.
type remotePatch struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	IsActive        bool            `json:"isActive"`
	Priority        float64         `json:"priority"`
	Trigger         json.RawMessage `json:"trigger"`
	Action          json.RawMessage `json:"action"`
	CooldownSeconds *int64          `json:"cooldownSeconds"`
	Version         int64           `json:"version,omitempty"`
}

// Update patches every editable field.
func (s *HTTPRuleStore) Update(ctx context.Context, rule *Rule, expectedVersion int64) (*Rule, error) {
	trigger, err := MarshalTrigger(rule.Trigger)
	if err != nil {
		return nil, err
	}
	action, err := MarshalAction(rule.Action)
	if err != nil {
		return nil, err
	}
	patch := remotePatch{
		Name:            rule.Name,
		Description:     rule.Description,
		IsActive:        rule.Active,
		Priority:        rule.Priority,
		Trigger:         trigger,
		Action:          action,
		CooldownSeconds: rule.CooldownSeconds,
		Version:         expectedVersion,
	}
	var out Rule
	if err := s.do(ctx, "update rule", http.MethodPatch, s.ruleURL(rule.UserID, rule.ID), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a rule. The server treats deletes as idempotent.
func (s *HTTPRuleStore) Delete(ctx context.Context, userID, id string) error {
	return s.do(ctx, "delete rule", http.MethodDelete, s.ruleURL(userID, id), nil, nil)
}

// TriggeredRequest is the body of the mark-triggered endpoint.
type TriggeredRequest struct {
	TriggeredAt     time.Time `json:"triggeredAt"`
	ExpectedVersion int64     `json:"expectedVersion,omitempty"`
}

// MarkTriggered records a firing on the server.
func (s *HTTPRuleStore) MarkTriggered(ctx context.Context, userID, id string, at time.Time, expectedVersion int64) error {
	body := TriggeredRequest{TriggeredAt: at, ExpectedVersion: expectedVersion}
	return s.do(ctx, "mark triggered", http.MethodPost, s.ruleURL(userID, id)+"/triggered", body, nil)
}

// ListUserIDs fetches every user known to the server.
func (s *HTTPRuleStore) ListUserIDs(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.do(ctx, "list users", http.MethodGet, s.baseURL+"/api/v1/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
