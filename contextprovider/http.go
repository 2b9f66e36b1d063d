package contextprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/liamcoop/automations/rules"
)

// HTTPProvider pulls snapshots from an activity server that answers
// GET /api/v1/users/{userId}/context with a rules.Envelope around an
// EvaluationContext. Every failure is a *rules.TransportError.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	loc     *time.Location
}

// NewHTTPProvider creates a provider for baseURL. A non-positive timeout
// defaults to 5s; a nil loc leaves timestamps as received.
func NewHTTPProvider(baseURL string, timeout time.Duration, loc *time.Location) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		loc:     loc,
	}
}

// Snapshot fetches the current context for userID.
func (p *HTTPProvider) Snapshot(ctx context.Context, userID string) (*rules.EvaluationContext, error) {
	const op = "fetch context"
	target := fmt.Sprintf("%s/api/v1/users/%s/context", p.baseURL, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build context request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &rules.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	var env rules.Envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return nil, &rules.TransportError{Op: op, Err: fmt.Errorf("status %d: unreadable body: %w", resp.StatusCode, err)}
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &rules.TransportError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}

	var ec rules.EvaluationContext
	if err := json.Unmarshal(env.Data, &ec); err != nil {
		return nil, &rules.TransportError{Op: op, Err: fmt.Errorf("failed to decode context: %w", err)}
	}
	if ec.UserID == "" {
		ec.UserID = userID
	}
	if p.loc != nil && !ec.Now.IsZero() {
		ec.Now = ec.Now.In(p.loc)
	}
	return &ec, nil
}
