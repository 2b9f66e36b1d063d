package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/liamcoop/automations/rules"
)

// DefaultSubjectPrefix is the subject root for published actions.
const DefaultSubjectPrefix = "automations.actions"

// publisher is the subset of *nats.Conn the executor uses.
type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSExecutor publishes each firing as a JSON Message on
// "<prefix>.<userId>". Execute returns once the server has acknowledged
// the flush.
type NATSExecutor struct {
	conn   publisher
	prefix string
	close  func()
}

// NewNATSExecutor connects to url.
func NewNATSExecutor(url, prefix string) (*NATSExecutor, error) {
	nc, err := nats.Connect(url,
		nats.Name("automations-executor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	e := newNATSExecutor(nc, prefix)
	e.close = nc.Close
	return e, nil
}

// NewNATSExecutorFromConn uses an existing connection. Close does not
// close nc.
func NewNATSExecutorFromConn(nc *nats.Conn, prefix string) *NATSExecutor {
	return newNATSExecutor(nc, prefix)
}

func newNATSExecutor(p publisher, prefix string) *NATSExecutor {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSExecutor{conn: p, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject actions for userID are published on.
func (e *NATSExecutor) Subject(userID string) string {
	return e.prefix + "." + subjectToken(userID)
}

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Execute publishes f and flushes.
func (e *NATSExecutor) Execute(ctx context.Context, f rules.Firing) error {
	msg, err := NewMessage(f)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	subject := e.Subject(f.UserID)
	if err := e.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	if err := e.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", subject, err)
	}
	return nil
}

// Close closes a connection opened by NewNATSExecutor.
func (e *NATSExecutor) Close() {
	if e.close != nil {
		e.close()
	}
}
