// Package audit records privileged operator mutations — registry writes,
// approval decisions, cancellations — independently of the per-run event
// chain. One sink writes JSON lines, another the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an audit entry.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
	EventPolicy   EventType = "POLICY"
)

// Entry is one structured audit record.
type Entry struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id,omitempty"`
	ActorID  string         `json:"actor_id,omitempty"`
	Type     EventType      `json:"type"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TS       time.Time      `json:"ts"`
}

// Logger records audit entries.
type Logger interface {
	Record(ctx context.Context, entry Entry) error
}

// writerLogger serializes entries as JSON lines to a Writer.
type writerLogger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger writes to stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter writes to the given sink.
func NewLoggerWithWriter(w io.Writer) Logger {
	return &writerLogger{writer: w, clock: time.Now}
}

func (l *writerLogger) Record(_ context.Context, entry Entry) error {
	stamp(&entry, l.clock)
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append(data, '\n'))
	return err
}

func stamp(entry *Entry, clock func() time.Time) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.TS.IsZero() {
		entry.TS = clock().UTC()
	}
}
