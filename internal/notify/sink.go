// Package notify delivers post-commit summaries of engine activity to
// external listeners. Sinks never take part in a transaction: a failed
// delivery is logged by the caller and the committed state stands.
package notify

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

type Kind string

const (
	KindPlanUpdated       Kind = "plan_updated"
	KindConflictRaised    Kind = "conflict_raised"
	KindConflictEscalated Kind = "conflict_escalated"
	KindSessionCompleted  Kind = "session_completed"
)

// Notification summarises one committed change.
type Notification struct {
	Kind       Kind     `json:"kind"`
	ProjectID  string   `json:"project_id,omitempty"`
	TaskIDs    []string `json:"task_ids,omitempty"`
	AgentIDs   []string `json:"agent_ids,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	ConflictID string   `json:"conflict_id,omitempty"`
	Summary    string   `json:"summary"`
	At         string   `json:"at"`
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// LogSink writes one line per notification.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Notify(_ context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[notify.%s] project=%s tasks=%s agents=%s session=%s conflict=%s summary=%q",
		n.Kind, n.ProjectID, strings.Join(n.TaskIDs, ","), strings.Join(n.AgentIDs, ","), n.SessionID, n.ConflictID, n.Summary)
	return nil
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a plain function to Sink.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Recorder keeps delivered notifications in memory. Tests and the websocket
// hub's backlog use it.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	return nil
}

// Notifications returns a copy of what was recorded so far.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

// Kinds lists the recorded kinds in delivery order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.got))
	for i, n := range r.got {
		out[i] = n.Kind
	}
	return out
}

// Stamp fills At when the producer left it empty.
func Stamp(n Notification, now time.Time) Notification {
	if n.At == "" {
		n.At = now.UTC().Format(time.RFC3339)
	}
	return n
}
