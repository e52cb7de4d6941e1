package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetline/internal/db"
	"fleetline/internal/domain"
)

const defaultMaxRetries = 5

// Writer appends domain events. Each event records the full aggregate state
// after the mutation under the "state" key so history can be replayed.
type Writer struct {
	DB         *sql.DB
	Now        func() time.Time
	MaxRetries int
}

type EventPayload map[string]any

// Draft is an event not yet assigned a version.
type Draft struct {
	AggregateType domain.AggregateType
	AggregateID   string
	ProjectID     string
	EventType     string
	State         any
	Data          EventPayload
}

func (w Writer) now() string {
	if w.Now == nil {
		return time.Now().UTC().Format(domain.TimeFormat)
	}
	return w.Now().UTC().Format(domain.TimeFormat)
}

func (w Writer) retries() int {
	if w.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return w.MaxRetries
}

func encode(d Draft) (string, error) {
	payload := EventPayload{}
	for k, v := range d.Data {
		payload[k] = v
	}
	if d.State != nil {
		payload["state"] = d.State
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

// Append inserts one event inside the caller's transaction at the next
// version of its aggregate. A version race is retried a bounded number of
// times before ErrConcurrency surfaces.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, d Draft) (domain.DomainEvent, error) {
	evts, err := w.AppendBatch(ctx, tx, []Draft{d})
	if err != nil {
		return domain.DomainEvent{}, err
	}
	return evts[0], nil
}

// AppendBatch inserts drafts in order. Drafts for the same aggregate receive
// consecutive versions.
func (w Writer) AppendBatch(ctx context.Context, tx *sql.Tx, drafts []Draft) ([]domain.DomainEvent, error) {
	out := make([]domain.DomainEvent, 0, len(drafts))
	for _, d := range drafts {
		if d.AggregateID == "" || d.EventType == "" {
			return nil, domain.Invalid("event", "aggregate id and event type are required")
		}
		payload, err := encode(d)
		if err != nil {
			return nil, err
		}
		evt, err := w.insert(ctx, tx, d, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func (w Writer) insert(ctx context.Context, tx *sql.Tx, d Draft, payload string) (domain.DomainEvent, error) {
	evt := domain.DomainEvent{
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       payload,
		OccurredAt:    w.now(),
	}
	for attempt := 0; attempt < w.retries(); attempt++ {
		var current int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM domain_events WHERE aggregate_id=?`, d.AggregateID).Scan(&current); err != nil {
			return evt, err
		}
		evt.ID = uuid.NewString()
		evt.Version = current + 1
		res, err := tx.ExecContext(ctx, `INSERT INTO domain_events(id,aggregate_type,aggregate_id,project_id,event_type,payload_json,version,occurred_at) VALUES (?,?,?,?,?,?,?,?)`,
			evt.ID, string(evt.AggregateType), evt.AggregateID, nullable(d.ProjectID), evt.EventType, evt.Payload, evt.Version, evt.OccurredAt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				continue
			}
			return evt, err
		}
		evt.Seq, _ = res.LastInsertId()
		return evt, nil
	}
	return evt, fmt.Errorf("append %s to %s: %w", d.EventType, d.AggregateID, domain.ErrConcurrency)
}

// Publish appends drafts in a transaction of their own. Lock timeouts and
// version races restart the whole transaction.
func (w Writer) Publish(ctx context.Context, drafts ...Draft) ([]domain.DomainEvent, error) {
	var lastErr error
	for attempt := 0; attempt < w.retries(); attempt++ {
		evts, err := w.publishOnce(ctx, drafts)
		if err == nil {
			return evts, nil
		}
		if !errors.Is(err, domain.ErrConcurrency) && !db.IsBusy(err) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (w Writer) publishOnce(ctx context.Context, drafts []Draft) ([]domain.DomainEvent, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	evts, err := w.AppendBatch(ctx, tx, drafts)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return evts, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
