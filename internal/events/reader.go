package events

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"fleetline/internal/domain"
)

type Reader struct {
	DB *sql.DB
}

const eventColumns = `seq,id,aggregate_type,aggregate_id,event_type,payload_json,version,occurred_at`

type Filters struct {
	AggregateType domain.AggregateType
	AggregateID   string
	EventType     string
	ProjectID     string
	// AfterSeq and BeforeSeq are exclusive bounds on the global sequence.
	AfterSeq  int64
	BeforeSeq int64
	// Descending returns newest first; the default is append order.
	Descending bool
	Limit      int
}

func (r Reader) List(ctx context.Context, f Filters) ([]domain.DomainEvent, error) {
	var clauses []string
	var args []any
	if f.AggregateType != "" {
		clauses = append(clauses, "aggregate_type=?")
		args = append(args, string(f.AggregateType))
	}
	if f.AggregateID != "" {
		clauses = append(clauses, "aggregate_id=?")
		args = append(args, f.AggregateID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	if f.BeforeSeq > 0 {
		clauses = append(clauses, "seq<?")
		args = append(args, f.BeforeSeq)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := " ORDER BY seq ASC"
	if f.Descending {
		order = " ORDER BY seq DESC"
	}
	query := `SELECT ` + eventColumns + ` FROM domain_events ` + where + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.query(ctx, query, args...)
}

// ByAggregate returns every event of one aggregate in version order.
func (r Reader) ByAggregate(ctx context.Context, aggregateID string) ([]domain.DomainEvent, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM domain_events WHERE aggregate_id=? ORDER BY version ASC`, aggregateID)
}

func (r Reader) ByAggregateType(ctx context.Context, t domain.AggregateType, limit int) ([]domain.DomainEvent, error) {
	return r.List(ctx, Filters{AggregateType: t, Limit: limit})
}

func (r Reader) ByEventType(ctx context.Context, eventType string, limit int) ([]domain.DomainEvent, error) {
	return r.List(ctx, Filters{EventType: eventType, Limit: limit})
}

// VersionRange returns events of one aggregate with from <= version <= to.
// A zero to means no upper bound.
func (r Reader) VersionRange(ctx context.Context, aggregateID string, from, to int) ([]domain.DomainEvent, error) {
	if to <= 0 {
		return r.query(ctx, `SELECT `+eventColumns+` FROM domain_events WHERE aggregate_id=? AND version>=? ORDER BY version ASC`, aggregateID, from)
	}
	if to < from {
		return nil, domain.Invalid("version", "range %d..%d is empty", from, to)
	}
	return r.query(ctx, `SELECT `+eventColumns+` FROM domain_events WHERE aggregate_id=? AND version BETWEEN ? AND ? ORDER BY version ASC`, aggregateID, from, to)
}

// CurrentVersion returns the latest version of an aggregate, 0 if none.
func (r Reader) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	var v int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM domain_events WHERE aggregate_id=?`, aggregateID).Scan(&v)
	return v, err
}

// LatestSeq returns the highest global sequence number, 0 if the log is empty.
func (r Reader) LatestSeq(ctx context.Context, projectID string) (int64, error) {
	var seq int64
	var err error
	if projectID == "" {
		err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM domain_events`).Scan(&seq)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM domain_events WHERE project_id=?`, projectID).Scan(&seq)
	}
	return seq, err
}

func (r Reader) query(ctx context.Context, query string, args ...any) ([]domain.DomainEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DomainEvent
	for rows.Next() {
		var e domain.DomainEvent
		var aggType string
		if err := rows.Scan(&e.Seq, &e.ID, &aggType, &e.AggregateID, &e.EventType, &e.Payload, &e.Version, &e.OccurredAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			return nil, err
		}
		e.AggregateType = domain.AggregateType(aggType)
		res = append(res, e)
	}
	return res, rows.Err()
}
