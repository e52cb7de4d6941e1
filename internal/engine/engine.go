package engine

import (
	"context"
	"database/sql"
	"log"
	"time"

	"fleetline/internal/config"
	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/metrics"
	"fleetline/internal/notify"
	"fleetline/internal/repo"
	"fleetline/internal/scoring"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Reader   events.Reader
	Config   *config.Config
	Now      func() time.Time
	Logger   *log.Logger
	Notifier notify.Sink
	Metrics  *metrics.Metrics
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default("")
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db, MaxRetries: cfg.Events.MaxAppendRetries},
		Reader:   events.Reader{DB: db},
		Config:   cfg,
		Now:      time.Now,
		Notifier: notify.Nop{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(domain.TimeFormat)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default("")
	}
	return e.Config
}

func (e Engine) projectID(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return e.cfg().Project.ID
}

func (e Engine) acceptance() scoring.Acceptance {
	c := e.cfg()
	return scoring.Acceptance{PassThreshold: c.Acceptance.PassThreshold, CriticalWeight: c.Acceptance.CriticalWeight}
}

func (e Engine) trendWindows() scoring.TrendWindows {
	c := e.cfg()
	return scoring.TrendWindows{Recent: c.Agents.TrendRecentWindow, Prior: c.Agents.TrendPriorWindow, Threshold: c.Agents.TrendThreshold}
}

// append writes drafts inside tx using the engine clock.
func (e Engine) append(ctx context.Context, tx *sql.Tx, drafts ...events.Draft) error {
	w := e.Events
	w.Now = e.now
	evts, err := w.AppendBatch(ctx, tx, drafts)
	if err != nil {
		return err
	}
	for _, evt := range evts {
		e.Metrics.EventAppended(string(evt.AggregateType))
	}
	return nil
}

// notify delivers n after commit. Delivery failures never undo the change.
func (e Engine) notify(ctx context.Context, n notify.Notification) {
	if e.Notifier == nil {
		return
	}
	n = notify.Stamp(n, e.now())
	if err := e.Notifier.Notify(ctx, n); err != nil {
		e.Metrics.NotifyFailed(string(n.Kind))
		e.logger().Printf("[notify.failed] kind=%s err=%v", n.Kind, err)
	}
}

func (e Engine) taskDraft(t domain.Task, eventType string, data events.EventPayload) events.Draft {
	snap := t
	if snap.RequiredCapabilities == nil {
		snap.RequiredCapabilities = []domain.Capability{}
	}
	if len(snap.AcceptanceCriteria) == 0 {
		snap.AcceptanceCriteria = nil
	}
	return events.Draft{AggregateType: domain.AggregateTask, AggregateID: t.ID, ProjectID: t.ProjectID, EventType: eventType, State: snap, Data: data}
}

func (e Engine) agentDraft(a domain.Agent, eventType string, data events.EventPayload) events.Draft {
	snap := a
	if snap.Capabilities == nil {
		snap.Capabilities = []domain.Capability{}
	}
	if len(snap.Assessments) == 0 {
		snap.Assessments = nil
	}
	return events.Draft{AggregateType: domain.AggregateAgent, AggregateID: a.ID, ProjectID: e.cfg().Project.ID, EventType: eventType, State: snap, Data: data}
}

func (e Engine) sessionDraft(s domain.ExecutionSession, eventType string, data events.EventPayload) events.Draft {
	return events.Draft{AggregateType: domain.AggregateSession, AggregateID: s.ID, ProjectID: s.ProjectID, EventType: eventType, State: s, Data: data}
}

func (e Engine) conflictDraft(c domain.Conflict, eventType string, data events.EventPayload) events.Draft {
	snap := c
	if len(snap.RelatedEntities) == 0 {
		snap.RelatedEntities = nil
	}
	if len(snap.AffectedTaskIDs) == 0 {
		snap.AffectedTaskIDs = nil
	}
	if len(snap.AffectedAgentIDs) == 0 {
		snap.AffectedAgentIDs = nil
	}
	return events.Draft{AggregateType: domain.AggregateConflict, AggregateID: c.ID, ProjectID: c.ProjectID, EventType: eventType, State: snap, Data: data}
}

// History returns every recorded event of one aggregate in version order.
func (e Engine) History(ctx context.Context, aggregateID string) ([]domain.DomainEvent, error) {
	return e.Reader.ByAggregate(ctx, aggregateID)
}

// RefreshGauges recomputes the status gauges from stored rows.
func (e Engine) RefreshGauges(ctx context.Context) error {
	if e.Metrics == nil {
		return nil
	}
	tasks, err := e.Repo.CountTasksByStatus(ctx, e.cfg().Project.ID)
	if err != nil {
		return err
	}
	taskCounts := make(map[string]int, len(tasks))
	for s, n := range tasks {
		taskCounts[string(s)] = n
	}
	agents, err := e.Repo.CountAgentsByStatus(ctx)
	if err != nil {
		return err
	}
	agentCounts := make(map[string]int, len(agents))
	for s, n := range agents {
		agentCounts[string(s)] = n
	}
	e.Metrics.SetTasks(taskCounts)
	e.Metrics.SetAgents(agentCounts)
	return nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
