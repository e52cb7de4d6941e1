package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/migrate"
)

type snapshot struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ws := t.TempDir()
	_, err := db.EnsureWorkspace(ws)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: ws})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func fixedWriter(conn *sql.DB) Writer {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Writer{DB: conn, Now: func() time.Time { return now }}
}

func draft(id, eventType, status string) Draft {
	return Draft{
		AggregateType: domain.AggregateTask,
		AggregateID:   id,
		ProjectID:     "proj",
		EventType:     eventType,
		State:         snapshot{ID: id, Status: status},
		Data:          EventPayload{"status": status},
	}
}

func TestPublishAssignsConsecutiveVersions(t *testing.T) {
	conn := newTestDB(t)
	w := fixedWriter(conn)
	ctx := context.Background()

	evts, err := w.Publish(ctx,
		draft("t1", "task.created", "pending"),
		draft("t2", "task.created", "pending"),
		draft("t1", "task.assigned", "assigned"),
	)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, 1, evts[0].Version)
	assert.Equal(t, 1, evts[1].Version)
	assert.Equal(t, 2, evts[2].Version)
	assert.Less(t, evts[0].Seq, evts[2].Seq)

	r := Reader{DB: conn}
	v, err := r.CurrentVersion(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	v, err = r.CurrentVersion(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestConcurrentPublishKeepsVersionsGapless(t *testing.T) {
	conn := newTestDB(t)
	w := fixedWriter(conn)
	ctx := context.Background()

	const writers = 40
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		status := fmt.Sprintf("step-%02d", i)
		g.Go(func() error {
			_, err := w.Publish(ctx, draft("hot", "task.updated", status))
			return err
		})
	}
	require.NoError(t, g.Wait())

	evts, err := Reader{DB: conn}.ByAggregate(ctx, "hot")
	require.NoError(t, err)
	require.Len(t, evts, writers)
	seen := map[string]bool{}
	for i, evt := range evts {
		assert.Equal(t, i+1, evt.Version)
		seen[evt.Payload] = true
	}
	assert.Len(t, seen, writers, "every writer landed exactly once")
	current, err := Reader{DB: conn}.CurrentVersion(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, writers, current)
}

func TestAppendRejectsIncompleteDraft(t *testing.T) {
	conn := newTestDB(t)
	w := fixedWriter(conn)
	_, err := w.Publish(context.Background(), Draft{AggregateType: domain.AggregateTask, EventType: "task.created"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestAppendRollsBackWithCallerTx(t *testing.T) {
	conn := newTestDB(t)
	w := fixedWriter(conn)
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = w.Append(ctx, tx, draft("t1", "task.created", "pending"))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	evts, err := Reader{DB: conn}.ByAggregate(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestReaderQueries(t *testing.T) {
	conn := newTestDB(t)
	w := fixedWriter(conn)
	ctx := context.Background()
	_, err := w.Publish(ctx,
		draft("t1", "task.created", "pending"),
		draft("t1", "task.assigned", "assigned"),
		draft("t1", "task.started", "in_progress"),
		draft("t2", "task.created", "pending"),
	)
	require.NoError(t, err)
	r := Reader{DB: conn}

	byType, err := r.ByEventType(ctx, "task.created", 0)
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	rng, err := r.VersionRange(ctx, "t1", 2, 3)
	require.NoError(t, err)
	require.Len(t, rng, 2)
	assert.Equal(t, "task.assigned", rng[0].EventType)
	assert.Equal(t, "task.started", rng[1].EventType)

	newest, err := r.List(ctx, Filters{ProjectID: "proj", Descending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "t2", newest[0].AggregateID)

	after, err := r.List(ctx, Filters{AfterSeq: newest[1].Seq})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, newest[0].Seq, after[0].Seq)

	latest, err := r.LatestSeq(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, newest[0].Seq, latest)
}

func TestReplayRebuildsState(t *testing.T) {
	conn := newTestDB(t)
	w := fixedWriter(conn)
	ctx := context.Background()
	_, err := w.Publish(ctx,
		draft("t1", "task.created", "pending"),
		draft("t1", "task.assigned", "assigned"),
		draft("t1", "task.started", "in_progress"),
	)
	require.NoError(t, err)
	evts, err := Reader{DB: conn}.ByAggregate(ctx, "t1")
	require.NoError(t, err)

	// Replay must not depend on input order.
	evts[0], evts[2] = evts[2], evts[0]
	got, err := Replay[snapshot](evts)
	require.NoError(t, err)
	assert.Equal(t, snapshot{ID: "t1", Status: "in_progress"}, got)

	got, err = ReplayUntil[snapshot](evts, 2)
	require.NoError(t, err)
	assert.Equal(t, "assigned", got.Status)
}

func TestReplayRejectsBadHistories(t *testing.T) {
	_, err := Replay[snapshot](nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	mixed := []domain.DomainEvent{
		{ID: "a", AggregateID: "t1", Version: 1, Payload: `{"state":{"id":"t1"}}`},
		{ID: "b", AggregateID: "t2", Version: 2, Payload: `{"state":{"id":"t2"}}`},
	}
	_, err = Replay[snapshot](mixed)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	dup := []domain.DomainEvent{
		{ID: "a", AggregateID: "t1", Version: 1, Payload: `{"state":{"id":"t1"}}`},
		{ID: "b", AggregateID: "t1", Version: 1, Payload: `{"state":{"id":"t1"}}`},
	}
	_, err = Replay[snapshot](dup)
	assert.True(t, errors.Is(err, domain.ErrConcurrency))
}
