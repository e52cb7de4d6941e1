package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/db"
	"fleetline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	current, err := migrate.Current(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, latest, current)

	for _, table := range []string{"tasks", "task_dependencies", "agents", "execution_sessions", "conflicts", "human_decisions", "domain_events"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestRunningSessionIndexIsUnique(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	insert := `INSERT INTO execution_sessions(id,task_id,agent_id,project_id,timeout_minutes,status,created_at) VALUES (?,?,?,?,?,?,?)`
	_, err = conn.Exec(insert, "s1", "t1", "a1", "p", 30, "running", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	_, err = conn.Exec(insert, "s2", "t1", "a1", "p", 30, "completed", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	_, err = conn.Exec(insert, "s3", "t1", "a1", "p", 30, "running", "2024-01-01T00:00:00Z")
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err))
}
