package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/config"
	"fleetline/internal/engine"
	"fleetline/internal/notify"
)

func TestResolveConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ResolveConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, defaultProjectID, cfg.Project.ID)

	cfg, err = ResolveConfig(dir, "override")
	require.NoError(t, err)
	assert.Equal(t, "override", cfg.Project.ID)
}

func TestResolveConfigReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("project:\n  id: from-file\nsessions:\n  timeout_minutes: 45\n"), 0o644))
	cfg, err := ResolveConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Project.ID)
	assert.Equal(t, 45, cfg.Sessions.TimeoutMinutes)
}

func TestOpenWiresEngine(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), ProjectOverride: "proj-x", Metrics: true})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NotNil(t, a.Metrics)
	assert.Nil(t, a.Redis())

	rec := &notify.Recorder{}
	a.AddSink(rec)
	c, err := a.Engine.DetectConflict(ctx, engine.ConflictOptions{Type: "capability_gap", Title: "nobody can"})
	require.NoError(t, err)
	assert.Equal(t, "proj-x", c.ProjectID)
	assert.Equal(t, []notify.Kind{notify.KindConflictRaised}, rec.Kinds())
}
