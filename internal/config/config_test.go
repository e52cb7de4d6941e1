package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("proj-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "proj-1", cfg.Project.ID)
	assert.Equal(t, 30, cfg.Sessions.TimeoutMinutes)
	assert.Equal(t, 50, cfg.Agents.AssessmentWindow)
	assert.Equal(t, 10, cfg.Agents.TrendRecentWindow)
	assert.Equal(t, 5, cfg.Agents.TrendPriorWindow)
	assert.InDelta(t, 0.5, cfg.Agents.TrendThreshold, 1e-9)
	assert.InDelta(t, 0.8, cfg.Acceptance.PassThreshold, 1e-9)
	assert.InDelta(t, 0.3, cfg.Acceptance.CriticalWeight, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval())
	assert.True(t, cfg.HasCapability(domain.CapBackend))
	assert.False(t, cfg.HasCapability("quantum"))
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: p\nsessions:\n  timeout_minutes: 15\n"))
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Sessions.TimeoutMinutes)
	assert.Equal(t, 50, cfg.Agents.AssessmentWindow)
	assert.ElementsMatch(t, domain.DefaultCapabilities, cfg.Capabilities)
}

func TestFromYAMLCustomTaxonomy(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: p\ncapabilities: [backend, ml]\n"))
	require.NoError(t, err)
	assert.True(t, cfg.HasCapability("ml"))
	assert.False(t, cfg.HasCapability(domain.CapFrontend))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing project":    "capabilities: [backend]\n",
		"duplicate cap":      "project:\n  id: p\ncapabilities: [backend, backend]\n",
		"zero timeout":       "project:\n  id: p\nsessions:\n  timeout_minutes: 0\n",
		"bad interval":       "project:\n  id: p\nsessions:\n  sweep_interval: soon\n",
		"threshold range":    "project:\n  id: p\nacceptance:\n  pass_threshold: 1.5\n",
		"windows too large":  "project:\n  id: p\nagents:\n  assessment_window: 8\n",
		"webhook without url": "project:\n  id: p\nnotifications:\n  webhooks:\n    - kinds: [plan_updated]\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleetline.yml"), []byte(GenerateDefault("ws")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "ws", cfg.Project.ID)

	_, err = Load(t.TempDir())
	assert.Error(t, err)
}
