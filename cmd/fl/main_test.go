package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/domain"
)

func TestSetEnvValueRewritesAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("A=1\nFLEETLINE_JWT_SECRET=old\n# note\n"), 0o600))

	require.NoError(t, setEnvValue(path, "FLEETLINE_JWT_SECRET", "new"))
	require.NoError(t, setEnvValue(path, "B", "2"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "A=1\nFLEETLINE_JWT_SECRET=new\n# note\nB=2\n", string(data))
}

func TestSetEnvValueCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, setEnvValue(path, "K", "v"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "K=v\n", string(data))
}

func TestParseSkillLevels(t *testing.T) {
	levels, err := parseSkillLevels([]string{"backend=8", " testing = 5 "})
	require.NoError(t, err)
	assert.Equal(t, map[domain.Capability]int{"backend": 8, "testing": 5}, levels)

	_, err = parseSkillLevels([]string{"backend"})
	assert.Error(t, err)
	_, err = parseSkillLevels([]string{"backend=high"})
	assert.Error(t, err)
}

func TestReadSubtasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	raw := `[
	  {"title": "schema", "type": "feature", "priority": "high", "required_capabilities": ["database"]},
	  {"title": "api", "required_capabilities": ["backend"], "depends_on": [0]}
	]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	specs, err := readSubtasks(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, domain.PriorityHigh, specs[0].Priority)
	assert.Equal(t, []domain.Capability{"database"}, specs[0].RequiredCapabilities)
	assert.Equal(t, []int{0}, specs[1].DependsOn)

	require.NoError(t, os.WriteFile(path, []byte(`[{"title": "x", "priority": "urgent"}]`), 0o644))
	_, err = readSubtasks(path)
	assert.Error(t, err)
}

func TestColorizeWithoutTerminal(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	for _, s := range []string{"completed", "failed", "working", "offline", "detected", "whatever"} {
		assert.Equal(t, s, colorize(s))
	}
}

func TestToCapabilitiesSkipsBlanks(t *testing.T) {
	assert.Equal(t, []domain.Capability{"backend", "testing"}, toCapabilities([]string{" backend", "", "testing "}))
	assert.Nil(t, toCapabilities(nil))
}
