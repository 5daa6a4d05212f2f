package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/triad/internal/config"
	"github.com/mpataki/triad/internal/fault"
	"github.com/mpataki/triad/internal/models"
)

func TestLoadTasksRequestOverridesGoal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("goal: Build a command line calculator\nworkspace_dir: calc\n"), 0644))

	cfg := &config.Config{ConfigDir: dir}

	tasks, err := loadTasks(cfg, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "Build a command line calculator", tasks.Goal)

	tasks, err = loadTasks(cfg, "", []string{"add", "a", "fibonacci", "module"})
	require.NoError(t, err)
	assert.Equal(t, "add a fibonacci module", tasks.Goal)
	assert.Equal(t, "calc", tasks.WorkspaceDir)
}

func TestLoadTasksWithoutDocument(t *testing.T) {
	cfg := &config.Config{ConfigDir: t.TempDir()}

	tasks, err := loadTasks(cfg, "", []string{"write", "a", "todo", "list"})
	require.NoError(t, err)
	assert.Equal(t, "write a todo list", tasks.Goal)
	assert.True(t, tasks.TestingEnabled())

	_, err = loadTasks(cfg, "", nil)
	assert.Error(t, err)

	_, err = loadTasks(cfg, "", []string{"short"})
	assert.True(t, errors.Is(err, fault.ErrSchemaViolation))

	_, err = loadTasks(cfg, filepath.Join(cfg.ConfigDir, "missing.yaml"), []string{"write a todo list"})
	assert.True(t, errors.Is(err, fault.ErrConfig))
}

func TestNewBackendRoutesLua(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "backend.lua")
	require.NoError(t, os.WriteFile(script, []byte(`
function generate(role, model, system, payload)
  return {role = role}
end
`), 0644))

	defs := map[string]models.AgentDef{
		"planner": {Prompt: "p", Backend: "lua"},
		"coder":   {Prompt: "c", Backend: "lua"},
		"tester":  {Prompt: "t", Backend: "lua"},
	}
	b, err := newBackend(&config.Config{ConfigDir: dir}, runFlags{}, defs, models.DefaultPolicies(), nil)
	require.NoError(t, err)
	assert.NotNil(t, b)

	_, err = newBackend(&config.Config{ConfigDir: dir}, runFlags{backend: "nope"}, defs, models.DefaultPolicies(), nil)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug", "json")
	assert.NoError(t, err)
	_, err = newLogger("loud", "console")
	assert.Error(t, err)
	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}
