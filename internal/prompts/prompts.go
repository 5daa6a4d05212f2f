// Package prompts supplies the system and role prompt text for each role.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mpataki/triad/internal/fault"
	"github.com/mpataki/triad/internal/models"
)

// Provider returns the prompts a role generates with.
type Provider interface {
	Prompts(role string) (system, rolePrompt string, err error)
}

// Files reads prompt files named by the agents configuration. Relative
// paths resolve against baseDir. Each role is read once.
type Files struct {
	baseDir string
	agents  map[string]models.AgentDef

	mu    sync.Mutex
	cache map[string][2]string
}

func NewFiles(baseDir string, agents map[string]models.AgentDef) *Files {
	return &Files{baseDir: baseDir, agents: agents, cache: map[string][2]string{}}
}

func (f *Files) Prompts(role string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[role]; ok {
		return cached[0], cached[1], nil
	}

	def, ok := f.agents[role]
	if !ok {
		return "", "", fault.New(fault.ErrConfig, "prompts", "agent role not found in agents config: %q", role)
	}
	if def.PromptPath() == "" {
		return "", "", fault.New(fault.ErrConfig, "prompts", "agent %q names no prompt file", role)
	}

	system, err := f.read(def.SystemPath())
	if err != nil {
		return "", "", err
	}
	rolePrompt, err := f.read(def.PromptPath())
	if err != nil {
		return "", "", err
	}

	f.cache[role] = [2]string{system, rolePrompt}
	return system, rolePrompt, nil
}

func (f *Files) read(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fault.New(fault.ErrConfig, "prompts", "failed to read %s: %v", path, err)
	}
	return string(data), nil
}

// Static serves fixed prompts, mostly for tests and scripted runs.
type Static map[string][2]string

func (s Static) Prompts(role string) (string, string, error) {
	p, ok := s[role]
	if !ok {
		return "", "", fmt.Errorf("no prompts for role %q", role)
	}
	return p[0], p[1], nil
}
