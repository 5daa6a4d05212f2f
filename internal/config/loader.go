package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mpataki/triad/internal/fault"
	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/schema"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// PoliciesEnvPrefix prefixes environment overrides of policies.yaml,
	// e.g. TRIAD_POLICIES_TIMEOUTS_GLOBAL_SECONDS.
	PoliciesEnvPrefix = "TRIAD_POLICIES_"
)

// Roles every agents.yaml must define.
var Roles = []string{"planner", "coder", "tester"}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigFileSize {
		return nil, fault.New(fault.ErrConfig, "config", "%s is larger than %d bytes", path, maxConfigFileSize)
	}
	return os.ReadFile(path)
}

// LoadAgents reads agents.yaml. Roles may sit at the top level or under an
// "agents" key.
func LoadAgents(path string) (map[string]models.AgentDef, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, fault.New(fault.ErrConfig, "config", "failed to read agents config: %v", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fault.New(fault.ErrConfig, "config", "failed to parse %s: %v", path, err)
	}

	root := ""
	if k.Exists("agents") {
		root = "agents"
	}
	agents := map[string]models.AgentDef{}
	if err := k.Unmarshal(root, &agents); err != nil {
		return nil, fault.New(fault.ErrConfig, "config", "failed to decode %s: %v", path, err)
	}
	return agents, nil
}

// ValidateAgents checks that every role is configured with a prompt.
func ValidateAgents(agents map[string]models.AgentDef) error {
	for _, role := range Roles {
		def, ok := agents[role]
		if !ok {
			return fault.New(fault.ErrConfig, "config", "agent role not found in agents config: %q", role)
		}
		if def.PromptPath() == "" {
			return fault.New(fault.ErrConfig, "config", "agent %q: prompt path key not found; expected one of: prompt, prompt_file", role)
		}
	}
	return nil
}

// LoadPolicies reads policies.yaml and applies TRIAD_POLICIES_* overrides.
// A missing file leaves the defaults in place.
func LoadPolicies(path string) (models.Policies, error) {
	p := models.DefaultPolicies()
	k := koanf.New(".")

	data, err := readConfigFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return p, fault.New(fault.ErrConfig, "config", "failed to parse %s: %v", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return p, fault.New(fault.ErrConfig, "config", "failed to read policies: %v", err)
	}

	if err := k.Load(env.Provider(PoliciesEnvPrefix, ".", policiesEnvKey), nil); err != nil {
		return p, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.Unmarshal("", &p); err != nil {
		return p, fault.New(fault.ErrConfig, "config", "failed to decode policies: %v", err)
	}
	if k.Exists("file_access.allow_paths") {
		p.FileAccess.AllowPaths = k.Strings("file_access.allow_paths")
	}
	return p, ValidatePolicies(p)
}

// policiesEnvKey maps TRIAD_POLICIES_TIMEOUTS_GLOBAL_SECONDS to
// timeouts.global_seconds.
func policiesEnvKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, PoliciesEnvPrefix))
	for _, section := range []string{"timeouts", "file_access"} {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest
		}
	}
	return key
}

func ValidatePolicies(p models.Policies) error {
	if p.MaxTaskRetries < 0 {
		return fault.New(fault.ErrConfig, "config", "max_task_retries must not be negative")
	}
	if p.Timeouts.PerAgentSeconds < 0 || p.Timeouts.GlobalSeconds < 0 {
		return fault.New(fault.ErrConfig, "config", "timeouts must not be negative")
	}
	if !p.FileAccess.RestrictToWorkspace {
		return fault.New(fault.ErrConfig, "config", "file_access.restrict_to_workspace=false is not supported; writes are always contained")
	}
	for _, a := range p.FileAccess.AllowPaths {
		clean := filepath.Clean(a)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fault.New(fault.ErrConfig, "config", "allow_paths entry %q must be relative and stay under the working directory", a)
		}
	}
	return nil
}

// CheckWorkspace fails when workspaceDir is outside every allow_paths entry.
// Entries are relative to baseDir. An empty list allows any workspace.
func CheckWorkspace(p models.Policies, workspaceDir, baseDir string) error {
	if len(p.FileAccess.AllowPaths) == 0 {
		return nil
	}
	ws, err := filepath.Abs(workspaceDir)
	if err != nil {
		return err
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return err
	}
	for _, a := range p.FileAccess.AllowPaths {
		allowed := filepath.Join(base, a)
		if ws == allowed || strings.HasPrefix(ws, allowed+string(os.PathSeparator)) {
			return nil
		}
	}
	return fault.New(fault.ErrConfig, "config", "workspace %s is outside file_access.allow_paths %v", workspaceDir, p.FileAccess.AllowPaths).
		With("workspace", ws)
}

// LoadTasks reads the goal document and validates it. A document that only
// has the legacy "mvp" key uses it as the goal.
func LoadTasks(path string) (*models.TaskConfig, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, fault.New(fault.ErrConfig, "config", "failed to read tasks config: %v", err)
	}
	return ParseTasks(data)
}

func ParseTasks(data []byte) (*models.TaskConfig, error) {
	var doc map[string]any
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fault.New(fault.ErrConfig, "config", "failed to parse tasks YAML: %v", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if _, ok := doc["goal"]; !ok {
		if mvp, ok := doc["mvp"]; ok {
			doc["goal"] = mvp
		}
	}
	delete(doc, "mvp")
	return schema.DecodeTasks(doc)
}
