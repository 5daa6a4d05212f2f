package models

// Policies are loaded once per run and never mutated.
type Policies struct {
	MaxTaskRetries int        `koanf:"max_task_retries" json:"max_task_retries"`
	Timeouts       Timeouts   `koanf:"timeouts" json:"timeouts"`
	FileAccess     FileAccess `koanf:"file_access" json:"file_access"`
}

type Timeouts struct {
	PerAgentSeconds int `koanf:"per_agent_seconds" json:"per_agent_seconds"`
	GlobalSeconds   int `koanf:"global_seconds" json:"global_seconds"`
}

type FileAccess struct {
	RestrictToWorkspace bool     `koanf:"restrict_to_workspace" json:"restrict_to_workspace"`
	AllowPaths          []string `koanf:"allow_paths" json:"allow_paths"`
}

// DefaultPolicies apply when no policies file exists.
func DefaultPolicies() Policies {
	return Policies{
		MaxTaskRetries: 3,
		Timeouts:       Timeouts{PerAgentSeconds: 60, GlobalSeconds: 300},
		FileAccess:     FileAccess{RestrictToWorkspace: true, AllowPaths: []string{"workspace/"}},
	}
}

// AgentDef configures one role.
type AgentDef struct {
	Model      string `koanf:"model"`
	Prompt     string `koanf:"prompt"`
	PromptFile string `koanf:"prompt_file"`
	System     string `koanf:"system"`
	SystemFile string `koanf:"system_file"`
	Backend    string `koanf:"backend"`
}

// DefaultSystemPrompt is used by agents that name no system prompt.
const DefaultSystemPrompt = "prompts/system.md"

// PromptPath returns the role prompt file, preferring prompt over prompt_file.
func (a AgentDef) PromptPath() string {
	if a.Prompt != "" {
		return a.Prompt
	}
	return a.PromptFile
}

func (a AgentDef) SystemPath() string {
	if a.System != "" {
		return a.System
	}
	if a.SystemFile != "" {
		return a.SystemFile
	}
	return DefaultSystemPrompt
}

// TaskConfig is the goal document produced by intake.
type TaskConfig struct {
	Goal               string       `yaml:"goal" json:"goal"`
	DefaultOptions     bool         `yaml:"default_options,omitempty" json:"default_options,omitempty"`
	SimpleMode         bool         `yaml:"simple_mode,omitempty" json:"simple_mode,omitempty"`
	WorkspaceDir       string       `yaml:"workspace_dir,omitempty" json:"workspace_dir,omitempty"`
	Artifacts          []string     `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	Constraints        *Constraints `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	AcceptanceCriteria []string     `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`
	Run                *RunHint     `yaml:"run,omitempty" json:"run,omitempty"`
	TestsPolicy        *TestsPolicy `yaml:"tests_policy,omitempty" json:"tests_policy,omitempty"`
	ContextPaths       []string     `yaml:"context_paths,omitempty" json:"context_paths,omitempty"`
}

type Constraints struct {
	Language      string        `yaml:"language,omitempty" json:"language,omitempty"`
	PythonVersion string        `yaml:"python_version,omitempty" json:"python_version,omitempty"`
	OS            string        `yaml:"os,omitempty" json:"os,omitempty"`
	Dependencies  *Dependencies `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Style         string        `yaml:"style,omitempty" json:"style,omitempty"`
}

type Dependencies struct {
	Allowed []string `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	Notes   string   `yaml:"notes,omitempty" json:"notes,omitempty"`
}

type RunHint struct {
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
	Notes   string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

type TestsPolicy struct {
	CreateTests   *bool  `yaml:"create_tests,omitempty" json:"create_tests,omitempty"`
	TestFolder    string `yaml:"test_folder,omitempty" json:"test_folder,omitempty"`
	Minimum       string `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	NoTestsReason string `yaml:"no_tests_reason,omitempty" json:"no_tests_reason,omitempty"`
	RunTests      *bool  `yaml:"run_tests,omitempty" json:"run_tests,omitempty"`
}

// TestingEnabled reports whether the TEST stage runs. Testing stays on
// unless the tests policy explicitly disables it.
func (c TaskConfig) TestingEnabled() bool {
	if c.TestsPolicy == nil || c.TestsPolicy.RunTests == nil {
		return true
	}
	return *c.TestsPolicy.RunTests
}
