package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	DataDir      string
	DBPath       string
	RunsDir      string
	WorkspaceDir string
	ConfigDir    string
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("TRIAD_DATA_DIR", filepath.Join(homeDir, ".triad"))

	c := &Config{
		DataDir:      dataDir,
		DBPath:       filepath.Join(dataDir, "triad.db"),
		RunsDir:      getEnv("TRIAD_RUNS_DIR", "runs"),
		WorkspaceDir: getEnv("TRIAD_WORKSPACE", "workspace"),
		ConfigDir:    getEnv("TRIAD_CONFIG_DIR", "config"),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.RunsDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) AgentsPath() string {
	return filepath.Join(c.ConfigDir, "agents.yaml")
}

func (c *Config) PoliciesPath() string {
	return filepath.Join(c.ConfigDir, "policies.yaml")
}

func (c *Config) TasksPath() string {
	return filepath.Join(c.ConfigDir, "tasks.yaml")
}

// PromptsBaseDir is where relative prompt paths in agents.yaml resolve.
func (c *Config) PromptsBaseDir() string {
	return filepath.Dir(c.ConfigDir)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
