package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/triad/internal/agents"
	"github.com/mpataki/triad/internal/backend"
	"github.com/mpataki/triad/internal/config"
	"github.com/mpataki/triad/internal/metrics"
	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/orchestrator"
	"github.com/mpataki/triad/internal/prompts"
	"github.com/mpataki/triad/internal/runlog"
	"github.com/mpataki/triad/internal/sandbox"
	"github.com/mpataki/triad/internal/schema"
	"github.com/mpataki/triad/internal/workspace"
)

const (
	backendOpenAI = "openai"
	backendLua    = "lua"

	defaultScript = "backend.lua"
)

type runFlags struct {
	workspace   string
	configDir   string
	tasks       string
	noTest      bool
	metricsFile string
	backend     string
	script      string
	logLevel    string
	logFormat   string
}

func newRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [request...]",
		Short: "Plan, code and test a goal",
		Long: `Run the goal from the tasks document through plan, code and test.

Request words replace the document's goal:
  triad run add a fibonacci module with tests`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGoal(cmd.Context(), f, args)
		},
	}

	cmd.Flags().StringVar(&f.workspace, "workspace", "", "Workspace directory (default from tasks document or TRIAD_WORKSPACE)")
	cmd.Flags().StringVar(&f.configDir, "config-dir", "", "Directory holding agents.yaml, policies.yaml and tasks.yaml")
	cmd.Flags().StringVar(&f.tasks, "tasks", "", "Tasks document (default <config-dir>/tasks.yaml)")
	cmd.Flags().BoolVar(&f.noTest, "no-test", false, "Skip the test stage")
	cmd.Flags().StringVar(&f.metricsFile, "metrics-file", "", "Write run metrics in textfile format")
	cmd.Flags().StringVar(&f.backend, "backend", "", "Backend for every role (openai or lua)")
	cmd.Flags().StringVar(&f.script, "script", "", "Lua backend script (default <config-dir>/backend.lua)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", getEnv("TRIAD_LOG_LEVEL", "info"), "Log level")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "console", "Log format (console or json)")
	return cmd
}

func runGoal(ctx context.Context, f runFlags, request []string) error {
	logger, err := newLogger(f.logLevel, f.logFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	if f.configDir != "" {
		cfg.ConfigDir = f.configDir
	}

	defs, err := config.LoadAgents(cfg.AgentsPath())
	if err != nil {
		return err
	}
	if err := config.ValidateAgents(defs); err != nil {
		return err
	}
	policies, err := config.LoadPolicies(cfg.PoliciesPath())
	if err != nil {
		return err
	}

	tasks, err := loadTasks(cfg, f.tasks, request)
	if err != nil {
		return err
	}

	dir := cfg.WorkspaceDir
	if tasks.WorkspaceDir != "" {
		dir = tasks.WorkspaceDir
	}
	if f.workspace != "" {
		dir = f.workspace
	}
	if err := config.CheckWorkspace(policies, dir, "."); err != nil {
		return err
	}
	ws, err := workspace.Open(dir)
	if err != nil {
		return err
	}

	m := metrics.New()
	run, log, err := orchestrator.NewRun(tasks.Goal, ws, cfg.RunsDir, time.Now(),
		runlog.WithMirror(store), runlog.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("run opened", zap.String("run_id", run.ID), zap.String("log", log.Path()), zap.String("workspace", ws.Root))

	gen, err := newBackend(cfg, f, defs, policies, logger)
	if err != nil {
		return err
	}
	provider := prompts.NewFiles(cfg.PromptsBaseDir(), defs)
	box := sandbox.New(ws.Root,
		sandbox.WithLogger(logger),
		sandbox.WithBlockedHook(func([]string) { m.BlockedCommand() }))

	agentConfig := func(role string) agents.Config {
		return agents.Config{
			Model:   defs[role].Model,
			Backend: gen,
			Prompts: provider,
			Log:     run.Log,
			Logger:  logger,
			Metrics: m,
		}
	}

	orch := orchestrator.New(
		agents.NewPlanner(agentConfig(agents.RolePlanner), ws),
		agents.NewCoder(agentConfig(agents.RoleCoder), ws),
		agents.NewTester(agentConfig(agents.RoleTester), ws, box),
		orchestrator.WithPolicies(policies),
		orchestrator.WithTesting(tasks.TestingEnabled() && !f.noTest),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	runErr := orch.Execute(ctx, run)

	if f.metricsFile != "" {
		if err := m.WriteTextfile(f.metricsFile); err != nil {
			logger.Warn("failed to write metrics", zap.String("path", f.metricsFile), zap.Error(err))
		}
	}
	if runErr != nil {
		return runErr
	}

	fmt.Printf("Run %s complete. Log: %s\n", run.ID, run.LogPath)
	return nil
}

// loadTasks reads the tasks document. Request words replace its goal, and
// stand in for it when no document exists at the default location.
func loadTasks(cfg *config.Config, path string, request []string) (*models.TaskConfig, error) {
	goal := strings.TrimSpace(strings.Join(request, " "))

	explicit := path != ""
	if !explicit {
		path = cfg.TasksPath()
	}

	var tasks *models.TaskConfig
	if _, err := os.Stat(path); explicit || err == nil {
		t, err := config.LoadTasks(path)
		if err != nil {
			return nil, err
		}
		tasks = t
	} else if errors.Is(err, os.ErrNotExist) && goal != "" {
		tasks = &models.TaskConfig{}
	} else {
		return nil, fmt.Errorf("no tasks document at %s and no request given", path)
	}

	if goal != "" {
		tasks.Goal = goal
		if err := schema.For(schema.KindTasks).Validate(tasks); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// newBackend builds only the backends some role routes to, behind the
// per-agent timeout.
func newBackend(cfg *config.Config, f runFlags, defs map[string]models.AgentDef, p models.Policies, logger *zap.Logger) (backend.Backend, error) {
	names := map[string]string{}
	for _, role := range config.Roles {
		name := f.backend
		if name == "" {
			name = defs[role].Backend
		}
		if name == "" {
			name = backendOpenAI
		}
		names[role] = name
	}

	backends := map[string]backend.Backend{}
	for _, name := range names {
		if _, ok := backends[name]; ok {
			continue
		}
		switch name {
		case backendOpenAI:
			token := os.Getenv("OPENAI_API_KEY")
			if token == "" {
				token = os.Getenv("CHATGPT_API_KEY")
			}
			b, err := backend.NewOpenAI(backend.OpenAIConfig{
				Token:   token,
				BaseURL: os.Getenv("OPENAI_BASE_URL"),
			}, logger)
			if err != nil {
				return nil, err
			}
			backends[name] = b
		case backendLua:
			script := f.script
			if script == "" {
				script = filepath.Join(cfg.ConfigDir, defaultScript)
			}
			b, err := backend.NewLua(script, logger)
			if err != nil {
				return nil, err
			}
			backends[name] = b
		default:
			return nil, fmt.Errorf("unknown backend %q", name)
		}
	}

	router := backend.NewRouter(backendOpenAI, backends)
	for role, name := range names {
		router.Assign(role, name)
	}
	return backend.WithTimeout(router, time.Duration(p.Timeouts.PerAgentSeconds)*time.Second), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
