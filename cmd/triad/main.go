package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/triad/internal/config"
	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/orchestrator"
	"github.com/mpataki/triad/internal/runlog"
	"github.com/mpataki/triad/internal/schema"
	"github.com/mpataki/triad/internal/storage"
	"github.com/mpataki/triad/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "triad",
		Short:         "Plan, code and test orchestration",
		Long:          "Triad turns a goal into a plan, writes each task's files and tests them, retrying failed tasks within policy.",
		RunE:          runTUI,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newValidateCommand())

	if err := rootCmd.Execute(); err != nil {
		var halt *orchestrator.HaltError
		if errors.As(err, &halt) {
			task := halt.TaskID
			if task == "" {
				task = "-"
			}
			fmt.Fprintf(os.Stderr, "[HALT] task %s: %v. See %s\n", task, halt.Err, halt.LogPath)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func openStore() (*config.Config, *storage.Storage, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, store, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	app := tui.NewApp(store)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			fmt.Printf("Run %s\n", run.RunID)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Started: %s (%s)\n", run.StartedAt.Format("2006-01-02 15:04:05"), storage.FormatTimeAgo(run.StartedAt))
			fmt.Printf("Goal: %s\n", run.Goal)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)
			fmt.Printf("Log: %s\n", run.LogPath)
			if run.LastTaskID != "" {
				fmt.Printf("Last Task: %s\n", run.LastTaskID)
			}
			fmt.Printf("Entries: %d\n", run.Entries)

			if run.Status == models.RunStatusHalted {
				entries, err := store.Entries(run.RunID)
				if err != nil {
					return err
				}
				for i := len(entries) - 1; i >= 0; i-- {
					if entries[i].Type == models.EntryHalt {
						fmt.Printf("Halt: %s\n", entries[i].Data)
						break
					}
				}
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s [%s] %-8s %s\n",
					run.RunID, run.Status, storage.FormatTimeAgo(run.StartedAt),
					truncate(run.Goal, 50))
			}

			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	return cmd
}

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <run-id>",
		Short: "Print the entries of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetBool("raw")

			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Entries(args[0])
			if err == nil && len(entries) == 0 {
				err = storage.ErrRunNotFound
			}
			if errors.Is(err, storage.ErrRunNotFound) {
				// Runs logged without the index still have their JSONL file.
				entries, err = runlog.ReadFile(runlog.PathFor(cfg.RunsDir, args[0]))
			}
			if err != nil {
				return fmt.Errorf("failed to read run %s: %w", args[0], err)
			}

			for _, e := range entries {
				if raw {
					line, err := json.Marshal(e)
					if err != nil {
						return err
					}
					fmt.Println(string(line))
					continue
				}
				fmt.Printf("%s %-12s %-16s %s\n", e.TS.Format("15:04:05"), e.Role, e.Type, truncate(string(e.Data), 120))
			}
			return nil
		},
	}

	cmd.Flags().Bool("raw", false, "Print JSONL lines")
	return cmd
}

func newValidateCommand() *cobra.Command {
	kinds := make([]string, len(schema.Kinds))
	for i, k := range schema.Kinds {
		kinds[i] = string(k)
	}

	return &cobra.Command{
		Use:   "validate <kind> <file>",
		Short: "Check a JSON or YAML document against a contract",
		Long:  "Check a JSON or YAML document against one of the contracts: " + strings.Join(kinds, ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := schema.ParseKind(args[0])
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			if kind == schema.KindTasks {
				if _, err := config.ParseTasks(data); err != nil {
					return err
				}
				fmt.Printf("%s: valid %s document\n", args[1], kind)
				return nil
			}

			var doc any
			switch strings.ToLower(filepath.Ext(args[1])) {
			case ".yaml", ".yml":
				err = yaml.Unmarshal(data, &doc)
			default:
				doc, err = schema.Parse("validate", string(data))
			}
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[1], err)
			}

			if kind == schema.KindPlan {
				_, err = schema.DecodePlan(doc)
			} else {
				err = schema.For(kind).Validate(doc)
			}
			if err != nil {
				return err
			}

			fmt.Printf("%s: valid %s document\n", args[1], kind)
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
