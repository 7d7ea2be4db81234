package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/checkpoint"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/scope"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/targets"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scan loop",
	Long: `Run the scan loop in one of three modes:

  recon   enumerate subdomains of the scope roots, then scan every live host
  attack  scan the targets file and run the attack modules
  full    recon, then scan and attack every live host

Every target passes the deny list and out-of-scope rules before any work
is dispatched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		workers, _ := cmd.Flags().GetInt("concurrency")
		resumeID, _ := cmd.Flags().GetString("resume")

		cps, err := checkpoint.NewManager(filepath.Join(cfg.Orchestrator.OutputDir, "checkpoints"))
		if err != nil {
			return err
		}

		var (
			state *checkpoint.State
			sc    *types.ScopeConfig
			list  []string
		)
		if resumeID != "" {
			state, err = cps.Load(ctx, resumeID)
			if err != nil {
				return fmt.Errorf("failed to resume: %w", err)
			}
			if state.ScopeFile != "" {
				if sc, err = scope.LoadScopeFile(state.ScopeFile); err != nil {
					return fmt.Errorf("failed to load scope: %w", err)
				}
			}
			list = state.Pending()
			color.Cyan("Resuming run %s: %d of %d target(s) left (%.0f%% done)\n",
				state.RunID, len(list), len(state.Targets), state.Progress())
		}

		mode, err := parseMode(cmd)
		if err != nil {
			return err
		}
		if state != nil {
			mode = state.Mode
		}

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		a.serveMetrics(ctx)

		if state == nil {
			state, sc, err = planRun(cmd, a, mode, workers, args)
			if err != nil {
				return err
			}
			list = state.Targets
			if err := cps.Save(ctx, state); err != nil {
				log.Warnw("Checkpointing disabled", "error", err)
			}
			color.Cyan("Scanning %d target(s) in %s mode\n", len(list), mode)
		}

		tracker := checkpoint.NewTracker(cps, state)
		orch, err := a.orchestrator(sc, mode, workers)
		if err != nil {
			return err
		}
		orch = orch.WithRunHooks(state.RunID, func(ctx context.Context, rep orchestrator.TargetReport) {
			if err := tracker.Done(context.WithoutCancel(ctx), rep.Target); err != nil {
				log.Warnw("Failed to save checkpoint", "run_id", state.RunID, "error", err)
			}
		})

		sum, err := orch.Run(ctx, list)
		printRunSummary(sum)
		if err != nil {
			color.Yellow("\nProgress saved. Resume with: cassandra run --resume %s\n", state.RunID)
			return fmt.Errorf("scan interrupted: %w", err)
		}
		if err := tracker.Finish(context.WithoutCancel(ctx)); err != nil {
			log.Debugw("No checkpoint to remove", "run_id", state.RunID, "error", err)
		}
		return nil
	},
}

// planRun resolves the scope and target list of a fresh run, running recon
// when the mode calls for it.
func planRun(cmd *cobra.Command, a *app, mode types.Mode, workers int, args []string) (*checkpoint.State, *types.ScopeConfig, error) {
	scopePath, _ := cmd.Flags().GetString("scope")
	targetsPath, _ := cmd.Flags().GetString("targets")
	if scopePath == "" {
		scopePath = cfg.Orchestrator.ScopeFile
	}
	if targetsPath == "" {
		targetsPath = cfg.Orchestrator.TargetsFile
	}

	var (
		sc  *types.ScopeConfig
		err error
	)
	if scopePath != "" {
		if sc, err = scope.LoadScopeFile(scopePath); err != nil {
			return nil, nil, fmt.Errorf("failed to load scope: %w", err)
		}
	}
	if sc == nil && mode != types.ModeAttack {
		return nil, nil, fmt.Errorf("%s mode needs a scope file (--scope)", mode)
	}

	var explicit []string
	if targetsPath != "" {
		if explicit, err = targets.Load(targetsPath); err != nil {
			return nil, nil, fmt.Errorf("failed to load targets: %w", err)
		}
	}
	explicit = append(explicit, args...)
	if sc == nil && len(explicit) == 0 {
		return nil, nil, fmt.Errorf("attack mode needs targets (--targets or arguments)")
	}

	orch, err := a.orchestrator(sc, mode, workers)
	if err != nil {
		return nil, nil, err
	}
	discoverScope := sc
	if discoverScope == nil {
		discoverScope = &types.ScopeConfig{}
	}
	list, err := orch.Discover(cmd.Context(), discoverScope, explicit)
	if err != nil {
		return nil, nil, err
	}

	return &checkpoint.State{
		RunID:     uuid.New().String(),
		Mode:      mode,
		ScopeFile: scopePath,
		Targets:   list,
	}, sc, nil
}

func parseMode(cmd *cobra.Command) (types.Mode, error) {
	raw, _ := cmd.Flags().GetString("mode")
	if raw == "" {
		raw = cfg.Orchestrator.Mode
	}
	switch m := types.Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case types.ModeRecon, types.ModeAttack, types.ModeFull:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want recon, attack or full)", raw)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("mode", "", "recon, attack or full (default from config)")
	runCmd.Flags().StringP("scope", "s", "", "scope file (JSON or YAML)")
	runCmd.Flags().StringP("targets", "t", "", "targets file, one per line")
	runCmd.Flags().IntP("concurrency", "c", 3, "targets processed in parallel")
	runCmd.Flags().String("resume", "", "resume an interrupted run by ID or ID suffix")

	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsCleanCmd)
	checkpointsCleanCmd.Flags().Duration("older-than", 7*24*time.Hour, "remove checkpoints not updated within this window")
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage saved progress of interrupted runs",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resumable runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cps, err := checkpoint.NewManager(filepath.Join(cfg.Orchestrator.OutputDir, "checkpoints"))
		if err != nil {
			return err
		}
		states, err := cps.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("No resumable runs")
			return nil
		}
		for _, s := range states {
			fmt.Printf("%s  %-6s  %5.1f%%  %d/%d targets  updated %s\n",
				s.RunID, s.Mode, s.Progress(), len(s.Completed), len(s.Targets),
				s.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var checkpointsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cps, err := checkpoint.NewManager(filepath.Join(cfg.Orchestrator.OutputDir, "checkpoints"))
		if err != nil {
			return err
		}
		age, _ := cmd.Flags().GetDuration("older-than")
		n, err := cps.CleanupOld(cmd.Context(), age)
		if err != nil {
			return err
		}
		color.Green("Removed %d checkpoint(s)\n", n)
		return nil
	},
}
