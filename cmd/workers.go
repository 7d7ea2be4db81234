package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/scope"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/targets"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/worker"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Distribute targets across worker processes through Redis",
	Long: `Queue targets in Redis and process them with a pool of workers that may
run on several hosts. Each worker runs the same per-target pipeline as
'cassandra run'.

Commands:
  enqueue  - Queue targets (from a file or arguments)
  start    - Start a worker pool on this host
  pending  - List queued jobs
  status   - Show one job`,
}

var workersEnqueueCmd = &cobra.Command{
	Use:   "enqueue [target]...",
	Short: "Queue targets for the worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := parseMode(cmd)
		if err != nil {
			return err
		}
		priority, _ := cmd.Flags().GetInt("priority")
		list := targets.NormalizeAll(args)
		if path, _ := cmd.Flags().GetString("targets"); path != "" {
			fromFile, err := targets.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load targets: %w", err)
			}
			list = targets.NormalizeAll(append(list, fromFile...))
		}
		if len(list) == 0 {
			return fmt.Errorf("no targets given")
		}

		guard, err := loadGuard(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		queue, err := jobs.NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer queue.Close()

		queued := 0
		for _, target := range list {
			if d := guard.Check(target); !d.Allowed {
				color.Red("%s skipped: %s\n", target, d.Reason)
				continue
			}
			job := &types.Job{Target: target, Mode: mode, Priority: priority}
			if err := queue.Push(ctx, job); err != nil {
				return err
			}
			queued++
			log.Debugw("Queued job", "job_id", job.ID, "target", target)
		}
		color.Green("Queued %d of %d target(s)\n", queued, len(list))
		return nil
	},
}

var workersStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run a worker pool until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := parseMode(cmd)
		if err != nil {
			return err
		}
		count, _ := cmd.Flags().GetInt("count")
		if count < 1 {
			count = cfg.Worker.Count
		}

		var sc *types.ScopeConfig
		if path, _ := cmd.Flags().GetString("scope"); path != "" {
			if sc, err = scope.LoadScopeFile(path); err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		queue, err := jobs.NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer queue.Close()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		a.serveMetrics(ctx)

		orch, err := a.orchestrator(sc, mode, 1)
		if err != nil {
			return err
		}

		pool := worker.NewPool(queue, orch, worker.Options{
			PollInterval: cfg.Worker.QueuePollInterval,
			ErrorBackoff: 2 * cfg.Worker.QueuePollInterval,
			MaxRetries:   cfg.Worker.MaxRetries,
		}, log)
		color.Cyan("Starting %d worker(s), press Ctrl+C to stop\n", count)
		return pool.Run(ctx, count)
	},
}

var workersPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		queue, err := jobs.NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer queue.Close()

		pending, err := queue.GetPending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No pending jobs")
			return nil
		}
		fmt.Printf("%-36s  %-6s  %-8s  %s\n", "ID", "MODE", "QUEUED", "TARGET")
		for _, j := range pending {
			fmt.Printf("%-36s  %-6s  %-8s  %s\n", j.ID, j.Mode, time.Since(j.CreatedAt).Round(time.Second), j.Target)
		}
		return nil
	},
}

var workersStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		queue, err := jobs.NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer queue.Close()

		job, err := queue.GetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Job:      %s\n", job.ID)
		fmt.Printf("Target:   %s\n", job.Target)
		fmt.Printf("Mode:     %s\n", job.Mode)
		fmt.Printf("Status:   %s\n", colorJobStatus(job.Status))
		fmt.Printf("Retries:  %d\n", job.Retries)
		if reason := job.Payload["error"]; reason != "" {
			fmt.Printf("Error:    %s\n", reason)
		}
		fmt.Printf("Updated:  %s\n", job.UpdatedAt.Format(time.RFC3339))
		return nil
	},
}

func colorJobStatus(status types.JobStatus) string {
	switch status {
	case types.JobStatusCompleted:
		return color.New(color.FgGreen).Sprint("✓ " + string(status))
	case types.JobStatusProcessing:
		return color.New(color.FgYellow).Sprint("⟳ " + string(status))
	case types.JobStatusFailed:
		return color.New(color.FgRed).Sprint("✗ " + string(status))
	default:
		return string(status)
	}
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersEnqueueCmd)
	workersCmd.AddCommand(workersStartCmd)
	workersCmd.AddCommand(workersPendingCmd)
	workersCmd.AddCommand(workersStatusCmd)

	workersEnqueueCmd.Flags().StringP("targets", "t", "", "targets file, one per line")
	workersEnqueueCmd.Flags().StringP("scope", "s", "", "scope file whose out-of-scope entries also apply")
	workersEnqueueCmd.Flags().String("mode", "", "recon, attack or full (default from config)")
	workersEnqueueCmd.Flags().Int("priority", 0, "lower pops first; 0 orders by enqueue time")

	workersStartCmd.Flags().Int("count", 0, "workers to run (default from config)")
	workersStartCmd.Flags().StringP("scope", "s", "", "scope file whose out-of-scope entries also apply")
	workersStartCmd.Flags().String("mode", "", "mode for jobs queued without one")
}
