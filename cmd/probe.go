package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/targets"
)

// Single-stage commands. Each target still passes the deny list.

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <target>...",
	Short: "Detect and categorize the technologies of each target",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, raw := range args {
			target := targets.Normalize(raw)
			if d := a.guard.Check(target); !d.Allowed {
				color.Red("%s skipped: %s\n", target, d.Reason)
				continue
			}
			profile, err := a.fp.Fingerprint(ctx, target)
			if err != nil {
				log.Warnw("Fingerprint incomplete", "target", target, "error", err)
			}
			printProfile(target, profile)
		}
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract <target>...",
	Short: "Collect client-side scripts and mine them for secrets and endpoints",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, raw := range args {
			target := targets.Normalize(raw)
			if d := a.guard.Check(target); !d.Allowed {
				color.Red("%s skipped: %s\n", target, d.Reason)
				continue
			}
			rep := a.extract.Extract(ctx, target)
			if rep.Skipped {
				color.Yellow("%s: page never became idle, skipped\n", target)
				continue
			}
			fmt.Printf("%s: %d scripts, %d analyzed, %d new secrets, %d new endpoints\n",
				target, rep.Scripts, rep.Analyzed, rep.NewSecrets, rep.NewEndpoints)
		}
		return ctx.Err()
	},
}

var idorCmd = &cobra.Command{
	Use:   "idor <url>...",
	Short: "Probe the numeric identifiers of each URL for IDOR",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, raw := range args {
			target := targets.Normalize(raw)
			if d := a.guard.Check(target); !d.Allowed {
				color.Red("%s skipped: %s\n", target, d.Reason)
				continue
			}
			results := a.detector.Probe(ctx, target)
			if len(results) == 0 {
				fmt.Printf("%s: no numeric identifiers\n", target)
			}
			for _, r := range results {
				switch {
				case r.Err != nil:
					color.Yellow("%s: %v\n", r.BaselineURL, r.Err)
				case r.Flagged:
					color.Red("%s -> %s similarity %.2f POTENTIAL IDOR\n", r.BaselineURL, r.AttackURL, r.Ratio)
				default:
					fmt.Printf("%s -> %s status %d similarity %.2f\n", r.BaselineURL, r.AttackURL, r.AttackStatus, r.Ratio)
				}
			}
		}
		return ctx.Err()
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(idorCmd)
}
