package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/database"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Query stored scan records and findings",
	Long:  `View scan records, secrets and endpoints stored by previous runs.`,
}

var resultsScansCmd = &cobra.Command{
	Use:   "scans",
	Short: "List scan records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store core.ResultStore, target, output string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			minSev, _ := cmd.Flags().GetString("min-severity")
			scans, err := store.ListScans(cmd.Context(), target, limit)
			if err != nil {
				return fmt.Errorf("failed to list scans: %w", err)
			}
			scans = filterBySeverity(scans, types.ParseSeverity(minSev))
			if output == "json" {
				return writeJSON(os.Stdout, scans)
			}
			printScans(os.Stdout, scans)
			return nil
		})
	},
}

var resultsSecretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "List secrets found in client-side scripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store core.ResultStore, target, output string) error {
			secrets, err := store.ListSecrets(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("failed to list secrets: %w", err)
			}
			if output == "json" {
				return writeJSON(os.Stdout, secrets)
			}
			for _, s := range secrets {
				fmt.Printf("%s  %-20s %s\n    %s\n",
					s.Timestamp.Format("2006-01-02 15:04"),
					color.RedString(s.SecretType), s.Target, truncate(s.Value, 100))
				fmt.Printf("    source: %s\n", s.SourceURL)
			}
			fmt.Printf("\n%d secret(s)\n", len(secrets))
			return nil
		})
	},
}

var resultsEndpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "List endpoints found in client-side scripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store core.ResultStore, target, output string) error {
			endpoints, err := store.ListEndpoints(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("failed to list endpoints: %w", err)
			}
			if output == "json" {
				return writeJSON(os.Stdout, endpoints)
			}
			for _, e := range endpoints {
				fmt.Printf("%-50s %s\n", truncate(e.Endpoint, 50), e.Target)
			}
			fmt.Printf("\n%d endpoint(s)\n", len(endpoints))
			return nil
		})
	},
}

var resultsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count scan records by type and severity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store core.ResultStore, target, output string) error {
			scans, err := store.ListScans(cmd.Context(), target, 0)
			if err != nil {
				return fmt.Errorf("failed to list scans: %w", err)
			}
			stats := summarize(scans)
			if output == "json" {
				return writeJSON(os.Stdout, stats)
			}
			printStats(os.Stdout, stats)
			return nil
		})
	},
}

// withStore opens the result store without the in-memory fallback: an
// empty memory store would only hide a connection problem here.
func withStore(cmd *cobra.Command, fn func(store core.ResultStore, target, output string) error) error {
	dbCfg := cfg.Database
	dbCfg.FallbackToMemory = false
	store, err := database.Open(cmd.Context(), dbCfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	target, _ := cmd.Flags().GetString("target")
	output, _ := cmd.Flags().GetString("output")
	return fn(store, target, output)
}

func filterBySeverity(scans []types.ScanRecord, min types.Severity) []types.ScanRecord {
	if min.Rank() == 0 {
		return scans
	}
	out := scans[:0]
	for _, s := range scans {
		if s.Severity.Rank() >= min.Rank() {
			out = append(out, s)
		}
	}
	return out
}

func printScans(w io.Writer, scans []types.ScanRecord) {
	for _, s := range scans {
		fmt.Fprintf(w, "%s  %-8s  %-12s  %s\n",
			s.Timestamp.Format("2006-01-02 15:04:05"),
			colorSeverity(s.Severity), s.ScanType, s.Target)
		if cmdline, ok := s.Details["command"].(string); ok {
			fmt.Fprintf(w, "    %s\n", truncate(cmdline, 120))
		}
	}
	fmt.Fprintf(w, "\n%d record(s)\n", len(scans))
}

type scanStats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	BySeverity map[string]int `json:"by_severity"`
}

func summarize(scans []types.ScanRecord) scanStats {
	st := scanStats{ByType: map[string]int{}, BySeverity: map[string]int{}}
	for _, s := range scans {
		st.Total++
		st.ByType[string(s.ScanType)]++
		st.BySeverity[string(s.Severity)]++
	}
	return st
}

func printStats(w io.Writer, st scanStats) {
	fmt.Fprintf(w, "Total records: %d\n\nBy severity:\n", st.Total)
	for _, sev := range []types.Severity{
		types.SeverityCritical,
		types.SeverityHigh,
		types.SeverityMedium,
		types.SeverityLow,
		types.SeverityInfo,
	} {
		if n := st.BySeverity[string(sev)]; n > 0 {
			fmt.Fprintf(w, "  %-8s %d\n", colorSeverity(sev), n)
		}
	}
	kinds := make([]string, 0, len(st.ByType))
	for k := range st.ByType {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "\nBy type:\n")
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-12s %d\n", k, st.ByType[k])
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsScansCmd)
	resultsCmd.AddCommand(resultsSecretsCmd)
	resultsCmd.AddCommand(resultsEndpointsCmd)
	resultsCmd.AddCommand(resultsStatsCmd)

	resultsCmd.PersistentFlags().String("target", "", "only records for this target")
	resultsCmd.PersistentFlags().StringP("output", "o", "text", "text or json")
	resultsScansCmd.Flags().Int("limit", 50, "maximum records, 0 for all")
	resultsScansCmd.Flags().String("min-severity", "", "hide records below this severity")
}
