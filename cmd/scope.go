package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/scope"
)

var scopeCmd = &cobra.Command{
	Use:   "scope",
	Short: "Inspect scope and deny list decisions",
}

var scopeCheckCmd = &cobra.Command{
	Use:   "check <target>...",
	Short: "Explain whether each target may be scanned",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guard, err := loadGuard(cmd)
		if err != nil {
			return err
		}
		denied := 0
		for _, target := range args {
			d := guard.Check(target)
			line := fmt.Sprintf("%-40s %s", truncate(target, 40), colorDecision(d.Allowed))
			if !d.Allowed {
				denied++
				line += fmt.Sprintf(" (%s: %s)", d.Reason, d.Pattern)
			}
			fmt.Println(line)
		}
		if denied > 0 {
			log.Debugw("Scope check denied targets", "denied", denied, "checked", len(args))
		}
		return nil
	},
}

var scopeShowCmd = &cobra.Command{
	Use:   "show <scope-file>",
	Short: "Print a scope file as normalized JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := scope.LoadScopeFile(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sc); err != nil {
			return err
		}
		fmt.Printf("\nSeed hosts: %v\n", scope.SeedHosts(sc.InScopeDomains))
		return nil
	},
}

// loadGuard combines the deny list with the scope file's exclusions.
func loadGuard(cmd *cobra.Command) (*scope.Guard, error) {
	deny, err := scope.LoadList(cfg.Orchestrator.DenyFile)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load deny list: %w", err)
	}
	var outOfScope []string
	if path, _ := cmd.Flags().GetString("scope"); path != "" {
		sc, err := scope.LoadScopeFile(path)
		if err != nil {
			return nil, err
		}
		outOfScope = sc.OutOfScopeDomains
	}
	return scope.NewGuard(deny, outOfScope), nil
}

func init() {
	rootCmd.AddCommand(scopeCmd)
	scopeCmd.AddCommand(scopeCheckCmd)
	scopeCmd.AddCommand(scopeShowCmd)

	scopeCheckCmd.Flags().StringP("scope", "s", "", "scope file whose out-of-scope entries also apply")
}
