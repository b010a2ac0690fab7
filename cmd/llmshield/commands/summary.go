package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// NewSummaryCommand creates the summary command.
func NewSummaryCommand() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show aggregated spend and savings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			l, err := loadLedger(ctx)
			if err != nil {
				return err
			}
			s := l.Summary()

			if outputJSON {
				s.Entries = nil
				data, err := json.MarshalIndent(s, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Calls:            %d (%d blocked, %d cache hits)\n", s.TotalCalls, s.CallsBlocked, s.CacheHits)
			fmt.Printf("Spent:            $%.4f\n", s.TotalSpent)
			fmt.Printf("Saved:            $%.4f (%.1f%%)\n", s.TotalSaved, s.SavingsRate*100)
			fmt.Printf("Avg cost/call:    $%.6f\n", s.AvgCostPerCall)
			fmt.Printf("Avg savings/call: $%.6f\n", s.AvgSavingsPerCall)

			fmt.Println("\nSavings by module:")
			fmt.Printf("  guard:   $%.4f\n", s.ModuleSavings.Guard)
			fmt.Printf("  cache:   $%.4f\n", s.ModuleSavings.Cache)
			fmt.Printf("  context: $%.4f\n", s.ModuleSavings.Context)
			fmt.Printf("  router:  $%.4f\n", s.ModuleSavings.Router)
			fmt.Printf("  prefix:  $%.4f\n", s.ModuleSavings.Prefix)

			if len(s.ByModel) > 0 {
				fmt.Println("\nBy model:")
				models := make([]string, 0, len(s.ByModel))
				for m := range s.ByModel {
					models = append(models, m)
				}
				sort.Strings(models)
				for _, m := range models {
					agg := s.ByModel[m]
					fmt.Printf("  %-28s %6d calls  $%.4f  %d tokens\n", m, agg.Calls, agg.Cost, agg.Tokens)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	return cmd
}
