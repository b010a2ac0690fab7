package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewExportCommand creates the export command.
func NewExportCommand() *cobra.Command {
	var format string
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the ledger as CSV or JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			l, err := loadLedger(ctx)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "csv":
				data = []byte(l.ExportCSV())
			case "json":
				data, err = l.ExportJSON()
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (use csv or json)", format)
			}

			if outPath == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(outPath, data, 0o644)
		},
	}

	cmd.Flags().StringVar(&format, "format", "csv", "export format: csv or json")
	cmd.Flags().StringVar(&outPath, "out", "", "write to file instead of stdout")
	return cmd
}
