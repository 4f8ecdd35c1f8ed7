package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/clearframe/risk-engine/internal/gaps"
)

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Run a cross-framework gap analysis",
	Long:  "Analyzes control coverage across up to ten frameworks, reporting compliance percentages, uncovered controls, mapping-silenced gaps, and the framework overlap matrix.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		org, _ := cmd.Flags().GetString("org")
		frameworks, _ := cmd.Flags().GetStringSlice("framework")
		format, _ := cmd.Flags().GetString("format")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := gaps.NewEngine(st).Analyze(ctx, org, frameworks)
		if err != nil {
			return eris.Wrap(err, "gap analysis")
		}

		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close() //nolint:errcheck
			return enc.Encode(report)
		case "table":
			formatGapReport(os.Stdout, report)
			return nil
		default:
			return eris.Errorf("unsupported format: %s", format)
		}
	},
}

// formatGapReport renders the per-framework summaries and the gap list.
func formatGapReport(out io.Writer, report *gaps.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FRAMEWORK\tCONTROLS\tCOVERED\tCOMPLIANCE\tASSESSMENTS")
	for _, fs := range report.Frameworks {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d%%\t%d\n",
			fs.Framework.Name,
			fs.TotalControls,
			fs.CoveredControls,
			fs.CompliancePercentage,
			fs.TotalAssessments,
		)
	}
	_ = w.Flush()

	if len(report.Gaps) == 0 {
		_, _ = fmt.Fprintln(out, "\nNo gaps.")
		return
	}

	_, _ = fmt.Fprintf(out, "\n%d gaps:\n", len(report.Gaps))
	gw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(gw, "FRAMEWORK\tCODE\tTITLE")
	for _, g := range report.Gaps {
		_, _ = fmt.Fprintf(gw, "%s\t%s\t%s\n", g.FrameworkID, g.Control.Code, g.Control.Title)
	}
	_ = gw.Flush()
}

func init() {
	gapsCmd.Flags().String("org", "", "organization ID (required)")
	gapsCmd.Flags().StringSlice("framework", nil, "framework ID to analyze (repeatable, 1-10)")
	gapsCmd.Flags().String("format", "table", "output format: table, json, yaml")
	rootCmd.AddCommand(gapsCmd)
}
