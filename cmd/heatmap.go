package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/clearframe/risk-engine/internal/heatmap"
	"github.com/clearframe/risk-engine/internal/model"
	"github.com/clearframe/risk-engine/internal/store"
	"github.com/clearframe/risk-engine/internal/velocity"
)

var heatmapCmd = &cobra.Command{
	Use:   "heatmap",
	Short: "Show the 5x5 likelihood/impact heatmap for an organization",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := heatmapFilter(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		agg := heatmap.NewAggregator(st, velocity.NewCalculator(st))
		hm, err := agg.ForOrganization(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "heatmap")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(hm)
		}

		formatHeatmap(os.Stdout, hm)
		return nil
	},
}

var heatmapCellCmd = &cobra.Command{
	Use:   "cell",
	Short: "List the risks in one heatmap cell",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := heatmapFilter(cmd)
		if err != nil {
			return err
		}
		likelihood, _ := cmd.Flags().GetString("likelihood")
		impact, _ := cmd.Flags().GetString("impact")
		withVelocity, _ := cmd.Flags().GetBool("velocity")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		agg := heatmap.NewAggregator(st, velocity.NewCalculator(st))
		risks, err := agg.CellRisks(ctx, filter, likelihood, impact, withVelocity)
		if err != nil {
			return eris.Wrap(err, "heatmap cell")
		}

		if len(risks) == 0 {
			fmt.Fprintln(os.Stderr, "No risks in this cell.")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(risks)
	},
}

// heatmapFilter builds the risk filter shared by the heatmap commands.
func heatmapFilter(cmd *cobra.Command) (store.RiskFilter, error) {
	org, _ := cmd.Flags().GetString("org")
	if org == "" {
		return store.RiskFilter{}, eris.New("--org is required")
	}
	assessment, _ := cmd.Flags().GetString("assessment")
	category, _ := cmd.Flags().GetString("category")
	return store.RiskFilter{
		OrganizationID: org,
		AssessmentID:   assessment,
		Category:       model.RiskCategory(category),
	}, nil
}

// formatHeatmap renders the matrix with likelihood rows descending, the
// way risk matrices are conventionally drawn.
func formatHeatmap(out io.Writer, hm heatmap.Heatmap) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "L\\I\t1\t2\t3\t4\t5")
	for l := hm.Dimensions; l >= 1; l-- {
		_, _ = fmt.Fprintf(w, "%d", l)
		for i := 1; i <= hm.Dimensions; i++ {
			_, _ = fmt.Fprintf(w, "\t%d", hm.Matrix[l-1][i-1])
		}
		_, _ = fmt.Fprintln(w)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "Total risks: %d (max cell: %d)\n", hm.TotalRisks, hm.MaxCount)
}

func init() {
	for _, c := range []*cobra.Command{heatmapCmd, heatmapCellCmd} {
		c.Flags().String("org", "", "organization ID (required)")
		c.Flags().String("assessment", "", "restrict to one assessment")
		c.Flags().String("category", "", "restrict to one risk category")
	}
	heatmapCmd.Flags().Bool("json", false, "emit the matrix as JSON")
	heatmapCellCmd.Flags().String("likelihood", "", "cell likelihood (1-5)")
	heatmapCellCmd.Flags().String("impact", "", "cell impact (1-5)")
	heatmapCellCmd.Flags().Bool("velocity", false, "annotate each risk with its score velocity")

	heatmapCmd.AddCommand(heatmapCellCmd)
	rootCmd.AddCommand(heatmapCmd)
}
