package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/clearframe/risk-engine/internal/store"
	"github.com/clearframe/risk-engine/internal/velocity"
)

var velocityCmd = &cobra.Command{
	Use:   "velocity <risk-id>",
	Short: "Compute score velocity for a single risk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		lookback, _ := cmd.Flags().GetInt("lookback")
		if lookback == 0 {
			lookback = cfg.Engine.VelocityLookbackDays
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		v, err := velocity.NewCalculator(st).ForRisk(ctx, args[0], lookback)
		if err != nil {
			return eris.Wrap(err, "velocity")
		}
		if v == nil {
			fmt.Fprintln(os.Stderr, "Not enough history to compute a velocity.")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	},
}

var velocityBatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Compute velocities for every risk in an organization",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		org, _ := cmd.Flags().GetString("org")
		if org == "" {
			return eris.New("--org is required")
		}
		lookback, _ := cmd.Flags().GetInt("lookback")
		if lookback == 0 {
			lookback = cfg.Engine.VelocityLookbackDays
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		risks, err := st.FindRisks(ctx, store.RiskFilter{OrganizationID: org})
		if err != nil {
			return eris.Wrap(err, "velocity batch: list risks")
		}

		ids := make([]string, len(risks))
		for i, r := range risks {
			ids[i] = r.ID
		}

		velocities, err := velocity.NewCalculator(st).Batch(ctx, ids, lookback)
		if err != nil {
			return eris.Wrap(err, "velocity batch")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(velocities)
	},
}

func init() {
	velocityCmd.Flags().Int("lookback", 0, "lookback window in days (default from config)")
	velocityBatchCmd.Flags().String("org", "", "organization ID (required)")
	velocityBatchCmd.Flags().Int("lookback", 0, "lookback window in days (default from config)")
	velocityCmd.AddCommand(velocityBatchCmd)
	rootCmd.AddCommand(velocityCmd)
}
