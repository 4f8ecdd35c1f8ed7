package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearframe/risk-engine/internal/resilience"
	"github.com/clearframe/risk-engine/internal/score"
	"github.com/clearframe/risk-engine/internal/store"
)

var recalcCmd = &cobra.Command{
	Use:   "recalc <risk-id>",
	Short: "Recompute a risk's effectiveness and residual score",
	Long:  "Reloads the risk's control links, aggregates their effectiveness, recomputes the residual score, and appends a history snapshot when anything changed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recalc := score.NewRecalculator(st)
		result, err := resilience.DoVal(ctx, retryConfig(), "recalc", func(ctx context.Context) (*score.Result, error) {
			return recalc.Recalculate(ctx, args[0])
		})
		if err != nil {
			return eris.Wrap(err, "recalc")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var recalcAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Recompute scores for every risk in an organization",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		org, _ := cmd.Flags().GetString("org")
		if org == "" {
			return eris.New("--org is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		risks, err := st.FindRisks(ctx, store.RiskFilter{OrganizationID: org})
		if err != nil {
			return eris.Wrap(err, "recalc all: list risks")
		}

		recalc := score.NewRecalculator(st)
		var changed, failed int
		for _, r := range risks {
			result, err := resilience.DoVal(ctx, retryConfig(), "recalc", func(ctx context.Context) (*score.Result, error) {
				return recalc.Recalculate(ctx, r.ID)
			})
			if err != nil {
				failed++
				zap.L().Error("recalc failed",
					zap.String("risk_id", r.ID),
					zap.Error(err),
				)
				continue
			}
			if result.Changed {
				changed++
			}
		}

		fmt.Printf("Recalculated %d risks: %d changed, %d failed\n", len(risks), changed, failed)
		if failed > 0 {
			return eris.Errorf("recalc all: %d of %d risks failed", failed, len(risks))
		}
		return nil
	},
}

func init() {
	recalcAllCmd.Flags().String("org", "", "organization ID (required)")
	recalcCmd.AddCommand(recalcAllCmd)
	rootCmd.AddCommand(recalcCmd)
}
