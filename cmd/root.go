package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearframe/risk-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "risk-engine",
	Short: "Risk scoring and compliance analytics engine",
	Long:  "Computes inherent and residual risk scores, historical score velocity, heatmap aggregations, and cross-framework gap analyses for AI governance programs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
