package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/clearframe/risk-engine/internal/model"
	"github.com/clearframe/risk-engine/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history <risk-id>",
	Short: "Show a risk's score history ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		window, err := historyWindow(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ReadScoreHistory(ctx, args[0], window)
		if err != nil {
			return eris.Wrap(err, "history")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No history in this window.")
			return nil
		}

		formatHistory(os.Stdout, entries)
		return nil
	},
}

func historyWindow(cmd *cobra.Command) (store.HistoryWindow, error) {
	var window store.HistoryWindow

	fromStr, _ := cmd.Flags().GetString("from")
	if fromStr != "" {
		from, err := time.Parse("2006-01-02", fromStr)
		if err != nil {
			return window, eris.Wrap(err, "parse --from")
		}
		window.From = &from
	}
	toStr, _ := cmd.Flags().GetString("to")
	if toStr != "" {
		to, err := time.Parse("2006-01-02", toStr)
		if err != nil {
			return window, eris.Wrap(err, "parse --to")
		}
		window.To = &to
	}
	window.Limit, _ = cmd.Flags().GetInt("limit")
	if window.Limit == 0 {
		window.Limit = cfg.Engine.HistoryLimit
	}
	return window, nil
}

func formatHistory(out io.Writer, entries []model.ScoreHistory) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RECORDED\tL\tI\tINHERENT\tRESIDUAL\tEFF\tSOURCE\tNOTE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d%%\t%s\t%s\n",
			e.RecordedAt.Format("2006-01-02 15:04"),
			e.Likelihood,
			e.Impact,
			e.InherentScore,
			e.ResidualScore,
			e.ControlEffectiveness,
			e.Source,
			e.Note,
		)
	}
	_ = w.Flush()
}

func init() {
	historyCmd.Flags().String("from", "", "window start date (YYYY-MM-DD)")
	historyCmd.Flags().String("to", "", "window end date (YYYY-MM-DD)")
	historyCmd.Flags().Int("limit", 0, "max entries (default from config, capped at 100)")
	rootCmd.AddCommand(historyCmd)
}
