package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

var (
	retriesEIN   string
	retriesReset bool
)

// manualResetMarker audits operator-initiated resets distinctly from the
// tracker's TTL-based ones.
const manualResetMarker = "reset: manual"

var retriesCmd = &cobra.Command{
	Use:   "retries",
	Short: "Show per-source retry state",
	Long:  "Lists the persisted failure counters that make the pipeline skip repeatedly failing sources. With --reset, clears them so the next run re-attempts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		states, err := st.ListRetries(ctx)
		if err != nil {
			return eris.Wrap(err, "list retry state")
		}

		if retriesEIN != "" {
			ein, err := model.NormalizeEIN(retriesEIN)
			if err != nil {
				return err
			}
			filtered := states[:0]
			for _, s := range states {
				if s.EIN == ein {
					filtered = append(filtered, s)
				}
			}
			states = filtered
		}

		if len(states) == 0 {
			zap.L().Info("no retry state recorded")
			return nil
		}

		if retriesReset {
			for _, s := range states {
				if err := st.ResetRetry(ctx, s.EIN, s.Source, manualResetMarker); err != nil {
					return eris.Wrapf(err, "reset retry %s/%s", s.EIN, s.Source)
				}
			}
			zap.L().Info("retry state reset", zap.Int("sources", len(states)))
			return nil
		}

		formatRetries(os.Stdout, states, cfg.Retry.MaxFailures)
		return nil
	},
}

func init() {
	retriesCmd.Flags().StringVar(&retriesEIN, "ein", "", "filter to one organization")
	retriesCmd.Flags().BoolVar(&retriesReset, "reset", false, "clear the listed failure counters")
	rootCmd.AddCommand(retriesCmd)
}

func formatRetries(out io.Writer, states []model.RetryState, maxFailures int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "EIN\tSOURCE\tFAILURES\tLAST FAILURE\tCAPPED\tLAST ERROR")
	_, _ = fmt.Fprintln(w, "---\t------\t--------\t------------\t------\t----------")

	for _, s := range states {
		capped := ""
		if maxFailures > 0 && s.Failures >= maxFailures {
			capped = "yes"
		}
		last := "-"
		if !s.LastFailureAt.IsZero() {
			last = s.LastFailureAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			s.EIN, s.Source, s.Failures, last, capped, truncate(s.LastError, 60))
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
