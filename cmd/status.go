package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/cache"
	"github.com/uabbasi/good-measure-giving/internal/fingerprint"
	"github.com/uabbasi/good-measure-giving/internal/graph"
	"github.com/uabbasi/good-measure-giving/internal/model"
	"github.com/uabbasi/good-measure-giving/internal/monitoring"
)

var (
	statusEIN     string
	statusSummary bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache rows and their validity",
	Long:  "Lists cache entries with fingerprint and TTL validity per phase. With --summary, prints store-wide health instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		g, err := loadGraph()
		if err != nil {
			return err
		}

		if statusSummary {
			snap, err := monitoring.NewCollector(st, g, cfg.Retry.MaxFailures).Collect(ctx)
			if err != nil {
				return eris.Wrap(err, "collect status summary")
			}
			formatSnapshot(os.Stdout, g, snap)
			return nil
		}

		var entries []model.CacheEntry
		if statusEIN != "" {
			ein, err := model.NormalizeEIN(statusEIN)
			if err != nil {
				return err
			}
			entries, err = st.Entries(ctx, ein)
			if err != nil {
				return eris.Wrap(err, "load cache entries")
			}
		} else {
			entries, err = st.AllEntries(ctx)
			if err != nil {
				return eris.Wrap(err, "load cache entries")
			}
		}

		if len(entries) == 0 {
			zap.L().Info("no cache entries found, run 'gmg run <phase>' to populate the cache")
			return nil
		}

		hasher, err := initHasher()
		if err != nil {
			return err
		}

		formatEntries(os.Stdout, g, hasher, entries, time.Now().UTC())
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusEIN, "ein", "", "filter to one organization")
	statusCmd.Flags().BoolVar(&statusSummary, "summary", false, "print store-wide health summary")
	rootCmd.AddCommand(statusCmd)
}

// formatEntries writes a tabular view of cache entries with their current
// validity against the live code fingerprints.
func formatEntries(out io.Writer, g *graph.Graph, hasher *fingerprint.Hasher, entries []model.CacheEntry, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "EIN\tPHASE\tLAST RUN\tAGE\tCOST\tVALID\tREASON")
	_, _ = fmt.Fprintln(w, "---\t-----\t--------\t---\t----\t-----\t------")

	for _, e := range entries {
		valid := "?"
		reason := "unknown phase"
		if def, ok := g.Phase(e.Phase); ok {
			entry := e
			ok, why := cache.Check(&entry, hasher.Phase(def), def.TTL, now)
			reason = why
			if ok {
				valid = "yes"
			} else {
				valid = "no"
			}
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\t%s\t%s\n",
			e.EIN,
			e.Phase,
			e.LastRunAt.Format("2006-01-02 15:04"),
			e.Age(now).Round(time.Minute),
			e.CostUSD,
			valid,
			reason,
		)
	}
	_ = w.Flush()
}

// formatSnapshot writes the store-wide summary in phase order.
func formatSnapshot(out io.Writer, g *graph.Graph, snap *monitoring.Snapshot) {
	fmt.Fprintf(out, "Organizations: %d\n", snap.Orgs)
	fmt.Fprintf(out, "Cache rows:    %d\n", snap.TotalRows)
	fmt.Fprintf(out, "Total cost:    $%.4f\n", snap.TotalCostUSD)
	fmt.Fprintf(out, "Retry sources: %d (%d at cap)\n\n", snap.RetrySources, snap.CappedOrgs)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\tROWS\tSTALE")

	names := g.Phases()
	// Rows can exist for phases no longer in the graph; list them too.
	var extras []string
	for phase := range snap.RowsByPhase {
		if _, ok := g.Phase(phase); !ok {
			extras = append(extras, phase)
		}
	}
	sort.Strings(extras)
	names = append(names, extras...)

	for _, phase := range names {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", phase, snap.RowsByPhase[phase], snap.StaleByPhase[phase])
	}
	_ = w.Flush()
}
