package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/uabbasi/good-measure-giving/internal/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the phase dependency graph",
	Long:  "Prints each phase with its upstream dependencies, TTL, and the downstream closure purged when it re-runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := loadGraph()
		if err != nil {
			return err
		}
		formatGraph(os.Stdout, g)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
}

func formatGraph(out io.Writer, g *graph.Graph) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\tDEPENDS ON\tTTL\tPURGES DOWNSTREAM")

	for _, name := range g.Phases() {
		def, _ := g.Phase(name)

		deps := "-"
		if len(def.Upstream) > 0 {
			deps = strings.Join(def.Upstream, ", ")
		}

		ttl := "unbounded"
		if !def.Unbounded() {
			ttl = def.TTL.String()
		}

		down := "-"
		if ds := g.Downstream(name); len(ds) > 0 {
			down = strings.Join(ds, ", ")
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, deps, ttl, down)
	}
	_ = w.Flush()
}
