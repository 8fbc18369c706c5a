package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/fetcher"
	"github.com/uabbasi/good-measure-giving/internal/model"
	"github.com/uabbasi/good-measure-giving/pkg/propublica"
)

var (
	discoverState string
	discoverNTEE  int
	discoverOut   string
)

var discoverCmd = &cobra.Command{
	Use:   "discover <query>",
	Short: "Find organizations by name via Nonprofit Explorer",
	Long:  "Searches ProPublica Nonprofit Explorer by name, optionally narrowed by state and NTEE major category, and writes the hits as a selector file usable with run --file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		query := args[0]

		var opts []propublica.SearchOption
		if discoverState != "" {
			opts = append(opts, propublica.WithState(discoverState))
		}
		if discoverNTEE != 0 {
			opts = append(opts, propublica.WithNTEECategory(discoverNTEE))
		}

		resp, err := propublica.NewClient().Search(ctx, query, opts...)
		if err != nil {
			return eris.Wrapf(err, "discover %q", query)
		}

		recs, err := searchRecords(resp.Organizations)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return eris.Errorf("discover %q: no organizations found", query)
		}

		if err := writeSelectorFile(discoverOut, "search "+query, recs); err != nil {
			return err
		}

		zap.L().Info("discover complete",
			zap.String("query", query),
			zap.Int("total_results", resp.TotalResults),
			zap.Int("organizations", len(recs)),
			zap.String("out", discoverOut),
		)
		return nil
	},
}

// searchRecords converts search hits to records the selector writer
// understands. Nonprofit Explorer returns EINs as bare integers, so they are
// zero-padded back to nine digits before normalizing.
func searchRecords(hits []propublica.SearchResult) ([]fetcher.BMFRecord, error) {
	recs := make([]fetcher.BMFRecord, 0, len(hits))
	for _, hit := range hits {
		ein, err := model.NormalizeEIN(fmt.Sprintf("%09d", hit.EIN))
		if err != nil {
			return nil, eris.Wrapf(err, "search hit %q", hit.Name)
		}
		recs = append(recs, fetcher.BMFRecord{
			EIN:      ein,
			Name:     hit.Name,
			City:     hit.City,
			State:    hit.State,
			NTEECode: hit.NTEECode,
		})
	}
	return recs, nil
}

func init() {
	discoverCmd.Flags().StringVar(&discoverState, "state", "", "restrict hits to one state")
	discoverCmd.Flags().IntVar(&discoverNTEE, "ntee", 0, "restrict hits to an NTEE major category (1-10)")
	discoverCmd.Flags().StringVar(&discoverOut, "out", "", "selector file to write (required)")
	_ = discoverCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(discoverCmd)
}
