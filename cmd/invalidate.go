package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	invalidateEIN     string
	invalidateFile    string
	invalidateAll     bool
	invalidateCascade bool
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <phase>",
	Short: "Delete cached phase results",
	Long:  "Deletes the cache rows for a phase so the next run recomputes it. With --cascade, downstream phases are purged as well.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		phase := args[0]

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		g, err := loadGraph()
		if err != nil {
			return err
		}
		if _, ok := g.Phase(phase); !ok {
			return eris.Errorf("unknown phase %q (known: %v)", phase, g.Phases())
		}

		orgs, err := selectOrgs(ctx, st, invalidateEIN, invalidateFile, invalidateAll)
		if err != nil {
			return err
		}

		phases := []string{phase}
		if invalidateCascade {
			phases = append(phases, g.Downstream(phase)...)
		}

		deleted := 0
		for _, org := range orgs {
			for _, p := range phases {
				if err := st.Delete(ctx, org.EIN, p); err != nil {
					return eris.Wrapf(err, "invalidate %s/%s", org.EIN, p)
				}
				deleted++
			}
		}

		zap.L().Info("cache invalidated",
			zap.String("phase", phase),
			zap.Strings("purged_phases", phases),
			zap.Int("orgs", len(orgs)),
			zap.Int("rows_deleted", deleted),
		)
		return nil
	},
}

func init() {
	invalidateCmd.Flags().StringVar(&invalidateEIN, "ein", "", "single organization EIN")
	invalidateCmd.Flags().StringVar(&invalidateFile, "file", "", "file of EINs, one per line")
	invalidateCmd.Flags().BoolVar(&invalidateAll, "all", false, "every organization in the cache store")
	invalidateCmd.Flags().BoolVar(&invalidateCascade, "cascade", false, "also purge downstream phases")
	rootCmd.AddCommand(invalidateCmd)
}
