package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/pipeline"
)

var (
	runEIN     string
	runFile    string
	runAll     bool
	runWorkers int
	runForce   bool
)

var runCmd = &cobra.Command{
	Use:   "run <phase>",
	Short: "Run a pipeline phase for selected organizations",
	Long:  "Runs one phase for the selected organizations, skipping entries whose cached result is still valid. Exits non-zero unless every organization completed the phase and passed the quality gate.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		phase := args[0]

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		orgs, err := selectOrgs(ctx, st, runEIN, runFile, runAll)
		if err != nil {
			return err
		}

		g, err := loadGraph()
		if err != nil {
			return err
		}
		hasher, err := initHasher()
		if err != nil {
			return err
		}

		workers := runWorkers
		if workers <= 0 {
			workers = cfg.Pipeline.Workers
		}

		driver := pipeline.NewDriver(pipeline.Options{
			Store:   st,
			Graph:   g,
			Hasher:  hasher,
			Tracker: initTracker(st),
			Workers: workers,
			Env:     initEnv(),
			Force:   runForce,
		})
		defer driver.Close()

		zap.L().Info("run starting",
			zap.String("phase", phase),
			zap.Int("orgs", len(orgs)),
			zap.Int("workers", workers),
			zap.Bool("force", runForce),
		)

		summary, err := driver.RunPhase(ctx, phase, orgs)
		if err != nil {
			return eris.Wrapf(err, "run %s", phase)
		}

		fmt.Fprintln(os.Stdout, summary.Render())

		if !summary.OK() {
			c := summary.Counts
			return eris.Errorf("run %s: %d of %d organizations did not complete (failed=%d errored=%d skipped=%d vetoed=%d)",
				phase, c.Failed+c.Errored+c.Skipped+c.Vetoed, len(orgs),
				c.Failed, c.Errored, c.Skipped, c.Vetoed)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runEIN, "ein", "", "single organization EIN")
	runCmd.Flags().StringVar(&runFile, "file", "", "file of EINs, one per line")
	runCmd.Flags().BoolVar(&runAll, "all", false, "every organization in the cache store")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "worker pool size (default from config)")
	runCmd.Flags().BoolVar(&runForce, "force", false, "bypass the cache check and re-run everything")
	rootCmd.AddCommand(runCmd)
}
