package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/benchtrack/benchtrack/internal/recalc"
)

var (
	recalcFrom       string
	recalcTo         string
	recalcTest       int64
	recalcDataPoints bool
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recalculate derived data for a time range or a test",
	Long: "With --from and --to, re-derives every run started in the range. With --test, re-derives the test's runs, " +
		"or only its data points and changes when --datapoints is set. Waits for the queue to drain.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		from, err := parseTime(recalcFrom)
		if err != nil {
			return eris.Wrap(err, "parse --from")
		}
		to, err := parseTime(recalcTo)
		if err != nil {
			return eris.Wrap(err, "parse --to")
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()
		coord := env.Coordinator

		out := cmd.OutOrStdout()
		switch {
		case recalcTest != 0 && recalcDataPoints:
			status, err := coord.RecalculateDataPoints(ctx, recalcTest, from, to)
			if err != nil {
				return err
			}
			if err := coord.Drain(ctx); err != nil {
				return err
			}
			status, err = coord.DataPointsStatus(status.TestID)
			if err != nil {
				return err
			}
			if status.Error != "" {
				return eris.Errorf("rebuild test %d: %s", recalcTest, status.Error)
			}
			fmt.Fprintf(out, "test %d: rebuilt data points of %d datasets\n", recalcTest, status.Finished)
		case recalcTest != 0:
			if _, err := coord.RecalculateTestDatasets(ctx, recalcTest); err != nil {
				return err
			}
			if err := coord.Drain(ctx); err != nil {
				return err
			}
			status, err := coord.DatasetsStatus(recalcTest)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "test %d: %d runs, %d failed\n", recalcTest, status.Total, status.Failed)
		default:
			id, err := coord.RecalculateAll(ctx, from, to)
			if err != nil {
				return err
			}
			if err := coord.Drain(ctx); err != nil {
				return err
			}
			job, _ := coord.Job(id)
			if job.State == recalc.StateFailed {
				return eris.Errorf("recalculate range: %s", job.Error)
			}
			summary, _ := job.Result.(recalc.RangeSummary)
			zap.L().Info("range recalculated",
				zap.Int("queued", summary.Queued),
				zap.Int("trashed", summary.Trashed),
				zap.Int("failed", summary.Failed),
			)
			fmt.Fprintf(out, "queued %d runs, tore down %d trashed runs\n", summary.Queued, summary.Trashed)
		}
		return nil
	},
}

func init() {
	recalcCmd.Flags().StringVar(&recalcFrom, "from", "", "range start: epoch ms or RFC 3339")
	recalcCmd.Flags().StringVar(&recalcTo, "to", "", "range end: epoch ms or RFC 3339")
	recalcCmd.Flags().Int64Var(&recalcTest, "test", 0, "recalculate one test instead of a range")
	recalcCmd.Flags().BoolVar(&recalcDataPoints, "datapoints", false, "with --test, rebuild only data points and changes")
	rootCmd.AddCommand(recalcCmd)
}
