package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/benchtrack/benchtrack/internal/fetcher"
	"github.com/benchtrack/benchtrack/internal/pipeline"
)

var (
	uploadTest        int64
	uploadStart       string
	uploadStop        string
	uploadDescription string
	uploadSchema      string
	uploadEach        bool
	uploadToken       string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file|url>",
	Short: "Store a run document and derive its datasets",
	Long: `Reads a JSON run document from a local path or an http(s) URL and stores it
as a run of the given test. With --each the input must be a JSON array and every
element becomes its own run; --start and --stop are then usually JSONPaths.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Token: uploadToken})
		n, err := uploadFrom(ctx, env, f, args[0], cmd.OutOrStdout())
		if err != nil {
			return err
		}
		zap.L().Info("upload complete", zap.String("source", args[0]), zap.Int("runs", n))
		return nil
	},
}

// uploadFrom stores the document (or, with --each, every array element) found
// at location and returns how many runs were created.
func uploadFrom(ctx context.Context, env *pipelineEnv, f fetcher.Fetcher, location string, out io.Writer) (int, error) {
	rc, err := fetcher.Open(ctx, f, location)
	if err != nil {
		return 0, err
	}
	defer rc.Close() //nolint:errcheck

	if !uploadEach {
		doc, err := fetcher.DecodeDocument(rc)
		if err != nil {
			return 0, eris.Wrapf(err, "parse %s", location)
		}
		if err := uploadOne(ctx, env, doc, out); err != nil {
			return 0, err
		}
		return 1, nil
	}

	n := 0
	for doc, err := range fetcher.Documents(ctx, rc) {
		if err != nil {
			return n, eris.Wrapf(err, "parse %s", location)
		}
		if err := uploadOne(ctx, env, doc, out); err != nil {
			return n, eris.Wrapf(err, "element %d", n)
		}
		n++
	}
	return n, nil
}

func uploadOne(ctx context.Context, env *pipelineEnv, doc any, out io.Writer) error {
	run, datasets, err := env.Coordinator.Upload(ctx, pipeline.UploadRequest{
		TestID:      uploadTest,
		Start:       uploadStart,
		Stop:        uploadStop,
		Description: uploadDescription,
		Schema:      uploadSchema,
		Data:        doc,
	})
	if err != nil {
		return err
	}

	zap.L().Debug("run uploaded",
		zap.Int64("run_id", run.ID),
		zap.Int64("test_id", run.TestID),
		zap.Int("datasets", len(datasets)),
	)
	fmt.Fprintf(out, "run %d: %d datasets %v\n", run.ID, len(datasets), datasetIDs(datasets))
	return nil
}

func init() {
	uploadCmd.Flags().Int64Var(&uploadTest, "test", 0, "test id (required)")
	uploadCmd.Flags().StringVar(&uploadStart, "start", "", "start time: epoch ms, RFC 3339 or a JSONPath into the document (required)")
	uploadCmd.Flags().StringVar(&uploadStop, "stop", "", "stop time, same forms as --start (required)")
	uploadCmd.Flags().StringVar(&uploadDescription, "description", "", "run description")
	uploadCmd.Flags().StringVar(&uploadSchema, "schema", "", "schema URI to stamp on the document")
	uploadCmd.Flags().BoolVar(&uploadEach, "each", false, "treat the input as an array and upload every element as a run")
	uploadCmd.Flags().StringVar(&uploadToken, "token", "", "bearer token for http(s) sources")
	_ = uploadCmd.MarkFlagRequired("test")
	_ = uploadCmd.MarkFlagRequired("start")
	_ = uploadCmd.MarkFlagRequired("stop")
	rootCmd.AddCommand(uploadCmd)
}
