// Command chunkupload uploads files to S3 in resumable, concurrent chunks.
package main

import (
	"os"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

func newRootCmd(logger log.Logger, envRepo env.Repository) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "chunkupload",
		Short:         "Resumable, concurrent chunked uploads",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logger.EnableDebugLog(verbose)
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")

	cmd.AddCommand(newUploadCmd(logger, envRepo), newVerifyCmd(logger, envRepo))
	return cmd
}

func main() {
	logger := log.NewLogger()
	if err := newRootCmd(logger, env.NewRepository()).Execute(); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}
