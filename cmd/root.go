package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/ftp-deploy/cmd/deploy"
	"github.com/sidkik/ftp-deploy/cmd/util"
	"github.com/sidkik/ftp-deploy/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged regardless of the
// configured log level.
const verboseLogKey = "FTP_DEPLOY_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "ftp-deploy",
		Short:        "Sync a local folder to an FTP, FTPS or SFTP server",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		deploy.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
