// Command chttpctl is a small command-line client over the chttp engine,
// useful for manual exercising of the Agent/Driver stack outside of tests.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load() // optional .env loaded into the environment (e.g. HTTP_PROXY/HTTPS_PROXY/NO_PROXY, read by the driver); missing file is not an error

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "chttpctl",
		Short: "Issue HTTP requests through the chttp concurrent request engine",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable structured request logging")

	root.AddCommand(newGetCmd(&verbose))
	root.AddCommand(newPostCmd(&verbose))
	root.AddCommand(newBenchCmd(&verbose))

	return root
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
