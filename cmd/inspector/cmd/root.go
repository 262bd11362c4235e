package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	debug   bool

	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "inspector",
	Short: "Crawl a site, find bugs with routed models and file tickets",
	Long: `inspector runs a multi-stage inspection session against a target site:
plan, crawl, analyze, classify, validate, report, create tickets and summarize.
Each model call is routed to a tier by task, retried and failed over along the
tier's fallback chain, and costed. Sessions are checkpointed after every stage
and can be resumed with overrides.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints the error, if any, to stderr.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $INSPECTOR_CONFIG or ./config/inspector.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"development logging at debug level")
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
