// Package cli holds the docassist command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath     string
	versionInfo string
)

// SetVersion sets the version information from build-time ldflags.
func SetVersion(version, commit, date string) {
	versionInfo = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	rootCmd.Version = versionInfo
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docassist",
	Short: "Document AI assistant backend",
	Long: `docassist ingests PDFs and web pages, indexes them per session and
answers questions or writes summaries over them with an LLM.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// serve is the default
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default $DOCASSIST_CONFIG or ./config.json)")
}
