// Package cmd holds the chaserd command tree.
package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Injected at build time using ldflags.
var (
	version = "dev"
	commit  = ""
)

// NewRootCommand creates the `chaserd` command and its children.
func NewRootCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "chaserd [command]",
		Version:       versionInfo(),
		Short:         "Browser orchestration server speaking the Chrome DevTools Protocol",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.AddCommand(NewServeCommand(NewServeOptions()))
	return cmd
}

func versionInfo() string {
	if commit == "" {
		return version
	}
	return version + " (" + commit + ")"
}
