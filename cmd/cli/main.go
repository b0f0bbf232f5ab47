// Command cli talks to an OpenDx server from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/opendx-health/opendx/cmd/cli/ask"
	"github.com/opendx-health/opendx/cmd/cli/cases"
	"github.com/spf13/cobra"
)

func init() {
	// Missing .env is fine, the environment may be configured directly.
	_ = godotenv.Load()
	rootCmd.AddGroup(ask.Group)
	rootCmd.AddCommand(ask.Ask)
	rootCmd.AddGroup(cases.Group)
	rootCmd.AddCommand(cases.List, cases.Show)
}

var rootCmd = &cobra.Command{
	Use:  "opendx-cli",
	Long: `Command line client for the OpenDx clinical Q&A service.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
