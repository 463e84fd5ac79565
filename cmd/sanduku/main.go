// Sanduku — a proot-based sandbox execution engine for AI agents.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — confined command execution without root privileges.",
	Long: `Sanduku provisions a user-space container (proot + Alpine-style rootfs)
and runs commands inside it: foreground with captured output, or detached
with supervised log files. Commands can be gated by security policies
before they ever reach a shell.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		initCmd, startCmd, stopCmd, destroyCmd, statusCmd,
		execCmd, runCmd, psCmd, logsCmd, killCmd, cleanCmd,
		serveCmd, versionCmd,
	)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			// The confined command's own output was already printed.
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
