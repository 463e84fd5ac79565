package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

var (
	execIdentity string
	execPolicy   string
	execTimeout  time.Duration
	execEnv      []string
)

var execCmd = &cobra.Command{
	Use:   "exec -- <command>",
	Short: "Run a command inside the container and wait for it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		policy, err := parsePolicy(execPolicy)
		if err != nil {
			return err
		}
		env, err := parseEnv(execEnv)
		if err != nil {
			return err
		}

		out := e.Manager.Execute(cmd.Context(), sandbox.Request{
			Identity: execIdentity,
			Command:  strings.Join(args, " "),
			Timeout:  execTimeout,
			Env:      env,
		}, policy)

		fmt.Fprint(os.Stdout, out.Stdout)
		fmt.Fprint(os.Stderr, out.Stderr)
		if !out.Success() {
			// Mirror the confined command's failure without wrapping it
			// in a CLI error message. Returned as an error so deferred
			// cleanup still runs before the process exits.
			return &exitError{code: exitCode(out)}
		}
		return nil
	},
}

// exitError carries a process exit code up to main without printing
// anything of its own.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCode(out sandbox.Outcome) int {
	if out.ExitCode < 0 || out.ExitCode > 255 {
		return 1
	}
	return out.ExitCode
}

func init() {
	execCmd.Flags().StringVarP(&execIdentity, "identity", "i", "default", "sandbox identity (workspace scope)")
	execCmd.Flags().StringVar(&execPolicy, "policy", "none", "validation policy: none, read-only, system-paths")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "execution timeout (0 = configured default)")
	execCmd.Flags().StringArrayVar(&execEnv, "env", nil, "extra environment variable (KEY=VALUE, repeatable)")
}
