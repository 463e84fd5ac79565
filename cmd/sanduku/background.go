package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

var (
	runIdentity string
	runTag      string

	logsStream string
	logsOffset int
	logsLimit  int

	cleanMaxAge time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run -- <command>",
	Short: "Start a detached background process inside the container",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		p, err := e.Manager.Background(runIdentity, strings.Join(args, " "), runTag)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s  pid=%d\n", p.ID, p.Status, p.PID)
		if p.Status == sandbox.StatusFailed {
			os.Exit(1)
		}
		return nil
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List background processes for a sandbox identity",
	RunE: func(_ *cobra.Command, _ []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		procs := e.Supervisor.ListBySandbox(runIdentity)
		if len(procs) == 0 {
			fmt.Println("no background processes")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPID\tEXIT\tTAG\tCOMMAND")
		for _, p := range procs {
			exit := "-"
			if p.ExitedAt != nil {
				exit = fmt.Sprintf("%d", p.ExitCode)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				p.ID, p.Status, p.PID, exit, p.Tag, p.Command)
		}
		return w.Flush()
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <process-id>",
	Short: "Read a background process log",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		page, err := e.Supervisor.ReadLogs(args[0], logsStream, logsOffset, logsLimit)
		if err != nil {
			return err
		}
		for _, line := range page.Lines {
			fmt.Println(line)
		}
		if page.HasMore {
			fmt.Fprintf(os.Stderr, "(%d more lines, use --offset %d)\n",
				page.TotalLines-logsOffset-len(page.Lines), logsOffset+len(page.Lines))
		}
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <process-id>",
	Short: "Forcibly terminate a background process",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		p, err := e.Supervisor.Kill(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", p.ID, p.Status)
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Evict exited background process records and their logs",
	RunE: func(_ *cobra.Command, _ []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		n := e.Supervisor.CleanupOlderThan(cleanMaxAge)
		fmt.Printf("evicted %d records\n", n)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runIdentity, "identity", "i", "default", "sandbox identity (workspace scope)")
	runCmd.Flags().StringVar(&runTag, "tag", "", "free-form tag recorded with the process")
	psCmd.Flags().StringVarP(&runIdentity, "identity", "i", "default", "sandbox identity")

	logsCmd.Flags().StringVar(&logsStream, "stream", "stdout", "stream to read: stdout or stderr")
	logsCmd.Flags().IntVar(&logsOffset, "offset", 0, "first line to read")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 0, "lines per page (0 = default)")

	cleanCmd.Flags().DurationVar(&cleanMaxAge, "max-age", 24*time.Hour, "evict records that exited longer ago than this")
}
