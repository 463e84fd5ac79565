package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision the container (confinement binary, rootfs, overlay)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		states, cancel := e.Manager.Subscribe()
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for s := range states {
				if s.Phase == sandbox.PhaseInitializing {
					fmt.Printf("\rprovisioning... %3.0f%%", s.Progress*100)
				}
			}
		}()

		err = e.Manager.Initialize(cmd.Context())
		cancel()
		<-done
		fmt.Println()
		if err != nil {
			return err
		}
		fmt.Println("container provisioned and running")
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Bring the container to running (provisioning it if needed)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		if err := e.Manager.Start(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("container running")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running container (overlay is preserved)",
	RunE: func(_ *cobra.Command, _ []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		if err := e.Manager.Stop(); err != nil {
			return err
		}
		fmt.Println("container stopped")
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete the container, its overlay and its rootfs",
	RunE: func(_ *cobra.Command, _ []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		e.Manager.Destroy()
		fmt.Println("container destroyed")
		return nil
	},
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the container lifecycle state",
	RunE: func(_ *cobra.Command, _ []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Cleanup()

		state := e.Manager.State()
		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(statusView(state))
		}

		fmt.Printf("state: %s\n", state.Phase)
		if state.Phase == sandbox.PhaseInitializing {
			fmt.Printf("progress: %.0f%%\n", state.Progress*100)
		}
		if state.Message != "" {
			fmt.Printf("message: %s\n", state.Message)
		}
		if inst := e.Manager.Instance(); inst != nil {
			fmt.Printf("instance: %s\n", inst.ID)
			fmt.Printf("overlay: %s\n", inst.UpperDir)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

// statusView is the JSON shape shared by `status --json` and serve mode.
func statusView(s sandbox.State) map[string]any {
	v := map[string]any{"state": string(s.Phase)}
	if s.Phase == sandbox.PhaseInitializing {
		v["progress"] = s.Progress
	}
	if s.Message != "" {
		v["message"] = s.Message
	}
	return v
}
