package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtford90/procsi/pkg/control"
	"github.com/mtford90/procsi/pkg/layout"
)

// resolveLayout discovers the project for client commands.
func resolveLayout(dir string) (*layout.Layout, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return layout.Discover(wd, dir)
}

func newStatusCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the project daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := resolveLayout(dir)
			if err != nil {
				return err
			}

			client, err := control.Dial(l.SocketPath())
			if err != nil {
				fmt.Println("daemon: not running")
				return nil
			}
			defer client.Close()

			info, err := client.Status()
			if err != nil {
				return err
			}

			fmt.Printf("daemon: running (pid %d)\n", info.PID)
			fmt.Printf("version: %s\n", info.Version)
			fmt.Printf("proxy port: %d\n", info.ProxyPort)
			fmt.Printf("uptime: %ds\n", info.UptimeSeconds)
			fmt.Printf("captured requests: %d\n", info.Requests)
			fmt.Printf("sessions: %d\n", info.Sessions)
			fmt.Printf("interceptors: %d\n", info.Interceptors)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "explicit project data directory")
	return cmd
}

func newStopCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the project daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := resolveLayout(dir)
			if err != nil {
				return err
			}

			client, err := control.Dial(l.SocketPath())
			if err != nil {
				return fmt.Errorf("daemon is not running")
			}
			defer client.Close()

			if err := client.Shutdown(); err != nil {
				return err
			}
			fmt.Println("daemon stopping")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "explicit project data directory")
	return cmd
}
