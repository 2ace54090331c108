package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtford90/procsi/pkg/daemon"
)

// Exit codes for fatal startup failures, one per kind.
const (
	exitLock   = 2
	exitConfig = 3
	exitStore  = 4
	exitCA     = 5
	exitBind   = 6
)

func newRunCmd() *cobra.Command {
	var dir string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := daemon.Run(context.Background(), &daemon.Options{
				Dir:     dir,
				Verbose: verbose,
				Version: version,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitCode(err))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "explicit project data directory (skips discovery)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func exitCode(err error) int {
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		return exitLock
	}
	var startup *daemon.StartupError
	if errors.As(err, &startup) {
		switch startup.Kind {
		case daemon.KindLock:
			return exitLock
		case daemon.KindConfig:
			return exitConfig
		case daemon.KindStore:
			return exitStore
		case daemon.KindCA:
			return exitCA
		case daemon.KindBind:
			return exitBind
		}
	}
	return 1
}
