// Procsid is the per-project HTTP(S) interception daemon: a capturing
// MITM proxy with an interceptor plugin runtime and a local control
// surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "procsid",
		Short: "Per-project HTTP(S) interception daemon",
		Long: `Procsid captures HTTP(S) traffic of a project's processes.

It runs a loopback MITM proxy backed by a project-scoped CA, records
every transaction in a local store, and can rewrite traffic through
user-defined interceptor plugins. External tools talk to it over the
project control socket.`,
		Version: version,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newStopCmd(),
		newCACmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
