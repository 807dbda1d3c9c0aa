// Command midas runs either role of the harness: `midas host` starts the
// coordinator with its terminal UI, `midas participant` connects worker
// threads to a running host.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// usageError distinguishes argument problems (exit 2) from runtime failures
// (exit 1).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	root := &cobra.Command{
		Use:           "midas",
		Short:         "Midas - distributed parallel computation harness",
		Long:          "Midas dispatches a script and per-worker input data to participants over TCP,\nruns it in parallel, and aggregates the returned results.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	root.AddCommand(hostCmd(), participantCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "midas:", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the midas version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("midas", version)
		},
	}
}
