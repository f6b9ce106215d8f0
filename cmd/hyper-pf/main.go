// hyper-pf: userspace pf-style stateful packet filter and NAT engine.
// The daemon hosts the engine behind a local control channel; the other
// commands talk to it or run the engine offline over a capture.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/ipc"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

type globalFlags struct {
	configPath string
	ipcAddr    string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "hyper-pf",
		Short:         "Stateful packet filter and NAT engine",
		Version:       fmt.Sprintf("%s (built: %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "hyper-pf.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&flags.ipcAddr, "ipc", ipc.DefaultAddr, "Address of the control channel")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(
		newRunCommand(flags),
		newCheckCommand(flags),
		newReplayCommand(flags),
		newStatusCommand(flags),
		newStatesCommand(flags),
		newSrcNodesCommand(flags),
		newRulesCommand(flags),
		newKillCommand(flags),
		newFlushCommand(flags),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for k, v := range errors.GetAttributes(err) {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", k, v)
		}
		os.Exit(1)
	}
}
