package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/ipc"
)

// notRunning adds a hint to the error of a client that found no daemon.
func notRunning(err error) error {
	if errors.GetKind(err) == errors.KindUnavailable {
		return errors.Wrap(err, errors.KindUnavailable, "start it with: hyper-pf run -c hyper-pf.yaml")
	}
	return err
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show status of the running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := ipc.NewClient(flags.ipcAddr).Status()
			if err != nil {
				return notRunning(err)
			}
			w := cmd.OutOrStdout()

			fmt.Fprintf(w, "Hyper-PF Status\n")
			fmt.Fprintf(w, "===============\n\n")
			fmt.Fprintf(w, "Host ID:          %08x\n", st.HostID)
			fmt.Fprintf(w, "Ruleset:          %s\n", st.Ticket)
			fmt.Fprintf(w, "Uptime:           %s\n", formatDuration(time.Duration(st.Uptime)*time.Second))
			fmt.Fprintf(w, "State lock:       %t\n\n", st.StateLock)

			fmt.Fprintf(w, "Tables\n")
			fmt.Fprintf(w, "------\n")
			fmt.Fprintf(w, "States:           %d\n", st.States)
			fmt.Fprintf(w, "Source nodes:     %d\n", st.SrcNodes)
			fmt.Fprintf(w, "Fragments:        %d\n\n", st.Frags)

			printCounters(w, "Verdicts", st.Verdicts)
			printCounters(w, "Reasons", st.Reasons)
			printCounters(w, "Limit counters", st.LimitCounters)

			fmt.Fprintf(w, "State table\n")
			fmt.Fprintf(w, "-----------\n")
			fmt.Fprintf(w, "%-24s %d\n", "searches", st.StateSearches)
			fmt.Fprintf(w, "%-24s %d\n", "inserts", st.StateInserts)
			fmt.Fprintf(w, "%-24s %d\n\n", "removals", st.StateRemovals)

			fmt.Fprintf(w, "Limits\n")
			fmt.Fprintf(w, "------\n")
			for _, name := range sortedKeys(st.Limits) {
				fmt.Fprintf(w, "%-24s %d\n", name, st.Limits[name])
			}
			return nil
		},
	}
}

func printCounters(w io.Writer, title string, m map[string]uint64) {
	fmt.Fprintf(w, "%s\n%s\n", title, strings.Repeat("-", len(title)))
	for _, name := range sortedKeys(m) {
		fmt.Fprintf(w, "%-24s %d\n", name, m[name])
	}
	fmt.Fprintln(w)
}

func newStatesCommand(flags *globalFlags) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "states",
		Short: "List the state table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			states, err := ipc.NewClient(flags.ipcAddr).States()
			if err != nil {
				return notRunning(err)
			}
			w := cmd.OutOrStdout()
			for _, s := range states {
				fmt.Fprintln(w, s.String())
				if verbose {
					fmt.Fprintf(w, "   age %s, expires in %s, %d:%d pkts, %d:%d bytes, %s\n",
						formatSeconds(s.Age), formatSeconds(s.ExpiresIn),
						s.Packets[0], s.Packets[1], s.Bytes[0], s.Bytes[1], s.Timeout)
					fmt.Fprintf(w, "   id: %016x creatorid: %08x", s.ID, s.CreatorID)
					if s.Rule != "" {
						fmt.Fprintf(w, " rule: %s", s.Rule)
					}
					fmt.Fprintln(w)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "long", "l", false, "Show counters and ids")
	return cmd
}

func newSrcNodesCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "srcnodes",
		Short: "List the source tracking nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nodes, err := ipc.NewClient(flags.ipcAddr).SourceNodes()
			if err != nil {
				return notRunning(err)
			}
			w := cmd.OutOrStdout()
			for _, n := range nodes {
				target := "0.0.0.0"
				if n.RAddr.IsValid() {
					target = n.RAddr.String()
				}
				fmt.Fprintf(w, "%s -> %s ( states %d, connections %d, rate %.1f )\n",
					n.Addr, target, n.States, n.Conn, n.ConnRate)
				fmt.Fprintf(w, "   age %s, expires in %s, %d pkts, %d bytes\n",
					formatSeconds(n.Age), formatSeconds(n.ExpiresIn),
					n.Packets[0]+n.Packets[1], n.Bytes[0]+n.Bytes[1])
			}
			return nil
		},
	}
}

func newRulesCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the active rules with their counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rules, err := ipc.NewClient(flags.ipcAddr).Rules()
			if err != nil {
				return notRunning(err)
			}
			w := cmd.OutOrStdout()
			for _, r := range rules {
				prefix := fmt.Sprintf("@%d", r.Nr)
				if r.Anchor != "" {
					prefix = fmt.Sprintf("%s @%d", r.Anchor, r.Nr)
				}
				fmt.Fprintf(w, "%s %s\n", prefix, r.Text)
				fmt.Fprintf(w, "  [ Evaluations: %-8d Packets: %-8d Bytes: %-10d States: %-6d ]\n",
					r.Evaluations, r.Packets[0]+r.Packets[1], r.Bytes[0]+r.Bytes[1], r.States)
			}
			return nil
		},
	}
}

func newKillCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <src> [dst]",
		Short: "Remove the states from src to dst",
		Long:  "Remove the states from src to dst. Both accept an address or a prefix; use \"any\" or omit dst to match everything.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := anyToEmpty(args[0]), ""
			if len(args) == 2 {
				dst = anyToEmpty(args[1])
			}
			n, err := ipc.NewClient(flags.ipcAddr).KillStates(src, dst)
			if err != nil {
				return notRunning(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed %d states\n", n)
			return nil
		},
	}
}

func newFlushCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "flush-srcnodes",
		Short: "Drop every source tracking node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := ipc.NewClient(flags.ipcAddr).FlushSourceNodes()
			if err != nil {
				return notRunning(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d source nodes flushed\n", n)
			return nil
		},
	}
}

func anyToEmpty(s string) string {
	if s == "any" || s == "all" {
		return ""
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatSeconds(s int64) string {
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	if s < 3600 {
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
}
