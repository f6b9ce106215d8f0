package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/igjeong/hyper-pf/config"
	"github.com/igjeong/hyper-pf/pf"
)

func newCheckCommand(flags *globalFlags) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the compiled rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rules, err := checkConfig(flags.configPath)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !quiet {
				printRules(w, rules)
			}
			fmt.Fprintf(w, "%s: OK (%d rules)\n", flags.configPath, len(rules))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only report whether the configuration is valid")
	return cmd
}

// checkConfig loads the configuration into a scratch engine and returns
// the rules it would run.
func checkConfig(path string) ([]pf.RuleInfo, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limits, err := cfg.EngineLimits()
	if err != nil {
		return nil, err
	}
	engine := pf.NewEngine(pf.WithLogger(discardLogger()), pf.WithLimits(limits))
	if err := applyConfig(engine, cfg); err != nil {
		return nil, err
	}
	return engine.Rules(), nil
}

func printRules(w io.Writer, rules []pf.RuleInfo) {
	section := ""
	for _, r := range rules {
		header := r.Kind
		if r.Anchor != "" {
			header = fmt.Sprintf("%s (anchor %s)", r.Kind, r.Anchor)
		}
		if header != section {
			fmt.Fprintf(w, "# %s\n", header)
			section = header
		}
		fmt.Fprintf(w, "@%d %s\n", r.Nr, r.Text)
	}
}
