package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/ratecontrol"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Show model tiers, rates, fallback chains and task routes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, logger, err := setup()
		if logger != nil {
			defer func() { _ = logger.Sync() }()
		}
		if err != nil {
			return err
		}
		return printTiers(cmd.OutOrStdout(), ratecontrol.FromConfig())
	},
}

func init() {
	rootCmd.AddCommand(tiersCmd)
}

func printTiers(out io.Writer, limits *ratecontrol.Limiters) error {
	tables := models.CurrentTables()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tFAMILY\tIN $/1M\tOUT $/1M\tCONTEXT\tRPM\tFALLBACK")
	for _, t := range models.AllTiers {
		spec, ok := pricing.SpecFor(t)
		if !ok {
			continue
		}
		rpm := "-"
		if lim := limits.LimitForTier(t); lim.RPM > 0 {
			rpm = fmt.Sprintf("%d", lim.RPM)
		}
		chain := make([]string, 0, len(tables.Chains[t]))
		for _, c := range tables.Chains[t] {
			chain = append(chain, string(c))
		}
		fallback := strings.Join(chain, " > ")
		if fallback == "" {
			fallback = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%d\t%s\t%s\n",
			t, models.FamilyFor(t), spec.InputPerMillion, spec.OutputPerMillion, spec.ContextLimit, rpm, fallback)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	tasks := make([]string, 0, len(tables.Routes))
	for task := range tables.Routes {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTIER")
	for _, task := range tasks {
		fmt.Fprintf(w, "%s\t%s\n", task, tables.Routes[task])
	}
	fmt.Fprintf(w, "(default)\t%s\n", tables.DefaultTier)
	if err := w.Flush(); err != nil {
		return err
	}
	if src := pricing.Source(); src != "" {
		fmt.Fprintf(out, "\nrates from %s\n", src)
	}
	return nil
}
