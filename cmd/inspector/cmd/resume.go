package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	resumeSessionID string
	resumeSet       []string
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a checkpointed session",
	Long: `Continue a session from its last checkpoint. --set overrides session
configuration before the next stage runs; supported keys are target,
max_items, crawl_batch, high_severity_stop, max_errors, focus_areas and stop.`,
	Example: `  inspector resume --session nightly-1
  inspector resume --session nightly-1 --set max_items=100`,
	RunE: resumeInspection,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeSessionID, "session", "", "session ID (required)")
	resumeCmd.Flags().StringArrayVar(&resumeSet, "set", nil, "override as key=value (repeatable)")
	_ = resumeCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(resumeCmd)
}

func parseOverrides(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid override %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func resumeInspection(cmd *cobra.Command, _ []string) error {
	overrides, err := parseOverrides(resumeSet)
	if err != nil {
		return err
	}
	cfg, logger, err := setup()
	if logger != nil {
		defer func() { _ = logger.Sync() }()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	unfollow := a.follow(ctx, resumeSessionID)
	logger.Info("Resuming session",
		zap.String("session_id", resumeSessionID),
		zap.Int("overrides", len(overrides)),
	)
	s, err := a.engine.Resume(ctx, resumeSessionID, overrides)
	unfollow()
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), a.engine.Report(s))
}
