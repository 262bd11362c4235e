package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/costs"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/health"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

var usageSessionID string

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show recorded model usage and cost for a session",
	Long: `Show every model call recorded for a session with its tier, tokens and
cost, followed by the per-tier breakdown. Records come from the database when
it is enabled and from the session checkpoint otherwise.`,
	RunE: showUsage,
}

func init() {
	usageCmd.Flags().StringVar(&usageSessionID, "session", "", "session ID (required)")
	_ = usageCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(usageCmd)
}

func showUsage(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if logger != nil {
		defer func() { _ = logger.Sync() }()
	}
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(commandContext(cmd), 30*time.Second)
	defer cancel()

	st, err := openStores(ctx, cfg, health.NewManager(logger), logger)
	if err != nil {
		return err
	}
	defer st.close(logger)

	records, err := loadUsage(ctx, st, usageSessionID)
	if err != nil {
		return err
	}
	return printUsage(cmd.OutOrStdout(), usageSessionID, records, logger)
}

func loadUsage(ctx context.Context, st *stores, sessionID string) ([]models.UsageRecord, error) {
	if st.db != nil {
		return st.db.UsageForSession(ctx, sessionID)
	}
	s, err := st.checkpoints.Load(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("no usage recorded for session %s", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return s.Usage, nil
}

func printUsage(out io.Writer, sessionID string, records []models.UsageRecord, logger *zap.Logger) error {
	tracker := costs.NewTracker(nil, logger)
	tracker.Restore(records)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTASK\tTIER\tIN\tOUT\tCOST $")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%.6f\n",
			r.Timestamp.Format(time.RFC3339), r.Task, r.Tier, r.InputTokens, r.OutputTokens, r.Cost)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	breakdown := tracker.Breakdown(sessionID)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tCALLS\tIN\tOUT\tCOST $")
	for _, t := range models.AllTiers {
		b, ok := breakdown[t]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.6f\n", t, b.Calls, b.InputTokens, b.OutputTokens, b.Cost)
	}
	fmt.Fprintf(w, "total\t%d\t\t\t%.6f\n", len(records), tracker.SessionCost(sessionID))
	return w.Flush()
}
