package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/workflow"
)

var (
	runTarget     string
	runSessionID  string
	runMaxItems   int
	runCrawlBatch int
	jsonOutput    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new inspection session",
	Long: `Start a new inspection session against --target. The session is
checkpointed after every stage; interrupt it with Ctrl-C and continue later
with 'inspector resume --session <id>'.`,
	Example: `  inspector run --target https://example.com
  inspector run --target https://example.com --max-items 50 --session nightly-1`,
	RunE: runInspection,
}

func init() {
	runCmd.Flags().StringVar(&runTarget, "target", "", "start URL (required)")
	runCmd.Flags().StringVar(&runSessionID, "session", "", "session ID (default: generated)")
	runCmd.Flags().IntVar(&runMaxItems, "max-items", 0, "maximum pages to crawl (default: workflow.max_items)")
	runCmd.Flags().IntVar(&runCrawlBatch, "crawl-batch", 0, "pages fetched per crawl iteration (default: workflow.crawl_batch)")
	_ = runCmd.MarkFlagRequired("target")
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print the session report as JSON")
	}
	rootCmd.AddCommand(runCmd)
}

func runInspection(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if logger != nil {
		defer func() { _ = logger.Sync() }()
	}
	if err != nil {
		return err
	}

	sessionCfg := state.Config{
		Target:           runTarget,
		MaxItems:         cfg.Workflow.MaxItems,
		CrawlBatch:       cfg.Workflow.CrawlBatch,
		HighSeverityStop: cfg.Workflow.HighSeverityStop,
		MaxErrors:        cfg.Workflow.MaxErrors,
	}
	if runMaxItems > 0 {
		sessionCfg.MaxItems = runMaxItems
	}
	if runCrawlBatch > 0 {
		sessionCfg.CrawlBatch = runCrawlBatch
	}
	sessionID := runSessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	unfollow := a.follow(ctx, sessionID)
	logger.Info("Starting session",
		zap.String("session_id", sessionID),
		zap.String("target", sessionCfg.Target),
		zap.Int("max_items", sessionCfg.MaxItems),
	)
	s, err := a.engine.Run(ctx, sessionID, sessionCfg)
	unfollow()
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), a.engine.Report(s))
}

func printReport(w io.Writer, r workflow.SessionReport) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, err := fmt.Fprintln(w, r.Text())
	return err
}

// commandContext tolerates commands executed without a context in tests.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
