package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/reqtree/internal/config"
	"github.com/Iron-Ham/reqtree/internal/errors"
	"github.com/Iron-Ham/reqtree/internal/logging"
	"github.com/Iron-Ham/reqtree/internal/metrics"
	"github.com/Iron-Ham/reqtree/internal/orchestrator"
	"github.com/Iron-Ham/reqtree/internal/requirement"
)

var runCmd = &cobra.Command{
	Use:   "run <queue-file>",
	Short: "Validate a batch of requirements",
	Long: `Validate every requirement in a YAML or JSON queue file.

The queue file lists requirements under a "requirements" key:

  requirements:
    - id: REQ-001
      text: The system shall respond to search queries within 200ms.
      tag: perf

Examples:
  # Validate a queue with at most 3 trees in flight
  reqtree run queue.yaml --max-parallel 3

  # Only validate security requirements and print JSON
  reqtree run queue.yaml --tags 'security-*' --json

  # Answer clarification questions at the terminal instead of with "reqtree answer"
  reqtree run queue.yaml --interactive

Requirements the service suspends for clarification keep the session open
after every root has finished, until each one is revalidated or the run is
interrupted. Pass --wait-input=false to report them as pending instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runSessionID   string
	runTags        string
	runJSON        bool
	runWaitInput   bool
	runInteractive bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runSessionID, "session", "", "Session ID (default: random)")
	runCmd.Flags().StringVar(&runTags, "tags", "", "Only validate requirements whose tag matches this glob")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the batch result as JSON")
	runCmd.Flags().BoolVar(&runWaitInput, "wait-input", true, "Stay open until requirements awaiting input are revalidated")
	runCmd.Flags().BoolVar(&runInteractive, "interactive", false, "Prompt for clarification answers on stdin")
	runCmd.Flags().Int("max-parallel", 0, "Root requirements validated at once (default from config)")
	runCmd.Flags().Int("max-depth", 0, "Depth at which split children stop being validated (default from config)")
	runCmd.Flags().Float64("threshold", 0, "Minimum passing score (default from config)")

	_ = viper.BindPFlag("validation.max_parallel", runCmd.Flags().Lookup("max-parallel"))
	_ = viper.BindPFlag("validation.max_depth", runCmd.Flags().Lookup("max-depth"))
	_ = viper.BindPFlag("validation.threshold", runCmd.Flags().Lookup("threshold"))
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	nodes, err := requirement.LoadQueue(args[0])
	if err != nil {
		return err
	}
	nodes, err = requirement.FilterByTag(nodes, runTags)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no requirements to validate in %s", args[0])
	}

	sessionID := runSessionID
	if sessionID == "" {
		sessionID = generateSessionID()
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	watchConfig(viper.GetViper(), logger)

	o, err := orchestrator.New(orchestrator.Config{SessionID: sessionID, Settings: cfg}, orchestrator.WithLogger(logger))
	if err != nil {
		return err
	}
	defer o.Close()

	if srv := serveMetrics(cfg.Metrics.ListenAddr, o.Metrics(), logger); srv != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !runJSON {
		fmt.Fprintf(cmd.ErrOrStderr(), "Session %s: validating %d requirements\n", sessionID, len(nodes))
	}
	if err := o.Run(ctx, nodes); err != nil {
		return err
	}

	result, waitErr := o.Wait(ctx)
	if waitErr != nil && !errors.Is(waitErr, errors.ErrSessionCanceled) && !errors.IsCanceled(waitErr) {
		return waitErr
	}

	if waitErr == nil && runWaitInput && len(o.Pending()) > 0 {
		awaitInput(ctx, cmd, o, cfg.Stream.Enabled, logger)
		result = o.Snapshot()
	}

	report := newReport(sessionID, result, o.Pending(), o.Retries(), waitErr != nil)
	if runJSON {
		err = writeJSON(cmd.OutOrStdout(), report)
	} else {
		err = writeSummary(cmd.OutOrStdout(), report, isTerminal(cmd.OutOrStdout()))
	}
	if err != nil {
		return err
	}
	if waitErr != nil {
		return fmt.Errorf("session %s cancelled: %w", sessionID, errors.ErrSessionCanceled)
	}
	return nil
}

// awaitInput keeps the session open while nodes wait for answers. Answers
// come from the prompt when --interactive is set, or from "reqtree answer"
// in another shell; either way the revalidation arrives on the stream.
func awaitInput(ctx context.Context, cmd *cobra.Command, o *orchestrator.Orchestrator, streamEnabled bool, logger *logging.Logger) {
	if !streamEnabled {
		logger.Warn("progress stream disabled, not waiting for answers", "pending", len(o.Pending()))
		return
	}

	stderr := cmd.ErrOrStderr()
	pending := o.Pending()
	fmt.Fprintf(stderr, "%d requirement(s) awaiting input; waiting for revalidation (Ctrl-C to stop)\n", len(pending))

	if runInteractive {
		go func() {
			if err := promptAnswers(ctx, cmd.InOrStdin(), stderr, o, pending); err != nil && !errors.IsCanceled(err) {
				logger.Warn("interactive answers stopped", "error", err.Error())
			}
		}()
	} else {
		fmt.Fprintf(stderr, "Answer with: reqtree answer %s <node> --answer <question>=<text>\n", o.SessionID())
	}

	if err := o.WaitInputs(ctx); err != nil && !errors.IsCanceled(err) {
		logger.Warn("stopped waiting for answers", "error", err.Error())
	}
}

// serveMetrics exposes the collector on addr. It returns nil when addr is
// empty.
func serveMetrics(addr string, collector *metrics.Collector, logger *logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err.Error())
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

// generateSessionID creates a short random hex ID.
// Falls back to timestamp-based ID if crypto/rand fails.
func generateSessionID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}
	return hex.EncodeToString(b)
}
