package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotm/core/script"
	"github.com/sushant-115/gojotm/internal/config"
)

// cliFlags are the command-line overrides of the configuration file.
type cliFlags struct {
	configPath  string
	logLevel    string
	auditLog    string
	delay       time.Duration
	timeout     time.Duration
	rate        float64
	objects     int
	metrics     bool
	metricsPort int
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	root := &cobra.Command{
		Use:          "gojotm",
		Short:        "Lock-based transaction manager driven by test scripts",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "diagnostic log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(flags), newCheckCmd(), newShellCmd(flags))
	return root
}

func newRunCmd(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a test script and append its events to the transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			applyOverrides(&cfg, cmd.Flags(), flags)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runScript(cmd, cfg, args[0], cmd.Flags().Changed("audit-log"))
		},
	}
	addRunFlags(cmd.Flags(), flags)
	return cmd
}

func addRunFlags(fs *pflag.FlagSet, flags *cliFlags) {
	fs.StringVar(&flags.auditLog, "audit-log", "", "transaction log file (overrides the script's Log line)")
	fs.DurationVar(&flags.delay, "delay", 0, "service time of every read and write")
	fs.DurationVar(&flags.timeout, "timeout", 0, "give up after this long and report waiting transactions")
	fs.Float64Var(&flags.rate, "rate", 0, "operations dispatched per second (0 for no limit)")
	fs.IntVar(&flags.objects, "objects", 0, "number of shared objects")
	fs.BoolVar(&flags.metrics, "metrics", false, "serve Prometheus metrics while running")
	fs.IntVar(&flags.metricsPort, "metrics-port", 0, "port of the /metrics endpoint")
}

// applyOverrides copies the flags the user set over the file configuration.
func applyOverrides(cfg *config.Config, fs *pflag.FlagSet, flags *cliFlags) {
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}
	if fs.Changed("audit-log") {
		cfg.AuditLog = flags.auditLog
	}
	if fs.Changed("delay") {
		cfg.Manager.OpDelay = flags.delay
	}
	if fs.Changed("timeout") {
		cfg.Timeout = flags.timeout
	}
	if fs.Changed("rate") {
		cfg.DispatchRate = flags.rate
	}
	if fs.Changed("objects") {
		cfg.Manager.NumObjects = flags.objects
	}
	if fs.Changed("metrics") {
		cfg.Telemetry.Enabled = flags.metrics
	}
	if fs.Changed("metrics-port") {
		cfg.Telemetry.PrometheusPort = flags.metricsPort
	}
}

func runScript(cmd *cobra.Command, cfg config.Config, path string, auditFromFlag bool) error {
	s, err := script.ParseFile(path)
	if err != nil {
		return err
	}
	auditPath := cfg.AuditLog
	if s.LogPath != "" && !auditFromFlag {
		auditPath = s.LogPath
	}

	sess, err := openSession(cfg, auditPath)
	if err != nil {
		return err
	}
	defer sess.Close()
	zlogger := sess.logger
	driver := script.NewDriver(sess.manager, script.DriverConfig{Rate: cfg.DispatchRate, Burst: cfg.DispatchBurst}, zlogger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	zlogger.Info("Running script",
		zap.String("script", path), zap.String("auditLog", auditPath),
		zap.Int("operations", len(s.Ops)), zap.Int("transactions", len(s.Counts)))
	start := time.Now()
	res, runErr := driver.Run(ctx, s)
	snap := sess.manager.Snapshot()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d operations dispatched, %d failed, %d transactions still registered (%s)\n",
		path, res.Dispatched, res.Failed, len(snap.Txns), time.Since(start).Round(time.Millisecond))

	if runErr != nil {
		stuck := snap
		if res.Stuck != nil {
			stuck = *res.Stuck
		}
		zlogger.Warn("Run did not complete",
			zap.Int("waiting", len(stuck.Waiting())), zap.Int("registered", len(stuck.Txns)), zap.Error(runErr))
		if _, err := stuck.WriteTo(cmd.ErrOrStderr()); err != nil {
			zlogger.Warn("Failed to print manager state", zap.Error(err))
		}
		return runErr
	}
	if zlogger.Core().Enabled(zap.DebugLevel) {
		_, _ = snap.WriteTo(cmd.ErrOrStderr())
	}
	return nil
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <script>",
		Short: "Parse a test script and print its transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := script.ParseFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d operations in %d transactions\n", args[0], len(s.Ops), len(s.Counts))
			if s.LogPath != "" {
				fmt.Fprintf(out, "log: %s\n", s.LogPath)
			}
			for _, id := range s.TxnIDs() {
				fmt.Fprintf(out, "T%d\t%d operations\n", id, s.Counts[id])
			}
			return nil
		},
	}
}
