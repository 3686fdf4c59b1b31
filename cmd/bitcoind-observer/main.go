// bitcoind-observer attaches to the USDT tracepoints of a running bitcoind
// and exports what it sees as Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
	"github.com/mrzor/bitcoind-observer/internal/bpfloader"
	"github.com/mrzor/bitcoind-observer/internal/config"
	"github.com/mrzor/bitcoind-observer/internal/eventprocessor"
	"github.com/mrzor/bitcoind-observer/internal/eventstream"
	"github.com/mrzor/bitcoind-observer/internal/filter"
	"github.com/mrzor/bitcoind-observer/internal/logging"
	"github.com/mrzor/bitcoind-observer/internal/metrics"
	"github.com/mrzor/bitcoind-observer/internal/metricserver"
	"github.com/mrzor/bitcoind-observer/internal/otel"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	return newRootCmd().ExecuteContext(context.Background())
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := config.Load()
	if cfg == nil {
		cfg = &config.Config{}
	}

	cmd := &cobra.Command{
		Use:   "bitcoind-observer <bitcoind-binary> <metrics-addr>",
		Short: "Export bitcoind USDT tracepoint activity as Prometheus metrics",
		Long: `bitcoind-observer loads the compiled probe programs, attaches them to the
USDT tracepoints of the given bitcoind binary and serves the aggregated
counters on <metrics-addr>/metrics.

Every flag can also be set with a BITCOIND_OBSERVER_* environment variable.`,
		Example:       "  bitcoind-observer /usr/local/bin/bitcoind 127.0.0.1:8282 --filter 'network_message=MsgType != \"ping\"'",
		Args:          cobra.ExactArgs(2),
		Version:       fmt.Sprintf("%s (commit %s, built %s, record layout v%d)", version, commit, date, bpf.LayoutVersion),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			cfg.Target = args[0]
			cfg.MetricsAddr = args[1]
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return observe(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BPFObject, "bpf-object", cfg.BPFObject, "compiled probe object")
	f.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "wait per channel and loop pass (per channel: BITCOIND_OBSERVER_POLL_TIMEOUTS=map:duration,...)")
	f.IntVar(&cfg.MaxBatch, "max-batch", cfg.MaxBatch, "records drained per channel visit")
	f.IntVar(&cfg.PerfBufferPages, "perf-buffer-pages", cfg.PerfBufferPages, "per-CPU perf buffer size in pages")
	f.StringSliceVar(&cfg.Probes, "probes", cfg.Probes, fmt.Sprintf("probe groups to enable %v", bpf.Groups))
	f.BoolVar(&cfg.AllowPartial, "allow-partial", cfg.AllowPartial, "keep running when some probes fail to attach")
	f.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "metric namespace")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.StringArrayVar(&cfg.Filters, "filter", cfg.Filters, "kind=expression record filter, repeatable; enum fields match via methods, e.g. cache_flush=Mode.String() == \"periodic\"")

	return cmd
}

// observe runs until SIGINT or SIGTERM.
func observe(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // Sync fails on terminals

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, cleanupOTEL, err := setupOTEL(logger)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	reg := metrics.NewRegistry(metrics.WithNamespace(cfg.Namespace))
	reg.SetStartTimestamp(time.Now())

	processor, err := setupProcessor(cfg, reg, logger)
	if err != nil {
		return err
	}

	srv := metricserver.New(reg.Gatherer(), logger.Named("metricserver"))
	if err := srv.Start(cfg.MetricsAddr); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("stopping metrics server", zap.Error(err))
		}
	}()

	mux, cleanupBPF, err := setupBPF(ctx, cfg, tracer, reg, processor, logger)
	if err != nil {
		return err
	}
	defer cleanupBPF()

	logger.Info("observing",
		zap.String("target", cfg.Target),
		zap.Strings("probe_groups", cfg.Probes),
		zap.Int("channels", mux.Len()),
		zap.String("version", version),
	)

	if err := mux.Run(ctx); err != nil {
		return fmt.Errorf("polling channels: %w", err)
	}

	logger.Info("shutting down")
	return nil
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(logger *zap.Logger) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, err
	}

	tp, err := otel.InitProvider(otelCfg, version, logger.Named("otel"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Error("shutting down OTEL provider", zap.Error(err))
		}
	}

	return otel.Tracer(tp), cleanup, nil
}

func setupProcessor(cfg *config.Config, reg *metrics.Registry, logger *zap.Logger) (*eventprocessor.Processor, error) {
	rules, err := filter.ParseRules(cfg.Filters)
	if err != nil {
		return nil, err
	}
	f, err := filter.New(rules)
	if err != nil {
		return nil, err
	}
	if f.Len() > 0 {
		logger.Info("record filters enabled", zap.Int("rules", f.Len()))
	}
	return eventprocessor.NewProcessor(reg, f, logger.Named("eventprocessor")), nil
}

// setupBPF loads the probe programs, attaches them and opens one perf reader
// per channel fed by an attached probe. Returns the multiplexer and cleanup
// function.
func setupBPF(
	ctx context.Context,
	cfg *config.Config,
	tracer trace.Tracer,
	reg *metrics.Registry,
	handler eventstream.Handler,
	logger *zap.Logger,
) (*eventstream.Multiplexer, func(), error) {
	probes, _, err := bpf.Select(cfg.Probes)
	if err != nil {
		return nil, nil, err
	}

	loader, err := bpfloader.New(cfg.BPFObject, logger.Named("bpfloader"), tracer)
	if err != nil {
		return nil, nil, err
	}

	att, err := loader.Attach(ctx, cfg.Target, probes, cfg.AllowPartial)
	if err != nil {
		if closeErr := loader.Close(); closeErr != nil {
			logger.Error("closing loader after attach failure", zap.Error(closeErr))
		}
		return nil, nil, err
	}
	reg.SetProbesAttached(att.Sites)
	if len(att.Failed) > 0 {
		logger.Warn("running with partial instrumentation",
			zap.Int("attached", len(att.Probes)),
			zap.Int("failed", len(att.Failed)),
		)
	}

	mux := eventstream.New(handler, logger.Named("eventstream"), eventstream.WithMaxBatch(cfg.MaxBatch))
	cleanup := func() {
		if err := mux.Close(); err != nil {
			logger.Error("closing perf readers", zap.Error(err))
		}
		if err := loader.Close(); err != nil {
			logger.Error("closing loader", zap.Error(err))
		}
	}

	for _, ch := range bpf.ChannelsFor(att.Probes) {
		rd, err := loader.OpenChannel(ch, cfg.PerfBufferBytes())
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		mux.Add(ch, rd, cfg.PollTimeoutFor(ch.Map))
	}

	return mux, cleanup, nil
}
