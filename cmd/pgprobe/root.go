package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pgprobe/internal/platform/apperr"
	"pgprobe/internal/platform/boot"
	"pgprobe/internal/platform/config"
	"pgprobe/internal/platform/health"
	"pgprobe/internal/platform/logging"
	"pgprobe/internal/platform/metrics"
	"pgprobe/internal/platform/otel"
)

const serviceName = "pgprobe"

type options struct {
	envFile     string
	logLevel    string
	logFormat   string
	metricsFile string
	report      string
}

// execute runs the command and returns the process exit code.
func execute(ctx context.Context, args []string, environ func() []string, stdout, stderr io.Writer) int {
	var runErr error
	cmd := newRootCmd(environ, stdout, stderr, &runErr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "pgprobe: %v\n", err)
		if runErr == nil {
			// flag or usage error
			return 1
		}
	}
	return apperr.ExitCode(runErr)
}

func newRootCmd(environ func() []string, stdout, stderr io.Writer, runErr *error) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "pgprobe",
		Short: "Verify PostgreSQL connectivity, optionally over TLS with a custom CA",
		Long: `pgprobe resolves connection settings from PG__* environment variables,
optionally trusts the PEM bundle named by DB_CA_CERT, opens a pool and runs
one introspection query. The exit code reports the failing stage:

  0 ok, 2 config, 3 certificate io, 4 certificate parse,
  5 pool creation, 6 connection, 7 query, 8 decode, 1 other

Flags left unset default from PGPROBE_LOG_LEVEL, PGPROBE_LOG_FORMAT and
PGPROBE_METRICS_FILE, read from the environment and the --env-file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			*runErr = run(cmd.Context(), cmd.Flags().Changed, opts, environ, stdout)
			return *runErr
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.StringVar(&opts.envFile, "env-file", "", "dotenv file layered under the process environment")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "json", "log format (json, console)")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus textfile metrics here after the run")
	f.StringVar(&opts.report, "report", "", "print a run report to stdout (json)")
	return cmd
}

// withEnvDefaults fills flags the user did not set from env.
func (o options) withEnvDefaults(changed func(string) bool, env func() []string) options {
	if !changed("log-level") {
		o.logLevel = config.Getenv(env, "PGPROBE_LOG_LEVEL", o.logLevel)
	}
	if !changed("log-format") {
		o.logFormat = config.Getenv(env, "PGPROBE_LOG_FORMAT", o.logFormat)
	}
	if !changed("metrics-file") {
		o.metricsFile = config.Getenv(env, "PGPROBE_METRICS_FILE", o.metricsFile)
	}
	return o
}

func run(ctx context.Context, changed func(string) bool, opts options, environ func() []string, stdout io.Writer) error {
	if opts.report != "" && opts.report != "json" {
		return apperr.Errorf(apperr.ErrConfig, "--report", "unsupported format %q", opts.report)
	}

	env, err := config.WithDotenv(opts.envFile, environ)
	if err != nil {
		return err
	}
	opts = opts.withEnvDefaults(changed, env)

	log, err := logging.New(serviceName, logging.Options{Level: opts.logLevel, Format: opts.logFormat})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	tp, shutdownTrace, err := otel.Init(ctx, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTrace(shutdownCtx); err != nil {
			log.Warn("trace shutdown failed", zap.Error(err))
		}
	}()

	var pm *metrics.ProbeMetrics
	var mx *otel.Metrics
	if opts.metricsFile != "" {
		mx, err = otel.InitMetricsPrometheus(ctx, serviceName)
		if err != nil {
			return err
		}
		defer func() { _ = mx.Shutdown(context.Background()) }()
		if pm, err = metrics.NewProbeMetrics(mx.Provider); err != nil {
			return err
		}
	}

	rep, runErr := boot.Run(ctx, boot.Deps{
		Log:     log,
		Environ: env,
		Tracer:  tp.Tracer(serviceName),
		Metrics: pm,
	})

	if err := mx.WriteTextfile(opts.metricsFile); err != nil {
		log.Warn("metrics textfile not written", zap.String("path", opts.metricsFile), zap.Error(err))
	}
	if opts.report == "json" {
		if err := health.Write(stdout, rep.Health(runErr)); err != nil {
			log.Warn("report not written", zap.Error(err))
		}
	}
	return runErr
}
