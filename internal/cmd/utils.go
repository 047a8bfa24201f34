package cmd

import (
	"fmt"
	stdlibLog "log"
	"os"
	"time"

	"github.com/go-logr/stdr"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"

	"github.com/helvethink/release-pipeline/internal/logging"
	"github.com/helvethink/release-pipeline/pkg/config"
)

// exitCodeConfiguration is returned when the invocation or the configuration is invalid,
// as opposed to a release which ran and failed.
const exitCodeConfiguration = 2

var start time.Time

// configure loads and validates configuration from CLI context and sets up logging.
// It returns a populated config object or an error.
func configure(ctx *cli.Context) (cfg config.Config, err error) {
	start = ctx.App.Metadata["startTime"].(time.Time)

	assertStringVariableDefined(ctx, "config")

	cfg, err = config.ParseFile(ctx.String("config"))
	if err != nil {
		return
	}

	cfg.Global.DryRun = ctx.Bool("dry-run")

	configCliOverrides(ctx, &cfg)

	if err = cfg.Validate(); err != nil {
		return
	}

	if err = logging.Configure(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}); err != nil {
		return
	}

	// Add OpenTelemetry logging hook to integrate tracing into logs
	log.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
		log.PanicLevel,
		log.FatalLevel,
		log.ErrorLevel,
		log.WarnLevel,
	)))

	// Redirect the internal errors of the OpenTelemetry SDK to the main log system
	otel.SetLogger(stdr.New(stdlibLog.New(log.StandardLogger().WriterLevel(log.WarnLevel), "otel", 0)))

	log.WithFields(
		log.Fields{
			"config-file":      cfg.Global.ConfigFile,
			"registry":         fmt.Sprintf("%s/%s", cfg.Registry.URL, cfg.Registry.Name),
			"gate-kind":        cfg.Gate.Kind,
			"pipeline-timeout": cfg.Pipeline.Timeout().String(),
		},
	).Info("configured")

	log.WithFields(cfg.Health.Log()).Debug("health check policy")

	return
}

// exit logs the execution time and error (if any), then returns a CLI exit code.
func exit(exitCode int, err error) cli.ExitCoder {
	defer log.WithFields(
		log.Fields{
			"execution-time": time.Since(start), // nolint: govet
		},
	).Debug("exited..")

	if err != nil {
		log.WithError(err).Error()
	}

	return cli.Exit("", exitCode)
}

// ExecWrapper gracefully logs and exits our `run` functions.
// It wraps a function returning (int, error) into a `cli.ActionFunc` compatible with urfave/cli.
func ExecWrapper(f func(ctx *cli.Context) (int, error)) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		return exit(f(ctx))
	}
}

// configCliOverrides overrides configuration fields with command-line flags if present.
func configCliOverrides(ctx *cli.Context, cfg *config.Config) {
	if ctx.String("redis-url") != "" {
		cfg.Redis.URL = ctx.String("redis-url")
	}

	if ctx.String("pushgateway-url") != "" {
		cfg.Metrics.PushgatewayURL = ctx.String("pushgateway-url")
	}

	if ctx.String("gate-token") != "" {
		cfg.Gate.Token = ctx.String("gate-token")
	}

	if ctx.String("gitlab-token") != "" {
		cfg.Gate.GitLab.Token = ctx.String("gitlab-token")
	}

	if ctx.String("commit-sha") != "" {
		cfg.Gate.GitLab.SHA = ctx.String("commit-sha")
	}
}

// assertStringVariableDefined ensures a required string flag is set.
// If not, it prints help and exits the program.
func assertStringVariableDefined(ctx *cli.Context, k string) {
	if len(ctx.String(k)) == 0 {
		_ = cli.ShowAppHelp(ctx)

		log.Errorf("'--%s' must be set!", k)
		os.Exit(exitCodeConfiguration)
	}
}
