package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/helvethink/release-pipeline/pkg/controller"
	"github.com/helvethink/release-pipeline/pkg/schemas"
)

// Run releases a build to an environment. It exits 0 when the release succeeded, 1 when it
// failed and 2 when it could not start because of the invocation or the configuration.
func Run(cliCtx *cli.Context) (int, error) {
	cfg, err := configure(cliCtx)
	if err != nil {
		return exitCodeConfiguration, err
	}

	req, err := deploymentRequest(cliCtx)
	if err != nil {
		return exitCodeConfiguration, err
	}

	// An interruption cancels the run, cleanup still happens
	ctx, ctxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer ctxCancel()

	c, err := controller.New(ctx, cfg, cliCtx.App.Version)
	if err != nil {
		if schemas.IsKind(err, schemas.FailureKindConfiguration) {
			return exitCodeConfiguration, err
		}

		return 1, err
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := c.Close(closeCtx); err != nil {
			log.WithError(err).Warn("closing controller")
		}
	}()

	report, err := c.Run(ctx, req)
	if err != nil {
		return exitCodeConfiguration, err
	}

	if c.Recorder != nil {
		fmt.Fprintln(cliCtx.App.Writer, RenderPlan(c.Recorder.Lines()))
	}

	fmt.Fprintln(cliCtx.App.Writer, RenderReport(report, time.Now()))

	if code := report.ExitCode(); code != 0 {
		return code, fmt.Errorf("release %s failed: %s", report.RunID, failureSummary(report))
	}

	return 0, nil
}

// deploymentRequest reads the request from the command flags.
func deploymentRequest(cliCtx *cli.Context) (req schemas.DeploymentRequest, err error) {
	if req.Environment, err = schemas.ParseEnvironment(cliCtx.String("environment")); err != nil {
		return
	}

	req.BuildID = cliCtx.Uint64("build-id")
	req.SkipTests = cliCtx.Bool("skip-tests")

	err = req.Validate()
	return
}

func failureSummary(report schemas.PipelineReport) string {
	var parts []string
	for _, f := range report.Failures() {
		if f.Criticality != schemas.CriticalityBlocking {
			continue
		}

		parts = append(parts, fmt.Sprintf("%s (%s)", f.Name, f.FailureKind))
	}

	if len(parts) == 0 {
		return "unknown failure"
	}

	return strings.Join(parts, ", ")
}
