package deployer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/release-pipeline/pkg/config"
	"github.com/helvethink/release-pipeline/pkg/process"
	"github.com/helvethink/release-pipeline/pkg/schemas"
)

const tracerName = "release-pipeline"

// Messages the compose CLIs print when asked to stop a project which is not running.
var nothingRunningMarkers = []string{
	"no resource found to remove",
	"no containers to stop",
	"no containers to remove",
	"no stopped containers",
	"no such project",
}

// Exit statuses of a shell which could not find or execute the command.
const (
	exitCodeNotExecutable = 126
	exitCodeNotFound      = 127
)

// DeployOutcome is the result of a deployment.
type DeployOutcome struct {
	Success bool
	Reason  string
	Kind    schemas.FailureKind
}

// Err returns nil on success, or a StageError describing the failure.
func (o DeployOutcome) Err() error {
	if o.Success {
		return nil
	}

	return schemas.Failf(o.Kind, "%s", o.Reason)
}

func failed(kind schemas.FailureKind, format string, args ...interface{}) DeployOutcome {
	return DeployOutcome{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Deployer materializes a published image on the host of an environment with docker compose.
type Deployer struct {
	dialer       Dialer
	remote       config.Remote
	workspaceDir string
	readFile     func(name string) ([]byte, error)
}

// New returns a Deployer opening its channels with d.
func New(d Dialer, cfg config.Config) *Deployer {
	return &Deployer{
		dialer:       d,
		remote:       cfg.Remote,
		workspaceDir: cfg.Workspace.Dir,
		readFile:     os.ReadFile,
	}
}

// RemoteComposeFile returns where the compose declaration of profile lives on its host.
func (d *Deployer) RemoteComposeFile(profile schemas.EnvironmentProfile) string {
	return path.Join(d.remote.ComposeDir, path.Base(filepath.ToSlash(profile.ComposeFile)))
}

func (d *Deployer) compose(profile schemas.EnvironmentProfile, ref schemas.ImageReference, args ...string) process.Command {
	parts := strings.Fields(d.remote.ComposeCommand)

	return process.Command{
		Name: parts[0],
		Args: append(append(parts[1:], "-f", d.RemoteComposeFile(profile), "-p", profile.ProjectName), args...),
		Env: map[string]string{
			"IMAGE_REF": ref.BuildRef(),
			"IMAGE_TAG": ref.BuildTag,
		},
	}
}

// engine returns the container engine behind the compose command, which owns the images
// of the host: "podman" for "podman compose" or "podman-compose", "docker" otherwise.
func (d *Deployer) engine() string {
	parts := strings.Fields(d.remote.ComposeCommand)
	if len(parts) == 0 {
		return "docker"
	}

	return strings.TrimSuffix(parts[0], "-compose")
}

// Deploy transfers the compose declaration of profile to its host, then stops the running
// stack, pulls ref and starts the stack again, all over a single channel. Any failure aborts
// the remaining steps, except for the final prune which is best-effort. Deploying the
// reference which is already running converges to the same state.
func (d *Deployer) Deploy(ctx context.Context, profile schemas.EnvironmentProfile, ref schemas.ImageReference) DeployOutcome {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "deployer:Deploy")
	defer span.End()

	span.SetAttributes(
		attribute.String("host", profile.Host),
		attribute.String("image", ref.BuildRef()),
	)

	logger := log.WithContext(ctx).WithFields(log.Fields{
		"environment": profile.Environment,
		"host":        profile.Host,
		"image":       ref.BuildRef(),
	})

	compose, err := d.readFile(filepath.Join(d.workspaceDir, profile.ComposeFile))
	if err != nil {
		return failed(schemas.FailureKindConfiguration, "reading compose file: %v", err)
	}

	ch, err := d.dialer.Dial(ctx, profile.Host)
	if err != nil {
		logger.WithError(err).Error("could not open a channel to the host")
		return failed(schemas.FailureKindConnectivity, "%s unreachable: %v", profile.Host, err)
	}

	defer func() {
		if err := ch.Close(); err != nil {
			logger.WithError(err).Warn("closing channel")
		}
	}()

	remoteFile := d.RemoteComposeFile(profile)
	if err = ch.Upload(ctx, remoteFile, compose, 0o644); err != nil {
		return failed(schemas.FailureKindRemoteCommand, "transferring %s: %v", remoteFile, err)
	}

	logger.WithField("compose-file", remoteFile).Info("compose file transferred")

	steps := []struct {
		name    string
		cmd     process.Command
		benign  func(process.Result) bool
		blocked bool
	}{
		{name: "stop", cmd: d.compose(profile, ref, "down", "--remove-orphans"), benign: nothingRunning, blocked: true},
		{name: "pull", cmd: d.compose(profile, ref, "pull"), blocked: true},
		{name: "start", cmd: d.compose(profile, ref, "up", "-d", "--remove-orphans"), blocked: true},
		{name: "prune", cmd: process.Command{Name: d.engine(), Args: []string{"image", "prune", "-f"}}},
	}

	for _, step := range steps {
		res, err := ch.Exec(ctx, step.cmd)
		if err == nil && !res.Success() && (step.benign == nil || !step.benign(res)) {
			err = &process.ExitError{Command: step.cmd.String(), Result: res}
		}

		if err == nil {
			logger.WithField("step", step.name).Debug("remote step done")
			continue
		}

		if !step.blocked {
			logger.WithField("step", step.name).WithError(err).Warn("remote step failed, ignoring")
			continue
		}

		logger.WithField("step", step.name).WithError(err).Error("remote step failed")
		return failed(schemas.FailureKindRemoteCommand, "%s: %v", step.name, err)
	}

	logger.Info("stack started")

	return DeployOutcome{Success: true}
}

// nothingRunning returns true when a failed stop only complained there was nothing to stop.
// A shell which could not run the compose command never qualifies.
func nothingRunning(res process.Result) bool {
	if res.ExitCode == exitCodeNotFound || res.ExitCode == exitCodeNotExecutable {
		return false
	}

	out := strings.ToLower(res.Stderr + res.Stdout)
	for _, m := range nothingRunningMarkers {
		if strings.Contains(out, m) {
			return true
		}
	}

	return false
}
