package publisher

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/helvethink/release-pipeline/pkg/config"
	"github.com/helvethink/release-pipeline/pkg/process"
	"github.com/helvethink/release-pipeline/pkg/schemas"
)

const (
	tracerName       = "release-pipeline"
	imagePlaceholder = "{image}"
)

var digestRegexp = regexp.MustCompile(`digest: (sha256:[0-9a-f]+)`)

// Publisher builds, tags, scans and pushes the image of a run with the docker or podman CLI.
// It never retries: every failure is reported once to the caller.
type Publisher struct {
	runner   process.Runner
	tool     string
	dir      string
	build    config.Build
	scan     []string
	registry config.Registry
}

// New returns a Publisher running its commands through r.
func New(r process.Runner, cfg config.Config) *Publisher {
	return &Publisher{
		runner:   r,
		tool:     cfg.Build.Tool,
		dir:      cfg.Workspace.Dir,
		build:    cfg.Build,
		scan:     cfg.Scan.Command,
		registry: cfg.Registry,
	}
}

func (p *Publisher) command(args ...string) process.Command {
	return process.Command{Name: p.tool, Args: args, Dir: p.dir}
}

// Reference computes the image reference of a build without touching anything.
func (p *Publisher) Reference(profile schemas.EnvironmentProfile, buildID uint64) schemas.ImageReference {
	return schemas.NewImageReference(p.registry.URL, p.registry.Name, profile, buildID)
}

// Build builds the image of buildID and tags it with the build tag.
func (p *Publisher) Build(ctx context.Context, profile schemas.EnvironmentProfile, buildID uint64) (ref schemas.ImageReference, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "publisher:Build")
	defer span.End()

	ref = p.Reference(profile, buildID)

	args := []string{"build", "-t", ref.BuildRef(), "-f", p.build.Dockerfile}

	keys := make([]string, 0, len(p.build.Args))
	for k := range p.build.Args {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, p.build.Args[k]))
	}

	args = append(args, "--label", fmt.Sprintf("release-pipeline.build-id=%d", buildID))
	args = append(args, p.build.Context)

	if _, err = process.Check(ctx, p.runner, p.command(args...)); err != nil {
		return ref, schemas.NewStageError(schemas.FailureKindBuild, err)
	}

	if ref.ImageID, err = p.imageID(ctx, ref.BuildRef()); err != nil {
		return ref, schemas.NewStageError(schemas.FailureKindBuild, err)
	}

	log.WithContext(ctx).
		WithFields(log.Fields{
			"build-tag": ref.BuildTag,
			"image-id":  ref.ImageID,
		}).
		Info("image built")

	return
}

// Tag applies the environment latest tag to the image which was just built, and checks
// both tags resolve to the same image.
func (p *Publisher) Tag(ctx context.Context, ref schemas.ImageReference) (schemas.ImageReference, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "publisher:Tag")
	defer span.End()

	if _, err := process.Check(ctx, p.runner, p.command("tag", ref.BuildRef(), ref.LatestRef())); err != nil {
		return ref, schemas.NewStageError(schemas.FailureKindTag, err)
	}

	id, err := p.imageID(ctx, ref.LatestRef())
	if err != nil {
		return ref, schemas.NewStageError(schemas.FailureKindTag, err)
	}

	if id != ref.ImageID {
		return ref, schemas.Failf(schemas.FailureKindTag,
			"%s resolves to %s, expected %s", ref.LatestRef(), id, ref.ImageID)
	}

	log.WithContext(ctx).
		WithFields(log.Fields{
			"build-tag":      ref.BuildTag,
			"env-latest-tag": ref.EnvLatestTag,
		}).
		Info("image tagged")

	return ref, nil
}

// Scan runs the security scanner against the built image.
func (p *Publisher) Scan(ctx context.Context, ref schemas.ImageReference) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "publisher:Scan")
	defer span.End()

	argv := make([]string, 0, len(p.scan))
	for _, a := range p.scan {
		argv = append(argv, strings.ReplaceAll(a, imagePlaceholder, ref.BuildRef()))
	}

	cmd, err := process.FromArgv(argv)
	if err != nil {
		return schemas.NewStageError(schemas.FailureKindConfiguration, fmt.Errorf("scan command: %w", err))
	}

	cmd.Dir = p.dir

	if _, err = process.Check(ctx, p.runner, cmd); err != nil {
		return schemas.NewStageError(schemas.FailureKindScan, err)
	}

	return nil
}

// Push publishes the build tag, then the environment latest tag.
//
// The build tag goes first so that a failure leaves the latest tag on the previous, fully
// consistent build. A failure of the first push is a PushFailure. A failure of the second
// one, or differing digests, leaves the registry inconsistent and is a PartialPublishFailure.
func (p *Publisher) Push(ctx context.Context, ref schemas.ImageReference) (schemas.ImageReference, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "publisher:Push")
	defer span.End()

	buildDigest, err := p.push(ctx, ref.BuildRef())
	if err != nil {
		return ref, schemas.NewStageError(schemas.FailureKindPush, err)
	}

	latestDigest, err := p.push(ctx, ref.LatestRef())
	if err != nil {
		return ref, schemas.Failf(schemas.FailureKindPartialPublish,
			"%s was published but %s was not: %w", ref.BuildTag, ref.EnvLatestTag, err)
	}

	if buildDigest != latestDigest {
		return ref, schemas.Failf(schemas.FailureKindPartialPublish,
			"%s was published at %q but %s at %q", ref.BuildTag, buildDigest, ref.EnvLatestTag, latestDigest)
	}

	if buildDigest == "" {
		log.WithContext(ctx).
			WithField("tool", p.tool).
			Warn("no digest reported by the pushes, could not check both tags are identical")
	}

	ref.Digest = buildDigest

	log.WithContext(ctx).
		WithFields(log.Fields{
			"build-tag":      ref.BuildTag,
			"env-latest-tag": ref.EnvLatestTag,
			"digest":         ref.Digest,
		}).
		Info("image published")

	return ref, nil
}

// push publishes image and returns the digest the registry stored it under, or an empty
// string when the tool did not report it. docker prints the digest, podman writes it to the
// file given with --digestfile.
func (p *Publisher) push(ctx context.Context, image string) (string, error) {
	cmd := p.command("push", image)

	var digestFile string
	if p.tool == "podman" {
		f, err := os.CreateTemp("", "release-pipeline-digest-")
		if err != nil {
			return "", err
		}

		digestFile = f.Name()
		_ = f.Close()

		defer os.Remove(digestFile)

		cmd.Args = []string{"push", "--digestfile", digestFile, image}
	}

	res, err := process.Check(ctx, p.runner, cmd)
	if err != nil {
		return "", err
	}

	if digestFile != "" {
		b, err := os.ReadFile(digestFile)
		if err != nil {
			return "", err
		}

		if digest := strings.TrimSpace(string(b)); digest != "" {
			return digest, nil
		}
	}

	return parseDigest(res.Stdout), nil
}

// Remove deletes the local tags of the image. Tags which do not exist are ignored.
func (p *Publisher) Remove(ctx context.Context, ref schemas.ImageReference) error {
	res, err := p.runner.Run(ctx, p.command("image", "rm", ref.BuildRef(), ref.LatestRef()))
	if err != nil {
		return err
	}

	if !res.Success() && !strings.Contains(strings.ToLower(res.Stderr), "no such image") {
		return &process.ExitError{Command: fmt.Sprintf("%s image rm", p.tool), Result: res}
	}

	return nil
}

func (p *Publisher) imageID(ctx context.Context, image string) (string, error) {
	res, err := process.Check(ctx, p.runner, p.command("image", "inspect", "--format", "{{.Id}}", image))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(res.Stdout), nil
}

// parseDigest extracts the content digest from the output of a push.
func parseDigest(output string) string {
	m := digestRegexp.FindStringSubmatch(output)
	if len(m) < 2 {
		return ""
	}

	return m[1]
}
