package deployer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/release-pipeline/pkg/config"
	"github.com/helvethink/release-pipeline/pkg/process"
	"github.com/helvethink/release-pipeline/pkg/schemas"
)

var (
	profile = schemas.EnvironmentProfile{
		Environment: schemas.EnvironmentDev,
		Host:        "dev.example.com",
		Port:        8000,
		ComposeFile: "docker-compose.dev.yml",
		TagSuffix:   "dev",
		ProjectName: "release-dev",
	}
	ref = schemas.ImageReference{
		Registry:     "registry.example.com",
		Name:         "shop/api",
		BuildTag:     "dev-42",
		EnvLatestTag: "dev-latest",
	}
)

type failingDialer struct{}

func (failingDialer) Dial(context.Context, string) (Channel, error) {
	return nil, errors.New("connection refused")
}

func newTestDeployer(t *testing.T, handler func(process.Command) process.Result) (*Deployer, *process.Recorder) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docker-compose.dev.yml"), []byte("services: {}\n"), 0o600))

	cfg := config.New()
	cfg.Workspace.Dir = dir

	r := &process.Recorder{Handler: handler}

	return New(&RecordingDialer{Recorder: r, User: "deploy"}, cfg), r
}

func TestDeploy(t *testing.T) {
	d, r := newTestDeployer(t, nil)

	outcome := d.Deploy(context.Background(), profile, ref)
	require.True(t, outcome.Success, outcome.Reason)
	assert.NoError(t, outcome.Err())

	assert.Equal(t, []string{
		"ssh deploy@dev.example.com 'mkdir -p /opt/app && cat > /opt/app/docker-compose.dev.yml && chmod 644 /opt/app/docker-compose.dev.yml'",
		"ssh deploy@dev.example.com 'IMAGE_REF=registry.example.com/shop/api:dev-42 IMAGE_TAG=dev-42 docker compose -f /opt/app/docker-compose.dev.yml -p release-dev down --remove-orphans'",
		"ssh deploy@dev.example.com 'IMAGE_REF=registry.example.com/shop/api:dev-42 IMAGE_TAG=dev-42 docker compose -f /opt/app/docker-compose.dev.yml -p release-dev pull'",
		"ssh deploy@dev.example.com 'IMAGE_REF=registry.example.com/shop/api:dev-42 IMAGE_TAG=dev-42 docker compose -f /opt/app/docker-compose.dev.yml -p release-dev up -d --remove-orphans'",
		"ssh deploy@dev.example.com 'docker image prune -f'",
	}, r.Lines())
	assert.Equal(t, "services: {}\n", r.Stdin(0))
}

func TestDeployIsRepeatable(t *testing.T) {
	d, r := newTestDeployer(t, nil)

	require.True(t, d.Deploy(context.Background(), profile, ref).Success)
	first := r.Lines()

	require.True(t, d.Deploy(context.Background(), profile, ref).Success)
	assert.Equal(t, append(first, first...), r.Lines())
}

func TestDeployConnectivityFailure(t *testing.T) {
	d, _ := newTestDeployer(t, nil)
	d.dialer = failingDialer{}

	outcome := d.Deploy(context.Background(), profile, ref)
	assert.False(t, outcome.Success)
	assert.Equal(t, schemas.FailureKindConnectivity, outcome.Kind)
	assert.Equal(t, schemas.FailureKindConnectivity, schemas.KindOf(outcome.Err()))
	assert.Contains(t, outcome.Reason, "connection refused")
}

func TestDeployMissingComposeFile(t *testing.T) {
	d, r := newTestDeployer(t, nil)

	p := profile
	p.ComposeFile = "docker-compose.missing.yml"

	outcome := d.Deploy(context.Background(), p, ref)
	assert.Equal(t, schemas.FailureKindConfiguration, outcome.Kind)
	assert.Empty(t, r.Commands())
}

func TestDeployStepFailures(t *testing.T) {
	tests := map[string]struct {
		failOn   string
		result   process.Result
		success  bool
		commands int
	}{
		"upload rejected": {
			failOn:   "mkdir -p",
			result:   process.Result{ExitCode: 1, Stderr: "permission denied"},
			commands: 1,
		},
		"nothing running": {
			failOn:   " down ",
			result:   process.Result{ExitCode: 1, Stderr: "no resource found to remove for project \"release-dev\""},
			success:  true,
			commands: 5,
		},
		"nothing to stop": {
			failOn:   " down ",
			result:   process.Result{ExitCode: 1, Stderr: "no containers to stop"},
			success:  true,
			commands: 5,
		},
		"compose missing": {
			failOn:   " down ",
			result:   process.Result{ExitCode: 127, Stderr: "bash: docker: command not found"},
			commands: 2,
		},
		"compose not executable": {
			failOn:   " down ",
			result:   process.Result{ExitCode: 126, Stderr: "no containers to stop"},
			commands: 2,
		},
		"network missing": {
			failOn:   " down ",
			result:   process.Result{ExitCode: 1, Stderr: "network release-dev_default not found"},
			commands: 2,
		},
		"stop fails": {
			failOn:   " down ",
			result:   process.Result{ExitCode: 1, Stderr: "Cannot connect to the Docker daemon"},
			commands: 2,
		},
		"pull fails": {
			failOn:   " pull'",
			result:   process.Result{ExitCode: 1, Stderr: "manifest unknown"},
			commands: 3,
		},
		"start fails": {
			failOn:   " up -d",
			result:   process.Result{ExitCode: 1, Stderr: "port is already allocated"},
			commands: 4,
		},
		"prune fails": {
			failOn:   "prune",
			result:   process.Result{ExitCode: 1, Stderr: "a prune operation is already running"},
			success:  true,
			commands: 5,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d, r := newTestDeployer(t, func(cmd process.Command) process.Result {
				if strings.Contains(cmd.String(), tc.failOn) {
					return tc.result
				}
				return process.Result{}
			})

			outcome := d.Deploy(context.Background(), profile, ref)
			assert.Equal(t, tc.success, outcome.Success, outcome.Reason)
			assert.Len(t, r.Commands(), tc.commands)

			if !tc.success {
				assert.Equal(t, schemas.FailureKindRemoteCommand, outcome.Kind)
				assert.Contains(t, outcome.Reason, tc.result.Stderr)
			}
		})
	}
}

func TestDeployComposeCommand(t *testing.T) {
	d, r := newTestDeployer(t, nil)
	d.remote.ComposeCommand = "docker-compose"

	require.True(t, d.Deploy(context.Background(), profile, ref).Success)
	assert.Contains(t, r.Lines()[1], "IMAGE_TAG=dev-42 docker-compose -f /opt/app/docker-compose.dev.yml")
}

func TestDeployPruneFollowsComposeEngine(t *testing.T) {
	tests := map[string]string{
		"docker compose": "docker image prune -f",
		"docker-compose": "docker image prune -f",
		"podman compose": "podman image prune -f",
		"podman-compose": "podman image prune -f",
	}

	for composeCommand, expected := range tests {
		t.Run(composeCommand, func(t *testing.T) {
			d, r := newTestDeployer(t, nil)
			d.remote.ComposeCommand = composeCommand

			require.True(t, d.Deploy(context.Background(), profile, ref).Success)

			lines := r.Lines()
			assert.Equal(t, "ssh deploy@dev.example.com '"+expected+"'", lines[len(lines)-1])
		})
	}
}

func TestNewSSHDialerRequiresKey(t *testing.T) {
	_, err := NewSSHDialer(config.Remote{})
	assert.Error(t, err)

	_, err = NewSSHDialer(config.Remote{PrivateKeyPath: filepath.Join(t.TempDir(), "id_ed25519")})
	assert.Error(t, err)
}
