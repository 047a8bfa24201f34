package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `---
registry:
  url: registry.example.com
  name: shop/api
environments:
  dev:
    host: dev.example.com
  prod:
    host: prod.example.com
    project_name: shop
remote:
  known_hosts_path: /etc/ssh/ssh_known_hosts
`

func TestNew(t *testing.T) {
	c := New()

	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "text", c.Log.Format)
	assert.Equal(t, 1800, c.Pipeline.TimeoutSeconds)
	assert.Equal(t, 300, c.Pipeline.CleanupTimeoutSeconds)
	assert.Equal(t, "docker", c.Build.Tool)
	assert.Equal(t, "none", c.Gate.Kind)
	assert.Equal(t, 30, c.Health.InitialDelaySeconds)
	assert.Equal(t, 10, c.Health.MaxAttempts)
	assert.Equal(t, 10, c.Health.IntervalSeconds)
	assert.Equal(t, "/health", c.Health.Path)
	assert.Equal(t, 22, c.Remote.Port)
	assert.Equal(t, "/opt/app", c.Remote.ComposeDir)
	assert.Contains(t, c.Scan.Command, "{image}")
}

func TestParse(t *testing.T) {
	c, err := Parse(FormatYAML, []byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, "registry.example.com", c.Registry.URL)
	assert.Equal(t, "shop/api", c.Registry.Name)
	assert.Equal(t, "dev.example.com", c.Environments.Dev.Host)
	assert.Equal(t, "shop", c.Environments.Prod.ProjectName)

	// defaults survive a partial document
	assert.Equal(t, 10, c.Health.MaxAttempts)
	assert.Equal(t, "docker compose", c.Remote.ComposeCommand)

	assert.NoError(t, c.Validate())
}

func TestParseEmptyDocumentKeepsDefaults(t *testing.T) {
	c, err := Parse(FormatYAML, []byte(""))
	require.NoError(t, err)
	assert.Equal(t, New(), c)
}

func TestParseGitLabHealthURL(t *testing.T) {
	c, err := Parse(FormatYAML, []byte(`gate: {kind: gitlab, gitlab: {url: "https://gitlab.example.com"}}`))
	require.NoError(t, err)
	assert.Equal(t, "https://gitlab.example.com/-/health", c.Gate.GitLab.HealthURL)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()

	_, err := ParseFile(filepath.Join(dir, "config.json"))
	assert.ErrorContains(t, err, "unsupported config type '.json'")

	_, err = ParseFile(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)

	name := filepath.Join(dir, "release.yml")
	require.NoError(t, os.WriteFile(name, []byte(validConfig), 0o600))

	c, err := ParseFile(name)
	require.NoError(t, err)
	assert.Equal(t, name, c.Global.ConfigFile)
	assert.Equal(t, "prod.example.com", c.Environments.Prod.Host)
}

func TestValidate(t *testing.T) {
	base, err := Parse(FormatYAML, []byte(validConfig))
	require.NoError(t, err)

	tests := map[string]struct {
		mutate func(c *Config)
		valid  bool
	}{
		"valid": {
			mutate: func(*Config) {},
			valid:  true,
		},
		"missing prod host": {
			mutate: func(c *Config) { c.Environments.Prod.Host = "" },
		},
		"missing registry": {
			mutate: func(c *Config) { c.Registry.URL = "" },
		},
		"unknown build tool": {
			mutate: func(c *Config) { c.Build.Tool = "kaniko" },
		},
		"podman": {
			mutate: func(c *Config) { c.Build.Tool = "podman" },
			valid:  true,
		},
		"host keys neither verified nor ignored": {
			mutate: func(c *Config) { c.Remote.KnownHostsPath = "" },
		},
		"host keys ignored": {
			mutate: func(c *Config) {
				c.Remote.KnownHostsPath = ""
				c.Remote.InsecureIgnoreHostKey = true
			},
			valid: true,
		},
		"sonarqube gate without project key": {
			mutate: func(c *Config) {
				c.Gate.Kind = "sonarqube"
				c.Gate.URL = "https://sonar.example.com"
			},
		},
		"sonarqube gate": {
			mutate: func(c *Config) {
				c.Gate.Kind = "sonarqube"
				c.Gate.URL = "https://sonar.example.com"
				c.Gate.ProjectKey = "shop-api"
			},
			valid: true,
		},
		"gitlab gate without sha": {
			mutate: func(c *Config) {
				c.Gate.Kind = "gitlab"
				c.Gate.GitLab.Token = "glpat"
				c.Gate.GitLab.Project = "shop/api"
			},
		},
		"gitlab gate": {
			mutate: func(c *Config) {
				c.Gate.Kind = "gitlab"
				c.Gate.GitLab.Token = "glpat"
				c.Gate.GitLab.Project = "shop/api"
				c.Gate.GitLab.SHA = "0123456789abcdef"
			},
			valid: true,
		},
		"zero health attempts": {
			mutate: func(c *Config) { c.Health.MaxAttempts = 0 },
		},
		"relative health path": {
			mutate: func(c *Config) { c.Health.Path = "health" },
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := base
			c.Build.Args = nil
			tc.mutate(&c)

			if tc.valid {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestToYAMLMasksSecrets(t *testing.T) {
	c := New()
	c.Gate.Token = "sonar-secret"
	c.Gate.GitLab.Token = "gitlab-secret"
	c.Redis.URL = "redis://:password@localhost:6379"
	c.Global.DryRun = true

	out := c.ToYAML()
	assert.NotContains(t, out, "sonar-secret")
	assert.NotContains(t, out, "gitlab-secret")
	assert.NotContains(t, out, "password")
	assert.Contains(t, out, "*******")
	assert.NotContains(t, out, "dryrun")
}

func TestHealthLog(t *testing.T) {
	fields := New().Health.Log()
	assert.Equal(t, "30s", fields["initial-delay"])
	assert.Equal(t, 10, fields["max-attempts"])
	assert.Equal(t, "10s", fields["interval"])
}
