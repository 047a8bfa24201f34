package environment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/release-pipeline/pkg/config"
	"github.com/helvethink/release-pipeline/pkg/schemas"
)

func newTestResolver(t *testing.T) *Resolver {
	r, err := NewResolver(config.Environments{
		Dev:  config.EnvironmentOverride{Host: "dev.example.com"},
		Prod: config.EnvironmentOverride{Host: "prod.example.com"},
	})
	require.NoError(t, err)

	return r
}

func TestResolveFixedTable(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		env         schemas.Environment
		host        string
		port        int
		composeFile string
		suffix      string
	}{
		{schemas.EnvironmentDev, "dev.example.com", 8000, "docker-compose.dev.yml", "dev"},
		{schemas.EnvironmentProd, "prod.example.com", 80, "docker-compose.prod.yml", "prod"},
	}

	for _, tc := range tests {
		t.Run(string(tc.env), func(t *testing.T) {
			p := r.Resolve(tc.env)
			assert.Equal(t, tc.env, p.Environment)
			assert.Equal(t, tc.host, p.Host)
			assert.Equal(t, tc.port, p.Port)
			assert.Equal(t, tc.composeFile, p.ComposeFile)
			assert.Equal(t, tc.suffix, p.TagSuffix)
			assert.Equal(t, "release-"+string(tc.env), p.ProjectName)

			// deterministic
			assert.Equal(t, p, r.Resolve(tc.env))
			assert.Equal(t, p, newTestResolver(t).Resolve(tc.env))
		})
	}
}

func TestResolveOverrides(t *testing.T) {
	r, err := NewResolver(config.Environments{
		Dev: config.EnvironmentOverride{
			Host:        "10.0.0.5",
			ComposeFile: "deploy/compose.dev.yml",
			ProjectName: "shop-dev",
		},
		Prod: config.EnvironmentOverride{Host: "prod.example.com"},
	})
	require.NoError(t, err)

	p := r.Resolve(schemas.EnvironmentDev)
	assert.Equal(t, "10.0.0.5", p.Host)
	assert.Equal(t, "deploy/compose.dev.yml", p.ComposeFile)
	assert.Equal(t, "shop-dev", p.ProjectName)
	assert.Equal(t, 8000, p.Port)
	assert.Equal(t, "dev", p.TagSuffix)

	// overriding dev leaves prod untouched
	assert.Equal(t, "docker-compose.prod.yml", r.Resolve(schemas.EnvironmentProd).ComposeFile)
}

func TestNewResolverMissingHost(t *testing.T) {
	_, err := NewResolver(config.Environments{
		Dev: config.EnvironmentOverride{Host: "dev.example.com"},
	})
	require.Error(t, err)
	assert.Equal(t, schemas.FailureKindConfiguration, schemas.KindOf(err))
}

func TestResolveUnknownPanics(t *testing.T) {
	r := newTestResolver(t)
	assert.Panics(t, func() { r.Resolve(schemas.Environment("staging")) })
}

func TestEnvironments(t *testing.T) {
	assert.Equal(t,
		[]schemas.Environment{schemas.EnvironmentDev, schemas.EnvironmentProd},
		newTestResolver(t).Environments(),
	)
}
