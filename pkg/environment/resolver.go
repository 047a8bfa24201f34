package environment

import (
	"fmt"

	"dario.cat/mergo"
	"golang.org/x/exp/slices"

	"github.com/helvethink/release-pipeline/pkg/config"
	"github.com/helvethink/release-pipeline/pkg/schemas"
)

// builtins is the fixed part of every environment profile.
var builtins = map[schemas.Environment]schemas.EnvironmentProfile{
	schemas.EnvironmentDev: {
		Environment: schemas.EnvironmentDev,
		Port:        8000,
		ComposeFile: "docker-compose.dev.yml",
		TagSuffix:   "dev",
	},
	schemas.EnvironmentProd: {
		Environment: schemas.EnvironmentProd,
		Port:        80,
		ComposeFile: "docker-compose.prod.yml",
		TagSuffix:   "prod",
	},
}

// Resolver maps a deployment target onto its runtime parameters.
// Profiles are computed once, at construction, and never change afterwards.
type Resolver struct {
	profiles map[schemas.Environment]schemas.EnvironmentProfile
}

// NewResolver merges the configured overrides over the built-in profiles.
func NewResolver(cfg config.Environments) (*Resolver, error) {
	overrides := map[schemas.Environment]config.EnvironmentOverride{
		schemas.EnvironmentDev:  cfg.Dev,
		schemas.EnvironmentProd: cfg.Prod,
	}

	r := &Resolver{
		profiles: make(map[schemas.Environment]schemas.EnvironmentProfile, len(builtins)),
	}

	for env, builtin := range builtins {
		p := builtin
		p.ProjectName = fmt.Sprintf("release-%s", env)

		o := overrides[env]
		override := schemas.EnvironmentProfile{
			Host:        o.Host,
			ComposeFile: o.ComposeFile,
			ProjectName: o.ProjectName,
		}

		if err := mergo.Merge(&p, override, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging %s profile: %w", env, err)
		}

		if p.Host == "" {
			return nil, schemas.Failf(schemas.FailureKindConfiguration, "no host configured for environment %s", env)
		}

		r.profiles[env] = p
	}

	return r, nil
}

// Resolve returns the profile of env. Environments are validated before a run starts,
// an unknown value reaching this point is a programming error.
func (r *Resolver) Resolve(env schemas.Environment) schemas.EnvironmentProfile {
	p, ok := r.profiles[env]
	if !ok {
		panic(fmt.Sprintf("unresolvable environment %q", env))
	}

	return p
}

// Environments returns the environments the resolver knows about, sorted by name.
func (r *Resolver) Environments() (envs []schemas.Environment) {
	for env := range r.profiles {
		envs = append(envs, env)
	}

	slices.Sort(envs)

	return
}
