package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/helvethink/release-pipeline/pkg/environment"
	"github.com/helvethink/release-pipeline/pkg/schemas"
)

// Validate checks whether the application configuration is valid.
// Every environment must resolve to a deployment target. With --print, the effective
// configuration is written out, secrets masked, followed by the resolved targets.
func Validate(cliCtx *cli.Context) (int, error) {
	log.Debug("Validating configuration..")

	cfg, err := configure(cliCtx)
	if err != nil {
		log.WithError(err).Error("Failed to configure")
		return exitCodeConfiguration, err
	}

	resolver, err := environment.NewResolver(cfg.Environments)
	if err != nil {
		log.WithError(err).Error("Failed to resolve the environments")
		return exitCodeConfiguration, err
	}

	if cliCtx.Bool("print") {
		profiles := []schemas.EnvironmentProfile{}
		for _, env := range resolver.Environments() {
			profiles = append(profiles, resolver.Resolve(env))
		}

		fmt.Fprint(cliCtx.App.Writer, cfg.ToYAML())
		fmt.Fprintln(cliCtx.App.Writer, RenderEnvironments(profiles, cfg.Health.Path))
	}

	log.Debug("Configuration is valid")

	return 0, nil
}
