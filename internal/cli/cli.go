package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/helvethink/release-pipeline/internal/cmd"
)

// Run handles the instantiation of the CLI application.
func Run(version string, args []string) {
	if err := NewApp(version, time.Now()).Run(args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// NewApp configures the CLI application.
func NewApp(version string, start time.Time) (app *cli.App) {
	app = cli.NewApp()
	app.Name = "release-pipeline"
	app.Version = version
	app.Usage = "Build, scan, publish and deploy a release, then verify it is healthy"
	app.EnableBashCompletion = true

	app.Flags = cli.FlagsByName{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			EnvVars: []string{"RELEASE_PIPELINE_CONFIG"},
			Usage:   "config `file`",
			Value:   "./release-pipeline.yml",
		},
		&cli.StringFlag{
			Name:    "redis-url",
			EnvVars: []string{"RELEASE_PIPELINE_REDIS_URL"},
			Usage:   "redis `url` where the reports are stored (overrides config file parameter)",
		},
		&cli.StringFlag{
			Name:    "pushgateway-url",
			EnvVars: []string{"RELEASE_PIPELINE_PUSHGATEWAY_URL"},
			Usage:   "prometheus pushgateway `url` receiving the run metrics (overrides config file parameter)",
		},
		&cli.StringFlag{
			Name:    "gate-token",
			EnvVars: []string{"RELEASE_PIPELINE_GATE_TOKEN", "SONAR_TOKEN"},
			Usage:   "sonarqube `token` of the quality gate (overrides config file parameter)",
		},
		&cli.StringFlag{
			Name:    "gitlab-token",
			EnvVars: []string{"RELEASE_PIPELINE_GITLAB_TOKEN"},
			Usage:   "GitLab API access `token` of the quality gate (overrides config file parameter)",
		},
		&cli.StringFlag{
			Name:    "commit-sha",
			EnvVars: []string{"RELEASE_PIPELINE_COMMIT_SHA", "CI_COMMIT_SHA"},
			Usage:   "`sha` of the revision being released (overrides config file parameter)",
		},
	}

	app.Commands = cli.CommandsByName{
		{
			Name:   "run",
			Usage:  "release a build to an environment",
			Action: cmd.ExecWrapper(cmd.Run),
			Flags: cli.FlagsByName{
				&cli.StringFlag{
					Name:    "environment",
					Aliases: []string{"e"},
					EnvVars: []string{"RELEASE_PIPELINE_ENVIRONMENT"},
					Usage:   "target `environment`: dev or prod",
				},
				&cli.Uint64Flag{
					Name:    "build-id",
					Aliases: []string{"b"},
					EnvVars: []string{"RELEASE_PIPELINE_BUILD_ID", "BUILD_ID", "BUILD_NUMBER"},
					Usage:   "build `identifier` the image tags are derived from",
				},
				&cli.BoolFlag{
					Name:    "skip-tests",
					EnvVars: []string{"RELEASE_PIPELINE_SKIP_TESTS"},
					Usage:   "skip the test stage",
				},
				&cli.BoolFlag{
					Name:    "dry-run",
					EnvVars: []string{"RELEASE_PIPELINE_DRY_RUN"},
					Usage:   "print the commands instead of executing them",
				},
			},
		},
		{
			Name:   "validate",
			Usage:  "validate the configuration file",
			Action: cmd.ExecWrapper(cmd.Validate),
			Flags: cli.FlagsByName{
				&cli.BoolFlag{
					Name:  "print",
					Usage: "print the effective configuration, secrets masked",
				},
			},
		},
		{
			Name:   "report",
			Usage:  "print the reports of previous runs",
			Action: cmd.ExecWrapper(cmd.Report),
			Flags: cli.FlagsByName{
				&cli.StringFlag{
					Name:    "environment",
					Aliases: []string{"e"},
					Usage:   "print the last run of this `environment`",
				},
				&cli.StringFlag{
					Name:  "run-id",
					Usage: "print the run with this `id`",
				},
				&cli.BoolFlag{
					Name:  "delete",
					Usage: "delete the report of the run given with --run-id",
				},
			},
		},
	}

	app.Metadata = map[string]interface{}{
		"startTime": start,
	}

	return
}
