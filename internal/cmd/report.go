package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/helvethink/release-pipeline/pkg/controller"
	"github.com/helvethink/release-pipeline/pkg/schemas"
	"github.com/helvethink/release-pipeline/pkg/store"
)

// errNoReport is returned when nothing matches the query.
var errNoReport = errors.New("no report found")

// Report prints stored release reports: a single run with --run-id, the last run of an
// environment with --environment, or a summary of every stored run. With --delete, the run
// given with --run-id is removed instead.
func Report(cliCtx *cli.Context) (int, error) {
	cfg, err := configure(cliCtx)
	if err != nil {
		return exitCodeConfiguration, err
	}

	if cfg.Redis.URL == "" {
		log.Warn("redis.url is not configured, reports of previous runs are not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, closer, err := controller.NewStore(ctx, cfg)
	if err != nil {
		return 1, err
	}

	defer func() {
		if err := closer(); err != nil {
			log.WithError(err).Warn("closing store")
		}
	}()

	if cliCtx.Bool("delete") {
		if err = deleteReport(ctx, s, cliCtx.String("run-id")); err != nil {
			return 1, err
		}

		fmt.Fprintf(cliCtx.App.Writer, "report of run %s deleted\n", cliCtx.String("run-id"))

		return 0, nil
	}

	out, err := queryReports(ctx, s, cliCtx.String("run-id"), cliCtx.String("environment"), time.Now())
	if err != nil {
		return 1, err
	}

	fmt.Fprintln(cliCtx.App.Writer, out)

	return 0, nil
}

// deleteReport removes the report of runID from s.
func deleteReport(ctx context.Context, s store.Store, runID string) error {
	if runID == "" {
		return errors.New("--delete requires --run-id")
	}

	k := schemas.PipelineReport{RunMetadata: schemas.RunMetadata{RunID: runID}}.Key()

	exists, err := s.ReportExists(ctx, k)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("%w for run %s", errNoReport, runID)
	}

	log.WithField("run-id", runID).Info("deleting report")

	return s.DelReport(ctx, k)
}

// queryReports renders the reports matching runID or environment, every report when both are empty.
func queryReports(ctx context.Context, s store.Store, runID, environment string, now time.Time) (string, error) {
	switch {
	case runID != "":
		r := schemas.PipelineReport{RunMetadata: schemas.RunMetadata{RunID: runID}}

		exists, err := s.ReportExists(ctx, r.Key())
		if err != nil {
			return "", err
		}

		if !exists {
			return "", fmt.Errorf("%w for run %s", errNoReport, runID)
		}

		if err = s.GetReport(ctx, &r); err != nil {
			return "", err
		}

		return RenderReport(r, now), nil

	case environment != "":
		env, err := schemas.ParseEnvironment(environment)
		if err != nil {
			return "", err
		}

		r, found, err := s.LastReport(ctx, env)
		if err != nil {
			return "", err
		}

		if !found {
			return "", fmt.Errorf("%w for environment %s", errNoReport, env)
		}

		return RenderReport(r, now), nil

	default:
		reports, err := s.Reports(ctx)
		if err != nil {
			return "", err
		}

		if len(reports) == 0 {
			return "", errNoReport
		}

		list := make([]schemas.PipelineReport, 0, len(reports))
		for _, r := range reports {
			list = append(list, r)
		}

		sort.Slice(list, func(i, j int) bool {
			return list[i].StartedAt.After(list[j].StartedAt)
		})

		return RenderReports(list, now), nil
	}
}
