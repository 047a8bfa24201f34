package gitlab

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	goGitlab "gitlab.com/gitlab-org/api/client-go"
	"go.openly.dev/pointy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// CommitStatus is the subset of a GitLab commit status the pipeline acts on.
type CommitStatus struct {
	Name        string
	Status      string
	Description string
	TargetURL   string
}

// GetCommitStatuses lists the statuses reported on sha, restricted to name when it is set.
// Every page is read.
func (c *Client) GetCommitStatuses(ctx context.Context, project, sha, name string) (statuses []CommitStatus, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gitlab:GetCommitStatuses")
	defer span.End()

	span.SetAttributes(attribute.String("project_name", project))
	span.SetAttributes(attribute.String("sha", sha))

	options := &goGitlab.GetCommitStatusesOptions{
		ListOptions: goGitlab.ListOptions{
			Page:    1,
			PerPage: 100,
		},
		All: pointy.Bool(true),
	}

	if name != "" {
		options.Name = pointy.String(name)
	}

	for {
		if err = c.rateLimit(ctx); err != nil {
			return
		}

		log.WithContext(ctx).
			WithFields(log.Fields{
				"project-name": project,
				"sha":          sha,
				"page":         options.Page,
			}).
			Trace("listing commit statuses")

		var (
			gs   []*goGitlab.CommitStatus
			resp *goGitlab.Response
		)

		gs, resp, err = c.Commits.GetCommitStatuses(project, sha, options, goGitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing commit statuses of %s@%s: %w", project, sha, err)
		}

		c.updateRequestsRemaining(resp)

		for _, s := range gs {
			if s == nil {
				continue
			}

			statuses = append(statuses, CommitStatus{
				Name:        s.Name,
				Status:      s.Status,
				Description: s.Description,
				TargetURL:   s.TargetURL,
			})
		}

		if resp == nil || resp.NextPage == 0 {
			return statuses, nil
		}

		options.Page = resp.NextPage
	}
}
