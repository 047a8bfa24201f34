package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/helvethink/release-pipeline/pkg/gitlab"
	"github.com/helvethink/release-pipeline/pkg/ratelimit"
)

// Static is a Judge which always answers the same thing.
type Static struct {
	Judgment Judgment
}

// AlwaysPass is used when no quality gate is configured, and for dry runs.
var AlwaysPass = Static{Judgment: Judgment{Decision: DecisionPassed, Detail: "no quality gate configured"}}

// Name implements Judge.
func (Static) Name() string { return "static" }

// Judge implements Judge.
func (s Static) Judge(context.Context) (Judgment, error) { return s.Judgment, nil }

// SonarQube reads the quality gate status of a SonarQube project.
type SonarQube struct {
	URL        string
	Token      string
	ProjectKey string
	HTTPClient *http.Client
}

// NewSonarQube returns a SonarQube judge whose requests are throttled to maxRPS.
func NewSonarQube(baseURL, token, projectKey string, maxRPS int) *SonarQube {
	return &SonarQube{
		URL:        strings.TrimSuffix(baseURL, "/"),
		Token:      token,
		ProjectKey: projectKey,
		HTTPClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: ratelimit.NewThrottledTransport(time.Second, maxRPS, otelhttp.NewTransport(http.DefaultTransport)),
		},
	}
}

// Name implements Judge.
func (*SonarQube) Name() string { return "sonarqube" }

type sonarProjectStatus struct {
	ProjectStatus struct {
		Status     string `json:"status"`
		Conditions []struct {
			Status         string `json:"status"`
			MetricKey      string `json:"metricKey"`
			ActualValue    string `json:"actualValue"`
			ErrorThreshold string `json:"errorThreshold"`
		} `json:"conditions"`
	} `json:"projectStatus"`
}

// Judge implements Judge.
func (s *SonarQube) Judge(ctx context.Context) (j Judgment, err error) {
	u := fmt.Sprintf("%s/api/qualitygates/project_status?projectKey=%s", s.URL, url.QueryEscape(s.ProjectKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return
	}

	if s.Token != "" {
		// SonarQube tokens are sent as the basic auth user with an empty password
		req.SetBasicAuth(s.Token, "")
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// analysis not processed yet
		return Judgment{Decision: DecisionPending, Detail: "project has no analysis yet"}, nil
	case resp.StatusCode != http.StatusOK:
		return j, fmt.Errorf("sonarqube answered HTTP %d", resp.StatusCode)
	}

	var status sonarProjectStatus
	if err = json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return j, fmt.Errorf("decoding sonarqube answer: %w", err)
	}

	switch status.ProjectStatus.Status {
	case "OK":
		return Judgment{Decision: DecisionPassed, Detail: "quality gate OK"}, nil
	case "ERROR":
		var failed []string
		for _, c := range status.ProjectStatus.Conditions {
			if c.Status == "ERROR" {
				failed = append(failed, fmt.Sprintf("%s=%s (threshold %s)", c.MetricKey, c.ActualValue, c.ErrorThreshold))
			}
		}

		return Judgment{Decision: DecisionFailed, Detail: "quality gate ERROR: " + strings.Join(failed, ", ")}, nil
	default:
		return Judgment{Decision: DecisionPending, Detail: fmt.Sprintf("quality gate %s", status.ProjectStatus.Status)}, nil
	}
}

// CommitStatusReader is the part of the GitLab client the GitLab judge needs.
type CommitStatusReader interface {
	GetCommitStatuses(ctx context.Context, project, sha, name string) ([]gitlab.CommitStatus, error)
}

// GitLab reads the commit statuses a GitLab CI pipeline reported on the revision being released.
// Every matching status must be successful for the gate to pass, any failed or canceled one fails it.
type GitLab struct {
	Client     CommitStatusReader
	Project    string
	SHA        string
	StatusName string
}

// Name implements Judge.
func (*GitLab) Name() string { return "gitlab" }

// Judge implements Judge.
func (g *GitLab) Judge(ctx context.Context) (Judgment, error) {
	statuses, err := g.Client.GetCommitStatuses(ctx, g.Project, g.SHA, g.StatusName)
	if err != nil {
		return Judgment{}, err
	}

	if len(statuses) == 0 {
		return Judgment{Decision: DecisionPending, Detail: "no status reported yet"}, nil
	}

	pending := 0
	for _, s := range statuses {
		switch s.Status {
		case "success", "skipped":
		case "failed", "canceled":
			detail := fmt.Sprintf("%s is %s", s.Name, s.Status)
			if s.Description != "" {
				detail = fmt.Sprintf("%s: %s", detail, s.Description)
			}

			return Judgment{Decision: DecisionFailed, Detail: detail}, nil
		default:
			pending++
		}
	}

	if pending > 0 {
		return Judgment{Decision: DecisionPending, Detail: fmt.Sprintf("%d of %d statuses pending", pending, len(statuses))}, nil
	}

	return Judgment{Decision: DecisionPassed, Detail: fmt.Sprintf("%d statuses successful", len(statuses))}, nil
}
