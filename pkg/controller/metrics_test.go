package controller

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/release-pipeline/pkg/schemas"
)

func TestRegistryObserve(t *testing.T) {
	r := NewRegistry(context.Background())
	meta := schemas.RunMetadata{Request: schemas.DeploymentRequest{Environment: schemas.EnvironmentProd, BuildID: 7}}

	r.StageFinished(context.Background(), meta, schemas.StageResult{
		Name:        schemas.StageBuild,
		Criticality: schemas.CriticalityBlocking,
		Outcome:     schemas.StageOutcomeSuccess,
		DurationMs:  1500,
	})
	r.ProbeAttempted(context.Background(), schemas.HealthProbeAttempt{
		AttemptIndex: 1,
		Outcome:      schemas.HealthProbeOutcomeUnhealthy,
	})

	report := schemas.NewPipelineReport(meta, time.Unix(1700000000, 0))
	report.Finalize(time.Unix(1700000090, 0))
	r.ObserveReport(report)

	assert.Equal(t, 1.0, gatherValue(t, r, "release_pipeline_stage_duration_seconds"))
	assert.Equal(t, 1.0, gatherValue(t, r, "release_pipeline_stage_outcome_count"))
	assert.Equal(t, 1.0, gatherValue(t, r, "release_pipeline_health_probe_attempts_count"))
	assert.Equal(t, 1.0, gatherValue(t, r, "release_pipeline_run_success"))
	assert.Equal(t, 90.0, gatherValue(t, r, "release_pipeline_run_duration_seconds"))
	assert.Equal(t, 1700000090.0, gatherValue(t, r, "release_pipeline_run_timestamp"))
	assert.Equal(t, 7.0, gatherValue(t, r, "release_pipeline_build_id"))

	// No GitLab client, nothing to export
	r.ExportInternalMetrics(nil)
}

func TestRegistryPush(t *testing.T) {
	var (
		method string
		path   string
		body   []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		method = req.Method
		path = req.URL.Path
		body, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRegistry(context.Background())
	meta := schemas.RunMetadata{Request: schemas.DeploymentRequest{Environment: schemas.EnvironmentDev, BuildID: 42}}
	r.StageFinished(context.Background(), meta, schemas.StageResult{
		Name:        schemas.StageBuild,
		Criticality: schemas.CriticalityBlocking,
		Outcome:     schemas.StageOutcomeSuccess,
		DurationMs:  1500,
	})
	r.ProbeAttempted(context.Background(), schemas.HealthProbeAttempt{
		AttemptIndex: 1,
		Outcome:      schemas.HealthProbeOutcomeHealthy,
	})

	report := schemas.NewPipelineReport(meta, time.Unix(1700000000, 0))
	report.Finalize(time.Unix(1700000010, 0))
	r.ObserveReport(report)

	require.NoError(t, r.Push(context.Background(), srv.URL, "release-pipeline", schemas.EnvironmentDev))
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/release-pipeline/environment/dev", path)

	for _, name := range []string{
		"release_pipeline_stage_duration_seconds",
		"release_pipeline_stage_outcome_count",
		"release_pipeline_health_probe_attempts_count",
		"release_pipeline_run_success",
		"release_pipeline_build_id",
	} {
		assert.Contains(t, string(body), name)
	}

	// The environment is only carried by the grouping key
	assert.NotContains(t, string(body), "environment")
}

func TestRegistryPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRegistry(context.Background())
	assert.Error(t, r.Push(context.Background(), srv.URL, "release-pipeline", schemas.EnvironmentDev))
}
