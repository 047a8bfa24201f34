package controller

import "github.com/prometheus/client_golang/prometheus"

var (
	// A registry only ever describes one run, the environment is the Pushgateway grouping key
	// and must not appear as a metric label.

	// runLabels are shared by every metric describing a run.
	runLabels = []string{}

	// stageLabels identify a stage of a run.
	stageLabels = []string{"stage", "criticality"}

	// stageOutcomeLabels add the outcome to the stage labels.
	stageOutcomeLabels = []string{"stage", "outcome", "failure_kind"}

	// probeLabels describe a health probe attempt.
	probeLabels = []string{"outcome"}

	// stageDurationBuckets spans quick commands up to long builds and health loops.
	stageDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200}
)

// NewCollectorStageDurationSeconds returns a histogram of the duration of each stage.
func NewCollectorStageDurationSeconds() prometheus.Collector {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "release_pipeline_stage_duration_seconds",
			Help:    "Duration in seconds of the stages of a release run",
			Buckets: stageDurationBuckets,
		},
		stageLabels,
	)
}

// NewCollectorStageOutcomeCount returns a counter of stage outcomes.
func NewCollectorStageOutcomeCount() prometheus.Collector {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_pipeline_stage_outcome_count",
			Help: "Number of stages which ended with a given outcome",
		},
		stageOutcomeLabels,
	)
}

// NewCollectorHealthProbeAttemptsCount returns a counter of health probe attempts.
func NewCollectorHealthProbeAttemptsCount() prometheus.Collector {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_pipeline_health_probe_attempts_count",
			Help: "Number of health probes performed after a deployment",
		},
		probeLabels,
	)
}

// NewCollectorRunSuccess returns a gauge set to 1 when the last run succeeded, 0 otherwise.
func NewCollectorRunSuccess() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "release_pipeline_run_success",
			Help: "Whether the last release run succeeded (1) or not (0)",
		},
		runLabels,
	)
}

// NewCollectorRunDurationSeconds returns a gauge holding the duration of the last run.
func NewCollectorRunDurationSeconds() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "release_pipeline_run_duration_seconds",
			Help: "Duration in seconds of the last release run",
		},
		runLabels,
	)
}

// NewCollectorRunTimestamp returns a gauge holding when the last run finished.
func NewCollectorRunTimestamp() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "release_pipeline_run_timestamp",
			Help: "Timestamp of the end of the last release run",
		},
		runLabels,
	)
}

// NewCollectorBuildID returns a gauge holding the build id of the last run.
func NewCollectorBuildID() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "release_pipeline_build_id",
			Help: "Build identifier of the last release run",
		},
		runLabels,
	)
}

// NewInternalCollectorGitLabAPIRequestsCount returns a gauge of the GitLab API requests made by the gate.
func NewInternalCollectorGitLabAPIRequestsCount() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "release_pipeline_gitlab_api_requests_count",
			Help: "GitLab API requests count",
		},
		[]string{},
	)
}

// NewInternalCollectorGitLabAPIRequestsRate returns a gauge of the GitLab API request rate.
func NewInternalCollectorGitLabAPIRequestsRate() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "release_pipeline_gitlab_api_requests_rate",
			Help: "GitLab API requests made during the last second",
		},
		[]string{},
	)
}

// NewInternalCollectorGitLabAPIRequestsRemaining returns a gauge of the GitLab API requests left.
func NewInternalCollectorGitLabAPIRequestsRemaining() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "release_pipeline_gitlab_api_requests_remaining",
			Help: "GitLab API requests remaining in the API Limit",
		},
		[]string{},
	)
}
