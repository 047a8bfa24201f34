package controller

import (
	"context"
	"fmt"
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"

	"github.com/helvethink/release-pipeline/pkg/gitlab"
	"github.com/helvethink/release-pipeline/pkg/schemas"
)

// MetricKind identifies one of the metrics describing release runs.
type MetricKind int32

const (
	// MetricKindStageDurationSeconds refers to the duration of a stage in seconds.
	MetricKindStageDurationSeconds MetricKind = iota

	// MetricKindStageOutcomeCount refers to the number of stages per outcome.
	MetricKindStageOutcomeCount

	// MetricKindHealthProbeAttemptsCount refers to the number of health probes performed.
	MetricKindHealthProbeAttemptsCount

	// MetricKindRunSuccess refers to whether the last run succeeded.
	MetricKindRunSuccess

	// MetricKindRunDurationSeconds refers to the duration of the last run in seconds.
	MetricKindRunDurationSeconds

	// MetricKindRunTimestamp refers to the time the last run finished.
	MetricKindRunTimestamp

	// MetricKindBuildID refers to the build identifier of the last run.
	MetricKindBuildID
)

// Registry wraps a pointer to prometheus.Registry and manages metric collectors.
type Registry struct {
	*prometheus.Registry // The main Prometheus registry.

	// InternalCollectors describe the GitLab API usage of the quality gate.
	InternalCollectors struct {
		GitLabAPIRequestsCount     prometheus.Collector // Total number of GitLab API requests made.
		GitLabAPIRequestsRate      prometheus.Collector // GitLab API requests made during the last second.
		GitLabAPIRequestsRemaining prometheus.Collector // Number of remaining GitLab API requests (rate limit).
	}

	// Collectors maps each MetricKind to its Prometheus collector.
	Collectors RegistryCollectors
}

// RegistryCollectors defines a mapping between metric kinds and their Prometheus collectors.
type RegistryCollectors map[MetricKind]prometheus.Collector

// NewRegistry initializes and returns a new Registry instance with all the necessary collectors registered.
func NewRegistry(ctx context.Context) *Registry {
	r := &Registry{
		Registry: prometheus.NewRegistry(),

		Collectors: RegistryCollectors{
			MetricKindStageDurationSeconds:     NewCollectorStageDurationSeconds(),
			MetricKindStageOutcomeCount:        NewCollectorStageOutcomeCount(),
			MetricKindHealthProbeAttemptsCount: NewCollectorHealthProbeAttemptsCount(),
			MetricKindRunSuccess:               NewCollectorRunSuccess(),
			MetricKindRunDurationSeconds:       NewCollectorRunDurationSeconds(),
			MetricKindRunTimestamp:             NewCollectorRunTimestamp(),
			MetricKindBuildID:                  NewCollectorBuildID(),
		},
	}

	r.RegisterInternalCollectors()

	if err := r.RegisterCollectors(); err != nil {
		log.WithContext(ctx).
			Fatal(err)
	}

	return r
}

// RegisterInternalCollectors declares and registers the GitLab API usage metrics.
func (r *Registry) RegisterInternalCollectors() {
	r.InternalCollectors.GitLabAPIRequestsCount = NewInternalCollectorGitLabAPIRequestsCount()
	r.InternalCollectors.GitLabAPIRequestsRate = NewInternalCollectorGitLabAPIRequestsRate()
	r.InternalCollectors.GitLabAPIRequestsRemaining = NewInternalCollectorGitLabAPIRequestsRemaining()

	_ = r.Register(r.InternalCollectors.GitLabAPIRequestsCount)
	_ = r.Register(r.InternalCollectors.GitLabAPIRequestsRate)
	_ = r.Register(r.InternalCollectors.GitLabAPIRequestsRemaining)
}

// RegisterCollectors adds all defined custom metric collectors to the Prometheus registry.
func (r *Registry) RegisterCollectors() error {
	for _, c := range r.Collectors {
		if err := r.Register(c); err != nil {
			return fmt.Errorf("could not add provided collector '%v' to the Prometheus registry: %v", c, err)
		}
	}

	return nil
}

// GetCollector retrieves the Prometheus collector associated with the given metric kind.
func (r *Registry) GetCollector(kind MetricKind) prometheus.Collector {
	return r.Collectors[kind]
}

// StageFinished implements stages.Observer.
func (r *Registry) StageFinished(ctx context.Context, _ schemas.RunMetadata, res schemas.StageResult) {
	if c, ok := r.GetCollector(MetricKindStageDurationSeconds).(*prometheus.HistogramVec); ok {
		c.With(prometheus.Labels{
			"stage":       res.Name,
			"criticality": string(res.Criticality),
		}).Observe(float64(res.DurationMs) / 1000)
	}

	if c, ok := r.GetCollector(MetricKindStageOutcomeCount).(*prometheus.CounterVec); ok {
		c.With(prometheus.Labels{
			"stage":        res.Name,
			"outcome":      string(res.Outcome),
			"failure_kind": string(res.FailureKind),
		}).Inc()
	} else {
		log.WithContext(ctx).
			WithField("collector", reflect.TypeOf(r.GetCollector(MetricKindStageOutcomeCount))).
			Warn("unexpected collector type")
	}
}

// ProbeAttempted is a health attempt hook counting the probes made after the deployment.
func (r *Registry) ProbeAttempted(_ context.Context, a schemas.HealthProbeAttempt) {
	r.GetCollector(MetricKindHealthProbeAttemptsCount).(*prometheus.CounterVec).
		With(prometheus.Labels{"outcome": string(a.Outcome)}).Inc()
}

// ObserveReport records the outcome of a finalized run.
func (r *Registry) ObserveReport(report schemas.PipelineReport) {
	labels := prometheus.Labels{}

	success := 0.0
	if report.Verdict == schemas.VerdictSuccess {
		success = 1
	}

	r.GetCollector(MetricKindRunSuccess).(*prometheus.GaugeVec).With(labels).Set(success)
	r.GetCollector(MetricKindRunDurationSeconds).(*prometheus.GaugeVec).With(labels).Set(report.Duration().Seconds())
	r.GetCollector(MetricKindRunTimestamp).(*prometheus.GaugeVec).With(labels).Set(float64(report.FinishedAt.Unix()))
	r.GetCollector(MetricKindBuildID).(*prometheus.GaugeVec).With(labels).Set(float64(report.Request.BuildID))
}

// ExportInternalMetrics sets the GitLab API usage metrics from g. A nil client leaves them untouched.
func (r *Registry) ExportInternalMetrics(g *gitlab.Client) {
	if g == nil {
		return
	}

	r.InternalCollectors.GitLabAPIRequestsCount.(*prometheus.GaugeVec).With(prometheus.Labels{}).Set(float64(g.RequestsCounter.Load()))
	r.InternalCollectors.GitLabAPIRequestsRate.(*prometheus.GaugeVec).With(prometheus.Labels{}).Set(float64(g.RateCounter.Rate()))

	if remaining, _ := g.RequestsRemaining(); remaining >= 0 {
		r.InternalCollectors.GitLabAPIRequestsRemaining.(*prometheus.GaugeVec).With(prometheus.Labels{}).Set(float64(remaining))
	}
}

// Push replaces the metrics of the env group of job on the Pushgateway at url with the ones of
// the registry.
func (r *Registry) Push(ctx context.Context, url, job string, env schemas.Environment) error {
	return push.New(url, job).
		Gatherer(r.Registry).
		Grouping("environment", string(env)).
		PushContext(ctx)
}
