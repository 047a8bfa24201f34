package schemas

import (
	"time"
)

// Verdict is the final outcome of a run.
type Verdict string

const (
	VerdictPending Verdict = ""
	VerdictSuccess Verdict = "success"
	VerdictFailure Verdict = "failure"
)

// RunMetadata describes a run before any stage executes.
type RunMetadata struct {
	RunID   string             // Unique identifier of the run
	Request DeploymentRequest  // Request as supplied by the invoker
	Profile EnvironmentProfile // Resolved environment parameters
	Image   ImageReference     // Tags the run publishes
}

// PipelineReportKey identifies a report in the store.
type PipelineReportKey string

// PipelineReport is the ordered account of every declared stage of a run plus its verdict.
// It is created when the run starts and finalized once, after the cleanup stage.
type PipelineReport struct {
	RunMetadata

	Stages     []StageResult
	Verdict    Verdict
	StartedAt  time.Time
	FinishedAt time.Time
}

// PipelineReports is a collection of reports indexed by their key.
type PipelineReports map[PipelineReportKey]PipelineReport

// NewPipelineReport opens a report for the given run.
func NewPipelineReport(meta RunMetadata, startedAt time.Time) PipelineReport {
	return PipelineReport{
		RunMetadata: meta,
		Stages:      []StageResult{},
		StartedAt:   startedAt,
	}
}

// Key returns the store key of the report.
func (r PipelineReport) Key() PipelineReportKey {
	return PipelineReportKey(r.RunID)
}

// Finalized returns true once the verdict has been computed.
func (r PipelineReport) Finalized() bool {
	return r.Verdict != VerdictPending
}

// Append records a stage result. Results appended after finalization are dropped.
func (r *PipelineReport) Append(res StageResult) bool {
	if r.Finalized() {
		return false
	}

	r.Stages = append(r.Stages, res)

	return true
}

// Finalize computes the verdict: success iff no blocking stage failed.
func (r *PipelineReport) Finalize(finishedAt time.Time) {
	if r.Finalized() {
		return
	}

	r.Verdict = VerdictSuccess
	for _, s := range r.Stages {
		if s.Blocked() {
			r.Verdict = VerdictFailure
			break
		}
	}

	r.FinishedAt = finishedAt
}

// Stage looks up the result of a stage by name.
func (r PipelineReport) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}

	return StageResult{}, false
}

// Failures returns the results of every failed stage, blocking or not.
func (r PipelineReport) Failures() (failures []StageResult) {
	for _, s := range r.Stages {
		if s.Outcome == StageOutcomeFailure {
			failures = append(failures, s)
		}
	}

	return
}

// Duration returns how long the run took.
func (r PipelineReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExitCode maps the verdict onto a process exit code.
func (r PipelineReport) ExitCode() int {
	if r.Verdict == VerdictSuccess {
		return 0
	}

	return 1
}

// HealthProbeOutcome is the result of one health probe.
type HealthProbeOutcome string

const (
	HealthProbeOutcomeHealthy   HealthProbeOutcome = "healthy"
	HealthProbeOutcomeUnhealthy HealthProbeOutcome = "unhealthy"
	HealthProbeOutcomeError     HealthProbeOutcome = "error"
)

// HealthProbeAttempt is one probe of the health endpoint. It is not persisted.
type HealthProbeAttempt struct {
	AttemptIndex int
	Timestamp    time.Time
	Outcome      HealthProbeOutcome
	Err          error
}
