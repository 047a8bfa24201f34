package schemas

// Names of the stages of a release run, in execution order.
const (
	StageCheckout     = "checkout"
	StageSetup        = "setup"
	StageLint         = "lint"
	StageTest         = "test"
	StageQualityGate  = "quality-gate"
	StageBuild        = "build"
	StageSecurityScan = "security-scan"
	StagePush         = "push"
	StageDeploy       = "deploy"
	StageHealthCheck  = "health-check"
	StageCleanup      = "cleanup"
)

// Criticality tells the runner how to react to a stage failure.
type Criticality string

const (
	// CriticalityBlocking halts the remaining stages on failure.
	CriticalityBlocking Criticality = "blocking"

	// CriticalityBestEffort records the failure and carries on.
	CriticalityBestEffort Criticality = "best-effort"
)

// StageOutcome is the terminal state of a stage.
type StageOutcome string

const (
	StageOutcomeSuccess StageOutcome = "success"
	StageOutcomeFailure StageOutcome = "failure"
	StageOutcomeSkipped StageOutcome = "skipped"
)

// StageResult records what happened to one declared stage.
type StageResult struct {
	Name        string       // Stage name
	Criticality Criticality  // Criticality the stage was declared with
	Outcome     StageOutcome // success, failure or skipped
	DurationMs  int64        // Wall clock duration of the stage
	Diagnostic  *string      // Optional human readable reason
	FailureKind FailureKind  // Set when Outcome is failure
}

// DiagnosticMessage returns the diagnostic, or an empty string when there is none.
func (r StageResult) DiagnosticMessage() string {
	if r.Diagnostic == nil {
		return ""
	}

	return *r.Diagnostic
}

// Blocked returns true if the result halts the run.
func (r StageResult) Blocked() bool {
	return r.Outcome == StageOutcomeFailure && r.Criticality == CriticalityBlocking
}
