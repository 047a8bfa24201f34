package stages

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/release-pipeline/pkg/schemas"
)

type trace struct {
	mutex sync.Mutex
	calls []string
}

func (tr *trace) stage(name string, err error) func(context.Context) error {
	return func(context.Context) error {
		tr.mutex.Lock()
		defer tr.mutex.Unlock()

		tr.calls = append(tr.calls, name)
		return err
	}
}

func (tr *trace) count(name string) (n int) {
	for _, c := range tr.calls {
		if c == name {
			n++
		}
	}

	return
}

func outcomes(r schemas.PipelineReport) (o []schemas.StageOutcome) {
	for _, s := range r.Stages {
		o = append(o, s.Outcome)
	}

	return
}

func names(r schemas.PipelineReport) (n []string) {
	for _, s := range r.Stages {
		n = append(n, s.Name)
	}

	return
}

func TestRunAllSucceed(t *testing.T) {
	tr := &trace{}
	report := NewRunner().Run(context.Background(), schemas.RunMetadata{RunID: "r"},
		[]Stage{
			Blocking("a", tr.stage("a", nil)),
			BestEffort("b", tr.stage("b", nil)),
			Blocking("c", tr.stage("c", nil)),
		},
		BestEffort(schemas.StageCleanup, tr.stage(schemas.StageCleanup, nil)),
	)

	assert.Equal(t, []string{"a", "b", "c", schemas.StageCleanup}, tr.calls)
	assert.Equal(t, []string{"a", "b", "c", schemas.StageCleanup}, names(report))
	assert.Equal(t, schemas.VerdictSuccess, report.Verdict)
	assert.True(t, report.Finalized())
}

func TestRunBestEffortFailureContinues(t *testing.T) {
	tr := &trace{}
	report := NewRunner().Run(context.Background(), schemas.RunMetadata{},
		[]Stage{
			BestEffort(schemas.StageLint, tr.stage(schemas.StageLint, errors.New("3 warnings"))),
			Blocking(schemas.StageTest, tr.stage(schemas.StageTest, nil)),
		},
		BestEffort(schemas.StageCleanup, tr.stage(schemas.StageCleanup, nil)),
	)

	assert.Equal(t, schemas.VerdictSuccess, report.Verdict)
	assert.Equal(t, []schemas.StageOutcome{
		schemas.StageOutcomeFailure,
		schemas.StageOutcomeSuccess,
		schemas.StageOutcomeSuccess,
	}, outcomes(report))

	lint, _ := report.Stage(schemas.StageLint)
	assert.Equal(t, schemas.FailureKindBestEffort, lint.FailureKind)
	assert.Equal(t, "3 warnings", lint.DiagnosticMessage())
}

func TestRunBlockingFailureSkipsRemaining(t *testing.T) {
	tr := &trace{}
	report := NewRunner().Run(context.Background(), schemas.RunMetadata{},
		[]Stage{
			Blocking("a", tr.stage("a", nil)),
			Blocking("b", tr.stage("b", schemas.Failf(schemas.FailureKindBuild, "no space left"))),
			Blocking("c", tr.stage("c", nil)),
			BestEffort("d", tr.stage("d", nil)),
		},
		BestEffort(schemas.StageCleanup, tr.stage(schemas.StageCleanup, nil)),
	)

	assert.Equal(t, []string{"a", "b", schemas.StageCleanup}, tr.calls)
	assert.Equal(t, []string{"a", "b", "c", "d", schemas.StageCleanup}, names(report))
	assert.Equal(t, []schemas.StageOutcome{
		schemas.StageOutcomeSuccess,
		schemas.StageOutcomeFailure,
		schemas.StageOutcomeSkipped,
		schemas.StageOutcomeSkipped,
		schemas.StageOutcomeSuccess,
	}, outcomes(report))
	assert.Equal(t, schemas.VerdictFailure, report.Verdict)

	b, _ := report.Stage("b")
	assert.Equal(t, schemas.FailureKindBuild, b.FailureKind)

	c, _ := report.Stage("c")
	assert.Equal(t, "not run, blocking stage b failed", c.DiagnosticMessage())
}

func TestRunCleanupExactlyOnce(t *testing.T) {
	fail := errors.New("failure")

	tests := map[string][]bool{
		"success":                     {false, false, false},
		"blocking failure at first":   {true, false, false},
		"blocking failure at the end": {false, false, true},
	}

	for name, failures := range tests {
		t.Run(name, func(t *testing.T) {
			tr := &trace{}

			var stages []Stage
			for i, f := range failures {
				var err error
				if f {
					err = fail
				}
				n := string(rune('a' + i))
				stages = append(stages, Blocking(n, tr.stage(n, err)))
			}

			report := NewRunner().Run(context.Background(), schemas.RunMetadata{}, stages,
				BestEffort(schemas.StageCleanup, tr.stage(schemas.StageCleanup, nil)))

			assert.Equal(t, 1, tr.count(schemas.StageCleanup))
			assert.Equal(t, schemas.StageCleanup, tr.calls[len(tr.calls)-1])
			assert.Len(t, report.Stages, len(failures)+1)
		})
	}
}

func TestRunPanicIsRecovered(t *testing.T) {
	tr := &trace{}
	report := NewRunner().Run(context.Background(), schemas.RunMetadata{},
		[]Stage{
			Blocking("a", func(context.Context) error { panic("nil map") }),
			Blocking("b", tr.stage("b", nil)),
		},
		BestEffort(schemas.StageCleanup, tr.stage(schemas.StageCleanup, nil)),
	)

	assert.Equal(t, []string{schemas.StageCleanup}, tr.calls)
	assert.Equal(t, schemas.VerdictFailure, report.Verdict)

	a, _ := report.Stage("a")
	assert.Equal(t, schemas.FailureKindStageFault, a.FailureKind)
	assert.Contains(t, a.DiagnosticMessage(), "nil map")
}

func TestRunCancelledContext(t *testing.T) {
	tr := &trace{}
	ctx, cancel := context.WithCancel(context.Background())

	var cleanupCtxErr error
	report := NewRunner().Run(ctx, schemas.RunMetadata{},
		[]Stage{
			Blocking("a", func(context.Context) error { cancel(); return nil }),
			BestEffort("b", tr.stage("b", nil)),
			Blocking("c", tr.stage("c", nil)),
		},
		BestEffort(schemas.StageCleanup, func(ctx context.Context) error {
			cleanupCtxErr = ctx.Err()
			return nil
		}),
	)

	assert.Empty(t, tr.calls)
	assert.NoError(t, cleanupCtxErr)
	assert.Equal(t, schemas.VerdictFailure, report.Verdict)

	b, _ := report.Stage("b")
	assert.Equal(t, schemas.StageOutcomeFailure, b.Outcome)
	assert.Equal(t, schemas.FailureKindCancelled, b.FailureKind)
	assert.Equal(t, schemas.CriticalityBlocking, b.Criticality)

	c, _ := report.Stage("c")
	assert.Equal(t, schemas.StageOutcomeSkipped, c.Outcome)
}

func TestRunCleanupIsBounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := NewRunner(WithCleanupTimeout(20*time.Millisecond)).Run(ctx, schemas.RunMetadata{},
		[]Stage{Blocking("a", nil)},
		BestEffort(schemas.StageCleanup, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	)

	c, ok := report.Stage(schemas.StageCleanup)
	require.True(t, ok)
	assert.Equal(t, schemas.StageOutcomeFailure, c.Outcome)
	assert.Contains(t, c.DiagnosticMessage(), context.DeadlineExceeded.Error())
	assert.Equal(t, schemas.FailureKindCancelled, report.Stages[0].FailureKind)
}

func TestRunConditionalSkip(t *testing.T) {
	tr := &trace{}
	report := NewRunner().Run(context.Background(), schemas.RunMetadata{},
		[]Stage{
			Blocking(schemas.StageTest, tr.stage(schemas.StageTest, nil)).SkipWhen(true, "tests skipped on request"),
			Blocking(schemas.StageBuild, tr.stage(schemas.StageBuild, nil)).SkipWhen(false, "never"),
		},
		BestEffort(schemas.StageCleanup, nil),
	)

	assert.Equal(t, []string{schemas.StageBuild}, tr.calls)
	assert.Equal(t, schemas.VerdictSuccess, report.Verdict)

	s, _ := report.Stage(schemas.StageTest)
	assert.Equal(t, schemas.StageOutcomeSkipped, s.Outcome)
	assert.Equal(t, "tests skipped on request", s.DiagnosticMessage())
}

func TestRunCleanupFailureKeepsVerdict(t *testing.T) {
	report := NewRunner().Run(context.Background(), schemas.RunMetadata{},
		[]Stage{Blocking("a", nil)},
		BestEffort(schemas.StageCleanup, func(context.Context) error { return errors.New("rm failed") }),
	)

	assert.Equal(t, schemas.VerdictSuccess, report.Verdict)

	c, _ := report.Stage(schemas.StageCleanup)
	assert.Equal(t, schemas.StageOutcomeFailure, c.Outcome)
}

func TestRunObserverAndClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(250 * time.Millisecond)
		return now
	}

	var seen []string
	observer := ObserverFunc(func(_ context.Context, meta schemas.RunMetadata, res schemas.StageResult) {
		assert.Equal(t, "run-9", meta.RunID)
		seen = append(seen, res.Name+":"+string(res.Outcome))
	})

	report := NewRunner(WithObserver(observer), WithClock(clock)).Run(
		context.Background(),
		schemas.RunMetadata{RunID: "run-9"},
		[]Stage{
			Blocking("a", func(context.Context) error { return errors.New("nope") }),
			Blocking("b", nil),
		},
		BestEffort(schemas.StageCleanup, nil),
	)

	assert.Equal(t, []string{"a:failure", "b:skipped", "cleanup:success"}, seen)

	a, ok := report.Stage("a")
	require.True(t, ok)
	assert.Equal(t, int64(250), a.DurationMs)
	assert.True(t, report.FinishedAt.After(report.StartedAt))
}
