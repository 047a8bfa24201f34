package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/release-pipeline/pkg/gitlab"
	"github.com/helvethink/release-pipeline/pkg/schemas"
)

// scripted answers each poll with the next entry, repeating the last one.
type scripted struct {
	answers []func() (Judgment, error)
	polls   int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Judge(context.Context) (Judgment, error) {
	i := s.polls
	if i >= len(s.answers) {
		i = len(s.answers) - 1
	}
	s.polls++

	return s.answers[i]()
}

func answer(d Decision) func() (Judgment, error) {
	return func() (Judgment, error) { return Judgment{Decision: d, Detail: fmt.Sprint(d)}, nil }
}

func unreachable() (Judgment, error) {
	return Judgment{}, errors.New("connection refused")
}

// fakeSleep advances a virtual clock and reports a deadline once timeout is reached.
func fakeSleep(timeout time.Duration, slept *time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*slept += d
		if *slept >= timeout {
			return context.DeadlineExceeded
		}
		return ctx.Err()
	}
}

func TestAwait(t *testing.T) {
	tests := map[string]struct {
		answers []func() (Judgment, error)
		verdict Verdict
		polls   int
	}{
		"passes at once": {
			answers: []func() (Judgment, error){answer(DecisionPassed)},
			verdict: VerdictPassed,
			polls:   1,
		},
		"passes after pending": {
			answers: []func() (Judgment, error){answer(DecisionPending), answer(DecisionPending), answer(DecisionPassed)},
			verdict: VerdictPassed,
			polls:   3,
		},
		"rejects": {
			answers: []func() (Judgment, error){answer(DecisionPending), answer(DecisionFailed)},
			verdict: VerdictFailed,
			polls:   2,
		},
		"never decides": {
			answers: []func() (Judgment, error){answer(DecisionPending)},
			verdict: VerdictTimedOut,
			polls:   6,
		},
		"unreachable then passes": {
			answers: []func() (Judgment, error){unreachable, answer(DecisionPassed)},
			verdict: VerdictPassed,
			polls:   2,
		},
		"unreachable": {
			answers: []func() (Judgment, error){unreachable},
			verdict: VerdictTimedOut,
			polls:   6,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var slept time.Duration
			j := &scripted{answers: tc.answers}
			g := New(j, 5*time.Second, WithSleep(fakeSleep(30*time.Second, &slept)))

			verdict, _ := g.Await(context.Background(), 30*time.Second)
			assert.Equal(t, tc.verdict, verdict)
			assert.Equal(t, tc.polls, j.polls)
		})
	}
}

func TestAwaitTimeoutDetail(t *testing.T) {
	var slept time.Duration
	g := New(&scripted{answers: []func() (Judgment, error){unreachable}}, time.Second, WithSleep(fakeSleep(2*time.Second, &slept)))

	_, detail := g.Await(context.Background(), 2*time.Second)
	assert.Equal(t, "no decision after 2 polls, last error: connection refused", detail)
}

func TestAwaitRealDeadline(t *testing.T) {
	g := New(&scripted{answers: []func() (Judgment, error){answer(DecisionPending)}}, time.Hour)

	start := time.Now()
	verdict, _ := g.Await(context.Background(), 20*time.Millisecond)
	assert.Equal(t, VerdictTimedOut, verdict)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheck(t *testing.T) {
	var slept time.Duration
	newGate := func(d Decision) *Gate {
		slept = 0
		return New(&scripted{answers: []func() (Judgment, error){answer(d)}}, time.Second, WithSleep(fakeSleep(3*time.Second, &slept)))
	}

	assert.NoError(t, newGate(DecisionPassed).Check(context.Background(), 3*time.Second))

	err := newGate(DecisionFailed).Check(context.Background(), 3*time.Second)
	assert.Equal(t, schemas.FailureKindGate, schemas.KindOf(err))
	assert.Contains(t, err.Error(), "gate rejected")

	err = newGate(DecisionPending).Check(context.Background(), 3*time.Second)
	assert.Equal(t, schemas.FailureKindGateTimeout, schemas.KindOf(err))
	assert.Contains(t, err.Error(), "gate unreachable")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = New(&scripted{answers: []func() (Judgment, error){answer(DecisionPending)}}, time.Second).Check(ctx, time.Minute)
	assert.Equal(t, schemas.FailureKindCancelled, schemas.KindOf(err))
}

func TestAlwaysPass(t *testing.T) {
	assert.NoError(t, New(AlwaysPass, time.Second).Check(context.Background(), time.Second))
}

func TestSonarQube(t *testing.T) {
	status := `{"projectStatus":{"status":"NONE"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/qualitygates/project_status", r.URL.Path)
		assert.Equal(t, "shop-api", r.URL.Query().Get("projectKey"))

		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "squ_token", user)

		if status == "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		fmt.Fprint(w, status)
	}))
	defer srv.Close()

	s := NewSonarQube(srv.URL+"/", "squ_token", "shop-api", 50)

	j, err := s.Judge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, j.Decision)

	status = `{"projectStatus":{"status":"OK"}}`
	j, err = s.Judge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionPassed, j.Decision)

	status = `{"projectStatus":{"status":"ERROR","conditions":[
		{"status":"OK","metricKey":"bugs","actualValue":"0","errorThreshold":"0"},
		{"status":"ERROR","metricKey":"new_coverage","actualValue":"42.0","errorThreshold":"80"}]}}`
	j, err = s.Judge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionFailed, j.Decision)
	assert.Equal(t, "quality gate ERROR: new_coverage=42.0 (threshold 80)", j.Detail)

	status = ""
	_, err = s.Judge(context.Background())
	assert.Error(t, err)
}

type fakeStatuses struct {
	statuses []gitlab.CommitStatus
	err      error
}

func (f fakeStatuses) GetCommitStatuses(context.Context, string, string, string) ([]gitlab.CommitStatus, error) {
	return f.statuses, f.err
}

func TestGitLab(t *testing.T) {
	tests := map[string]struct {
		reader   fakeStatuses
		decision Decision
		err      bool
	}{
		"no status":   {decision: DecisionPending},
		"api failure": {reader: fakeStatuses{err: errors.New("502")}, err: true},
		"running": {
			reader:   fakeStatuses{statuses: []gitlab.CommitStatus{{Name: "test", Status: "success"}, {Name: "sonar", Status: "running"}}},
			decision: DecisionPending,
		},
		"failed": {
			reader:   fakeStatuses{statuses: []gitlab.CommitStatus{{Name: "sonar", Status: "failed"}, {Name: "test", Status: "running"}}},
			decision: DecisionFailed,
		},
		"canceled": {
			reader:   fakeStatuses{statuses: []gitlab.CommitStatus{{Name: "sonar", Status: "canceled"}}},
			decision: DecisionFailed,
		},
		"success": {
			reader:   fakeStatuses{statuses: []gitlab.CommitStatus{{Name: "sonar", Status: "success"}, {Name: "lint", Status: "skipped"}}},
			decision: DecisionPassed,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			j, err := (&GitLab{Client: tc.reader, Project: "shop/api", SHA: "abc"}).Judge(context.Background())
			if tc.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.decision, j.Decision)
		})
	}
}
