package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/release-pipeline/pkg/schemas"
)

const tracerName = "release-pipeline"

// Verdict is the result of waiting on a quality gate.
type Verdict string

const (
	VerdictPassed   Verdict = "passed"
	VerdictFailed   Verdict = "failed"
	VerdictTimedOut Verdict = "timedOut"
)

// Decision is the state of the external judgment at the time it was polled.
type Decision int

const (
	// DecisionPending means the judgment is not available yet.
	DecisionPending Decision = iota
	DecisionPassed
	DecisionFailed
)

// Judgment is what a Judge answered.
type Judgment struct {
	Decision Decision
	Detail   string
}

// Judge polls an external system for its judgment of the current revision.
// An error means the judge could not be reached; the gate keeps polling until its deadline.
type Judge interface {
	Name() string
	Judge(ctx context.Context) (Judgment, error)
}

// Gate waits, within a bounded time, for a Judge to reach a decision.
type Gate struct {
	judge        Judge
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// Option configures a Gate.
type Option func(*Gate)

// WithSleep replaces the function used to wait between two polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gate) {
		g.sleep = sleep
	}
}

// New returns a Gate polling j every pollInterval.
func New(j Judge, pollInterval time.Duration, opts ...Option) *Gate {
	g := &Gate{
		judge:        j,
		pollInterval: pollInterval,
		sleep:        Sleep,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Await polls the judge until it decides or timeout elapses. A timeout, an unreachable judge
// and the cancellation of ctx all end up as VerdictTimedOut.
func (g *Gate) Await(ctx context.Context, timeout time.Duration) (Verdict, string) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gate:Await")
	defer span.End()

	span.SetAttributes(attribute.String("judge", g.judge.Name()))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		lastErr error
		polls   int
	)

	for {
		polls++

		j, err := g.judge.Judge(ctx)

		logger := log.WithContext(ctx).WithFields(log.Fields{
			"judge": g.judge.Name(),
			"poll":  polls,
		})

		switch {
		case err != nil:
			lastErr = err
			logger.WithError(err).Warn("quality gate unreachable, polling again")
		case j.Decision == DecisionPassed:
			logger.WithField("detail", j.Detail).Info("quality gate passed")
			span.SetAttributes(attribute.String("verdict", string(VerdictPassed)))
			return VerdictPassed, j.Detail
		case j.Decision == DecisionFailed:
			logger.WithField("detail", j.Detail).Error("quality gate rejected the revision")
			span.SetAttributes(attribute.String("verdict", string(VerdictFailed)))
			return VerdictFailed, j.Detail
		default:
			logger.WithField("detail", j.Detail).Debug("quality gate pending")
		}

		if err := g.sleep(ctx, g.pollInterval); err != nil {
			detail := fmt.Sprintf("no decision after %d polls", polls)
			if lastErr != nil && !errors.Is(lastErr, context.DeadlineExceeded) && !errors.Is(lastErr, context.Canceled) {
				detail = fmt.Sprintf("%s, last error: %v", detail, lastErr)
			}

			span.SetAttributes(attribute.String("verdict", string(VerdictTimedOut)))
			return VerdictTimedOut, detail
		}
	}
}

// Check awaits the gate and maps its verdict onto the pipeline failure taxonomy.
func (g *Gate) Check(ctx context.Context, timeout time.Duration) error {
	switch verdict, detail := g.Await(ctx, timeout); verdict {
	case VerdictPassed:
		return nil
	case VerdictFailed:
		return schemas.Failf(schemas.FailureKindGate, "gate rejected: %s", detail)
	default:
		if ctx.Err() != nil {
			return schemas.Failf(schemas.FailureKindCancelled, "gate unreachable: run cancelled, %s", detail)
		}

		return schemas.Failf(schemas.FailureKindGateTimeout, "gate unreachable: %s", detail)
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
