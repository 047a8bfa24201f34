package stages

import (
	"context"

	"github.com/helvethink/release-pipeline/pkg/schemas"
)

// Stage describes one step of a run.
type Stage struct {
	Name        string
	Criticality schemas.Criticality
	Execute     func(ctx context.Context) error

	// Skip, when set and returning true, records the stage as skipped with the returned reason
	// instead of executing it.
	Skip func() (bool, string)
}

// Blocking returns a stage whose failure halts the run.
func Blocking(name string, fn func(ctx context.Context) error) Stage {
	return Stage{Name: name, Criticality: schemas.CriticalityBlocking, Execute: fn}
}

// BestEffort returns a stage whose failure is recorded without halting the run.
func BestEffort(name string, fn func(ctx context.Context) error) Stage {
	return Stage{Name: name, Criticality: schemas.CriticalityBestEffort, Execute: fn}
}

// SkipWhen returns a copy of the stage which is skipped when cond holds.
func (s Stage) SkipWhen(cond bool, reason string) Stage {
	s.Skip = func() (bool, string) { return cond, reason }
	return s
}
