package store

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/helvethink/release-pipeline/pkg/schemas"
)

// Store keeps the reports of past runs.
type Store interface {
	// SetReport stores a report and records it as the last one of its environment,
	// unless a more recent run of that environment is already recorded.
	SetReport(ctx context.Context, r schemas.PipelineReport) error
	DelReport(ctx context.Context, k schemas.PipelineReportKey) error            // DelReport deletes a report
	GetReport(ctx context.Context, r *schemas.PipelineReport) error              // GetReport fills r with the stored report sharing its key, if any
	ReportExists(ctx context.Context, k schemas.PipelineReportKey) (bool, error) // ReportExists checks the existence of a report
	Reports(ctx context.Context) (schemas.PipelineReports, error)                // Reports retrieves all reports
	ReportsCount(ctx context.Context) (int64, error)                             // ReportsCount counts the stored reports

	// LastReport retrieves the most recent report of an environment.
	LastReport(ctx context.Context, e schemas.Environment) (schemas.PipelineReport, bool, error)
}

// NewLocalStore creates a new in-memory store.
func NewLocalStore() Store {
	return &Local{
		reports: make(schemas.PipelineReports),
		last:    make(map[schemas.Environment]schemas.PipelineReportKey),
	}
}

// NewRedisStore creates a new store backed by Redis.
func NewRedisStore(client *redis.Client) Store {
	return &Redis{
		Client: client,
	}
}

// New returns a Redis store when a client is provided, an in-memory one otherwise.
func New(ctx context.Context, r *redis.Client) (s Store) {
	_, span := otel.Tracer("release-pipeline").Start(ctx, "store:New")
	defer span.End()

	if r != nil {
		return NewRedisStore(r)
	}

	return NewLocalStore()
}

// newer returns true when candidate should replace current as the last report of an environment.
func newer(candidate, current schemas.PipelineReport) bool {
	return !candidate.StartedAt.Before(current.StartedAt)
}
