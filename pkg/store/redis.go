package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/helvethink/release-pipeline/pkg/schemas"
)

// Constants for Redis keys
const (
	redisReportsKey     string = "release-pipeline:reports"
	redisLastReportsKey string = "release-pipeline:last_reports"
)

// Redis is a Store backed by Redis hashes, reports are serialized with MessagePack.
type Redis struct {
	*redis.Client
}

// SetReport implements Store.
func (r *Redis) SetReport(ctx context.Context, report schemas.PipelineReport) error {
	marshalledReport, err := msgpack.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "marshalling report")
	}

	if _, err = r.HSet(ctx, redisReportsKey, string(report.Key()), marshalledReport).Result(); err != nil {
		return err
	}

	current, found, err := r.LastReport(ctx, report.Request.Environment)
	if err != nil {
		return err
	}

	if found && !newer(report, current) {
		return nil
	}

	_, err = r.HSet(ctx, redisLastReportsKey, string(report.Request.Environment), string(report.Key())).Result()

	return err
}

// DelReport implements Store.
func (r *Redis) DelReport(ctx context.Context, k schemas.PipelineReportKey) error {
	last, err := r.HGetAll(ctx, redisLastReportsKey).Result()
	if err != nil {
		return err
	}

	for env, lk := range last {
		if lk == string(k) {
			if _, err = r.HDel(ctx, redisLastReportsKey, env).Result(); err != nil {
				return err
			}
		}
	}

	_, err = r.HDel(ctx, redisReportsKey, string(k)).Result()

	return err
}

// GetReport implements Store.
func (r *Redis) GetReport(ctx context.Context, report *schemas.PipelineReport) error {
	marshalledReport, err := r.HGet(ctx, redisReportsKey, string(report.Key())).Result()
	if err == redis.Nil {
		return nil
	}

	if err != nil {
		return err
	}

	return msgpack.Unmarshal([]byte(marshalledReport), report)
}

// ReportExists implements Store.
func (r *Redis) ReportExists(ctx context.Context, k schemas.PipelineReportKey) (bool, error) {
	return r.HExists(ctx, redisReportsKey, string(k)).Result()
}

// Reports implements Store.
func (r *Redis) Reports(ctx context.Context) (schemas.PipelineReports, error) {
	reports := schemas.PipelineReports{}

	marshalledReports, err := r.HGetAll(ctx, redisReportsKey).Result()
	if err != nil {
		return reports, err
	}

	for stringReportKey, marshalledReport := range marshalledReports {
		report := schemas.PipelineReport{}

		if err = msgpack.Unmarshal([]byte(marshalledReport), &report); err != nil {
			return reports, err
		}

		reports[schemas.PipelineReportKey(stringReportKey)] = report
	}

	return reports, nil
}

// ReportsCount implements Store.
func (r *Redis) ReportsCount(ctx context.Context) (int64, error) {
	return r.HLen(ctx, redisReportsKey).Result()
}

// LastReport implements Store.
func (r *Redis) LastReport(ctx context.Context, e schemas.Environment) (report schemas.PipelineReport, found bool, err error) {
	k, err := r.HGet(ctx, redisLastReportsKey, string(e)).Result()
	if err == redis.Nil {
		return report, false, nil
	}

	if err != nil {
		return
	}

	report.RunID = k
	if err = r.GetReport(ctx, &report); err != nil {
		return
	}

	return report, report.Request.Environment == e, nil
}
