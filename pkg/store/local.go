package store

import (
	"context"
	"sync"

	"github.com/helvethink/release-pipeline/pkg/schemas"
)

// Local is an in-memory Store. Reports do not outlive the process.
type Local struct {
	reports schemas.PipelineReports
	last    map[schemas.Environment]schemas.PipelineReportKey
	mutex   sync.RWMutex
}

// SetReport implements Store.
func (l *Local) SetReport(_ context.Context, r schemas.PipelineReport) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.reports[r.Key()] = r

	env := r.Request.Environment
	if k, ok := l.last[env]; !ok || newer(r, l.reports[k]) {
		l.last[env] = r.Key()
	}

	return nil
}

// DelReport implements Store.
func (l *Local) DelReport(_ context.Context, k schemas.PipelineReportKey) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	delete(l.reports, k)

	for env, lk := range l.last {
		if lk == k {
			delete(l.last, env)
		}
	}

	return nil
}

// GetReport implements Store.
func (l *Local) GetReport(_ context.Context, r *schemas.PipelineReport) error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if stored, ok := l.reports[r.Key()]; ok {
		*r = stored
	}

	return nil
}

// ReportExists implements Store.
func (l *Local) ReportExists(_ context.Context, k schemas.PipelineReportKey) (bool, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	_, ok := l.reports[k]

	return ok, nil
}

// Reports implements Store.
func (l *Local) Reports(_ context.Context) (schemas.PipelineReports, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	reports := make(schemas.PipelineReports, len(l.reports))
	for k, v := range l.reports {
		reports[k] = v
	}

	return reports, nil
}

// ReportsCount implements Store.
func (l *Local) ReportsCount(_ context.Context) (int64, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return int64(len(l.reports)), nil
}

// LastReport implements Store.
func (l *Local) LastReport(_ context.Context, e schemas.Environment) (schemas.PipelineReport, bool, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	k, ok := l.last[e]
	if !ok {
		return schemas.PipelineReport{}, false, nil
	}

	r, ok := l.reports[k]

	return r, ok, nil
}
