package telemetry

import (
	"context"
	"log/slog"
)

// Dataset names.
const (
	DatasetStats       = "stats"
	DatasetAllStats    = "allstats"
	DatasetGithubStats = "githubstats"
	DatasetDisqusStats = "disqusstats"
	DatasetGovStats    = "govstats"
)

// Emitter records pipeline metrics. Every method is best effort: sink errors
// are logged and never returned.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

// NewEmitter creates a new Emitter.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	return &Emitter{sink: sink, logger: logger}
}

// RecordMessage counts a message under its routing category. Values are
// [count, size].
func (e *Emitter) RecordMessage(ctx context.Context, category, to string, size int64) {
	e.write(ctx, DatasetStats, DataPoint{
		Labels:  []string{category, to},
		Values:  []float64{1, float64(size)},
		Indexes: []string{to},
	})
}

// RecordAll counts every message under its telemetry label. Values are
// [count, size].
func (e *Emitter) RecordAll(ctx context.Context, label, to string, size int64) {
	e.write(ctx, DatasetAllStats, DataPoint{
		Labels:  []string{label, to},
		Values:  []float64{1, float64(size)},
		Indexes: []string{to},
	})
}

// RecordProject counts a Github notification against its repository.
func (e *Emitter) RecordProject(ctx context.Context, org, project string) {
	e.write(ctx, DatasetGithubStats, DataPoint{
		Labels:  []string{org, project},
		Values:  []float64{1},
		Indexes: []string{org},
	})
}

// RecordBytesSaved records how much a reduced body shrank.
func (e *Emitter) RecordBytesSaved(ctx context.Context, to string, saved int64) {
	e.write(ctx, DatasetDisqusStats, DataPoint{
		Labels:  []string{to},
		Values:  []float64{float64(saved)},
		Indexes: []string{to},
	})
}

// RecordGovAccount counts a mailing-list message by its account code.
func (e *Emitter) RecordGovAccount(ctx context.Context, to, code string) {
	e.write(ctx, DatasetGovStats, DataPoint{
		Labels:  []string{to, code},
		Values:  []float64{1},
		Indexes: []string{code},
	})
}

func (e *Emitter) write(ctx context.Context, dataset string, point DataPoint) {
	if e == nil || e.sink == nil {
		return
	}
	if err := e.sink.WriteDataPoint(ctx, dataset, point); err != nil {
		e.logger.WarnContext(ctx, "Failed to record telemetry",
			slog.String("dataset", dataset),
			slog.String("error", err.Error()),
		)
	}
}
