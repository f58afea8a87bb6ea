package metrics

import "time"

// StopWatch measures operation durations in milliseconds.
type StopWatch interface {
	Metrics
	// RecordWithDim records the elapsed time since startTime with dimensions.
	RecordWithDim(dimensions Dimension, startTime time.Time) time.Duration
}

type stopwatch struct {
	name  string
	group string
}

func (s *stopwatch) Name() string {
	return s.name
}

func (s *stopwatch) Group() string {
	return s.group
}

func (s *stopwatch) Policy() Policy {
	return Policy_Stopwatch
}

func (s *stopwatch) RecordWithDim(dimensions Dimension, startTime time.Time) time.Duration {
	elapsed := time.Since(startTime)
	r := Record{
		metrics:    s,
		value:      Value(elapsed.Milliseconds()),
		cnt:        1,
		dimensions: dimensions,
	}
	for _, reporter := range _Reporters {
		reporter.Report(r)
	}
	return elapsed
}
