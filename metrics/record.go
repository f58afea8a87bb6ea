package metrics

// Metrics is the base interface for all metric types.
type Metrics interface {
	// Name returns the metric name.
	Name() string
	// Group returns the metric group for categorization.
	Group() string
	// Policy returns the aggregation policy for this metric.
	Policy() Policy
}

// Record represents a single metric measurement with its metadata.
type Record struct {
	metrics    Metrics
	value      Value
	cnt        int
	dimensions Dimension
}

// Metrics returns the metric definition associated with this record.
func (r *Record) Metrics() Metrics {
	return r.metrics
}

// Value returns the processed value based on the metric's policy.
// For Policy_Avg and Policy_Stopwatch it returns the average value.
func (r *Record) Value() Value {
	switch r.metrics.Policy() {
	case Policy_Avg, Policy_Stopwatch:
		if r.cnt != 0 {
			return r.value / Value(r.cnt)
		}
	}
	return r.value
}

// RawData returns the accumulated value and observation count.
func (r *Record) RawData() (Value, int) {
	return r.value, r.cnt
}

// Dimensions returns the record's dimensions.
func (r *Record) Dimensions() Dimension {
	return r.dimensions
}

// Clone creates a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := &Record{
		metrics: r.metrics,
		value:   r.value,
		cnt:     r.cnt,
	}
	cp.dimensions = make(Dimension, len(r.dimensions))
	for k, v := range r.dimensions {
		cp.dimensions[k] = v
	}
	return cp
}
