package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	mu      sync.Mutex
	records []*Record
}

func (f *fakeReporter) Report(r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r.Clone())
	return nil
}

func (f *fakeReporter) byName(name string) []*Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Record
	for _, r := range f.records {
		if r.Metrics().Name() == name {
			out = append(out, r)
		}
	}
	return out
}

func withFakeReporter(t *testing.T) *fakeReporter {
	t.Helper()
	f := &fakeReporter{}
	old := _Reporters
	SetMetricsReporters([]Reporter{f})
	t.Cleanup(func() { SetMetricsReporters(old) })
	return f
}

func TestCounterIncr(t *testing.T) {
	f := withFakeReporter(t)

	IncrCounterWithGroup("test_counter", GroupNitra, 1)
	IncrCounterWithDimGroup("test_counter", GroupNitra, 2, Dimension{DimDir: "read"})

	recs := f.byName("test_counter")
	require.Len(t, recs, 2)
	assert.Equal(t, Value(1), recs[0].Value())
	assert.Equal(t, Value(2), recs[1].Value())
	assert.Equal(t, "read", recs[1].Dimensions()[DimDir])
	assert.Equal(t, Policy_Sum, recs[0].Metrics().Policy())
	assert.Equal(t, GroupNitra, recs[0].Metrics().Group())
}

func TestGaugeUpdate(t *testing.T) {
	f := withFakeReporter(t)

	UpdateGaugeWithGroup("test_gauge", GroupNitra, 17)
	UpdateGaugeWithGroup("test_gauge", GroupNitra, 3)

	recs := f.byName("test_gauge")
	require.Len(t, recs, 2)
	assert.Equal(t, Value(17), recs[0].Value())
	assert.Equal(t, Value(3), recs[1].Value())
	assert.Equal(t, Policy_Set, recs[0].Metrics().Policy())
}

func TestStopwatchRecords(t *testing.T) {
	f := withFakeReporter(t)

	start := time.Now().Add(-25 * time.Millisecond)
	elapsed := RecordStopwatchWithGroup("test_watch", GroupNitra, start)

	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	recs := f.byName("test_watch")
	require.Len(t, recs, 1)
	assert.GreaterOrEqual(t, float64(recs[0].Value()), float64(25))
	assert.Equal(t, Policy_Stopwatch, recs[0].Metrics().Policy())
}

func TestMetricInstancesAreReused(t *testing.T) {
	withFakeReporter(t)

	c1 := getCounter("reused_counter", GroupNitra)
	c2 := getCounter("reused_counter", GroupNitra)
	assert.Same(t, c1, c2)

	g1 := getGauge("reused_gauge", GroupNitra)
	g2 := getGauge("reused_gauge", GroupNitra)
	assert.Same(t, g1, g2)
}

func TestPrometheusReporter(t *testing.T) {
	cfg := &PrometheusCfg{}
	rep, err := NewPrometheusReporter(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/metrics", cfg.Path)

	c := &counter{name: "prom_counter", group: GroupNitra}
	require.NoError(t, rep.Report(Record{metrics: c, value: 3}))
	require.NoError(t, rep.Report(Record{metrics: c, value: 4}))

	g := &gauge{name: "prom_gauge", group: GroupNitra}
	require.NoError(t, rep.Report(Record{metrics: g, value: 11, dimensions: Dimension{DimDir: "write"}}))

	families, err := rep.registry.Gather()
	require.NoError(t, err)

	found := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				found[mf.GetName()] = m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				found[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(7), found["nitra_prom_counter"])
	assert.Equal(t, float64(11), found["nitra_prom_gauge"])
}

func TestPrometheusCfgValidate(t *testing.T) {
	cfg := &PrometheusCfg{Path: "metrics"}
	assert.Error(t, cfg.Validate())
}
