package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobtrack/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.submissions, "submissions counter should be initialized")
	assert.NotNil(t, collector.queries, "queries counter should be initialized")
	assert.NotNil(t, collector.retries, "retries counter should be initialized")
	assert.NotNil(t, collector.notFound, "notFound counter should be initialized")
	assert.NotNil(t, collector.terminal, "terminal counter should be initialized")
	assert.NotNil(t, collector.waitTime, "waitTime histogram should be initialized")
	assert.NotNil(t, collector.tracked, "tracked gauge should be initialized")
}

func TestRecordSubmission(t *testing.T) {
	collector := NewCollector()

	collector.RecordSubmission(nil)
	collector.RecordSubmission(nil)
	collector.RecordSubmission(errors.New("sbatch: error"))

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.submissions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.submissions.WithLabelValues("error")))
}

func TestRecordQueryRetryNotFound(t *testing.T) {
	collector := NewCollector()

	for i := 0; i < 3; i++ {
		collector.RecordQuery()
	}
	collector.RecordRetry()
	collector.RecordNotFound()

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.queries))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.notFound))
}

func TestRecordTerminal_UsesBaseStatus(t *testing.T) {
	collector := NewCollector()

	collector.RecordTerminal(types.StatusCompleted)
	collector.RecordTerminal("COMPLETED+")
	collector.RecordTerminal("CANCELLED by 1000")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.terminal.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.terminal.WithLabelValues("CANCELLED")))
}

func TestSetTracked(t *testing.T) {
	collector := NewCollector()

	collector.SetTracked(map[types.Status]int{types.StatusRunning: 3, types.StatusPending: 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.tracked.WithLabelValues("RUNNING")))

	collector.SetTracked(map[types.Status]int{types.StatusCompleted: 4})
	assert.Equal(t, 1, testutil.CollectAndCount(collector.tracked), "stale labels should be reset")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordSubmission(nil)
		collector.RecordQuery()
		collector.RecordRetry()
		collector.RecordNotFound()
		collector.RecordTerminal(types.StatusFailed)
		collector.ObserveWait(1.5)
		collector.SetTracked(nil)
	})
	assert.NoError(t, collector.WriteTextfile("unused"))
}

func TestNewCollectorWith_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := NewCollectorWith(reg, reg)
	require.NoError(t, err)

	_, err = NewCollectorWith(reg, reg)
	assert.Error(t, err, "registering twice on one registry should fail")
}

func TestWriteTextfile(t *testing.T) {
	collector := NewCollector()
	collector.RecordQuery()
	collector.ObserveWait(12)

	path := filepath.Join(t.TempDir(), "jobtrack.prom")
	require.NoError(t, collector.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "jobtrack_accounting_queries_total 1")
	assert.Contains(t, string(data), "jobtrack_wait_duration_seconds_count 1")
}

func TestWriteTextfile_NoGatherer(t *testing.T) {
	collector, err := NewCollectorWith(prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	assert.Error(t, collector.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}
