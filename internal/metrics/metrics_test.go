package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveStage("code", ResultOK, time.Now())
	m.ObserveStage("test", ResultFail, time.Now())
	m.ObserveStage("test", ResultPass, time.Now())
	m.TaskRetry()
	m.SelfHeal()
	m.BlockedCommand()
	m.BlockedCommand()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageTotal.WithLabelValues("test", ResultFail)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.selfHeals))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.blockedCommands))
	assert.Equal(t, 2, testutil.CollectAndCount(m.stageDuration))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveStage("plan", ResultOK, time.Now())
	m.TaskRetry()
	m.SelfHeal()
	m.BlockedCommand()
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveStage("plan", ResultOK, time.Now())

	path := filepath.Join(t.TempDir(), "triad.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `triad_stage_total{result="ok",stage="plan"} 1`))
}
