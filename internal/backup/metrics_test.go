package backup

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Observe(OpRestore, time.Now(), nil)
	m.Observe(OpRestore, time.Now(), errors.New("boom"))
	m.Observe(OpRestore, time.Now(), errors.New("boom again"))
	m.StepFailed("files")
	m.ArchiveWritten(4096)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues(OpRestore, "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues(OpRestore, "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepFailures.WithLabelValues("files")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.archiveBytes))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Observe(OpCreate, time.Now(), nil)
	m.StepFailed("report")
	m.ArchiveWritten(1)
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Observe(OpCreate, time.Now(), nil)

	srv := httptest.NewServer(NewMetricsServer(":0", reg).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `tenant_backup_operations_total{operation="backup_create",result="success"} 1`)
}
