package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRegistersAgainstRegistry(t *testing.T) {
	prev := defaultMetrics
	t.Cleanup(func() { defaultMetrics = prev })

	reg := prometheus.NewRegistry()
	m := Init("", reg)
	require.Same(t, m, Get())

	m.IncPipeline("converted")
	m.IncPipeline("converted")
	m.IncPipeline("failed")
	m.IncDownload("complete")
	m.AddDownloadBytes(1024)
	m.ObserveStage("download", 0.2)
	m.ObserveConvertedRows("PostgreSQL", 42)
	m.SetCatalog(10, 2, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PipelinesTotal.WithLabelValues("converted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelinesTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsTotal.WithLabelValues("complete")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.DownloadBytes))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.CatalogDescriptors.WithLabelValues("resolved")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CatalogDescriptors.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CatalogDescriptors.WithLabelValues("unavailable")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["ksj_ingest_pipelines_total"])
	assert.True(t, names["ksj_ingest_stage_duration_seconds"])
	assert.True(t, names["ksj_ingest_converted_rows"])
}

func TestInitNamespace(t *testing.T) {
	prev := defaultMetrics
	t.Cleanup(func() { defaultMetrics = prev })

	reg := prometheus.NewRegistry()
	m := Init("test", reg)
	m.DownloadRetries.Inc()

	n, err := testutil.GatherAndCount(reg, "test_download_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
