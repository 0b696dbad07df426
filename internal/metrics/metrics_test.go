package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RanksShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m0 := New(reg, 0)
	m1 := New(reg, 1)

	m0.BytesWritten.Add(10)
	m1.BytesWritten.Add(3)
	m1.FatalAborts.WithLabelValues("out_of_memory").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "memstripe_fatal_aborts_total")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(body, `memstripe_bytes_written_total{rank="0"} 10`))
	assert.True(t, strings.Contains(body, `memstripe_bytes_written_total{rank="1"} 3`))
	assert.True(t, strings.Contains(body, `memstripe_fatal_aborts_total{rank="1",reason="out_of_memory"} 1`))
}

func TestNew_NilRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil, 0)
		New(nil, 0)
	})
}
