package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBuildAndStats(t *testing.T) {
	m := New()
	m.RecordBuild(20*time.Millisecond, nil)
	m.RecordBuild(time.Millisecond, errors.New("boom"))
	m.UpdateIndexStats(map[string]int{"entity": 3, "comment": 1}, 2, 1, map[string]int{"orphaned_reference": 4})
	m.RecordGC(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexBuildsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexBuildsTotal.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TagsTotal.WithLabelValues("entity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokenConnections))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.GCReferencesTotal))

	m.UpdateIndexStats(map[string]int{"entity": 1}, 0, 0, nil)
	assert.Equal(t, 1, testutil.CollectAndCount(m.TagsTotal))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.RecordTagMutation("create", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `dossier_tag_mutations_total{operation="create",status="success"} 1`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordBuild(time.Second, nil)
	m.RecordUpdate("tag")
	m.RecordTagMutation("delete", nil)
	m.RecordGC(1)
	m.UpdateIndexStats(nil, 0, 0, nil)
	assert.Nil(t, m.Registry())
}
