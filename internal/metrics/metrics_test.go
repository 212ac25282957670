package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordStored("short_term")
	c.RecordStored("short_term")
	c.RecordStored("semantic")
	c.RecordRetrieved(5)
	c.RecordForgotten(2)
	c.RecordReflection()
	c.SetTierSize("short_term", 2)
	c.ObserveEmbedding(30 * time.Millisecond)
	c.CacheHit()
	c.CacheMiss()

	require.Equal(t, 2.0, testutil.ToFloat64(c.stored.WithLabelValues("short_term")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.stored.WithLabelValues("semantic")))
	require.Equal(t, 5.0, testutil.ToFloat64(c.retrieved))
	require.Equal(t, 2.0, testutil.ToFloat64(c.forgotten))
	require.Equal(t, 1.0, testutil.ToFloat64(c.reflections))
	require.Equal(t, 2.0, testutil.ToFloat64(c.tierSize.WithLabelValues("short_term")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits))
	require.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses))
}

func TestCollectorHandlerServesMetrics(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordStored("episodic")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "memflow_records_stored_total")
}

// Two collectors never collide: each owns its registry.
func TestCollectorsAreIndependent(t *testing.T) {
	t.Parallel()

	a := NewCollector()
	b := NewCollector()
	a.RecordRetrieved(1)
	require.Equal(t, 1.0, testutil.ToFloat64(a.retrieved))
	require.Equal(t, 0.0, testutil.ToFloat64(b.retrieved))
}
