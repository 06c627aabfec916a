package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveTokenUpdate()
	c.ObserveTokenUpdate()
	c.ObserveAnnouncement()
	c.ObserveFetch("ok")
	c.ObserveFetch("error")
	c.ObserveFetch("error")
	c.ObserveMessage("display")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tokenUpdates))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.announcements))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetches.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.fetches.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messages.WithLabelValues("display")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveTokenUpdate()
		c.ObserveAnnouncement()
		c.ObserveFetch("ok")
		c.ObserveRefresh("ok")
		c.ObserveMessage("handler")
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.ObserveTokenUpdate()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "push_registry_token_updates_total 1")
}
