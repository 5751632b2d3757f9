package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAndServe(t *testing.T) {
	m := New()
	m.ObserveSearch("ok", 1500*time.Millisecond, 4, 1)
	m.ObserveSearch("error", time.Second, 0, 0)
	m.ObserveRecipient("success")
	m.ObserveExport("csv", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, line := range []string{
		`leadline_searches_total{outcome="ok"} 1`,
		`leadline_leads_ingested_total 4`,
		`leadline_duplicates_dropped_total 1`,
		`leadline_exports_total{kind="csv"} 3`,
		`leadline_campaign_recipients_total{status="success"} 1`,
		`leadline_lookup_duration_seconds_count 2`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSearch("ok", time.Second, 1, 1)
	m.ObserveRecipient("error")
	m.ObserveExport("docx", 1)
}
