package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	for code, want := range map[int]string{
		101: "1xx",
		200: "2xx",
		201: "2xx",
		302: "3xx",
		403: "4xx",
		409: "4xx",
		500: "5xx",
		502: "5xx",
	} {
		assert.Equal(t, want, statusBucket(code), "code %d", code)
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/disputes/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	matched := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/disputes/:id", "4xx")
	unmatched := HTTPRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "4xx")
	beforeMatched := testutil.ToFloat64(matched)
	beforeUnmatched := testutil.ToFloat64(unmatched)

	for _, path := range []string{"/v1/disputes/dsp_1", "/v1/disputes/dsp_2", "/wp-login.php"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, beforeMatched+2, testutil.ToFloat64(matched))
	assert.Equal(t, beforeUnmatched+1, testutil.ToFloat64(unmatched))
}

func TestRecordDBStats(t *testing.T) {
	RecordDBStats(sql.DBStats{
		OpenConnections: 7,
		InUse:           4,
		Idle:            3,
		WaitCount:       12,
		WaitDuration:    1500 * time.Millisecond,
	})

	assert.Equal(t, 7.0, testutil.ToFloat64(DBOpenConnections))
	assert.Equal(t, 4.0, testutil.ToFloat64(DBInUseConnections))
	assert.Equal(t, 3.0, testutil.ToFloat64(DBIdleConnections))
	assert.Equal(t, 12.0, testutil.ToFloat64(DBWaitCount))
	assert.Equal(t, 1.5, testutil.ToFloat64(DBWaitDuration))
	assert.Positive(t, testutil.ToFloat64(GoroutineCount))
}

func TestHandler_ExposesDisputeMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	DisputesOpenedTotal.Inc()
	DisputesResolvedTotal.WithLabelValues("resolved_refund").Inc()
	ProposalsCreatedTotal.WithLabelValues("bilateral").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"escrow_active_websocket_clients",
		"escrow_disputes_opened_total",
		`escrow_disputes_resolved_total{status="resolved_refund"}`,
		`escrow_proposals_created_total{family="bilateral"}`,
	} {
		assert.Contains(t, body, name)
	}
}
