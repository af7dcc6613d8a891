package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesCollectors(t *testing.T) {
	TasksQueued.WithLabelValues("probe").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `outbox_tasks_queued_total{queue="probe"}`))
}

func TestRegister_Idempotent(t *testing.T) {
	require.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(ChunksUploaded)
	ChunksUploaded.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(ChunksUploaded))
}
