package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsentinel/dbsentinel/internal/detect"
)

func newTestAdmin(t *testing.T) (*adminServer, *testMonitor) {
	t.Helper()
	tm := newTestMonitor(t, nil)
	return newAdminServer("127.0.0.1:0", tm.Monitor, testLogger()), tm
}

func adminRequest(a *adminServer, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestAdminServer_HealthAndStatus(t *testing.T) {
	a, _ := newTestAdmin(t)

	rec := adminRequest(a, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = adminRequest(a, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "healthy", st.State)
	assert.Contains(t, st.QueueDepths, "events")
}

func TestAdminServer_Metrics(t *testing.T) {
	a, _ := newTestAdmin(t)

	rec := adminRequest(a, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dbsentinel_events_dropped_total")
}

func TestAdminServer_AlertLifecycle(t *testing.T) {
	a, tm := newTestAdmin(t)

	tm.ReportDetection(detect.NewDetection("test_probe", "unauthorized_access",
		detect.SeverityHigh, 0.9, "admin surface probe"))

	var alertID string
	require.Eventually(t, func() bool {
		alerts := tm.alerts.ActiveAlerts()
		if len(alerts) == 0 {
			return false
		}
		alertID = alerts[0].AlertID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	rec := adminRequest(a, http.MethodGet, "/alerts", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), alertID)

	// Resolving an unacknowledged alert is refused.
	rec = adminRequest(a, http.MethodPost, "/alerts/"+alertID+"/resolve", `{"operator":"alice"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = adminRequest(a, http.MethodPost, "/alerts/"+alertID+"/ack", `{"operator":"alice"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = adminRequest(a, http.MethodPost, "/alerts/"+alertID+"/resolve", `{"operator":"alice"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminServer_OperatorBodyRequired(t *testing.T) {
	a, _ := newTestAdmin(t)

	rec := adminRequest(a, http.MethodPost, "/alerts/x/ack", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = adminRequest(a, http.MethodPost, "/alerts/x/ack", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = adminRequest(a, http.MethodPost, "/lockdowns/x/unlock", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminServer_UnlockUnknownLockdown(t *testing.T) {
	a, _ := newTestAdmin(t)

	rec := adminRequest(a, http.MethodPost, "/lockdowns/nope/unlock", `{"operator":"alice"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = adminRequest(a, http.MethodPost, "/lockdowns/nope/unlock", `{"code":"1234-5678"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminServer_LockdownsSnapshot(t *testing.T) {
	a, _ := newTestAdmin(t)

	rec := adminRequest(a, http.MethodGet, "/lockdowns", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NONE", body["level"])
}

func TestAdminServer_UpdateApprovalSurface(t *testing.T) {
	a, _ := newTestAdmin(t)

	rec := adminRequest(a, http.MethodGet, "/updates", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = adminRequest(a, http.MethodPost, "/updates/nope/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = adminRequest(a, http.MethodPost, "/updates/nope/reject", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminServer_RollbackUnknownAction(t *testing.T) {
	a, _ := newTestAdmin(t)

	rec := adminRequest(a, http.MethodPost, "/actions/nope/rollback", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminServer_AuditVerify(t *testing.T) {
	a, _ := newTestAdmin(t)

	rec := adminRequest(a, http.MethodGet, "/audit/verify", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
}
