package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dosewise/internal/config"
	"dosewise/internal/domain"
	"dosewise/internal/metrics"
	"dosewise/internal/storage"
	"dosewise/internal/syncq"
)

var apiNow = time.Date(2026, 3, 14, 8, 10, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{ReadTimeout: 30, WriteTimeout: 30},
		Schedule:  config.ScheduleConfig{ToleranceMinutes: 30},
		Adherence: config.AdherenceConfig{WindowDays: 7},
	}
}

func setupServer(t *testing.T) (*Server, *storage.Local) {
	t.Helper()
	local, err := storage.OpenLocal(":memory:")
	require.NoError(t, err)

	s := New(testConfig(), local, nil, nil, nil, zap.NewNop())
	s.now = func() time.Time { return apiNow }
	return s, local
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func createPatient(t *testing.T, s *Server) domain.Patient {
	t.Helper()
	resp, data := doJSON(t, s, "POST", "/api/v1/patients", map[string]string{"name": "Rosa"})
	require.Equal(t, 201, resp.StatusCode)
	var p domain.Patient
	require.NoError(t, json.Unmarshal(data, &p))
	return p
}

func createMedicine(t *testing.T, s *Server, patientID string, times ...string) domain.Medicine {
	t.Helper()
	sched := make([]domain.DoseSchedule, 0, len(times))
	for _, at := range times {
		sched = append(sched, domain.DoseSchedule{Time: at})
	}
	resp, data := doJSON(t, s, "POST", "/api/v1/patients/"+patientID+"/medicines", map[string]any{
		"name":     "Metformin",
		"dosage":   "500mg",
		"schedule": sched,
	})
	require.Equal(t, 201, resp.StatusCode)
	var med domain.Medicine
	require.NoError(t, json.Unmarshal(data, &med))
	return med
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := setupServer(t)
	resp, _ := doJSON(t, s, "GET", "/api/health", nil)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestCreateAndGetPatient(t *testing.T) {
	s, _ := setupServer(t)
	p := createPatient(t, s)
	require.NotEmpty(t, p.ID)

	resp, data := doJSON(t, s, "GET", "/api/v1/patients/"+p.ID, nil)
	require.Equal(t, 200, resp.StatusCode)
	var got domain.Patient
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Rosa", got.Name)

	resp, _ = doJSON(t, s, "GET", "/api/v1/patients/nope", nil)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestCreateMedicineNormalizesSchedule(t *testing.T) {
	s, _ := setupServer(t)
	p := createPatient(t, s)
	med := createMedicine(t, s, p.ID, "8:00", "20:00")

	require.Len(t, med.Schedule, 2)
	assert.Equal(t, "08:00", med.Schedule[0].Time)
	assert.Equal(t, domain.BucketMorning, med.Schedule[0].Bucket)
	assert.Equal(t, domain.BucketEvening, med.Schedule[1].Bucket)
}

func TestCreateMedicineRejectsMalformedTime(t *testing.T) {
	s, _ := setupServer(t)
	p := createPatient(t, s)

	resp, _ := doJSON(t, s, "POST", "/api/v1/patients/"+p.ID+"/medicines", map[string]any{
		"name":     "Metformin",
		"schedule": []domain.DoseSchedule{{Time: "25:99"}},
	})
	assert.Equal(t, 400, resp.StatusCode)
}

func TestTodayEndpoint(t *testing.T) {
	s, _ := setupServer(t)
	p := createPatient(t, s)
	createMedicine(t, s, p.ID, "08:00", "20:00")

	resp, data := doJSON(t, s, "GET", "/api/v1/patients/"+p.ID+"/today", nil)
	require.Equal(t, 200, resp.StatusCode)

	var today todayResponse
	require.NoError(t, json.Unmarshal(data, &today))
	assert.Equal(t, "2026-03-14", today.Day)
	require.Len(t, today.Doses, 2)

	// At 08:10 the 08:00 dose is current, 20:00 is next.
	require.NotNil(t, today.Current)
	assert.Equal(t, "08:00", today.Current.Schedule.Time)
	require.NotNil(t, today.Next)
	assert.Equal(t, "20:00", today.Next.Schedule.Time)
}

func TestRecordOutcomeAndTodayReflectsIt(t *testing.T) {
	s, _ := setupServer(t)
	p := createPatient(t, s)
	med := createMedicine(t, s, p.ID, "08:00", "20:00")

	resp, _ := doJSON(t, s, "POST", "/api/v1/patients/"+p.ID+"/logs", map[string]any{
		"medicine_id":    med.ID,
		"scheduled_time": "08:00",
		"status":         "taken",
	})
	require.Equal(t, 201, resp.StatusCode)

	_, data := doJSON(t, s, "GET", "/api/v1/patients/"+p.ID+"/today", nil)
	var today todayResponse
	require.NoError(t, json.Unmarshal(data, &today))
	assert.Equal(t, domain.StatusTaken, today.Doses[0].Status)
	assert.Equal(t, 1, today.Stats.Taken)
}

func TestRecordOutcomeValidation(t *testing.T) {
	s, _ := setupServer(t)
	p := createPatient(t, s)

	resp, _ := doJSON(t, s, "POST", "/api/v1/patients/"+p.ID+"/logs", map[string]any{
		"medicine_id":    "med_1",
		"scheduled_time": "08:00",
		"status":         "devoured",
	})
	assert.Equal(t, 400, resp.StatusCode)

	resp, _ = doJSON(t, s, "POST", "/api/v1/patients/"+p.ID+"/logs", map[string]any{
		"scheduled_time": "08:00",
		"status":         "taken",
	})
	assert.Equal(t, 400, resp.StatusCode)
}

func TestUpdateAndDeleteMedicine(t *testing.T) {
	s, _ := setupServer(t)
	p := createPatient(t, s)
	med := createMedicine(t, s, p.ID, "08:00")

	resp, data := doJSON(t, s, "PUT", "/api/v1/medicines/"+med.ID, map[string]any{
		"name":     "Metformin XR",
		"schedule": []domain.DoseSchedule{{Time: "09:00"}},
	})
	require.Equal(t, 200, resp.StatusCode)
	var updated domain.Medicine
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, "Metformin XR", updated.Name)
	require.Len(t, updated.Schedule, 1)
	assert.Equal(t, "09:00", updated.Schedule[0].Time)

	resp, _ = doJSON(t, s, "DELETE", "/api/v1/medicines/"+med.ID, nil)
	assert.Equal(t, 204, resp.StatusCode)

	// Deleted medicine is gone from list and replies 404 on further writes.
	resp, data = doJSON(t, s, "GET", "/api/v1/patients/"+p.ID+"/medicines", nil)
	require.Equal(t, 200, resp.StatusCode)
	var meds []domain.Medicine
	require.NoError(t, json.Unmarshal(data, &meds))
	assert.Empty(t, meds)

	resp, _ = doJSON(t, s, "DELETE", "/api/v1/medicines/"+med.ID, nil)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestRiskEndpoint(t *testing.T) {
	s, local := setupServer(t)
	p := createPatient(t, s)

	for i := 0; i < 3; i++ {
		day := apiNow.AddDate(0, 0, -i).Format("2006-01-02")
		require.NoError(t, local.UpsertAdherenceLog(&domain.AdherenceLogEntry{
			PatientID:     p.ID,
			MedicineID:    "med_1",
			ScheduledTime: "08:00",
			Day:           day,
			Status:        domain.StatusMissed,
		}))
	}

	resp, data := doJSON(t, s, "GET", "/api/v1/patients/"+p.ID+"/risk", nil)
	require.Equal(t, 200, resp.StatusCode)

	var body struct {
		WindowDays int                   `json:"window_days"`
		Risk       domain.RiskAssessment `json:"risk"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, 7, body.WindowDays)
	assert.Equal(t, domain.RiskHigh, body.Risk.Level)
	assert.Equal(t, 3, body.Risk.ConsecutiveMisses)
}

func TestWeeklyReportEndpoint(t *testing.T) {
	s, local := setupServer(t)
	p := createPatient(t, s)

	require.NoError(t, local.UpsertAdherenceLog(&domain.AdherenceLogEntry{
		PatientID:     p.ID,
		MedicineID:    "med_1",
		ScheduledTime: "20:00",
		Day:           "2026-03-13",
		Status:        domain.StatusMissed,
	}))
	require.NoError(t, local.UpsertAdherenceLog(&domain.AdherenceLogEntry{
		PatientID:     p.ID,
		MedicineID:    "med_1",
		ScheduledTime: "08:00",
		Day:           "2026-03-14",
		Status:        domain.StatusTaken,
	}))

	resp, data := doJSON(t, s, "GET", "/api/v1/patients/"+p.ID+"/report/weekly", nil)
	require.Equal(t, 200, resp.StatusCode)

	var body struct {
		From          string  `json:"from"`
		To            string  `json:"to"`
		AdherenceRate float64 `json:"adherence_rate"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "2026-03-08", body.From)
	assert.Equal(t, "2026-03-14", body.To)
	assert.InDelta(t, 0.5, body.AdherenceRate, 0.001)
}

func TestSyncEndpoints(t *testing.T) {
	s, local := setupServer(t)

	// Without a drainer the sync surface is unavailable.
	resp, _ := doJSON(t, s, "GET", "/api/v1/sync/status", nil)
	assert.Equal(t, 503, resp.StatusCode)

	remote := storage.NewMemoryStore()
	s.drainer = syncq.NewDrainer(syncq.Config{}, local, remote, zap.NewNop(), metrics.NewUnregistered())

	p := createPatient(t, s)
	createMedicine(t, s, p.ID, "08:00")

	resp, data := doJSON(t, s, "POST", "/api/v1/sync/drain", nil)
	require.Equal(t, 200, resp.StatusCode)

	var status syncq.Status
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, int64(0), status.QueueDepth)
}

func TestRiskEndpointRejectsBadWindow(t *testing.T) {
	s, _ := setupServer(t)
	p := createPatient(t, s)

	resp, _ := doJSON(t, s, "GET", fmt.Sprintf("/api/v1/patients/%s/risk?days=-1", p.ID), nil)
	assert.Equal(t, 400, resp.StatusCode)
}
