package http

import (
	"bytes"
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/complaint-engine/internal/api/http/handlers"
	"github.com/spec-kit/complaint-engine/internal/escalation"
	"github.com/spec-kit/complaint-engine/internal/events"
	"github.com/spec-kit/complaint-engine/internal/observability"
	"github.com/spec-kit/complaint-engine/internal/persistence"
	"github.com/spec-kit/complaint-engine/internal/service"
	"github.com/spec-kit/complaint-engine/internal/sla"
)

type testServer struct {
	app  *fiber.App
	sink *events.Sink
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	table := sla.Default()
	calc, err := sla.NewCalculator(table)
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	sink := events.NewSink(events.NewInMemoryDispatcher(), time.Second, nil, metrics)
	svc := service.NewComplaintService(service.ComplaintDependencies{
		Calculator: calc,
		Ladder:     escalation.NewLadder(table),
		Sink:       sink,
		Metrics:    metrics,
	})

	app := fiber.New()
	RegisterMiddlewares(app, zap.NewNop(), metrics, 5*time.Second)
	RegisterRoutes(app, RouteConfig{
		Health:     handlers.NewHealthHandler("complaint-engine", "test", &persistence.Postgres{}, nil, sink.PendingCount),
		Complaints: handlers.NewComplaintsHandler(svc, sink, nil),
		Metrics:    metrics,
	})
	return &testServer{app: app, sink: sink}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (s *testServer) create(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	status, resp := s.do(t, nethttp.MethodPost, "/complaints", body)
	require.Equal(t, nethttp.StatusCreated, status, resp)
	return resp["data"].(map[string]any)
}

func errorCode(resp map[string]any) string {
	e, _ := resp["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestCreateComplaint(t *testing.T) {
	s := newTestServer(t)
	data := s.create(t, map[string]any{"category": "no supply", "department": "Water", "priority": "high"})

	assert.Equal(t, "ORANGE", data["status"])
	assert.Equal(t, "HIGH", data["priority"])
	assert.EqualValues(t, 0, data["escalation_level"])
	history := data["history"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, "CREATED", history[0].(map[string]any)["kind"])
	assert.Equal(t, "STATUS_CHANGED", history[1].(map[string]any)["kind"])

	created, err := time.Parse(time.RFC3339Nano, data["created_at"].(string))
	require.NoError(t, err)
	ack, err := time.Parse(time.RFC3339Nano, data["ack_deadline"].(string))
	require.NoError(t, err)
	assert.Equal(t, 16*time.Hour, ack.Sub(created))
}

func TestCreateComplaintRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	status, resp := s.do(t, nethttp.MethodPost, "/complaints", map[string]any{"category": "x", "department": "water", "priority": "urgent"})
	assert.Equal(t, nethttp.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(resp))

	status, resp = s.do(t, nethttp.MethodPost, "/complaints", map[string]any{"category": "x", "department": "  ", "priority": "LOW"})
	assert.Equal(t, nethttp.StatusBadRequest, status)
	assert.Equal(t, "UNKNOWN_DEPARTMENT", errorCode(resp))

	status, resp = s.do(t, nethttp.MethodPost, "/complaints", map[string]any{"department": "water", "priority": "LOW"})
	assert.Equal(t, nethttp.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(resp))
}

func TestGetUnknownComplaint(t *testing.T) {
	s := newTestServer(t)
	status, resp := s.do(t, nethttp.MethodGet, "/complaints/does-not-exist", nil)
	assert.Equal(t, nethttp.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(resp))
}

func TestLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t, map[string]any{"category": "pothole", "department": "road", "priority": "MEDIUM"})["id"].(string)
	path := "/complaints/" + id

	status, resp := s.do(t, nethttp.MethodPost, path+"/transitions", map[string]any{"target": "GREEN"})
	assert.Equal(t, nethttp.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(resp))

	status, resp = s.do(t, nethttp.MethodPost, path+"/transitions", map[string]any{"target": "BLUE", "expected_from": "RED"})
	assert.Equal(t, nethttp.StatusConflict, status, "stale precondition")
	assert.Equal(t, "INVALID_TRANSITION", errorCode(resp))

	for _, target := range []string{"blue", "GREEN", "BLACK"} {
		status, resp = s.do(t, nethttp.MethodPost, path+"/transitions", map[string]any{"target": target, "actor": "officer-7"})
		require.Equal(t, nethttp.StatusOK, status, resp)
	}
	assert.Equal(t, "BLACK", resp["data"].(map[string]any)["status"])

	status, resp = s.do(t, nethttp.MethodPost, path+"/transitions", map[string]any{"target": "RED"})
	assert.Equal(t, nethttp.StatusConflict, status)
	assert.Equal(t, "TERMINAL_STATE", errorCode(resp))

	status, resp = s.do(t, nethttp.MethodPost, path+"/reopen", map[string]any{"actor": "citizen"})
	require.Equal(t, nethttp.StatusOK, status, resp)
	assert.Equal(t, "GREEN", resp["data"].(map[string]any)["status"])

	status, resp = s.do(t, nethttp.MethodPost, path+"/reopen", nil)
	assert.Equal(t, nethttp.StatusConflict, status)
	assert.Equal(t, "NOT_TERMINAL", errorCode(resp))

	status, resp = s.do(t, nethttp.MethodGet, path+"/events", nil)
	require.Equal(t, nethttp.StatusOK, status)
	stream := resp["data"].([]any)
	require.Len(t, stream, 5, "routing, three transitions, reopen")
	for i, raw := range stream {
		e := raw.(map[string]any)
		assert.EqualValues(t, i+1, e["sequence"])
		assert.Equal(t, "status_changed", e["type"])
	}
}

func TestAdjustTimeline(t *testing.T) {
	s := newTestServer(t)
	data := s.create(t, map[string]any{"category": "outage", "department": "electricity", "priority": "HIGH"})
	path := "/complaints/" + data["id"].(string) + "/timeline"

	ack, err := time.Parse(time.RFC3339Nano, data["ack_deadline"].(string))
	require.NoError(t, err)
	moved := ack.Add(6 * time.Hour)

	status, resp := s.do(t, nethttp.MethodPost, path, map[string]any{"ack_deadline": moved, "actor": "commissioner", "reason": "storm"})
	require.Equal(t, nethttp.StatusOK, status, resp)
	got, err := time.Parse(time.RFC3339Nano, resp["data"].(map[string]any)["ack_deadline"].(string))
	require.NoError(t, err)
	assert.True(t, got.Equal(moved))

	status, resp = s.do(t, nethttp.MethodPost, path, map[string]any{"resolution_deadline": moved.Add(-time.Hour), "actor": "commissioner"})
	assert.Equal(t, nethttp.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(resp))

	status, _ = s.do(t, nethttp.MethodPost, path, map[string]any{"actor": "commissioner"})
	assert.Equal(t, nethttp.StatusBadRequest, status)
}

func TestOverdueAndStats(t *testing.T) {
	s := newTestServer(t)
	long := time.Now().UTC().Add(-30 * 24 * time.Hour)
	late := s.create(t, map[string]any{"category": "garbage", "department": "sanitation", "priority": "MEDIUM", "created_at": long})
	s.create(t, map[string]any{"category": "leak", "department": "water", "priority": "LOW"})

	status, resp := s.do(t, nethttp.MethodGet, "/complaints/overdue", nil)
	require.Equal(t, nethttp.StatusOK, status)
	items := resp["data"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, late["id"], item["id"])
	assert.Equal(t, true, item["overdue"])

	status, resp = s.do(t, nethttp.MethodGet, "/stats", nil)
	require.Equal(t, nethttp.StatusOK, status)
	stats := resp["data"].(map[string]any)
	assert.EqualValues(t, 2, stats["total"])
	assert.EqualValues(t, 1, stats["overdue"])
	assert.EqualValues(t, 2, stats["by_status"].(map[string]any)["ORANGE"])
	sanitation := stats["by_department"].(map[string]any)["sanitation"].(map[string]any)
	assert.EqualValues(t, 1, sanitation["overdue"])
	assert.EqualValues(t, 0, stats["pending_events"])
	assert.EqualValues(t, 1, stats["stuck"])
	assert.Equal(t, "72h0m0s", stats["stuck_after"])
	assert.EqualValues(t, 1, sanitation["stuck"])
}

func TestStuckComplaints(t *testing.T) {
	s := newTestServer(t)
	long := time.Now().UTC().Add(-5 * 24 * time.Hour)
	idle := s.create(t, map[string]any{"category": "garbage", "department": "sanitation", "priority": "LOW", "created_at": long})
	s.create(t, map[string]any{"category": "leak", "department": "water", "priority": "LOW"})

	status, resp := s.do(t, nethttp.MethodGet, "/complaints/stuck", nil)
	require.Equal(t, nethttp.StatusOK, status)
	items := resp["data"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, idle["id"], item["id"])
	assert.NotEmpty(t, item["stalled_for"])

	status, _ = s.do(t, nethttp.MethodPost, "/complaints/"+idle["id"].(string)+"/transitions", map[string]any{"target": "BLUE"})
	require.Equal(t, nethttp.StatusOK, status)
	_, resp = s.do(t, nethttp.MethodGet, "/complaints/stuck", nil)
	assert.Empty(t, resp["data"], "acknowledging restarts the clock")
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	status, resp := s.do(t, nethttp.MethodGet, "/health/live", nil)
	assert.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, "alive", resp["status"])

	status, resp = s.do(t, nethttp.MethodGet, "/health/ready", nil)
	assert.Equal(t, nethttp.StatusOK, status)
	deps := resp["dependencies"].(map[string]any)
	assert.Equal(t, "disabled", deps["postgres"])
	assert.Equal(t, "disabled", deps["redis"])

	s.create(t, map[string]any{"category": "x", "department": "health", "priority": "CRITICAL"})

	resp2, err := s.app.Test(httptest.NewRequest(nethttp.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, nethttp.StatusOK, resp2.StatusCode)
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "status_transitions_total")
	assert.Contains(t, string(body), "events_total")
}

func TestRequestTimeoutReachesHandlers(t *testing.T) {
	app := fiber.New()
	RegisterMiddlewares(app, zap.NewNop(), nil, 50*time.Millisecond)
	app.Get("/slow", func(c *fiber.Ctx) error {
		<-c.UserContext().Done()
		return c.UserContext().Err()
	})
	resp, err := app.Test(httptest.NewRequest(nethttp.MethodGet, "/slow", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusInternalServerError, resp.StatusCode)
}
