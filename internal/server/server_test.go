package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"rlm/internal/browser"
	"rlm/internal/config"
	"rlm/internal/engine"
	"rlm/internal/events"
	"rlm/internal/llm"
	"rlm/internal/logging"
	"rlm/internal/metrics"
	"rlm/pkg/types"
)

func newTestServer(t *testing.T, responses ...llm.MockResponse) (*Server, *engine.Engine) {
	t.Helper()
	mock := llm.NewMockClient(responses...)
	m := metrics.New()
	eng := engine.New(engine.Options{
		Config: config.Config{
			Provider:      config.ProviderAnthropic,
			APIKey:        "test-key",
			PrimaryModel:  "test-model",
			MaxIterations: 3,
			MaxSubCalls:   5,
		},
		Primary: mock,
		Sub:     mock,
		Driver:  browser.NewMemDriver(),
		Bus:     events.NewBus(logging.Nop()),
		Metrics: m,
		Logger:  logging.Nop(),
	})
	return New(eng, m, logging.Nop()), eng
}

func waitForStatus(t *testing.T, eng *engine.Engine, want types.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if eng.GetState().Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("engine never reached status %s (now %s)", want, eng.GetState().Status)
}

func TestSubmitAndState(t *testing.T) {
	srv, eng := newTestServer(t, llm.MockResponse{Content: "```repl\nsetFinal(\"ok\")\n```"})
	router := srv.Router()

	body, _ := json.Marshal(map[string]string{"message": "do it"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	waitForStatus(t, eng, types.TaskComplete)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var state types.TaskState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, types.TaskComplete, state.Status)
	require.Equal(t, "do it", state.UserMessage)
}

func TestSubmitRejectsEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("{}")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "rlm_")
}

func TestWebsocketEventFeed(t *testing.T) {
	srv, eng := newTestServer(t, llm.MockResponse{Content: "```repl\nsetFinal(\"ws\")\n```"})
	httpServer := httptest.NewServer(srv.Router())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, eng.SubmitTask("stream me"))

	sawComplete := false
	deadline := time.Now().Add(10 * time.Second)
	for !sawComplete && time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var envelope wsEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("read websocket frame: %v", err)
		}
		if envelope.Type == types.EventComplete {
			sawComplete = true
		}
	}
	require.True(t, sawComplete, "the websocket feed must carry the complete event")
}
