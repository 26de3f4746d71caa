package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/cron"
)

func newTestServer(t *testing.T, responses [][]*agent.CompletionChunk) (*Server, *routerFixture, *cron.Scheduler) {
	t.Helper()
	fixture := newRouterFixture(t, responses)
	scheduler := cron.NewScheduler(cron.NewMemoryJobStore(), cron.TurnRunnerFunc(
		func(ctx context.Context, sessionID, task string) (string, error) { return "ran", nil },
	))
	server := NewServer(":0", fixture.router, fixture.store, scheduler, nil)
	return server, fixture, scheduler
}

func do(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	server.http.Handler.ServeHTTP(recorder, req)
	return recorder
}

func TestChatEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t, [][]*agent.CompletionChunk{
		{{Text: "Hello "}, {Text: "from the API."}},
	})

	recorder := do(t, server, http.MethodPost, "/chat", map[string]any{
		"message":    "hello",
		"session_id": "api-user",
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	var response map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, "Hello from the API.", response["response"])
	require.Equal(t, "api-user", response["session_id"])
}

func TestSessionCreateIdempotent(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	recorder := do(t, server, http.MethodPost, "/session/create", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusCreated, recorder.Code)
	var response map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, "created", response["status"])

	recorder = do(t, server, http.MethodPost, "/session/create", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, "exists", response["status"])
}

func TestSessionsList(t *testing.T) {
	server, _, _ := newTestServer(t, nil)
	do(t, server, http.MethodPost, "/session/create", map[string]any{"session_id": "s1"})

	recorder := do(t, server, http.MethodGet, "/sessions/list", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, "s1", list[0]["session_id"])
}

func TestWhatsAppIncomingDuplicateStatus(t *testing.T) {
	server, fixture, _ := newTestServer(t, [][]*agent.CompletionChunk{
		{{Text: "hi"}},
	})

	event := map[string]any{
		"message_id": "m1",
		"from":       "u1",
		"body":       "hello",
		"senderName": "Uli",
		"platform":   "mx",
	}
	recorder := do(t, server, http.MethodPost, "/whatsapp/incoming", event)
	require.Equal(t, http.StatusAccepted, recorder.Code)

	// Second POST with the same message_id short-circuits synchronously.
	recorder = do(t, server, http.MethodPost, "/whatsapp/incoming", event)
	require.Equal(t, http.StatusOK, recorder.Code)
	var response map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, string(StatusIgnoredDup), response["status"])

	// Exactly one engine invocation across both posts.
	require.Eventually(t, func() bool { return fixture.provider.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, fixture.provider.callCount())
}

func TestCronEndpoints(t *testing.T) {
	server, _, scheduler := newTestServer(t, nil)

	recorder := do(t, server, http.MethodPost, "/cron/jobs", map[string]any{
		"name":           "poll",
		"schedule_type":  "interval",
		"schedule_value": "60",
		"task":           "check things",
	})
	require.Equal(t, http.StatusCreated, recorder.Code)
	var job cron.Job
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)

	recorder = do(t, server, http.MethodGet, "/cron/jobs", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = do(t, server, http.MethodPost, "/cron/webhook/"+job.ID, nil)
	require.Equal(t, http.StatusAccepted, recorder.Code)

	recorder = do(t, server, http.MethodDelete, "/cron/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Empty(t, scheduler.Jobs())

	recorder = do(t, server, http.MethodPost, "/cron/jobs", map[string]any{
		"name": "bad", "schedule_type": "weekly", "schedule_value": "x", "task": "y",
	})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}
