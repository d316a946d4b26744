package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/maestro/pkg/config"
	"github.com/openfleet/maestro/pkg/executor"
	"github.com/openfleet/maestro/pkg/llm"
	"github.com/openfleet/maestro/pkg/models"
	"github.com/openfleet/maestro/pkg/state"
	"github.com/openfleet/maestro/pkg/tool"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedClient answers the planner with a fixed single-task plan, finishes
// the task via mark_task, and concludes with a fixed answer.
func scriptedClient() llm.Client {
	stub := llm.NewStubClient()
	stub.OnComplete = func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		sys := req.Messages[0].Content
		if strings.Contains(sys, "planning assistant") {
			return &llm.Response{Content: `{"items":[{"position":0,"description":"answer the question","dependencies":[]}],"open_questions":[],"notes":""}`}, nil
		}
		last := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(last, "All tasks are finished") {
			return &llm.Response{Content: "all done"}, nil
		}
		return &llm.Response{
			ToolCalls: []models.ToolCall{{
				ID: "c1", Name: "mark_task",
				Arguments: json.RawMessage(`{"success":true,"result":"answered"}`),
			}},
		}, nil
	}
	return stub
}

func newTestServer(t *testing.T, client llm.Client) (*httptest.Server, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	exec := executor.New(executor.Options{
		Client:   client,
		Registry: tool.NewRegistry(),
		Store:    store,
		Engine: config.EngineConfig{
			MaxMessages:      50,
			SummaryThreshold: 40,
			MaxSteps:         10,
			MaxAttempts:      3,
			ToolTimeout:      time.Second,
			RetryBase:        time.Millisecond,
			RetryFactor:      2,
			RetryMaxAttempts: 1,
		},
		Model: "test-model",
	})
	srv := NewServer(Options{Engine: exec, Store: store, Config: config.ServerConfig{Addr: ":0"}})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, llm.NewStubClient())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestExecuteStreamsEvents(t *testing.T) {
	ts, store := newTestServer(t, scriptedClient())

	resp := postJSON(t, ts.URL+"/api/v1/sessions/s-1/execute",
		ExecuteRequest{Query: "what is the answer"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "event:state_update")
	assert.Contains(t, body, `"plan_created"`)
	assert.Contains(t, body, "event:complete")
	assert.Contains(t, body, `"all done"`)

	st, err := store.LoadState(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, "what is the answer", st.Mission)
}

func TestExecuteRequiresQuery(t *testing.T) {
	ts, _ := newTestServer(t, llm.NewStubClient())

	resp := postJSON(t, ts.URL+"/api/v1/sessions/s-1/execute", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnswerWithoutQuestion(t *testing.T) {
	ts, store := newTestServer(t, llm.NewStubClient())

	// unknown session
	resp := postJSON(t, ts.URL+"/api/v1/sessions/s-x/answer", AnswerRequest{Answer: "42"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// known session, nothing pending
	require.NoError(t, store.SaveState(context.Background(), models.NewSessionState("s-2")))
	resp = postJSON(t, ts.URL+"/api/v1/sessions/s-2/answer", AnswerRequest{Answer: "42"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelWhenIdle(t *testing.T) {
	ts, _ := newTestServer(t, llm.NewStubClient())

	resp := postJSON(t, ts.URL+"/api/v1/sessions/s-1/cancel", map[string]any{})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	ts, store := newTestServer(t, llm.NewStubClient())
	ctx := context.Background()

	pl := &models.TodoList{
		ID:        "plan-1",
		SessionID: "s-1",
		Items: []*models.TodoItem{
			{Position: 0, Description: "step one", Status: models.TodoDone},
		},
	}
	require.NoError(t, store.SavePlan(ctx, pl))
	st := models.NewSessionState("s-1")
	st.Mission = "a mission"
	st.TodoListID = "plan-1"
	require.NoError(t, store.SaveState(ctx, st))
	require.NoError(t, store.SaveState(ctx, models.NewSessionState("s-2")))

	// list
	resp, err := http.Get(ts.URL + "/api/v1/sessions")
	require.NoError(t, err)
	var list struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Len(t, list.Sessions, 2)

	// get with plan
	resp, err = http.Get(ts.URL + "/api/v1/sessions/s-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		SessionID string           `json:"session_id"`
		Mission   string           `json:"mission"`
		Running   bool             `json:"running"`
		Plan      *models.TodoList `json:"plan"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	resp.Body.Close()
	assert.Equal(t, "a mission", detail.Mission)
	assert.False(t, detail.Running)
	require.NotNil(t, detail.Plan)
	assert.Len(t, detail.Plan.Items, 1)

	// delete, then gone
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/s-1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/sessions/s-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketUnavailableWithoutManager(t *testing.T) {
	ts, _ := newTestServer(t, llm.NewStubClient())

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestClientDisconnectLeavesSessionUsable(t *testing.T) {
	// far more events than the stream buffer holds, so a reader must keep
	// consuming after the client goes away
	const thoughtSteps = 120
	stub := llm.NewStubClient()
	var taskCalls int
	stub.OnComplete = func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		sys := req.Messages[0].Content
		if strings.Contains(sys, "planning assistant") {
			return &llm.Response{Content: `{"items":[{"position":0,"description":"long haul","dependencies":[]}],"open_questions":[],"notes":""}`}, nil
		}
		if strings.Contains(sys, "conversation summarizer") {
			return &llm.Response{Content: "summary of the work so far"}, nil
		}
		last := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(last, "All tasks are finished") {
			return &llm.Response{Content: "made it"}, nil
		}
		taskCalls++
		if taskCalls <= thoughtSteps {
			return &llm.Response{Content: fmt.Sprintf("still working, step %d", taskCalls)}, nil
		}
		return &llm.Response{
			ToolCalls: []models.ToolCall{{
				ID: "c1", Name: "mark_task",
				Arguments: json.RawMessage(`{"success":true,"result":"done"}`),
			}},
		}, nil
	}

	store := state.NewMemoryStore()
	exec := executor.New(executor.Options{
		Client:   stub,
		Registry: tool.NewRegistry(),
		Store:    store,
		Engine: config.EngineConfig{
			MaxMessages:      50,
			SummaryThreshold: 40,
			MaxSteps:         200,
			MaxAttempts:      3,
			ToolTimeout:      time.Second,
			RetryBase:        time.Millisecond,
			RetryFactor:      2,
			RetryMaxAttempts: 1,
		},
		Model: "test-model",
	})
	srv := NewServer(Options{Engine: exec, Store: store, Config: config.ServerConfig{Addr: ":0"}})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	data, err := json.Marshal(ExecuteRequest{Query: "keep going"})
	require.NoError(t, err)
	reqCtx, dropClient := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		ts.URL+"/api/v1/sessions/s-7/execute", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	buf := make([]byte, 256)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)
	dropClient()
	resp.Body.Close()

	// the detached run must finish despite nobody reading the stream
	require.Eventually(t, func() bool {
		return !exec.Running("s-7")
	}, 10*time.Second, 10*time.Millisecond)

	// and the session accepts a fresh execution
	require.Eventually(t, func() bool {
		resp := postJSON(t, ts.URL+"/api/v1/sessions/s-7/execute", ExecuteRequest{Query: "again"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		raw, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(raw), "event:complete")
	}, 10*time.Second, 50*time.Millisecond)
}
