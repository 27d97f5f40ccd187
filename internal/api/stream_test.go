package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// readEvent reads one SSE event and returns its event name, skipping
// heartbeat comments.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && name != "":
			return name, data
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamEvents(t *testing.T) {
	e := newTestEnv(t)
	e.submit(t, haiku)
	srv := httptest.NewServer(e.server.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/workflows/wf-haiku/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	name, data := readEvent(t, r)
	assert.Equal(t, "snapshot", name)
	assert.Contains(t, data, `"status":"pending"`)

	require.NoError(t, e.d.Cancel(ctx, "wf-haiku"))

	name, data = readEvent(t, r)
	assert.Equal(t, string(types.MessageWorkflowCompleted), name)
	assert.Contains(t, data, `"status":"cancelled"`)

	_, err = r.ReadString('\n')
	assert.Error(t, err, "the stream ends after completion")
}

func TestStreamEvents_FinishedWorkflow(t *testing.T) {
	e := newTestEnv(t)
	e.submit(t, haiku)
	require.NoError(t, e.d.Cancel(context.Background(), "wf-haiku"))

	srv := httptest.NewServer(e.server.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/workflows/wf-haiku/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	name, _ := readEvent(t, r)
	assert.Equal(t, "snapshot", name)
	_, err = r.ReadString('\n')
	assert.Error(t, err)

	resp, err = http.Get(srv.URL + "/api/v1/workflows/missing/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamWebSocket(t *testing.T) {
	e := newTestEnv(t)
	e.submit(t, haiku)
	srv := httptest.NewServer(e.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/workflows/wf-haiku/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var env types.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, streamSnapshot, env.Type)
	assert.Equal(t, "wf-haiku", env.WorkflowID)

	require.NoError(t, e.d.Cancel(context.Background(), "wf-haiku"))

	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, types.MessageWorkflowCompleted, env.Type)
	var ev types.WorkflowEvent
	require.NoError(t, env.Decode(&ev))
	assert.Equal(t, types.WorkflowStatusCancelled, ev.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamWebSocket_RejectsForeignOrigin(t *testing.T) {
	e := newTestEnv(t)
	e.submit(t, haiku)
	e.handlers.config.CORSOrigins = []string{"https://ui.example"}
	srv := httptest.NewServer(e.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/workflows/wf-haiku/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
