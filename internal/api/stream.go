package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/bus"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/store"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// streamSnapshot is the first event of every workflow stream.
const streamSnapshot types.MessageType = "snapshot"

// workflowStream is an open subscription to a workflow's broadcasts.
type workflowStream struct {
	snapshot *types.Envelope
	done     bool
	events   <-chan *types.Envelope
	cancel   func()
}

// openStream watches the workflow group before reading the snapshot, so no
// broadcast falls between the two.
func (h *Handlers) openStream(r *http.Request, id string) (*workflowStream, int, error) {
	ctx := r.Context()
	events, cancel, err := h.bus.Watch(ctx, bus.WorkflowGroup(id))
	if err != nil {
		return nil, http.StatusServiceUnavailable, err
	}

	var ev types.WorkflowEvent
	if wf, ok := h.dispatcher.Workflow(id); ok {
		ev = types.WorkflowEvent{
			WorkflowID: wf.ID(),
			Name:       wf.Name(),
			Status:     wf.Status(),
			Progress:   wf.Progress(),
		}
	} else {
		rec, err := h.store.GetWorkflow(ctx, id)
		if err != nil {
			cancel()
			if errors.Is(err, store.ErrWorkflowNotFound) {
				return nil, http.StatusNotFound, err
			}
			return nil, http.StatusInternalServerError, err
		}
		tasks, err := h.store.ListTasks(ctx, id)
		if err != nil {
			cancel()
			return nil, http.StatusInternalServerError, err
		}
		ev = types.WorkflowEvent{
			WorkflowID: rec.ID,
			Name:       rec.Name,
			Status:     rec.Status,
			Progress:   progressOf(rec, tasks),
		}
	}
	if ev.Status.IsTerminal() {
		cancel()
	}

	snap, err := types.NewEnvelope(streamSnapshot, ev)
	if err != nil {
		cancel()
		return nil, http.StatusInternalServerError, err
	}
	snap.WorkflowID = id
	return &workflowStream{
		snapshot: snap,
		done:     ev.Status.IsTerminal(),
		events:   events,
		cancel:   cancel,
	}, http.StatusOK, nil
}

// StreamEvents handles GET /api/v1/workflows/{id}/events
// It implements Server-Sent Events (SSE) for streaming workflow events. The
// stream ends after the workflow_completed event.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	stream, status, err := h.openStream(r, id)
	if err != nil {
		h.respondError(w, r, status, "failed to open event stream", err)
		return
	}
	defer stream.cancel()

	metrics.StreamConnections.WithLabelValues("sse").Inc()
	defer metrics.StreamConnections.WithLabelValues("sse").Dec()
	defer func() {
		metrics.StreamDuration.WithLabelValues("sse").Observe(time.Since(startTime).Seconds())
	}()

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	h.logger.Info("SSE connection opened",
		slog.String("workflow_id", id),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	seq := 0
	write := func(env *types.Envelope) error {
		seq++
		if err := writeSSE(w, seq, env); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := write(stream.snapshot); err != nil || stream.done {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	reason := "client_disconnect"
	defer func() {
		h.logger.Info("SSE connection closed",
			slog.String("workflow_id", id),
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(startTime)),
			slog.String("reason", reason),
		)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-stream.events:
			if !ok {
				reason = "bus_closed"
				return
			}
			if err := write(env); err != nil {
				reason = "write_error"
				return
			}
			if env.Type == types.MessageWorkflowCompleted {
				reason = "workflow_completed"
				return
			}

		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				reason = "write_error"
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes an envelope in SSE format.
func writeSSE(w http.ResponseWriter, seq int, env *types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", strconv.Itoa(seq), env.Type, data)
	return err
}

// StreamWebSocket handles GET /api/v1/workflows/{id}/ws, carrying the same
// envelopes as StreamEvents as websocket text frames.
func (h *Handlers) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	startTime := time.Now()

	stream, status, err := h.openStream(r, id)
	if err != nil {
		h.respondError(w, r, status, "failed to open event stream", err)
		return
	}
	defer stream.cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn("websocket upgrade failed", slog.String("workflow_id", id), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	metrics.StreamConnections.WithLabelValues("websocket").Inc()
	defer metrics.StreamConnections.WithLabelValues("websocket").Dec()
	defer func() {
		metrics.StreamDuration.WithLabelValues("websocket").Observe(time.Since(startTime).Seconds())
	}()

	// The read loop only notices the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	writeWait := 10 * time.Second
	send := func(env *types.Envelope) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(env)
	}
	finish := func(text string) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, text))
	}

	if err := send(stream.snapshot); err != nil {
		return
	}
	if stream.done {
		finish("workflow finished")
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case env, ok := <-stream.events:
			if !ok {
				finish("bus closed")
				return
			}
			if err := send(env); err != nil {
				return
			}
			if env.Type == types.MessageWorkflowCompleted {
				finish("workflow finished")
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// checkOrigin admits same-origin requests and the configured CORS origins.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
