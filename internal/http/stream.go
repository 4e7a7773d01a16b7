package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/TNLegend/SMIA/internal/broker"
	"github.com/TNLegend/SMIA/internal/ws"
)

// liveSink is what a live stream writes to: an SSE response or a websocket.
type liveSink interface {
	Send([]byte) error
	Heartbeat() error
	End(status string)
}

// pump copies subscription lines to the sink until the run ends or the reader
// goes away. Disconnecting never cancels the run.
func (r *Router) pump(ctx context.Context, sub *broker.Subscription, sink liveSink, transport, projectID, runID string) {
	defer r.stats.streamOpened(transport)()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, r.heartbeat)
		line, err := sub.Next(waitCtx)
		cancel()
		switch {
		case err == nil:
			if sink.Send([]byte(line)) != nil {
				return
			}
			r.stats.lineDelivered(transport)
		case errors.Is(err, broker.ErrClosed):
			status := "finished"
			// The record is written before the channel closes.
			if run, getErr := r.runs.Get(context.WithoutCancel(ctx), projectID, runID); getErr == nil {
				status = string(run.Status)
			}
			sink.End(status)
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if sink.Heartbeat() != nil {
				return
			}
		default:
			return
		}
	}
}

type sseSink struct {
	*ws.SSEClient
}

func (s sseSink) End(status string) {
	_ = s.SendEvent("end", []byte(status))
}

func (r *Router) handleStreamSSE(w http.ResponseWriter, req *http.Request) {
	projectID, runID := req.PathValue("projectID"), req.PathValue("runID")
	sub, _, err := r.runs.Stream(req.Context(), projectID, runID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	r.pump(req.Context(), sub, sseSink{client}, "sse", projectID, runID)
}

type wsSink struct {
	*ws.Client
}

func (s wsSink) Heartbeat() error {
	return s.Ping()
}

func (s wsSink) End(status string) {
	s.CloseWith(status)
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	projectID, runID := req.PathValue("projectID"), req.PathValue("runID")
	sub, _, err := r.runs.Stream(req.Context(), projectID, runID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	defer client.Close()

	// Reads only detect the peer going away.
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	r.pump(ctx, sub, wsSink{client}, "ws", projectID, runID)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if r.events == nil {
		writeError(w, http.StatusServiceUnavailable, "events unavailable")
		return
	}
	projectID := req.PathValue("projectID")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.events.Register(projectID, client)
	go func() {
		defer func() {
			r.events.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
