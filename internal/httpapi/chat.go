package httpapi

import (
	"net/http"

	"github.com/nexuschat/orchestrator/internal/errs"
	"github.com/nexuschat/orchestrator/internal/pipeline"
	"github.com/nexuschat/orchestrator/internal/stream"
)

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string         `json:"sessionId"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// handleChat implements POST /api/chat: a non-streaming turn that runs
// the full pipeline and returns only the final assistant message.
// Internally it still drives the pipeline's SSE-shaped Sink; the handler
// simply discards intermediate events and waits for the terminal one.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if status, err := decodeJSONBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", status)
		return
	}

	sink, events := stream.NewSink(stream.DefaultSinkConfig())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range events {
			// Non-streaming callers only want the final message; drain
			// and discard every intermediate event.
		}
	}()

	msg, err := s.cfg.Pipeline.Run(r.Context(), pipeline.Request{
		SessionID: req.SessionID,
		UserID:    userIDFromRequest(r),
		Content:   req.Message,
		ClientIP:  clientIP(r),
	}, sink)
	<-done

	if err != nil {
		jsonError(w, err.Error(), errs.KindOf(err).HTTPStatus())
		return
	}

	resp := chatResponse{SessionID: msg.SessionID, Message: msg.Content}
	if msg.Metadata != nil {
		resp.Metadata = map[string]any(msg.Metadata)
	}
	jsonResponse(w, resp)
}

// handleChatStream implements POST /api/chat/stream, the SSE turn.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if status, err := decodeJSONBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", status)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SSEConnected()
		defer s.cfg.Metrics.SSEDisconnected()
	}

	sink, events := stream.NewSink(stream.DefaultSinkConfig())

	runDone := make(chan error, 1)
	go func() {
		_, err := s.cfg.Pipeline.Run(r.Context(), pipeline.Request{
			SessionID: req.SessionID,
			UserID:    userIDFromRequest(r),
			Content:   req.Message,
			ClientIP:  clientIP(r),
		}, sink)
		runDone <- err
	}()

	// Keep draining events even after a write failure (usually a client
	// disconnect): the pipeline's lifecycle emits block until consumed,
	// and the merge goroutine only exits once the channel drains.
	flushableWriter := flushWriter{ResponseWriter: w, flusher: flusher}
	writeFailed := false
	for ev := range events {
		if writeFailed {
			continue
		}
		if err := stream.WriteSSE(flushableWriter, ev); err != nil {
			if s.cfg.Logger != nil {
				s.cfg.Logger.Warn(r.Context(), "httpapi: sse write failed", "error", err)
			}
			writeFailed = true
		}
	}

	if err := <-runDone; err != nil {
		// Run returned a bare error only when the turn never reached
		// "append user message" (validation/rate-limit/lock failure);
		// no assistant message or terminal event was ever produced, so
		// emit one here to close out the stream.
		kind := errs.KindOf(err)
		_ = stream.WriteSSE(flushableWriter, stream.Event{
			Type: stream.EventError,
			Data: stream.ErrorData{Code: string(kind), Message: err.Error()},
		})
	}
}

// flushWriter adapts an http.ResponseWriter+http.Flusher pair to the
// io.Writer+Flush() shape stream.WriteSSE expects.
type flushWriter struct {
	http.ResponseWriter
	flusher http.Flusher
}

func (f flushWriter) Flush() { f.flusher.Flush() }
