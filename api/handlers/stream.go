package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/siftdata/sift/engine/pkg/pipeline"
)

// heartbeatInterval keeps SSE connections alive through proxies while
// the pipeline works.
const heartbeatInterval = 15 * time.Second

// AskStream answers one question over SSE. Events, in order:
//
//	accepted   {"fingerprint": ...}       the question was taken on
//	heartbeat  {}                         every 15s while working
//	result     pipeline.Result            the terminal result
//	chunk      {"text": ...}              description text as it streams
//	error      ErrorResponse              terminal failure, ends the stream
//	done       {}                         ends the stream
func (s *Server) AskStream(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}
	conn, err := s.resolveConn(req.Connection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sendEvent := func(eventType string, data any) {
		payload, err := json.Marshal(data)
		if err != nil {
			s.log.Error("handlers: sse payload marshal failed", "event", eventType, "error", err)
			payload = []byte(`{"error":"failed to serialize response"}`)
			eventType = "error"
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
		flusher.Flush()
	}

	ctx := r.Context()
	sendEvent("accepted", map[string]string{"fingerprint": conn.Fingerprint()})

	// The pipeline runs in the background so the stream can heartbeat;
	// all writes stay on this goroutine.
	type outcome struct {
		res *pipeline.Result
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		res, perr := s.cfg.Pipeline.Process(ctx, req.Question, conn)
		resCh <- outcome{res: res, err: perr}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case out := <-resCh:
			s.audit(ctx, conn.Fingerprint(), req.Question, out.res, out.err)
			if out.err != nil {
				if perr, ok := pipeline.As(out.err); ok {
					sendEvent("error", ErrorResponse{
						Error:    perr.Friendly,
						Kind:     string(perr.Kind),
						Attempts: perr.Attempts,
					})
				} else {
					sendEvent("error", ErrorResponse{
						Error: s.internalError("ask failed", out.err),
					})
				}
				return
			}
			sendEvent("result", out.res)
			s.streamDescription(ctx, req.Question, out.res, sendEvent)
			sendEvent("done", map[string]string{})
			return

		case <-heartbeat.C:
			sendEvent("heartbeat", map[string]string{})

		case <-ctx.Done():
			// Client went away; Process observes the same context and
			// unwinds on its own. Its terminal outcome is still audited.
			go func() {
				out := <-resCh
				s.audit(ctx, conn.Fingerprint(), req.Question, out.res, out.err)
			}()
			return
		}
	}
}

// streamDescription narrates the result through the description stream.
// Failures degrade the response, they do not end it: the caller already
// has the rows.
func (s *Server) streamDescription(ctx context.Context, question string, res *pipeline.Result, sendEvent func(string, any)) {
	_, err := s.cfg.Pipeline.Describe(ctx, question, res.Result, func(text string) {
		sendEvent("chunk", map[string]string{"text": text})
	})
	if err != nil {
		s.log.Warn("handlers: description stream failed", "error", err)
		sendEvent("describe_failed", map[string]string{"error": SanitizeError(err)})
	}
}
