package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/mergefactory/internal/orchestrator"
)

const streamHeartbeat = 15 * time.Second

// handleStream serves a Server-Sent Events feed of lifecycle events.
// ?topic= selects the feed (validations by default). A "gap" event tells the
// client it fell behind and should re-fetch current state.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	topic := r.URL.Query().Get("topic")
	switch topic {
	case "", orchestrator.TopicValidations:
		topic = orchestrator.TopicValidations
	case orchestrator.TopicAgentRuns:
	default:
		writeError(w, http.StatusBadRequest, "unknown topic")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(topic)
	defer sub.Close()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// Comment line keeps intermediaries from closing an idle stream.
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			name := "event"
			if ev.Gap {
				name = "gap"
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
			flusher.Flush()
		}
	}
}
