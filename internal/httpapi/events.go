package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Events handles GET /v1/events: a server-sent-event stream of sync outcomes
// plus a periodic queue summary, so UI clients can subscribe instead of
// polling.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.Bus.Subscribe(128)
	defer cancel()

	summaries := time.NewTicker(5 * time.Second)
	defer summaries.Stop()

	eventID := 0
	send := func(event string, payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode sse payload")
			return true
		}
		eventID++
		fmt.Fprintf(w, "event: %s\n", event)
		fmt.Fprintf(w, "id: %d\n", eventID)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			send("sync", e)
		case <-summaries.C:
			sum, err := s.Queue.Summary(r.Context())
			if err != nil {
				if r.Context().Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("failed to load queue summary for sse")
				continue
			}
			send("summary", sum)
		}
	}
}
