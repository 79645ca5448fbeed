package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/PSEUDONYM97/zeroclaw/internal/apierr"
	"github.com/PSEUDONYM97/zeroclaw/internal/delivery"
	"github.com/PSEUDONYM97/zeroclaw/internal/eventbus"
	"github.com/PSEUDONYM97/zeroclaw/internal/router"
	"github.com/PSEUDONYM97/zeroclaw/internal/supervisor"
)

// handleInstanceEventStream streams supervisor.StatusChangedEvent values as
// Server-Sent Events. A client disconnect (request context cancellation)
// tears the subscription down cleanly via the deferred Unsubscribe.
func (s *Server) handleInstanceEventStream(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, func(event any) (string, any, bool) {
		switch ev := event.(type) {
		case supervisor.StatusChangedEvent:
			return "status_changed", ev, true
		default:
			return "", nil, false
		}
	})
}

// handleMessageEventStream streams router/delivery message lifecycle events.
func (s *Server) handleMessageEventStream(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, func(event any) (string, any, bool) {
		switch ev := event.(type) {
		case router.MessageEventPublished:
			return "message_queued", ev, true
		case delivery.DeliveredEvent:
			return "message_delivered", ev, true
		case delivery.DeadLetteredEvent:
			return "message_dead_lettered", ev, true
		default:
			return "", nil, false
		}
	})
}

// streamEvents subscribes to the Event Bus and writes every event that
// filter accepts as one SSE frame, translating a Lagged signal into its own
// named event so a client can re-snapshot instead of assuming continuity.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, filter func(any) (string, any, bool)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "streaming unsupported"))
		return
	}

	sub := s.Bus.Subscribe()
	defer s.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.Bus.Unsubscribe(sub)
		close(done)
	}()

	for {
		event, ok := sub.Recv()
		if !ok {
			return
		}
		select {
		case <-done:
			return
		default:
		}

		if lagged, isLagged := event.(eventbus.Lagged); isLagged {
			writeSSEFrame(w, "lagged", lagged)
			flusher.Flush()
			continue
		}

		name, payload, accept := filter(event)
		if !accept {
			continue
		}
		writeSSEFrame(w, name, payload)
		flusher.Flush()
	}
}

func writeSSEFrame(w http.ResponseWriter, event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + event + "\ndata: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
}
