package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/stevedore/internal/events"
)

const sseKeepAlive = 15 * time.Second

// sseStream writes events in text/event-stream framing and flushes after
// every frame.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseStream) send(ev events.Event) error {
	// Payloads are compact JSON so a single data line is enough.
	_, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	if err == nil {
		s.f.Flush()
	}
	return err
}

func (s sseStream) ping() error {
	_, err := fmt.Fprint(s.w, ": keep-alive\n\n")
	if err == nil {
		s.f.Flush()
	}
	return err
}

// handleEvents streams lifecycle events. A client resuming with
// Last-Event-ID (or ?since=) first receives the retained events it missed.
// ?types=a,b narrows the stream to those event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	types := eventTypes(r.URL.Query().Get("types"))
	resumeFrom := resumeID(r)

	// Subscribe before replaying so nothing published in between is lost.
	sub := s.events.Subscribe(types...)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := sseStream{w: w, f: f}
	for _, ev := range s.events.Since(resumeFrom, types...) {
		if err := stream.send(ev); err != nil {
			return
		}
		resumeFrom = ev.ID
	}
	f.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if ev.ID <= resumeFrom {
				continue
			}
			if err := stream.send(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := stream.ping(); err != nil {
				return
			}
		}
	}
}

func resumeID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("since")
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func eventTypes(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
