package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	streamBuffer    = 64
	streamKeepAlive = 15 * time.Second
)

// TreeSubscriber delivers every change published under a key prefix.
type TreeSubscriber interface {
	SubscribeTree(path string, fn func(key string, payload any)) func()
}

type streamEvent struct {
	name    string
	payload any
}

// eventStream writes Server-Sent Events.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func openEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}, true
}

func (s *eventStream) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *eventStream) keepAlive() error {
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// relay buffers hub callbacks for the writer goroutine. It never blocks the
// publisher; when the client falls behind the stream is closed so the client
// reconnects and reloads a snapshot.
type relay struct {
	events   chan streamEvent
	overflow chan struct{}
}

func newRelay() *relay {
	return &relay{
		events:   make(chan streamEvent, streamBuffer),
		overflow: make(chan struct{}, 1),
	}
}

func (r *relay) push(event streamEvent) {
	select {
	case r.events <- event:
	default:
		select {
		case r.overflow <- struct{}{}:
		default:
		}
	}
}

func depth(key string) int {
	return strings.Count(key, "/")
}
