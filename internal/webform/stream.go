package webform

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/vehicle-counter/web-form/internal/logger"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/uploadform"
)

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func writeSSE(w http.ResponseWriter, event *uploadform.SerializedEvent, useProtobuf bool) error {
	data := event.JSONData
	if useProtobuf {
		data = event.ProtobufData
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// streamStateEvents sends the current state, then every newer state until
// the client goes away or the form is closed.
func streamStateEvents(w http.ResponseWriter, r *http.Request, form *uploadform.Form, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	useProtobuf := wantsProtobuf(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}

	id, eventCh := form.Subscribe()
	defer form.Unsubscribe(id)

	first, err := uploadform.EncodeState(form.Snapshot())
	if err != nil {
		logger.Error("SSE", "Failed to encode initial state: %v", err)
		return
	}
	if err := writeSSE(w, first, useProtobuf); err != nil {
		return
	}
	flusher.Flush()
	lastVersion := first.Version

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if event.Version <= lastVersion {
				continue
			}
			if err := writeSSE(w, event, useProtobuf); err != nil {
				logger.Debug("SSE", "Client disconnected during state write: %v", err)
				return
			}
			lastVersion = event.Version
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
