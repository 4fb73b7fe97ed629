// ABOUTME: Server-sent event stream transport with Last-Event-ID resume
// ABOUTME: Registers into the stream pool, replays or resyncs, then pumps live events

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/delivery"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/registry"
)

const sseTransport = "sse"

// handleEventStream serves GET /events/{id}. A bearer Authorization header
// admits an operator; otherwise widget credentials are required.
func (g *Gateway) handleEventStream(w http.ResponseWriter, r *http.Request) {
	addr, rej := g.checkRate(r)
	var adm *admission
	if rej == nil {
		if r.Header.Get("Authorization") != "" {
			adm, rej = g.admitOperator(r, addr)
		} else {
			adm, rej = g.admitWidget(r, addr)
		}
	}
	if rej != nil {
		g.rejected(sseTransport, r, addr, rej)
		writeRejection(w, rej)
		return
	}

	rc := http.NewResponseController(w)
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}

	sender := delivery.NewSender(g.config.Stream.SendBuffer)
	defer sender.Close(delivery.CloseNormal, "")
	meta := registry.Metadata{
		ConnID:      uuid.NewString(),
		DialogID:    adm.dialog.ID,
		RemoteAddr:  addr,
		Identity:    adm.identity,
		Domain:      adm.domain,
		LastEventID: lastEventID,
	}
	logger := g.logger.With("transport", sseTransport, "dialog_id", meta.DialogID, "conn_id", meta.ConnID)

	// Register before resuming so nothing published in between is lost.
	detach := attach(g.registry.Streams, registry.NewStreamConn(sender, meta))
	defer detach()

	initial, err := g.delivery.Resume(r.Context(), adm.dialog.ID, lastEventID)
	if err != nil {
		logger.Error("failed to resume stream", "error", err)
		sendJSONError(w, http.StatusServiceUnavailable, "state unavailable")
		return
	}

	g.metrics.Admissions.WithLabelValues(sseTransport).Inc()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger.Info("event stream connected",
		"identity", meta.Identity,
		"last_event_id", lastEventID,
		"initial_events", len(initial))

	write := func(fn func() error) error {
		_ = rc.SetWriteDeadline(time.Now().Add(g.config.Stream.WriteTimeout))
		if err := fn(); err != nil {
			return err
		}
		return rc.Flush()
	}

	for _, ev := range initial {
		if err := write(func() error { return writeSSE(w, ev) }); err != nil {
			logger.Debug("event stream write failed", "error", err)
			return
		}
		g.registry.Streams.Touch(meta.DialogID, meta.ConnID, ev.ID)
	}

	ticker := time.NewTicker(g.config.Stream.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Info("event stream disconnected")
			return

		case <-sender.Done():
			code, reason := sender.CloseReason()
			_ = write(func() error { return writeSSEClose(w, code, reason) })
			logger.Info("event stream closed by server", "code", code, "reason", reason)
			return

		case ev := <-sender.Events():
			if err := write(func() error { return writeSSE(w, ev) }); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}

		case <-ticker.C:
			if err := write(func() error {
				_, err := io.WriteString(w, ": ping\n\n")
				return err
			}); err != nil {
				logger.Debug("event stream ping failed", "error", err)
				return
			}
		}
	}
}

// writeSSE writes one event in text/event-stream framing.
func writeSSE(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// writeSSEClose tells the client why the server ended the stream.
func writeSSEClose(w io.Writer, code int, reason string) error {
	data, err := json.Marshal(map[string]any{"code": code, "reason": reason})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: close\ndata: %s\n\n", data)
	return err
}
