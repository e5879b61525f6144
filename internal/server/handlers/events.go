package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/slurmscope/slurmscope/internal/errors"
	"github.com/slurmscope/slurmscope/pkg/events"
)

const (
	// sseBufferSize is how many events a slow client may fall behind
	// before events are dropped for that client. A reconnect with the
	// last seen id recovers the gap from the export endpoint.
	sseBufferSize = 256

	// sseKeepaliveInterval is how often an idle stream emits a comment
	// so proxies keep the connection open.
	sseKeepaliveInterval = 15 * time.Second
)

// StreamEvents pushes job and channel-health events to the client as
// server-sent events. Each event carries an id for client-side dedupe
// across reconnects.
func (a *JobsAPI) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apperrors.WriteError(w, r, http.StatusNotImplemented, apperrors.CodeInternalError,
			"streaming is not supported by this connection")
		return
	}

	ctx := r.Context()

	type sseEvent struct {
		name string
		id   string
		data any
	}
	ch := make(chan sseEvent, sseBufferSize)

	offer := func(ev sseEvent) error {
		select {
		case ch <- ev:
		default:
			// The client is not draining. Dropping here keeps the
			// publishers unblocked; the dropped counter is visible in
			// the log.
			a.logger.Warn("event stream client lagging, dropping event",
				zap.String("event", ev.name),
				zap.String("id", ev.id))
		}
		return nil
	}

	err := a.broker.SubscribeJobEvents(ctx, func(ev events.JobEvent) error {
		return offer(sseEvent{
			name: "job",
			id:   fmt.Sprintf("%s:%d:%s", ev.Handle, ev.At.UnixNano(), ev.Kind),
			data: ev,
		})
	})
	if err == nil {
		err = a.broker.SubscribeChannelHealth(ctx, func(ev events.ChannelHealth) error {
			return offer(sseEvent{
				name: "channel_health",
				id:   fmt.Sprintf("%s:%d", ev.Host, ev.At.UnixNano()),
				data: ev,
			})
		})
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			data, err := json.Marshal(ev.data)
			if err != nil {
				a.logger.Error("marshal stream event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.id, ev.name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
