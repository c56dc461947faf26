package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleEvents streams progress as Server-Sent Events. The subscription
// is joined before the snapshot is read so no transition between the two
// is lost; events older than the snapshot may still arrive and observers
// reconcile by timestamp.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := alertParam(r)
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	sub, leave := a.events.Subscribe(id)
	defer leave()

	rec, found, err := a.svc.Result(ctx, id)
	if err != nil {
		a.writeError(w, r, err, "failed to load analysis for stream", "alert_id", id)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if found {
		if err := writeEvent(w, "snapshot", 0, rec); err != nil {
			return
		}
	}
	flusher.Flush()

	L := a.logger.With("alert_id", id, "subscriber", sub.ID)
	L.Info(ctx, "progress stream opened")

	tick := time.NewTicker(a.heartbeat)
	defer tick.Stop()

	var seq int
	for {
		select {
		case <-ctx.Done():
			L.Info(ctx, "progress stream closed", "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			seq++
			if err := writeEvent(w, "progress", seq, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, id int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
