package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/contracts"
)

// handleSubscribe streams a run's events as SSE frames: persisted events
// from the cursor first, then the live tail, with keep-alive comments in
// between. `_seq` on every frame is the reconnect cursor.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	runID := r.PathValue("run_id")
	sinceSeq, _ := strconv.ParseUint(r.URL.Query().Get("since_seq"), 10, 64)

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		WriteError(w, err)
		return
	}

	events, cancel, err := s.streamer.Subscribe(r.Context(), runID, sinceSeq)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(frameFor(run, ev))
			if err != nil {
				s.logger.Error("frame encoding failed", "run_id", runID, "seq", ev.Seq, "error", err)
				return
			}
			if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
			// The stream ends once the run cannot emit anything further.
			if status, ok := ev.Payload.(contracts.StatusUpdate); ok && status.State.Terminal() {
				return
			}
		}
	}
}

// frameFor shapes an event into its wire frame.
func frameFor(run *contracts.Run, ev *contracts.Event) map[string]any {
	switch payload := ev.Payload.(type) {
	case contracts.StatusUpdate:
		return map[string]any{
			"type":    "TaskStatusUpdateEvent",
			"ts":      ev.TS,
			"task_id": run.TaskID,
			"run_id":  run.RunID,
			"state":   payload.State,
			"message": payload.Message,
			"meta":    payload.Meta,
			"_seq":    ev.Seq,
		}
	case contracts.ArtifactUpdate:
		return map[string]any{
			"type":          "TaskArtifactUpdateEvent",
			"ts":            ev.TS,
			"task_id":       run.TaskID,
			"run_id":        run.RunID,
			"artifact_type": payload.ArtifactType,
			"artifact":      payload.Artifact,
			"_seq":          ev.Seq,
		}
	default:
		return map[string]any{"type": "unknown", "_seq": ev.Seq}
	}
}
