package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/progress"
)

// streamStatus pushes job progress as server-sent events. The first event is
// the current snapshot; a terminal job gets a complete event and the stream
// ends. Live events come from the progress source when one is configured and
// from polling the store otherwise, so workers in other processes still show up.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	var events <-chan progress.Event
	unsubscribe := func() {}
	if s.progress != nil {
		// Subscribe before the snapshot so no transition falls in between.
		events, unsubscribe = s.progress.Subscribe(jobID)
	}
	defer unsubscribe()

	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.AddStreamSubscribers(1)
	defer metrics.AddStreamSubscribers(-1)

	sse := &sseWriter{w: w, rc: http.NewResponseController(w)}
	last := newStatusView(job)
	if err := sse.send("progress", last); err != nil {
		return
	}
	if last.Status.Terminal() {
		_ = sse.send("complete", streamEnd{JobID: jobID, Status: last.Status, Final: true})
		return
	}

	heartbeat := time.NewTicker(s.stream.heartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(s.stream.poll)
	defer poll.Stop()
	deadline := time.NewTimer(s.stream.max)
	defer deadline.Stop()

	for {
		var next statusView
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			_ = sse.send("timeout", streamEnd{JobID: jobID, Status: last.Status})
			return
		case now := <-heartbeat.C:
			if err := sse.send("heartbeat", map[string]any{"job_id": jobID, "timestamp": now.UTC()}); err != nil {
				return
			}
			continue
		case evt, ok := <-events:
			if !ok {
				return
			}
			next = newEventView(evt)
		case <-poll.C:
			job, err := s.jobs.GetJob(r.Context(), jobID)
			if err != nil {
				if r.Context().Err() == nil {
					s.logger.Warn("stream poll failed", zap.String("job_id", jobID), zap.Error(err))
				}
				continue
			}
			next = newStatusView(job)
		}
		if sameProgress(last, next) || next.UpdatedAt.Before(last.UpdatedAt) {
			continue
		}
		last = next
		if err := sse.send("progress", last); err != nil {
			return
		}
		if last.Status.Terminal() {
			_ = sse.send("complete", streamEnd{JobID: jobID, Status: last.Status, Final: true})
			return
		}
	}
}

func sameProgress(a, b statusView) bool {
	return a.Status == b.Status &&
		a.ProgressPercent == b.ProgressPercent &&
		a.CurrentStep == b.CurrentStep &&
		a.PagesDiscovered == b.PagesDiscovered &&
		a.PagesSelected == b.PagesSelected &&
		a.PagesScanned == b.PagesScanned &&
		a.ErrorMessage == b.ErrorMessage
}

type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush %s event: %w", event, err)
	}
	return nil
}
