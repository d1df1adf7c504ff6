package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"queryflow/internal/core"
	"queryflow/internal/querycache"
)

const keepAliveInterval = 15 * time.Second

// IngestEvents handles GET /v1/ingest/:job_id/events. It streams the job's cache entry as
// server-sent events until the job settles or the client goes away.
func (h *Handler) IngestEvents(c echo.Context) error {
	jobID := c.Param("job_id")

	// One-slot mailbox: the cache delivers synchronously, so the listener never blocks and a
	// slow client only sees the newest entry.
	updates := make(chan querycache.Entry, 1)
	unsubscribe := h.flows.WatchIngestion(jobID, func(e querycache.Entry) {
		for {
			select {
			case updates <- e:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	current := h.flows.Job(jobID)
	if err := writeEvent(w, current); err != nil {
		return nil
	}
	if settled(current) {
		return nil
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case e := <-updates:
			if err := writeEvent(w, e); err != nil {
				return nil
			}
			if settled(e) {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, e querycache.Entry) error {
	data, err := json.Marshal(newEntryView(e))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// settled reports whether e holds a terminal job status.
func settled(e querycache.Entry) bool {
	if e.Status != querycache.StatusSuccess {
		return false
	}
	job, ok := querycache.ValueAs[core.Job](e)
	return ok && job.Terminal()
}
