package handler

import (
	"math"
	"net/http"
	"time"

	"github.com/dukerupert/nudge/internal/ics"
	"github.com/dukerupert/nudge/internal/model"
	ws "github.com/dukerupert/nudge/internal/websocket"
)

const maxImportBytes = 1 << 20

// Feed serves every event as an iCalendar feed.
func (h *EventHandler) Feed(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.List()
	if err != nil {
		h.logger.Error("list events for feed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="nudge.ics"`)
	w.Write([]byte(ics.Encode(events, time.Now().UTC())))
}

type importResponse struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Events   []model.Event `json:"events"`
	Error    string        `json:"error,omitempty"`
}

// Import creates one event per importable VEVENT in the request body and
// schedules each reminder as it is stored. Import is not atomic: if a write
// fails, the 500 response still lists the events stored before it.
func (h *EventHandler) Import(w http.ResponseWriter, r *http.Request) {
	res, err := ics.Parse(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body must be an iCalendar file")
		return
	}

	resp := importResponse{Skipped: res.Skipped, Events: []model.Event{}}
	for _, entry := range res.Entries {
		hours := model.DefaultReminderHours
		if lead := entry.ReminderHours; lead != nil && *lead >= 0 && !math.IsInf(*lead, 0) && !math.IsNaN(*lead) {
			hours = *lead
		}

		ev, err := h.store.Create(entry.Title, entry.Datetime, hours, entry.Notes, model.DefaultColor)
		if err != nil {
			h.logger.Error("import event", "uid", entry.UID, "stored", len(resp.Events), "error", err)
			resp.Imported = len(resp.Events)
			resp.Error = "failed to import events"
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		}

		h.reminders.OnEventCreated(*ev)
		h.hub.Broadcast(ws.EventMessage(ws.TypeEventCreated, ev))
		resp.Events = append(resp.Events, *ev)
	}
	resp.Imported = len(resp.Events)

	h.logger.Info("calendar imported", "imported", resp.Imported, "skipped", resp.Skipped)
	writeJSON(w, http.StatusCreated, resp)
}
