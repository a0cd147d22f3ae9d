package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/store"
	ws "github.com/dukerupert/nudge/internal/websocket"
)

var hexColorRegexp = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// EventStore is the persistence the event handlers need.
type EventStore interface {
	Create(title string, datetime time.Time, reminderHours float64, notes, color string) (*model.Event, error)
	GetByID(id int64) (*model.Event, error)
	List() ([]model.Event, error)
	Update(id int64, title string, datetime time.Time, reminderHours float64, notes, color string) (*model.Event, error)
	Delete(id int64) error
}

// Reminders is the part of the reminder service the handlers drive.
type Reminders interface {
	OnEventCreated(ev model.Event)
	OnEventUpdated(ev model.Event)
	OnEventDeleted(id int64)
	NextFire(id int64) (time.Time, bool)
}

// Broadcaster pushes change notifications to connected clients.
type Broadcaster interface {
	Broadcast(msg ws.Message)
}

type EventHandler struct {
	store     EventStore
	reminders Reminders
	hub       Broadcaster
	logger    *slog.Logger
}

func NewEventHandler(es EventStore, reminders Reminders, hub Broadcaster, logger *slog.Logger) *EventHandler {
	return &EventHandler{store: es, reminders: reminders, hub: hub, logger: logger}
}

type eventRequest struct {
	Title         string   `json:"title"`
	Datetime      string   `json:"datetime"`
	ReminderHours *float64 `json:"reminder_hours"`
	Notes         string   `json:"notes"`
	Color         string   `json:"color"`
}

type eventInput struct {
	title         string
	datetime      time.Time
	reminderHours float64
	notes         string
	color         string
}

// eventResponse adds the armed reminder time, if any, to an event.
type eventResponse struct {
	*model.Event
	NextReminder *time.Time `json:"next_reminder,omitempty"`
}

func (h *EventHandler) respond(ev *model.Event) eventResponse {
	resp := eventResponse{Event: ev}
	if at, ok := h.reminders.NextFire(ev.ID); ok {
		resp.NextReminder = &at
	}
	return resp
}

// parseAndValidate decodes the body. existing supplies defaults for omitted
// optional fields on update; it is nil on create.
func parseAndValidate(w http.ResponseWriter, r *http.Request, existing *model.Event) (eventInput, bool) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return eventInput{}, false
	}

	in := eventInput{
		title: strings.TrimSpace(req.Title),
		notes: strings.TrimSpace(req.Notes),
		color: req.Color,
	}
	if in.title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return eventInput{}, false
	}

	dt, err := time.Parse(time.RFC3339, req.Datetime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "datetime must be RFC3339 format")
		return eventInput{}, false
	}
	in.datetime = dt

	switch {
	case req.ReminderHours != nil:
		in.reminderHours = *req.ReminderHours
	case existing != nil:
		in.reminderHours = existing.ReminderHours
	default:
		in.reminderHours = model.DefaultReminderHours
	}
	if in.reminderHours < 0 {
		writeError(w, http.StatusBadRequest, "reminder_hours must not be negative")
		return eventInput{}, false
	}

	if in.color == "" {
		in.color = model.DefaultColor
		if existing != nil {
			in.color = existing.Color
		}
	}
	if !hexColorRegexp.MatchString(in.color) {
		writeError(w, http.StatusBadRequest, "color must be a hex color (e.g. #FF0000)")
		return eventInput{}, false
	}

	return in, true
}

// Create stores the event and only then schedules its reminder.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	in, ok := parseAndValidate(w, r, nil)
	if !ok {
		return
	}

	ev, err := h.store.Create(in.title, in.datetime, in.reminderHours, in.notes, in.color)
	if err != nil {
		h.logger.Error("create event", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create event")
		return
	}

	h.reminders.OnEventCreated(*ev)
	h.hub.Broadcast(ws.EventMessage(ws.TypeEventCreated, ev))

	writeJSON(w, http.StatusCreated, h.respond(ev))
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.List()
	if err != nil {
		h.logger.Error("list events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	resp := make([]eventResponse, 0, len(events))
	for i := range events {
		resp = append(resp, h.respond(&events[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.respond(ev))
}

// Update rewrites the event and re-arms its reminder from the new values.
func (h *EventHandler) Update(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.lookup(w, r)
	if !ok {
		return
	}

	in, ok := parseAndValidate(w, r, existing)
	if !ok {
		return
	}

	ev, err := h.store.Update(existing.ID, in.title, in.datetime, in.reminderHours, in.notes, in.color)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		h.logger.Error("update event", "event_id", existing.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update event")
		return
	}

	h.reminders.OnEventUpdated(*ev)
	h.hub.Broadcast(ws.EventMessage(ws.TypeEventUpdated, ev))

	writeJSON(w, http.StatusOK, h.respond(ev))
}

// Delete cancels the reminder before removing the row. If the row cannot be
// removed the reminder is armed again.
func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.lookup(w, r)
	if !ok {
		return
	}

	h.reminders.OnEventDeleted(existing.ID)

	err := h.store.Delete(existing.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		h.logger.Error("delete event", "event_id", existing.ID, "error", err)
		h.reminders.OnEventCreated(*existing)
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}

	h.hub.Broadcast(ws.DeletedMessage(existing.ID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *EventHandler) lookup(w http.ResponseWriter, r *http.Request) (*model.Event, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return nil, false
	}

	ev, err := h.store.GetByID(id)
	if err != nil {
		h.logger.Error("get event", "event_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return nil, false
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return nil, false
	}
	return ev, true
}
