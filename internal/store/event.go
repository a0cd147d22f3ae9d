package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/nudge/internal/model"
)

// ErrNotFound is returned by mutations that matched no row.
var ErrNotFound = errors.New("event not found")

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

const eventCols = `id, title, datetime, reminder_hours, notes, color, reminded, created_at`

func scanEvent(scanner interface{ Scan(...any) error }) (*model.Event, error) {
	var e model.Event
	var reminded int

	err := scanner.Scan(&e.ID, &e.Title, &e.Datetime, &e.ReminderHours, &e.Notes, &e.Color, &reminded, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	e.Reminded = reminded != 0
	e.Datetime = e.Datetime.UTC()
	return &e, nil
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func (s *EventStore) Create(title string, datetime time.Time, reminderHours float64, notes, color string) (*model.Event, error) {
	if color == "" {
		color = model.DefaultColor
	}

	result, err := s.db.Exec(
		`INSERT INTO events (title, datetime, reminder_hours, notes, color) VALUES (?, ?, ?, ?, ?)`,
		title, normalizeTime(datetime), reminderHours, notes, color,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.GetByID(id)
}

func (s *EventStore) GetByID(id int64) (*model.Event, error) {
	e, err := scanEvent(s.db.QueryRow(`SELECT `+eventCols+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	return e, nil
}

// List returns every event ordered by datetime ascending.
func (s *EventStore) List() ([]model.Event, error) {
	return s.query(`SELECT ` + eventCols + ` FROM events ORDER BY datetime ASC, id ASC`)
}

// ListUnreminded returns the events whose reminder has not been delivered.
func (s *EventStore) ListUnreminded() ([]model.Event, error) {
	return s.query(`SELECT ` + eventCols + ` FROM events WHERE reminded = 0 ORDER BY datetime ASC, id ASC`)
}

func (s *EventStore) query(q string, args ...any) ([]model.Event, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Update rewrites the editable fields of an event. The reminded flag is left
// untouched.
func (s *EventStore) Update(id int64, title string, datetime time.Time, reminderHours float64, notes, color string) (*model.Event, error) {
	if color == "" {
		color = model.DefaultColor
	}

	result, err := s.db.Exec(
		`UPDATE events SET title = ?, datetime = ?, reminder_hours = ?, notes = ?, color = ? WHERE id = ?`,
		title, normalizeTime(datetime), reminderHours, notes, color, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}
	if err := requireRow(result); err != nil {
		return nil, err
	}

	return s.GetByID(id)
}

// MarkReminded flips the reminded flag. Marking an event that is already
// reminded succeeds without changing it.
func (s *EventStore) MarkReminded(id int64) error {
	result, err := s.db.Exec(`UPDATE events SET reminded = 1 WHERE id = ? AND reminded = 0`, id)
	if err != nil {
		return fmt.Errorf("mark event reminded: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRow(`SELECT 1 FROM events WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check event: %w", err)
	}
	return nil
}

func (s *EventStore) Delete(id int64) error {
	result, err := s.db.Exec(`DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return requireRow(result)
}

// DeleteRemindedBefore removes delivered events that took place before cutoff.
func (s *EventStore) DeleteRemindedBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM events WHERE reminded = 1 AND datetime < ?`, normalizeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
