package model

import "time"

const (
	// DefaultReminderHours is the lead time used when a request omits one.
	DefaultReminderHours = 24.0
	DefaultColor         = "#4f46e5"
)

type Event struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	Datetime      time.Time `json:"datetime"`
	ReminderHours float64   `json:"reminder_hours"`
	Notes         string    `json:"notes"`
	Color         string    `json:"color"`
	Reminded      bool      `json:"reminded"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReminderLead converts ReminderHours into a duration. Negative values are
// treated as zero.
func (e Event) ReminderLead() time.Duration {
	if e.ReminderHours <= 0 {
		return 0
	}
	return time.Duration(e.ReminderHours * float64(time.Hour))
}

// SendAt is the instant the reminder for e should be delivered.
func (e Event) SendAt() time.Time {
	return e.Datetime.Add(-e.ReminderLead())
}
