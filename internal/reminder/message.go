package reminder

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/dukerupert/nudge/internal/model"
)

type message struct {
	Subject string
	HTML    string
}

var reminderTmpl = template.Must(template.New("reminder").Parse(
	`<h2 style="color: {{.Color}}">{{.Title}}</h2>` +
		`<p>Starts {{.Datetime.Format "Monday, January 2, 2006 at 15:04 MST"}}.</p>` +
		`{{if .Notes}}<p>{{.Notes}}</p>{{end}}`,
))

func renderReminder(ev model.Event) (message, error) {
	var buf bytes.Buffer
	if err := reminderTmpl.Execute(&buf, ev); err != nil {
		return message{}, fmt.Errorf("render reminder: %w", err)
	}
	return message{
		Subject: "Reminder: " + ev.Title,
		HTML:    buf.String(),
	}, nil
}
