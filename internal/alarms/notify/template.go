package notify

import (
	"bytes"
	"errors"
	"strings"
	"text/template"
)

// DefaultTemplate is the plain-text layout used when notify.template is empty.
const DefaultTemplate = `[Alarm {{.EventLabel}}] {{upper .Severity}} on {{.TagID}}
Rule: {{.Rule}}{{if .Condition}} ({{.Condition}}){{end}}
Value: {{.TriggerValue}}
Triggered At: {{.TriggeredAt}}
State: {{.Status}}
{{- if .Description}}
Detail: {{.Description}}
{{- end}}
{{- if .Actor}}
By: {{.Actor}}
{{- end}}
Action: {{.Suggestion}}
Alarm ID: {{.AlarmID}}
`

// TemplateData is the view of an alarm event a template renders.
type TemplateData struct {
	AlarmID      string
	TagID        string
	Rule         string
	RuleID       string
	Description  string
	TriggerValue string
	Condition    string
	TriggeredAt  string
	Status       string
	Severity     string
	Suggestion   string
	Actor        string
	Event        string
	EventLabel   string
}

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses text, or DefaultTemplate when text is empty. Templates
// may use the upper and lower helpers.
func NewTemplate(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	parsed, err := template.New("alarm").Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alarm template: not parsed")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
