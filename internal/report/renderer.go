package report

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// DefaultTemplate renders a session snapshot as a short plain-text report.
const DefaultTemplate = `session {{ .ID }} up since {{ dateInZone "2006-01-02T15:04:05Z07:00" .StartedAt "UTC" }}
network: {{ .Network.Quality | toString | upper }} (measured {{ dateInZone "15:04:05" .Network.MeasuredAt "UTC" }})
avatars: loaded={{ .Avatars.Loaded }} failed={{ .Avatars.Failed }} in-flight={{ .Avatars.InFlight }}
media: videos={{ .Media.Videos }} images={{ .Media.Images }} pending={{ .Media.Pending }}
rate limits:
{{- range $key, $st := .RateLimits }}
  {{ printf "%-32s" ($key | trunc 32) }} count={{ $st.Count }} remaining={{ $st.Remaining }} reset={{ $st.ResetIn }}{{ if $st.Blocked }} BLOCKED{{ end }}
{{- else }}
  none
{{- end }}
`

// Renderer executes a status template with the sprig function set. Helpers
// that read the process environment or the filesystem are removed.
type Renderer struct {
	name string
	tmpl *template.Template
}

// New compiles source, or DefaultTemplate when source is blank.
func New(source string) (*Renderer, error) {
	if strings.TrimSpace(source) == "" {
		source = DefaultTemplate
	}
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}

	const name = "status"
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("report: compile %q: %w", name, err)
	}
	return &Renderer{name: name, tmpl: tmpl}, nil
}

// Render executes the template against data.
func (r *Renderer) Render(data any) (string, error) {
	if r == nil {
		return "", errors.New("report: nil renderer")
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("report: execute %q: %w", r.name, err)
	}
	return buf.String(), nil
}
