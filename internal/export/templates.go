package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		// Fallback to built-in template if file not found
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for report template rendering.
type TemplateData struct {
	Title       string
	Subtitle    string
	ContentHTML template.HTML
	TenantName  string
	UpdatedBy   string
	UpdatedAt   time.Time
	GeneratedAt time.Time
}

// RenderReportHTML renders the report template with provided data.
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load.
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .widget { margin: 1.5rem 0; }
    .widget.metric .value { font-size: 2em; font-weight: bold; }
    .widget.metric .delta { color: #666; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Subtitle}}<p>{{.Subtitle}}</p>{{end}}
  <div class="meta">{{.TenantName}}{{if .UpdatedBy}} | Last edited by {{.UpdatedBy}}{{end}} | Generated {{.GeneratedAt.Format "Jan 2, 2006 15:04"}}</div>
  <div>{{.ContentHTML}}</div>
</body>
</html>`
