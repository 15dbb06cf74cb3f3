package export

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// widgetDefinition is the persisted shape of a report's definition column.
type widgetDefinition struct {
	Widgets []widget `json:"widgets"`
}

type widget struct {
	Type    string     `json:"type"` // "metric", "table", "note", "chart"
	Title   string     `json:"title"`
	Value   string     `json:"value,omitempty"`
	Delta   string     `json:"delta,omitempty"`
	Text    string     `json:"text,omitempty"`
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
	Series  []series   `json:"series,omitempty"`
}

type series struct {
	Label  string    `json:"label"`
	Points []float64 `json:"points"`
}

// DefinitionToHTML converts a report definition (widget JSON) to HTML for
// the print template. Unknown widget types render as their title only so a
// newer frontend schema never breaks export.
func DefinitionToHTML(definition string) string {
	if strings.TrimSpace(definition) == "" {
		return ""
	}

	var def widgetDefinition
	if err := json.Unmarshal([]byte(definition), &def); err != nil {
		return ""
	}

	var b strings.Builder
	for _, w := range def.Widgets {
		renderWidget(&b, w)
	}
	return b.String()
}

func renderWidget(b *strings.Builder, w widget) {
	switch w.Type {
	case "metric":
		b.WriteString(`<div class="widget metric">`)
		if w.Title != "" {
			fmt.Fprintf(b, `<h3>%s</h3>`, html.EscapeString(w.Title))
		}
		fmt.Fprintf(b, `<div class="value">%s</div>`, html.EscapeString(w.Value))
		if w.Delta != "" {
			fmt.Fprintf(b, `<div class="delta">%s</div>`, html.EscapeString(w.Delta))
		}
		b.WriteString("</div>\n")

	case "table":
		b.WriteString(`<div class="widget table">`)
		if w.Title != "" {
			fmt.Fprintf(b, `<h3>%s</h3>`, html.EscapeString(w.Title))
		}
		b.WriteString("<table><thead><tr>")
		for _, col := range w.Columns {
			fmt.Fprintf(b, "<th>%s</th>", html.EscapeString(col))
		}
		b.WriteString("</tr></thead><tbody>")
		for _, row := range w.Rows {
			b.WriteString("<tr>")
			for _, cell := range row {
				fmt.Fprintf(b, "<td>%s</td>", html.EscapeString(cell))
			}
			b.WriteString("</tr>")
		}
		b.WriteString("</tbody></table></div>\n")

	case "note":
		b.WriteString(`<div class="widget note">`)
		if w.Title != "" {
			fmt.Fprintf(b, `<h3>%s</h3>`, html.EscapeString(w.Title))
		}
		for _, para := range strings.Split(w.Text, "\n\n") {
			if strings.TrimSpace(para) == "" {
				continue
			}
			fmt.Fprintf(b, "<p>%s</p>", html.EscapeString(para))
		}
		b.WriteString("</div>\n")

	case "chart":
		// PDFs carry a data table in place of the interactive chart.
		b.WriteString(`<div class="widget chart">`)
		if w.Title != "" {
			fmt.Fprintf(b, `<h3>%s</h3>`, html.EscapeString(w.Title))
		}
		b.WriteString("<table><tbody>")
		for _, s := range w.Series {
			fmt.Fprintf(b, "<tr><th>%s</th>", html.EscapeString(s.Label))
			for _, p := range s.Points {
				fmt.Fprintf(b, "<td>%g</td>", p)
			}
			b.WriteString("</tr>")
		}
		b.WriteString("</tbody></table></div>\n")

	default:
		if w.Title != "" {
			fmt.Fprintf(b, `<div class="widget"><h3>%s</h3></div>`+"\n", html.EscapeString(w.Title))
		}
	}
}
