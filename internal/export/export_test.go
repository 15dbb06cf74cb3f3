package export

import (
	"strings"
	"testing"
	"time"
)

func TestDefinitionToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty definition",
			input:    "",
			expected: "",
		},
		{
			name:     "invalid json",
			input:    "{not json",
			expected: "",
		},
		{
			name:     "metric widget",
			input:    `{"widgets":[{"type":"metric","title":"MRR","value":"$12,480","delta":"+4.2%"}]}`,
			expected: `<div class="value">$12,480</div>`,
		},
		{
			name:     "table widget",
			input:    `{"widgets":[{"type":"table","title":"Top pages","columns":["Path","Views"],"rows":[["/home","1204"]]}]}`,
			expected: "<td>/home</td><td>1204</td>",
		},
		{
			name:     "note paragraphs",
			input:    `{"widgets":[{"type":"note","text":"First.\n\nSecond."}]}`,
			expected: "<p>First.</p><p>Second.</p>",
		},
		{
			name:     "chart renders data table",
			input:    `{"widgets":[{"type":"chart","title":"Signups","series":[{"label":"Week","points":[3,7,12]}]}]}`,
			expected: "<th>Week</th><td>3</td><td>7</td><td>12</td>",
		},
		{
			name:     "unknown widget keeps title",
			input:    `{"widgets":[{"type":"gauge","title":"CPU"}]}`,
			expected: "<h3>CPU</h3>",
		},
		{
			name:     "html in values is escaped",
			input:    `{"widgets":[{"type":"metric","title":"<script>","value":"1"}]}`,
			expected: "&lt;script&gt;",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DefinitionToHTML(tt.input)
			if !strings.Contains(result, tt.expected) && result != tt.expected {
				t.Errorf("DefinitionToHTML() = %v, want containing %v", result, tt.expected)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Weekly Revenue", "Weekly-Revenue"},
		{"Q3 Board Deck v1.2", "Q3-Board-Deck-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "report"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"}, // spaces are %20, never +
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderReportHTML(t *testing.T) {
	data := TemplateData{
		Title:       "Weekly Revenue",
		Subtitle:    "Week of Aug 18",
		ContentHTML: `<div class="widget metric"><div class="value">$12,480</div></div>`,
		TenantName:  "Acme Corp",
		UpdatedBy:   "Avery",
		UpdatedAt:   time.Now(),
		GeneratedAt: time.Now(),
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		t.Fatalf("RenderReportHTML() error = %v", err)
	}

	if !strings.Contains(html, "Weekly Revenue") {
		t.Error("HTML missing title")
	}
	if !strings.Contains(html, "Week of Aug 18") {
		t.Error("HTML missing subtitle")
	}
	if !strings.Contains(html, "Acme Corp") {
		t.Error("HTML missing tenant name")
	}

	// Widget HTML must come through unescaped.
	if strings.Contains(html, "&lt;div") {
		t.Error("content HTML was escaped, should render as raw HTML")
	}
	if !strings.Contains(html, `<div class="value">$12,480</div>`) {
		t.Error("HTML should contain the rendered widget markup")
	}
}
