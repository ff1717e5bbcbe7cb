// internal/report/html.go
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/mwiater/koboldsweep/internal/supervisor"
)

// Document is the read-only view of the results that a report renders.
type Document struct {
	GeneratedAt string
	Command     string
	Rows        []Row
}

// Row is one outcome as shown in the report table.
type Row struct {
	Success bool
	Status  string
	Args    string
	Time    string
	Error   string
	Elapsed string
}

// NewDocument projects outcomes into a Document.
func NewDocument(results []supervisor.Outcome, command string, at time.Time) Document {
	rows := make([]Row, 0, len(results))
	for _, o := range results {
		row := Row{
			Success: o.Succeeded(),
			Status:  string(o.Status),
			Args:    o.Params.String(),
			Time:    o.Time,
			Error:   o.Reason,
		}
		if o.Elapsed > 0 {
			row.Elapsed = o.Elapsed.Round(100 * time.Millisecond).String()
		}
		rows = append(rows, row)
	}
	return Document{
		GeneratedAt: at.UTC().Format(TimestampLayout),
		Command:     command,
		Rows:        rows,
	}
}

var pageTemplate = template.Must(template.New("report").Parse(`<html><head>
<title>Results at {{.GeneratedAt}}</title>
</head><body>
<style>
	body { background: #000; color: #fff; font-family: monospace; }
	table { border-collapse: collapse; }
	th, td { border: 1px solid #fff; padding: 0.5rem; text-align: left; }
	.err { opacity: 0.5; }
</style>
<h1>Results</h1>
<p>Generated at {{.GeneratedAt}}</p>
<pre><code>{{.Command}}</code></pre>
<table>
<tr>
<th>Result</th>
<th>Args</th>
<th>Time</th>
<th>Elapsed</th>
</tr>
{{- range .Rows}}
<tr>
<td title="{{.Status}}">{{if .Success}}✅{{else}}❌{{end}}</td>
<td>{{.Args}}</td>
<td>{{if .Time}}{{.Time}}{{else if .Error}}<span class='err'>{{.Error}}</span>{{else}}?{{end}}</td>
<td>{{.Elapsed}}</td>
</tr>
{{- end}}
</table>
</body></html>
`))

// Render returns the HTML page for doc.
func Render(doc Document) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, doc); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}
