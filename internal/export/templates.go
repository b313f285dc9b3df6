package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
	"statusLabel": statusLabel,
	"statusClass": func(status string) string {
		return "status-" + strings.ReplaceAll(status, "_", "-")
	},
}).Parse(reportHTML))

// TemplateData holds data for report rendering
type TemplateData struct {
	Title           string
	DocumentID      string
	GeneratedBy     string
	GeneratedAt     time.Time
	ActiveVersion   string
	Versions        []TemplateVersion
	Pages           []TemplatePage
	StatusCounts    []TemplateCount
	AnnotationTotal int
}

type TemplateVersion struct {
	Number      int
	SourceName  string
	Description string
	UploadedBy  string
	UploadedAt  time.Time
	PageCount   int
	Active      bool
}

type TemplatePage struct {
	Number      int
	Annotations []TemplateAnnotation
}

type TemplateAnnotation struct {
	Comment   string
	Status    string
	CreatedBy string
	CreatedAt time.Time
	Region    string
}

type TemplateCount struct {
	Status string
	Count  int
}

// statusLabel turns action_required into "Action required".
func statusLabel(status string) string {
	if status == "" {
		return ""
	}
	label := strings.ReplaceAll(status, "_", " ")
	return strings.ToUpper(label[:1]) + label[1:]
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}} - review report</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 860px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
    th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; font-size: 0.9em; }
    tr.active td { font-weight: bold; }
    .annotation { background: #f5f5f5; padding: 0.75rem 1rem; margin: 0.75rem 0; border-left: 3px solid #333; }
    .status-open { border-left-color: #1f6feb; }
    .status-resolved { border-left-color: #2da44e; }
    .status-action-required { border-left-color: #cf222e; }
    .status-reviewing { border-left-color: #bf8700; }
    .annotation .who { color: #666; font-size: 0.85em; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.DocumentID}} | generated {{formatDate .GeneratedAt}}{{if .GeneratedBy}} by {{.GeneratedBy}}{{end}}{{if .ActiveVersion}} | viewing {{.ActiveVersion}}{{end}}</div>

  <h2>Versions</h2>
  <table>
    <tr><th>#</th><th>File</th><th>Description</th><th>Uploaded</th><th>Pages</th></tr>
    {{range .Versions}}<tr class="{{if .Active}}active{{end}}">
      <td>v{{.Number}}</td><td>{{.SourceName}}</td><td>{{.Description}}</td>
      <td>{{.UploadedBy}}, {{formatDate .UploadedAt}}</td><td>{{if .PageCount}}{{.PageCount}}{{else}}-{{end}}</td>
    </tr>{{end}}
  </table>

  <h2>Annotations ({{.AnnotationTotal}})</h2>
  {{if .StatusCounts}}<p>{{range $i, $c := .StatusCounts}}{{if $i}} · {{end}}{{statusLabel $c.Status}}: {{$c.Count}}{{end}}</p>{{end}}
  {{range .Pages}}
  <h3>Page {{.Number}}</h3>
  {{range .Annotations}}<div class="annotation {{statusClass .Status}}">
    <div>{{.Comment}}</div>
    <div class="who">{{statusLabel .Status}} | {{.CreatedBy}}, {{formatDate .CreatedAt}} | {{.Region}}</div>
  </div>{{end}}
  {{else}}
  <p>No annotations.</p>
  {{end}}
</body>
</html>`
