package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var proposalTemplate = template.Must(template.New("proposal.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/proposal.html"))

// TemplateData holds data for proposal template rendering
type TemplateData struct {
	Title         string
	ClientName    string
	Version       int
	TotalVersions int
	UpdatedAt     time.Time
	ContentHTML   template.HTML
}

// RenderProposalHTML renders the proposal template with provided data
func RenderProposalHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := proposalTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
