package warden

import (
	"io"
	"strings"
	"text/template"
)

// DenyPage renders the body of a denial response. The default is a
// short plaintext message naming the blocked destination and the
// reason, which keeps denials legible to curl and to non-browser
// clients; deployments can substitute their own template.
type DenyPage struct {
	template *template.Template

	// ContentType is sent with the rendered body.
	// Empty means "text/plain; charset=utf-8".
	ContentType string
}

// DenyPageData is the data passed to the deny page template.
type DenyPageData struct {
	Host   string
	Port   int
	Reason string
}

// DefaultDenyPageText is the default deny page template.
const DefaultDenyPageText = `request blocked: {{.Host}} is not permitted by egress policy ({{.Reason}})
`

// NewDenyPage creates a DenyPage with the default plaintext template.
func NewDenyPage() *DenyPage {
	tmpl := template.Must(template.New("deny").Parse(DefaultDenyPageText))
	return &DenyPage{template: tmpl}
}

// NewDenyPageFromTemplate creates a DenyPage from a custom template
// string.
func NewDenyPageFromTemplate(templateStr string) (*DenyPage, error) {
	tmpl, err := template.New("deny").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &DenyPage{template: tmpl}, nil
}

// NewDenyPageFromFile creates a DenyPage from a template file.
func NewDenyPageFromFile(path string) (*DenyPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &DenyPage{template: tmpl}, nil
}

// Render writes the deny page to the given writer.
func (dp *DenyPage) Render(w io.Writer, data DenyPageData) error {
	return dp.template.Execute(w, data)
}

// RenderString returns the deny page as a string.
func (dp *DenyPage) RenderString(data DenyPageData) (string, error) {
	var sb strings.Builder
	if err := dp.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (dp *DenyPage) contentType() string {
	if dp.ContentType != "" {
		return dp.ContentType
	}
	return "text/plain; charset=utf-8"
}
