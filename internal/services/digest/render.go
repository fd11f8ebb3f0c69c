package digest

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/templates"
)

// View is the data handed to the email templates
type View struct {
	Name           string
	PeriodKey      string
	ChannelTitle   string
	Ideas          []models.Idea
	UnsubscribeURL string
}

// Renderer executes the digest email templates
type Renderer struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

var funcs = map[string]interface{}{
	"join": strings.Join,
}

// NewRenderer parses tmpl. A non-empty subject replaces the template's subject.
func NewRenderer(tmpl *templates.Template, subject string) (*Renderer, error) {
	if subject == "" {
		subject = tmpl.Subject
	}

	r := &Renderer{}
	var err error
	if r.subject, err = texttemplate.New("subject").Parse(subject); err != nil {
		return nil, fmt.Errorf("failed to parse subject template: %w", err)
	}
	if tmpl.Text != "" {
		if r.text, err = texttemplate.New("text").Funcs(funcs).Parse(tmpl.Text); err != nil {
			return nil, fmt.Errorf("failed to parse text template: %w", err)
		}
	}
	if tmpl.HTML != "" {
		if r.html, err = htmltemplate.New("html").Funcs(funcs).Parse(tmpl.HTML); err != nil {
			return nil, fmt.Errorf("failed to parse html template: %w", err)
		}
	}
	return r, nil
}

// NewRendererFromDir loads the digest template, preferring an override in dir
func NewRendererFromDir(dir, subject string) (*Renderer, error) {
	tmpl, err := templates.GetTemplate(templates.DigestEmail, dir)
	if err != nil {
		return nil, err
	}
	return NewRenderer(tmpl, subject)
}

// Render returns subject, text and html bodies for view
func (r *Renderer) Render(view View) (subject, text, html string, err error) {
	var buf bytes.Buffer
	if err = r.subject.Execute(&buf, view); err != nil {
		return "", "", "", fmt.Errorf("failed to render subject: %w", err)
	}
	subject = strings.TrimSpace(buf.String())

	if r.text != nil {
		buf.Reset()
		if err = r.text.Execute(&buf, view); err != nil {
			return "", "", "", fmt.Errorf("failed to render text body: %w", err)
		}
		text = strings.TrimSpace(buf.String()) + "\n"
	}

	if r.html != nil {
		buf.Reset()
		if err = r.html.Execute(&buf, view); err != nil {
			return "", "", "", fmt.Errorf("failed to render html body: %w", err)
		}
		html = buf.String()
	}

	return subject, text, html, nil
}
