// Package templates provides the embedded email templates with user override support.
// Templates are loaded with resolution order:
// 1. User override: templatesDir/{name}.toml
// 2. Embedded default: internal/templates/{name}.toml
package templates

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed *.toml
var fs embed.FS

// DigestEmail is the name of the weekly digest template
const DigestEmail = "digest_email"

// Template is one email template: Go template sources for subject and bodies
type Template struct {
	Subject string `toml:"subject"`
	Text    string `toml:"text"`
	HTML    string `toml:"html"`
}

// GetTemplate loads a template by name with resolution order:
// 1. User override: templatesDir/{name}.toml
// 2. Embedded default: internal/templates/{name}.toml
func GetTemplate(name string, templatesDir string) (*Template, error) {
	if templatesDir != "" {
		userPath := filepath.Join(templatesDir, name+".toml")
		if data, err := os.ReadFile(userPath); err == nil {
			return parseTemplate(data)
		}
	}

	data, err := fs.ReadFile(name + ".toml")
	if err != nil {
		return nil, fmt.Errorf("template '%s' not found (checked user override and embedded)", name)
	}
	return parseTemplate(data)
}

// ListEmbeddedTemplates returns names of all embedded templates
func ListEmbeddedTemplates() ([]string, error) {
	entries, err := fs.ReadDir(".")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".toml") {
			names = append(names, strings.TrimSuffix(entry.Name(), ".toml"))
		}
	}
	return names, nil
}

func parseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := toml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if t.Text == "" && t.HTML == "" {
		return nil, fmt.Errorf("template has neither text nor html body")
	}
	return &t, nil
}
