package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTemplate_Embedded(t *testing.T) {
	tmpl, err := GetTemplate(DigestEmail, "")
	require.NoError(t, err)
	assert.Contains(t, tmpl.Subject, "{{.PeriodKey}}")
	assert.NotEmpty(t, tmpl.Text)
	assert.NotEmpty(t, tmpl.HTML)
}

func TestGetTemplate_UserOverride(t *testing.T) {
	dir := t.TempDir()
	override := "subject = \"Custom\"\ntext = \"Hello {{.Name}}\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, DigestEmail+".toml"), []byte(override), 0644))

	tmpl, err := GetTemplate(DigestEmail, dir)
	require.NoError(t, err)
	assert.Equal(t, "Custom", tmpl.Subject)
	assert.Empty(t, tmpl.HTML)
}

func TestGetTemplate_Missing(t *testing.T) {
	_, err := GetTemplate("nope", t.TempDir())
	assert.Error(t, err)
}

func TestListEmbeddedTemplates(t *testing.T) {
	names, err := ListEmbeddedTemplates()
	require.NoError(t, err)
	assert.Contains(t, names, DigestEmail)
}
