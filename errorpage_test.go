package waybackproxy

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestErrorPagesBuiltIn(t *testing.T) {
	pages := NewErrorPages("", testLogger())

	body := string(pages.Render(http.StatusNotFound, "http://example.com/missing"))

	assert.Contains(t, body, "404")
	assert.Contains(t, body, "Not Found")
	assert.Contains(t, body, "no snapshot")
	assert.Contains(t, body, "http://example.com/missing")
}

func TestErrorPagesUnknownCode(t *testing.T) {
	pages := NewErrorPages("", testLogger())

	body := string(pages.Render(418, ""))

	assert.Contains(t, body, "418")
	assert.Contains(t, body, "unexpected error")
}

func TestErrorPagesDirectoryOverride(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "error.html"),
		[]byte("custom generic {{.Code}}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "404.html"),
		[]byte("custom not found: {{.URL}}"), 0o644))

	pages := NewErrorPages(dir, testLogger())

	assert.Equal(t, "custom not found: http://x.test/", string(pages.Render(http.StatusNotFound, "http://x.test/")))
	assert.Equal(t, "custom generic 502", string(pages.Render(http.StatusBadGateway, "")))
}

func TestErrorPagesBrokenOverrideFallsBack(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "error.html"),
		[]byte("broken {{.Code"), 0o644))

	pages := NewErrorPages(dir, testLogger())

	body := string(pages.Render(http.StatusBadGateway, ""))
	assert.Contains(t, body, "502", "an unparsable override falls back to the built-in template")
}
