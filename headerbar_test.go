package waybackproxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderBarRender(t *testing.T) {
	bar := &HeaderBar{Position: "top", Text: "Time Machine"}

	fragment, err := bar.Render("http://example.com/page", "20010915", "56k")
	require.NoError(t, err)

	assert.Contains(t, fragment, "Time Machine")
	assert.Contains(t, fragment, "http://example.com/page")
	assert.Contains(t, fragment, "2001-09-15")
	assert.Contains(t, fragment, "top:0")
	assert.Contains(t, fragment, "56k")
	assert.NotContains(t, fragment, "wbSpeedSel", "no selector without SpeedSelector")
}

func TestHeaderBarRenderBottom(t *testing.T) {
	bar := &HeaderBar{Position: "bottom", Text: "x"}

	fragment, err := bar.Render("http://example.com/", "20010915000000", "dsl")
	require.NoError(t, err)

	assert.Contains(t, fragment, "bottom:0")
}

func TestHeaderBarRenderSelector(t *testing.T) {
	bar := &HeaderBar{Position: "top", Text: "x", SpeedSelector: true}

	fragment, err := bar.Render("http://example.com/", "20010915", "28.8k")
	require.NoError(t, err)

	assert.Contains(t, fragment, "wbSpeedSel")
	assert.Contains(t, fragment, SpeedCookieName)
	assert.Contains(t, fragment, `<option value="28.8k" selected>`)

	for _, name := range SpeedTierNames() {
		assert.Contains(t, fragment, `value="`+name+`"`)
	}
}

func TestHeaderBarInjectAfterBodyTag(t *testing.T) {
	bar := &HeaderBar{Position: "top", Text: "x"}
	page := []byte(`<html><head></head><BODY bgcolor="#ffffff"><p>hi</p></BODY></html>`)

	injected := string(bar.Inject(page, "FRAGMENT"))

	bodyIndex := strings.Index(injected, `<BODY bgcolor="#ffffff">`)
	fragmentIndex := strings.Index(injected, "FRAGMENT")
	contentIndex := strings.Index(injected, "<p>hi</p>")

	require.GreaterOrEqual(t, bodyIndex, 0)
	assert.Greater(t, fragmentIndex, bodyIndex, "the fragment goes after the opening body tag")
	assert.Greater(t, contentIndex, fragmentIndex, "the fragment goes before the page content")
}

func TestHeaderBarInjectWithoutBodyTag(t *testing.T) {
	bar := &HeaderBar{Position: "top", Text: "x"}
	page := []byte(`<p>fragment soup</p>`)

	injected := string(bar.Inject(page, "FRAGMENT"))

	assert.True(t, strings.HasPrefix(injected, "FRAGMENT"))
	assert.Contains(t, injected, "fragment soup")
}

func TestFormatArchiveDate(t *testing.T) {
	assert.Equal(t, "2001-09-15", formatArchiveDate("20010915"))
	assert.Equal(t, "2001-09-15", formatArchiveDate("20010915000000"))
	assert.Equal(t, "2001", formatArchiveDate("2001"))
	assert.Equal(t, "", formatArchiveDate(""))
}
