package waybackproxy

import (
	"regexp"
	"strings"
)

//Regexes for cleaning archive artifacts out of served bodies.
// All rewriting happens on the raw bytes, the markup is never reparsed so
// applying a transform twice yields the same bytes
var (
	toolbarRegex = regexp.MustCompile(`(?is)<!-- BEGIN WAYBACK TOOLBAR INSERT -->.*?<!-- END WAYBACK TOOLBAR INSERT -->`)
	footerRegex  = regexp.MustCompile(`(?is)<!--\s*FILE ARCHIVED ON.*$`)

	scriptIncludeRegex = regexp.MustCompile(`(?is)<script[^>]*src="[^"]*/_static/js/[^"]*"[^>]*>.*?</script>`)
	wombatScriptRegex  = regexp.MustCompile(`(?is)<script[^>]*src="[^"]*wombat\.js[^"]*"[^>]*>.*?</script>`)
	inlineWMRegex      = regexp.MustCompile(`(?is)<script[^>]*>[^<]*__wm\..*?</script>`)
	staticLinkRegex    = regexp.MustCompile(`(?i)<link[^>]*href="[^"]*web-static\.archive\.org[^"]*"[^>]*/?\s*>`)
	endIncludeRegex    = regexp.MustCompile(`(?i)<!--\s*End Wayback Rewrite JS Include\s*-->\r?\n?`)

	baseTagRegex = regexp.MustCompile(`(?i)(<base\s+[^>]*href=["']?)(?:https?:)?//web\.archive\.org/web/[0-9]+[a-z_]*/(?:https?://)?`)

	absoluteArchiveRegex = regexp.MustCompile(`(?:https?:)?//web\.archive\.org/web/[0-9]+[a-z_]*/`)
	relativeArchiveRegex = regexp.MustCompile(`/web/[0-9]+[a-z_]*/(?:https?://)?`)

	//A leftover scheme prefix in front of a full URL, the inner scheme is the real one
	doubleSchemeRegex = regexp.MustCompile(`https?://(https?://)`)

	cssURLRegex    = regexp.MustCompile(`url\(["']?(?:https?:)?//web\.archive\.org/web/[0-9]+[a-z_]*/([^)"']+)["']?\)`)
	cssImportRegex = regexp.MustCompile(`@import\s+(?:url\s*\()?\s*["']?(?:https?:)?//web\.archive\.org/web/[0-9]+[a-z_]*/([^"')\s]+)["']?\s*\)?`)
)

//The Transformer rewrites archived bodies into period-authentic form.
// It removes the archive's toolbar and injected scripts and collapses
// rewritten archive URLs back to the original origin. The transform is a pure
// function of the input bytes and is idempotent
type Transformer struct {
	RemoveToolbar  bool
	RemoveScripts  bool
	FixBaseTags    bool
	FixAssetURLs   bool
	NormalizeLinks bool
}

//NewTransformer creates a Transformer with every cleanup enabled
func NewTransformer() *Transformer {
	return &Transformer{
		RemoveToolbar:  true,
		RemoveScripts:  true,
		FixBaseTags:    true,
		FixAssetURLs:   true,
		NormalizeLinks: true,
	}
}

//Transform rewrites a body according to its content type.
// HTML and CSS bodies are cleaned, everything else passes through unchanged
func (transformer *Transformer) Transform(body []byte, contentType string) []byte {
	lowered := strings.ToLower(contentType)

	switch {
	case strings.Contains(lowered, "html"):
		return transformer.transformHTML(body)
	case strings.Contains(lowered, "css"):
		return transformer.transformCSS(body)
	default:
		return body
	}
}

func (transformer *Transformer) transformHTML(body []byte) []byte {
	html := body

	if transformer.RemoveToolbar {
		html = toolbarRegex.ReplaceAll(html, nil)
		html = footerRegex.ReplaceAll(html, nil)
	}

	if transformer.RemoveScripts {
		html = scriptIncludeRegex.ReplaceAll(html, nil)
		html = wombatScriptRegex.ReplaceAll(html, nil)
		html = inlineWMRegex.ReplaceAll(html, nil)
		html = staticLinkRegex.ReplaceAll(html, nil)
		html = endIncludeRegex.ReplaceAll(html, nil)
	}

	if transformer.FixBaseTags {
		html = baseTagRegex.ReplaceAll(html, []byte(`${1}http://`))
	}

	if transformer.FixAssetURLs {
		html = absoluteArchiveRegex.ReplaceAll(html, nil)
		html = relativeArchiveRegex.ReplaceAll(html, []byte("http://"))
	}

	if transformer.NormalizeLinks {
		html = collapseSchemes(html)
	}

	return html
}

func collapseSchemes(body []byte) []byte {
	for doubleSchemeRegex.Match(body) {
		body = doubleSchemeRegex.ReplaceAll(body, []byte("$1"))
	}

	return body
}

func (transformer *Transformer) transformCSS(body []byte) []byte {
	css := body

	if transformer.FixAssetURLs {
		css = cssImportRegex.ReplaceAll(css, []byte(`@import url("$1")`))
		css = cssURLRegex.ReplaceAll(css, []byte(`url("$1")`))
		css = relativeArchiveRegex.ReplaceAll(css, []byte("http://"))
		css = collapseSchemes(css)
	}

	return css
}
