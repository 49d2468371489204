package waybackproxy

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/template"

	"github.com/sirupsen/logrus"
)

//errorDescriptions holds the period-flavored blurb shown under each status code
var errorDescriptions = map[int]string{
	http.StatusBadRequest:          "Your browser sent a request this proxy could not understand.",
	http.StatusForbidden:           "This site is not on the list of allowed destinations.",
	http.StatusNotFound:            "The Wayback Machine has no snapshot of this page near the configured date.",
	http.StatusInternalServerError: "Something went wrong inside the proxy while handling your request.",
	http.StatusNotImplemented:      "This proxy does not support that kind of request.",
	http.StatusBadGateway:          "The Wayback Machine could not be reached. The archive may be down.",
	http.StatusGatewayTimeout:      "The Wayback Machine took too long to answer. Try again in a moment.",
}

//fallbackErrorTemplate is the built-in error page, styled to not look out of
// place next to the era of pages the proxy serves
var fallbackErrorTemplate = template.Must(template.New("error").Parse(`<html>
<head><title>{{.Code}} {{.Status}}</title></head>
<body bgcolor="#0e0e1a" text="#e0e0e0" link="#8080ff" vlink="#b080ff">
<center>
<table width="480" cellpadding="8" cellspacing="0" border="0">
<tr><td align="center">
<font face="Courier New, monospace">
<h1>{{.Code}}</h1>
<h2>{{.Status}}</h2>
<hr noshade size="1" color="#505070">
<p>{{.Description}}</p>
{{if .URL}}<p><tt>{{.URL}}</tt></p>{{end}}
<hr noshade size="1" color="#505070">
<p><small>Wayback Cache Proxy</small></p>
</font>
</td></tr>
</table>
</center>
</body>
</html>
`))

type errorPageData struct {
	Code        int
	Status      string
	Description string
	URL         string
}

//ErrorPages renders the themed error responses.
// A directory can override the built-in template with an error.html used for
// every code plus optional {code}.html files for specific codes
type ErrorPages struct {
	generic   *template.Template
	overrides map[int]*template.Template
	Logger    *logrus.Logger
}

//NewErrorPages loads templates from dir, or only the built-in template when
// dir is empty. Unparsable override files are skipped with a warning
func NewErrorPages(dir string, logger *logrus.Logger) *ErrorPages {
	pages := &ErrorPages{
		generic:   fallbackErrorTemplate,
		overrides: map[int]*template.Template{},
		Logger:    logger,
	}

	if dir == "" {
		return pages
	}

	if tmpl := pages.loadTemplate(filepath.Join(dir, "error.html")); tmpl != nil {
		pages.generic = tmpl
	}

	for code := range errorDescriptions {
		path := filepath.Join(dir, fmt.Sprintf("%d.html", code))
		if _, err := os.Stat(path); err != nil {
			continue
		}

		if tmpl := pages.loadTemplate(path); tmpl != nil {
			pages.overrides[code] = tmpl
		}
	}

	return pages
}

func (pages *ErrorPages) loadTemplate(path string) *template.Template {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	tmpl, err := template.New(filepath.Base(path)).Parse(string(contents))
	if err != nil {
		if pages.Logger != nil {
			pages.Logger.WithError(err).WithField("path", path).Warning("Unable to parse error page template, using built-in")
		}
		return nil
	}

	return tmpl
}

//Render produces the error page body for a status code.
// requestURL may be empty when no URL applies to the error
func (pages *ErrorPages) Render(code int, requestURL string) []byte {
	description, ok := errorDescriptions[code]
	if !ok {
		description = "An unexpected error occurred."
	}

	data := errorPageData{
		Code:        code,
		Status:      http.StatusText(code),
		Description: description,
		URL:         requestURL,
	}

	tmpl := pages.generic
	if override, ok := pages.overrides[code]; ok {
		tmpl = override
	}

	buf := &bytes.Buffer{}
	if err := tmpl.Execute(buf, data); err != nil {
		if pages.Logger != nil {
			pages.Logger.WithError(err).WithField("code", code).Error("Unable to render error page")
		}

		buf.Reset()
		//The built-in template can't fail on this data
		fallbackErrorTemplate.Execute(buf, data)
	}

	return buf.Bytes()
}
