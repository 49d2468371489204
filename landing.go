package waybackproxy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/dylandreimerink/waybackproxy/cache"
	"github.com/sirupsen/logrus"
)

//fallbackLandingTemplate is the built-in page shown to browsers that hit the
// proxy directly instead of using it as their HTTP proxy
var fallbackLandingTemplate = template.Must(template.New("landing").Parse(`<html>
<head><title>Wayback Cache Proxy</title></head>
<body bgcolor="#0e0e1a" text="#e0e0e0" link="#8080ff" vlink="#b080ff">
<center>
<table width="560" cellpadding="8" cellspacing="0" border="0">
<tr><td align="center">
<font face="Courier New, monospace">
<h1>Wayback Cache Proxy</h1>
<hr noshade size="1" color="#505070">
<p>This machine serves the web as it looked around <b>{{.TargetDate}}</b>.</p>
<p>Point your browser's HTTP proxy setting at this host and start surfing.</p>
<p>Connection speed: <b>{{.Speed}}</b></p>
{{if .MostViewed}}<hr noshade size="1" color="#505070">
<h3>Most viewed sites</h3>
<table cellpadding="2" cellspacing="0" border="0">
{{range .MostViewed}}<tr><td align="left"><tt>{{.Domain}}</tt></td><td align="right"><tt>{{.Views}}</tt></td></tr>
{{end}}</table>
{{end}}<hr noshade size="1" color="#505070">
<p><small>Snapshots courtesy of the Internet Archive Wayback Machine</small></p>
</font>
</td></tr>
</table>
</center>
</body>
</html>
`))

type landingData struct {
	TargetDate string
	Speed      string
	MostViewed []landingViewEntry
}

type landingViewEntry struct {
	Domain string
	Views  int64
}

//The LandingPage is served on origin-form requests to the proxy's own host.
// A landing.html in the error pages directory overrides the built-in template
type LandingPage struct {
	template *template.Template
	Store    *cache.Store
	Logger   *logrus.Logger
}

//NewLandingPage loads the landing template, preferring dir/landing.html when
// present and parsable
func NewLandingPage(dir string, store *cache.Store, logger *logrus.Logger) *LandingPage {
	page := &LandingPage{
		template: fallbackLandingTemplate,
		Store:    store,
		Logger:   logger,
	}

	if dir == "" {
		return page
	}

	path := filepath.Join(dir, "landing.html")
	contents, err := os.ReadFile(path)
	if err != nil {
		return page
	}

	tmpl, err := template.New("landing.html").Parse(string(contents))
	if err != nil {
		if logger != nil {
			logger.WithError(err).WithField("path", path).Warning("Unable to parse landing page template, using built-in")
		}
		return page
	}

	page.template = tmpl
	return page
}

//Render produces the landing page body using the current config snapshot.
// The most-viewed list comes from the view counters, an unreachable Redis just
// leaves the list empty
func (page *LandingPage) Render(ctx context.Context, conf *Config) []byte {
	data := landingData{
		TargetDate: formatArchiveDate(conf.Proxy.TargetDate),
		Speed:      conf.Throttle.Speed,
	}

	count := conf.LandingPage.MostViewedCount
	if count <= 0 {
		count = 10
	}

	if page.Store != nil {
		views, err := page.Store.TopViews(ctx, count)
		if err == nil {
			for _, view := range views {
				data.MostViewed = append(data.MostViewed, landingViewEntry{
					Domain: view.Domain,
					Views:  view.Count,
				})
			}
		}
	}

	buf := &bytes.Buffer{}
	if err := page.template.Execute(buf, data); err != nil {
		if page.Logger != nil {
			page.Logger.WithError(err).Error("Unable to render landing page")
		}

		buf.Reset()
		fmt.Fprintf(buf, "<html><body><h1>Wayback Cache Proxy</h1><p>Serving the web of %s</p></body></html>", data.TargetDate)
	}

	return buf.Bytes()
}
