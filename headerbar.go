package waybackproxy

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

//bodyTagRegex finds the opening body tag, the header bar is injected right after it
var bodyTagRegex = regexp.MustCompile(`(?i)<body[^>]*>`)

//headerBarTemplate is the injected overlay fragment.
// It must render on IE4/IE5 era browsers: table layout, inline styles, no
// modern DOM APIs and no let/const/arrow functions in the script
var headerBarTemplate = template.Must(template.New("headerbar").Parse(`<div id="wbHeaderBar" style="position:absolute;{{.PositionCSS}};left:0;width:100%;background:#0e0e1a;color:#e0e0e0;font-family:Courier New,monospace;font-size:11px;border-{{.BorderEdge}}:1px solid #505070;z-index:9999">
<table width="100%" cellpadding="2" cellspacing="0" border="0"><tr>
<td align="left"><b>{{.Text}}</b></td>
<td align="center">{{.URL}}</td>
<td align="center">Archived: {{.Date}}</td>
<td align="right">{{if .Selector}}Speed: <select id="wbSpeedSel" style="font-family:Courier New,monospace;font-size:11px;background:#12122a;color:#e0e0e0;border:1px solid #505070">
{{range .Tiers}}<option value="{{.Value}}"{{if .Selected}} selected{{end}}>{{.Label}}</option>
{{end}}</select>{{else}}Speed: {{.Speed}}{{end}}</td>
</tr></table>
</div>
{{if .Selector}}<script language="JavaScript">
<!--
var wbSel=document.getElementById?document.getElementById("wbSpeedSel"):null;
if(wbSel){
  wbSel.onchange=function(){
    var v=wbSel.options[wbSel.selectedIndex].value;
    document.cookie="{{.CookieName}}="+v+";path=/";
    window.location.reload();
  };
}
// -->
</script>
{{end}}`))

type headerBarTier struct {
	Value    string
	Label    string
	Selected bool
}

type headerBarData struct {
	PositionCSS string
	BorderEdge  string
	Text        string
	URL         string
	Date        string
	Speed       string
	Selector    bool
	Tiers       []headerBarTier
	CookieName  string
}

//The HeaderBar renders the overlay shown on served HTML pages.
// Injection happens after cache retrieval so cached bytes stay identical
// across header bar config changes
type HeaderBar struct {
	//Position is "top" or "bottom"
	Position string

	//Text is the branding text in the left cell
	Text string

	//SpeedSelector enables the dropdown that writes the wayback_speed cookie
	SpeedSelector bool
}

//Render produces the bar fragment for a page
func (bar *HeaderBar) Render(pageURL, archiveDate, speed string) (string, error) {
	data := headerBarData{
		PositionCSS: "top:0",
		BorderEdge:  "bottom",
		Text:        bar.Text,
		URL:         pageURL,
		Date:        formatArchiveDate(archiveDate),
		Speed:       speed,
		Selector:    bar.SpeedSelector,
		CookieName:  SpeedCookieName,
	}

	if bar.Position == "bottom" {
		data.PositionCSS = "bottom:0"
		data.BorderEdge = "top"
	}

	if bar.SpeedSelector {
		for _, name := range SpeedTierNames() {
			data.Tiers = append(data.Tiers, headerBarTier{
				Value:    name,
				Label:    name,
				Selected: name == speed,
			})
		}
	}

	buf := &bytes.Buffer{}
	if err := headerBarTemplate.Execute(buf, data); err != nil {
		return "", fmt.Errorf("unable to render header bar: %w", err)
	}

	return buf.String(), nil
}

//Inject inserts the rendered bar right after the opening body tag.
// Bodies without a body tag get the bar prepended
func (bar *HeaderBar) Inject(body []byte, fragment string) []byte {
	if fragment == "" {
		return body
	}

	location := bodyTagRegex.FindIndex(body)
	if location == nil {
		return append([]byte(fragment+"\n"), body...)
	}

	injected := make([]byte, 0, len(body)+len(fragment)+2)
	injected = append(injected, body[:location[1]]...)
	injected = append(injected, '\n')
	injected = append(injected, []byte(fragment)...)
	injected = append(injected, '\n')
	injected = append(injected, body[location[1]:]...)

	return injected
}

//formatArchiveDate renders YYYYMMDD[HHMMSS] as YYYY-MM-DD
func formatArchiveDate(date string) string {
	if len(date) < 8 {
		return date
	}

	digits := strings.TrimFunc(date[:8], func(r rune) bool { return r < '0' || r > '9' })
	if len(digits) != 8 {
		return date
	}

	return digits[:4] + "-" + digits[4:6] + "-" + digits[6:8]
}
