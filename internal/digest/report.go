package digest

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/mikey/mail-triage/internal/core"
)

// Report is the content of one flushed window
type Report struct {
	Kind             Kind
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Total            int
	CountsByTier     map[core.Tier]int
	CountsByCategory map[string]int
	TopVIPSenders    []NameCount
	Items            []Item
}

// NameCount pairs a sender or category with a message count
type NameCount struct {
	Name  string
	Count int
}

// TierGroup is the items of one tier, for rendering
type TierGroup struct {
	Tier  core.Tier
	Title string
	Items []Item
}

func newReport(kind Kind, start, end time.Time, items []Item, topN int) *Report {
	r := &Report{
		Kind:             kind,
		PeriodStart:      start,
		PeriodEnd:        end,
		Total:            len(items),
		CountsByTier:     make(map[core.Tier]int),
		CountsByCategory: make(map[string]int),
		Items:            append([]Item(nil), items...),
	}
	sortItems(r.Items)

	vip := make(map[string]int)
	for _, it := range r.Items {
		r.CountsByTier[it.Tier]++
		category := it.Category
		if category == "" {
			category = "Other"
		}
		r.CountsByCategory[category]++
		if it.VIP {
			vip[it.Sender]++
		}
	}

	for sender, n := range vip {
		r.TopVIPSenders = append(r.TopVIPSenders, NameCount{Name: sender, Count: n})
	}
	sort.Slice(r.TopVIPSenders, func(i, j int) bool {
		a, b := r.TopVIPSenders[i], r.TopVIPSenders[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Name < b.Name
	})
	if topN > 0 && len(r.TopVIPSenders) > topN {
		r.TopVIPSenders = r.TopVIPSenders[:topN]
	}
	return r
}

// Empty reports whether there is nothing to send
func (r *Report) Empty() bool {
	return r == nil || r.Total == 0
}

// Title is the subject line of the digest
func (r *Report) Title() string {
	kind := string(r.Kind)
	return fmt.Sprintf("Your %s Email Digest (%s)",
		strings.ToUpper(kind[:1])+kind[1:], r.PeriodEnd.Format("2006-01-02"))
}

// Groups returns the non-empty tier groups, most severe first
func (r *Report) Groups() []TierGroup {
	var groups []TierGroup
	for _, tier := range core.AllTiers {
		var items []Item
		for _, it := range r.Items {
			if it.Tier == tier {
				items = append(items, it)
			}
		}
		if len(items) > 0 {
			groups = append(groups, TierGroup{Tier: tier, Title: groupTitle(tier), Items: items})
		}
	}
	return groups
}

// Categories returns category counts sorted by count then name
func (r *Report) Categories() []NameCount {
	out := make([]NameCount, 0, len(r.CountsByCategory))
	for c, n := range r.CountsByCategory {
		out = append(out, NameCount{Name: c, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func groupTitle(t core.Tier) string {
	switch t {
	case core.TierCritical:
		return "Critical Emails"
	case core.TierHigh:
		return "High Priority"
	case core.TierNormal:
		return "Normal Priority"
	default:
		return "Low Priority"
	}
}

var funcs = template.FuncMap{
	"date": func(t time.Time) string { return t.Format("2006-01-02 15:04") },
	"tier": func(t core.Tier) string { return t.String() },
}

var textTmpl = template.Must(template.New("digest").Funcs(funcs).Parse(
	`{{.Title}}
Period: {{date .PeriodStart}} to {{date .PeriodEnd}}
Messages: {{.Total}}{{range $t := .Groups}} | {{$t.Title}}: {{len $t.Items}}{{end}}
{{- if .TopVIPSenders}}
Top VIP senders:{{range .TopVIPSenders}} {{.Name}} ({{.Count}}){{end}}
{{- end}}
{{range .Groups}}
== {{.Title}} ==
{{range .Items}}
- {{.Subject}}
  From: {{.From}}
  Time: {{date .ReceivedAt}}{{if .Category}} | {{.Category}}{{end}}
  {{.Summary}}
{{end}}{{end}}`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("digest").Funcs(htmltemplate.FuncMap(funcs)).Parse(`<html>
<head>
<style>
body { font-family: Arial, sans-serif; margin: 0; padding: 20px; color: #333; }
.container { max-width: 600px; margin: 0 auto; }
h1 { color: #2c3e50; border-bottom: 1px solid #eee; padding-bottom: 10px; }
h2 { color: #3498db; margin-top: 20px; }
.email-summary { border: 1px solid #ddd; padding: 15px; margin-bottom: 15px; border-radius: 5px; }
.priority-critical { border-left: 5px solid #e74c3c; }
.priority-high { border-left: 5px solid #f39c12; }
.priority-normal { border-left: 5px solid #3498db; }
.priority-low { border-left: 5px solid #95a5a6; }
.meta { color: #7f8c8d; font-size: 0.9em; margin-bottom: 5px; }
.summary { line-height: 1.5; }
</style>
</head>
<body>
<div class="container">
<h1>{{.Title}}</h1>
<p>Here's a summary of your emails from {{date .PeriodStart}} to {{date .PeriodEnd}}: {{.Total}} messages.</p>
{{- if .TopVIPSenders}}
<p><strong>Top VIP senders:</strong>{{range $i, $s := .TopVIPSenders}}{{if $i}},{{end}} {{$s.Name}} ({{$s.Count}}){{end}}</p>
{{- end}}
<p><strong>Categories:</strong>{{range $i, $c := .Categories}}{{if $i}},{{end}} {{$c.Name}} ({{$c.Count}}){{end}}</p>
{{- range .Groups}}
<h2>{{.Title}}</h2>
{{- $class := tier .Tier}}
{{- range .Items}}
<div class="email-summary priority-{{$class}}">
<div class="meta"><strong>From:</strong> {{.From}}</div>
<div class="meta"><strong>Subject:</strong> {{.Subject}}</div>
<div class="meta"><strong>Time:</strong> {{date .ReceivedAt}}</div>
<div class="summary"><strong>Summary:</strong> {{.Summary}}</div>
</div>
{{- end}}
{{- end}}
</div>
</body>
</html>
`))

// Text renders the plain-text digest
func (r *Report) Text() (string, error) {
	var buf bytes.Buffer
	if err := textTmpl.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("render digest text: %w", err)
	}
	return buf.String(), nil
}

// HTML renders the HTML digest
func (r *Report) HTML() (string, error) {
	var buf bytes.Buffer
	if err := htmlTmpl.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("render digest html: %w", err)
	}
	return buf.String(), nil
}
