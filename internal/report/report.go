package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/template"
	"time"
)

// Summary contains aggregated metrics about one harvest run.
type Summary struct {
	KeywordsDone     int `json:"keywords_done"`
	KeywordsFailed   int `json:"keywords_failed"`
	PagesFetched     int `json:"pages_fetched"`
	RecordsAccepted  int `json:"records_accepted"`
	RecordsDuplicate int `json:"records_duplicate"`
	RecordsSkipped   int `json:"records_skipped"`
	RecordsDropped   int `json:"records_dropped"`

	// ApproxTotals maps keyword to the approximate result count the engine
	// reported for it, 0 when the page carried none.
	ApproxTotals map[string]int64 `json:"approx_totals"`
	// Failures maps a failed keyword to the reason it was abandoned.
	Failures map[string]string `json:"failures"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// NewSummary returns a Summary with its maps initialized.
func NewSummary() Summary {
	return Summary{
		ApproxTotals: make(map[string]int64),
		Failures:     make(map[string]string),
	}
}

// WriteJSON writes the summary to the provided writer in JSON format.
func WriteJSON(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}

// WriteText writes a human-readable text summary to the provided writer.
func WriteText(w io.Writer, summary Summary) error {
	const textTmpl = `Harvest Run Summary
-------------------
Time:        {{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}
Duration:    {{.Duration}}
Keywords:    {{.KeywordsDone}} done, {{.KeywordsFailed}} failed
Pages:       {{.PagesFetched}} fetched
Records:     {{.RecordsAccepted}} accepted, {{.RecordsDuplicate}} duplicate, {{.RecordsSkipped}} skipped, {{.RecordsDropped}} dropped

Approximate totals:
{{- range $kw, $count := .ApproxTotals}}
  {{$kw}}: {{$count}}
{{- else}}
  None
{{- end}}

Failures:
{{- range $kw, $reason := .Failures}}
  {{$kw}}: {{$reason}}
{{- else}}
  None
{{- end}}
`

	t, err := template.New("textReport").Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("parse text template: %w", err)
	}

	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("render text summary: %w", err)
	}

	return nil
}

// WriteHTML writes a basic HTML report to the provided writer.
func WriteHTML(w io.Writer, summary Summary) error {
	const htmlTmpl = `<!DOCTYPE html>
<html>
<head>
<title>Harvest Run Report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
</style>
</head>
<body>
  <h1>Harvest Run Report</h1>
  <p><strong>Time:</strong> {{.StartTime.Format "2006-01-02 15:04:05"}} to {{.EndTime.Format "2006-01-02 15:04:05"}} ({{.Duration}})</p>

  <div class="stat-card">
    <div>Keywords Done</div>
    <div class="stat-val">{{.KeywordsDone}}</div>
  </div>
  <div class="stat-card">
    <div>Keywords Failed</div>
    <div class="stat-val" style="color: {{if gt .KeywordsFailed 0}}red{{else}}green{{end}};">{{.KeywordsFailed}}</div>
  </div>
  <div class="stat-card">
    <div>Records Accepted</div>
    <div class="stat-val">{{.RecordsAccepted}}</div>
  </div>
  <div class="stat-card">
    <div>Duplicates</div>
    <div class="stat-val">{{.RecordsDuplicate}}</div>
  </div>

  <h3>Approximate Totals</h3>
  <table>
    <tr><th>Keyword</th><th>Results</th></tr>
    {{- range $kw, $count := .ApproxTotals}}
    <tr><td>{{$kw}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>

  <h3>Failures</h3>
  <table>
    <tr><th>Keyword</th><th>Reason</th></tr>
    {{- range $kw, $reason := .Failures}}
    <tr><td>{{$kw}}</td><td>{{$reason}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>
</body>
</html>
`
	t, err := template.New("htmlReport").Parse(htmlTmpl)
	if err != nil {
		return fmt.Errorf("parse html template: %w", err)
	}

	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("render html summary: %w", err)
	}

	return nil
}
