package wizard

import "html/template"

const pageHead = `<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>SiteFinder</title>
<style>
body{font-family:system-ui,sans-serif;margin:1rem;color:#222}
iframe{width:100%;border:0;display:block}
.state{padding:1rem;border:1px solid #ddd;border-radius:4px;background:#fafafa}
.state.error{border-color:#e0a0a0;background:#fff4f4}
tr.highlighted{background-color:red}
[data-site]{cursor:pointer}
[data-site].highlighted{fill:red}
</style>
<script src="/static/sitefinder.js" defer></script>
</head>`

var formTmpl = template.Must(template.New("form").Parse(pageHead + `
<body data-role="form">
<header><h1>SiteFinder</h1></header>
<form action="/transcripts" method="post">
  <label>Species <input type="text" name="species" value="{{.Species}}" required></label>
  <label>Gene <input type="text" name="gene" value="{{.Gene}}" required></label>
  <input type="submit" value="Find transcripts">
</form>
</body></html>`))

var transcriptsTmpl = template.Must(template.New("transcripts").Parse(pageHead + `
<body data-role="transcripts">
<header><h1>Select RefSeq ID</h1></header>
{{- if .Candidates}}
<p>For {{.Request.Species}} gene {{.Request.Gene}}, the following RefSeq transcripts were found. Please pick one:</p>
{{- else}}
<p class="state">No RefSeq transcripts were found for {{.Request.Species}} gene {{.Request.Gene}}.</p>
{{- end}}
<form action="/results" method="post" target="results">
  <input type="hidden" name="species" value="{{.Request.Species}}">
  <select name="refSeqId" size="5">
  {{- range .Candidates}}
    <option value="{{.RefSeqID}}">{{.RefSeqID}}</option>
  {{- end}}
  </select><br>
  Display only the top <input type="text" name="numberOfSites" value="{{.Request.NumberOfSites}}" size="7"> sites (enter -1 to show all)<br>
  Only search the 5' <input type="text" name="percentage" value="{{.Request.Percentage}}" size="7">% of the transcript for valid sites<br>
  Include <input type="text" name="aroundStart" value="{{.Request.AroundStart}}" size="7"> nucleotides around the start codon as valid target sites (max. 100)<br>
  <input type="submit" value="Plot CRISPR sites"{{if not .Candidates}} disabled{{end}}>
</form>
<iframe name="results" id="results" data-frame="results"></iframe>
</body></html>`))

var resultsTmpl = template.Must(template.New("results").Parse(pageHead + `
<body data-role="results"{{if eq .Status "ready"}} data-view="{{.ID}}"{{end}}>
{{- if eq .Status "ready"}}
<p>{{.Request.RefSeqID}} ({{.Request.Species}}): {{.Sites}} sites{{if .Orphans}}, {{.Orphans}} shown in the diagram only{{end}}.</p>
<iframe id="diagram" data-frame="diagram" src="/views/{{.ID}}/diagram"></iframe>
<iframe id="table" data-frame="table" src="/views/{{.ID}}/table"></iframe>
{{- else if eq .Status "no_sites"}}
<p class="state">No sites found for {{.Request.RefSeqID}}.</p>
{{- else if eq .Status "timed_out"}}
<p class="state error">The analysis of {{.Request.RefSeqID}} is still processing or failed: its results did not appear in time.</p>
{{- else if eq .Status "processing"}}
<p class="state">Still processing.</p>
{{- else}}
<p class="state error">The analysis of {{.Request.RefSeqID}} failed.</p>
{{- end}}
</body></html>`))

var paneTmpl = template.Must(template.New("pane").Parse(pageHead + `
<body data-role="pane" data-view="{{.ID}}" data-pane="{{.Pane}}">
{{.Content}}
</body></html>`))

var errorTmpl = template.Must(template.New("error").Parse(pageHead + `
<body data-role="error">
<p class="state error">{{.}}</p>
</body></html>`))
