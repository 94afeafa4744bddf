package dashboard

// HTML templates for the dashboard pages.

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>lanevm</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <link rel="stylesheet" href="/static/style.css">
</head>
<body class="bg-gray-900 text-gray-100 min-h-screen">
    <nav class="bg-gray-800 border-b border-gray-700 sticky top-0 z-50">
        <div class="container mx-auto px-4">
            <div class="flex items-center h-16 space-x-8">
                <a href="/" class="text-xl font-bold text-white">lanevm</a>
                <a href="/" class="nav-link {{if eq .PageName "home"}}active{{end}}">Overview</a>
                <a href="/runs" class="nav-link {{if or (eq .PageName "runs") (eq .PageName "run")}}active{{end}}">Runs</a>
                <a href="/programs" class="nav-link {{if or (eq .PageName "programs") (eq .PageName "program")}}active{{end}}">Programs</a>
            </div>
        </div>
    </nav>

    <main class="container mx-auto px-4 py-6">
        {{.Content}}
    </main>

    <footer class="bg-gray-800 border-t border-gray-700 mt-8 py-4">
        <div class="container mx-auto px-4 text-center text-gray-400 text-sm">
            lanevm | <span id="current-time"></span>
        </div>
    </footer>
    <script src="/static/app.js"></script>
</body>
</html>`

const runRowsTemplate = `{{define "runRows"}}
<table class="w-full text-sm">
    <thead class="text-gray-400 text-left">
        <tr><th>Seq</th><th>Run</th><th>Program</th><th>Mode</th><th>Lanes</th><th>Status</th><th>Steps</th><th>Elapsed</th><th>Started</th></tr>
    </thead>
    <tbody>
    {{range .}}
        <tr class="border-t border-gray-700">
            <td>{{.Seq}}</td>
            <td class="mono"><a href="/runs/{{.ID}}">{{truncateHash .ID 4}}</a></td>
            <td class="mono"><a href="/programs/{{.Program}}">{{truncateHash .Program.String 6}}</a></td>
            <td>{{.Mode}}</td>
            <td>{{if .Lanes}}{{.Lanes}}{{else}}-{{end}}</td>
            <td class="status-{{.Status}}">{{.Status}}</td>
            <td>{{formatNumber .Steps}}</td>
            <td>{{formatElapsed .Elapsed}}</td>
            <td>{{formatTime .Started}}</td>
        </tr>
    {{else}}
        <tr><td colspan="9" class="text-gray-400 py-4">No runs recorded</td></tr>
    {{end}}
    </tbody>
</table>
{{end}}`

const homeTemplate = `<h1 class="text-2xl font-bold mb-6">Overview</h1>
<div class="grid grid-cols-2 md:grid-cols-4 gap-4 mb-8">
    <div class="card"><div class="label">Backend</div><div class="value">{{if .Backend}}{{.Backend}}{{else}}none{{end}}</div></div>
    <div class="card"><div class="label">Programs</div><div class="value">{{formatNumber .Programs}}</div></div>
    <div class="card"><div class="label">Runs</div><div class="value">{{formatNumber .Runs}}</div></div>
    <div class="card"><div class="label">Faulted</div><div class="value">{{formatNumber .Faulted}}{{if .FaultRate}} ({{formatNumber .FaultRate}}%){{end}}</div></div>
    <div class="card"><div class="label">Uptime</div><div class="value">{{formatDuration .Uptime}}</div></div>
    <div class="card"><div class="label">History size</div><div class="value">{{if .DatabaseSize}}{{formatBytes .DatabaseSize}}{{else}}-{{end}}</div></div>
</div>
<h2 class="text-xl font-bold mb-4">Recent runs</h2>
{{template "runRows" .RecentRuns}}`

const runsTemplate = `<h1 class="text-2xl font-bold mb-6">Runs{{if .Program}} of <span class="mono">{{truncateHash .Program 8}}</span>{{end}}</h1>
{{template "runRows" .Runs}}
<div class="mt-4">
    {{if .NextBefore}}<a class="btn" href="/runs?before={{.NextBefore}}{{if .Program}}&program={{.Program}}{{end}}">Older</a>{{end}}
</div>`

const runDetailTemplate = `<h1 class="text-2xl font-bold mb-6">Run <span class="mono">{{.ID}}</span></h1>
<dl class="detail">
    <dt>Sequence</dt><dd>{{.Seq}}</dd>
    <dt>Program</dt><dd class="mono"><a href="/programs/{{.Program}}">{{.Program}}</a></dd>
    <dt>Mode</dt><dd>{{.Mode}}</dd>
    <dt>Status</dt><dd class="status-{{.Status}}">{{.Status}}</dd>
    {{if .Platform}}<dt>Platform</dt><dd>{{.Platform}}</dd>{{end}}
    {{if .Placement}}<dt>Placement</dt><dd>{{.Placement}}</dd>{{end}}
    {{if .Lanes}}<dt>Lanes</dt><dd>{{.Lanes}} (group {{.GroupSize}})</dd>{{end}}
    <dt>Started</dt><dd>{{formatTime .Started}}</dd>
    <dt>Elapsed</dt><dd>{{formatElapsed .Elapsed}}</dd>
    <dt>Steps</dt><dd>{{.Steps}}</dd>
    {{if .Error}}<dt>Error</dt><dd class="status-faulted">{{.Error}}</dd>{{end}}
</dl>
{{if .Printed}}
<h2 class="text-xl font-bold mt-6 mb-2">Printed</h2>
<pre class="mono output">{{range $lane, $row := .Printed}}{{if $row}}{{$lane}}: {{words $row}}
{{end}}{{end}}</pre>
{{end}}`

const programsTemplate = `<h1 class="text-2xl font-bold mb-6">Programs</h1>
<table class="w-full text-sm">
    <thead class="text-gray-400 text-left">
        <tr><th>ID</th><th>Words</th><th>Entry</th><th>Stored</th><th>Compressed</th></tr>
    </thead>
    <tbody>
    {{range .Programs}}
        <tr class="border-t border-gray-700">
            <td class="mono"><a href="/programs/{{.ID}}">{{.ID}}</a></td>
            <td>{{.Words}}</td>
            <td>{{.Entry}}</td>
            <td>{{formatBytes (int64 .Size)}}</td>
            <td>{{if .Compressed}}yes{{else}}no{{end}}</td>
        </tr>
    {{else}}
        <tr><td colspan="5" class="text-gray-400 py-4">No programs stored</td></tr>
    {{end}}
    </tbody>
</table>`

const programDetailTemplate = `<h1 class="text-2xl font-bold mb-6">Program <span class="mono">{{.ID}}</span></h1>
<dl class="detail">
    <dt>Words</dt><dd>{{.Words}}</dd>
    <dt>Entry</dt><dd>{{.EntryIP}}</dd>
    <dt>Compressed</dt><dd>{{if .Compressed}}yes{{else}}no{{end}}</dd>
    <dt>Runs</dt><dd><a href="/runs?program={{.ID}}">{{.Runs}}</a></dd>
</dl>
<h2 class="text-xl font-bold mt-6 mb-2">Listing</h2>
<pre class="mono output">{{.Disassembly}}</pre>`
