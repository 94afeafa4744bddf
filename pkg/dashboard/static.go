package dashboard

// getStaticAsset returns a static asset by name.
// Returns the content, content type, and whether the asset was found.
func getStaticAsset(name string) (content string, contentType string, ok bool) {
	switch name {
	case "style.css":
		return cssStyles, "text/css", true
	case "app.js":
		return jsApp, "application/javascript", true
	default:
		return "", "", false
	}
}

const cssStyles = `
:root {
    --color-success: #10b981;
    --color-warning: #f59e0b;
    --color-error: #ef4444;
    --color-bg-card: #1f2937;
    --color-border: #374151;
    --color-text-muted: #9ca3af;
}

.mono {
    font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, Consolas, monospace;
}

.nav-link {
    padding: 0.5rem 0.75rem;
    border-radius: 0.375rem;
    font-size: 0.875rem;
    color: #d1d5db;
}
.nav-link:hover, .nav-link.active {
    background: #111827;
    color: #fff;
}

.card {
    background: var(--color-bg-card);
    border: 1px solid var(--color-border);
    border-radius: 0.5rem;
    padding: 1rem;
}
.card .label {
    color: var(--color-text-muted);
    font-size: 0.75rem;
    text-transform: uppercase;
}
.card .value {
    font-size: 1.5rem;
    font-weight: 600;
}

table td, table th {
    padding: 0.5rem 0.75rem;
}
a { color: #60a5fa; }

.status-ok { color: var(--color-success); }
.status-faulted { color: var(--color-error); }
.status-failed { color: var(--color-warning); }

.detail {
    display: grid;
    grid-template-columns: max-content 1fr;
    gap: 0.25rem 1.5rem;
}
.detail dt { color: var(--color-text-muted); }

.output {
    background: var(--color-bg-card);
    border: 1px solid var(--color-border);
    border-radius: 0.5rem;
    padding: 1rem;
    max-height: 32rem;
    overflow: auto;
}

.btn {
    display: inline-block;
    padding: 0.375rem 0.75rem;
    border: 1px solid var(--color-border);
    border-radius: 0.375rem;
}
`

const jsApp = `
(function () {
    function updateTime() {
        var el = document.getElementById('current-time');
        if (el) el.textContent = new Date().toUTCString();
    }
    updateTime();
    setInterval(updateTime, 1000);

    // The overview refreshes while runs are arriving.
    if (location.pathname === '/') {
        var latest = null;
        setInterval(function () {
            fetch('/api/status').then(function (r) { return r.json(); }).then(function (s) {
                if (latest !== null && s.latestSeq !== latest) location.reload();
                latest = s.latestSeq;
            }).catch(function () {});
        }, 5000);
    }
})();
`
