package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>casebridge status</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1040px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    .bar { display: flex; gap: 10px; align-items: center; flex-wrap: wrap; }
    h1 { margin: 0; font-size: 1.4rem; flex: 1; }
    h2 { margin: 0 0 8px; font-size: 1rem; }
    input { padding: 6px 8px; border: 1px solid var(--line); border-radius: 8px; min-width: 220px; }
    button { padding: 6px 12px; border: 0; border-radius: 8px; background: var(--accent); color: #fff; cursor: pointer; }
    .grid { display: grid; gap: 14px; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); }
    .metric { font-size: 1.8rem; font-weight: 600; }
    .label { color: var(--muted); font-size: 0.85rem; }
    .ok { color: var(--accent); }
    .err { color: var(--danger); }
    .mono { font-family: "JetBrains Mono", Menlo, monospace; font-size: 0.82rem; }
    ul.feed { list-style: none; margin: 0; padding: 0; max-height: 360px; overflow: auto; }
    ul.feed li { padding: 4px 0; border-bottom: 1px dashed var(--line); }
  </style>
</head>
<body>
  <main class="shell">
    <header class="bar">
      <h1>casebridge</h1>
      <input id="token" type="password" placeholder="status token (optional)" />
      <button id="refresh">Refresh</button>
      <span id="statusMessage" class="label"></span>
    </header>

    <section class="grid">
      <article class="panel"><div class="label">Polling</div><div id="polling" class="metric">-</div></article>
      <article class="panel"><div class="label">Cases created</div><div id="created" class="metric">0</div></article>
      <article class="panel"><div class="label">Duplicates found</div><div id="duplicates" class="metric">0</div></article>
      <article class="panel"><div class="label">Skipped empty</div><div id="skipped" class="metric">0</div></article>
      <article class="panel"><div class="label">Errors</div><div id="errors" class="metric">0</div></article>
      <article class="panel"><div class="label">Conversion ratio</div><div id="ratio" class="metric">0</div></article>
      <article class="panel"><div class="label">Processed / hour</div><div id="rate" class="metric">0</div></article>
      <article class="panel"><div class="label">Uptime</div><div id="uptime" class="metric">-</div></article>
    </section>

    <section class="panel">
      <h2>Recent logs</h2>
      <ul id="logs" class="feed mono"></ul>
    </section>
  </main>

  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        statusMessage: document.getElementById("statusMessage"),
        polling: document.getElementById("polling"),
        created: document.getElementById("created"),
        duplicates: document.getElementById("duplicates"),
        skipped: document.getElementById("skipped"),
        errors: document.getElementById("errors"),
        ratio: document.getElementById("ratio"),
        rate: document.getElementById("rate"),
        uptime: document.getElementById("uptime"),
        logs: document.getElementById("logs"),
      };

      function cid(prefix) {
        return prefix + "_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(path) {
        const headers = { "X-Correlation-Id": cid("dash") };
        const token = dom.token.value.trim();
        if (token) {
          headers["Authorization"] = "Bearer " + token;
        }
        const response = await fetch(window.location.origin + path, { headers: headers });
        const data = await response.json();
        if (!response.ok) {
          throw new Error(response.status + " " + String(data.code || "error") + ": " + String(data.message || ""));
        }
        return data;
      }

      function formatUptime(seconds) {
        const h = Math.floor(seconds / 3600);
        const m = Math.floor((seconds % 3600) / 60);
        return h + "h " + m + "m";
      }

      function render(status) {
        const c = status.counters || {};
        dom.polling.textContent = status.polling_active ? "active" : "stopped";
        dom.polling.className = "metric " + (status.polling_active ? "ok" : "err");
        dom.created.textContent = String(c.cases_created || 0);
        dom.duplicates.textContent = String(c.duplicates_found || 0);
        dom.skipped.textContent = String(c.skipped_empty || 0);
        dom.errors.textContent = String(c.errors || 0);
        dom.ratio.textContent = Number(status.conversion_ratio || 0).toFixed(2);
        dom.rate.textContent = Number(status.processed_per_hour || 0).toFixed(1);
        dom.uptime.textContent = formatUptime(status.uptime_seconds || 0);
      }

      function renderLogs(entries) {
        dom.logs.innerHTML = "";
        (entries || []).forEach(function (entry) {
          const li = document.createElement("li");
          li.textContent = String(entry.time || "") + " [" + String(entry.level || "-") + "] " + String(entry.message || "");
          if (entry.level === "error" || entry.level === "warn") {
            li.className = "err";
          }
          dom.logs.appendChild(li);
        });
      }

      async function refresh() {
        try {
          const status = await request("/v1/status");
          render(status);
          const logs = await request("/v1/logs?limit=50");
          renderLogs(logs.entries);
          dom.statusMessage.textContent = "updated " + new Date().toLocaleTimeString();
          window.localStorage.setItem("casebridge_status_token", dom.token.value.trim());
        } catch (err) {
          dom.statusMessage.textContent = String(err.message || err);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.token.value = window.localStorage.getItem("casebridge_status_token") || "";
      window.setInterval(refresh, 5000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
