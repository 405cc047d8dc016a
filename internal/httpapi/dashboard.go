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
  <title>relaycal meetings</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 16px;
    }

    h1 { margin: 0 0 8px; font-size: 1.4rem; }

    .controls { display: grid; grid-template-columns: 2fr 1fr 1fr auto; gap: 8px; }

    input, select, button {
      font: inherit;
      padding: 8px 10px;
      border-radius: 8px;
      border: 1px solid var(--line);
      background: #fff;
    }

    button { background: var(--accent); color: #fff; border: none; cursor: pointer; }

    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }

    .status { font-family: "IBM Plex Mono", Menlo, Consolas, monospace; }
    .status-pending, .status-joining { color: var(--warn); }
    .status-joined, .status-completed { color: var(--accent); }
    .status-spawn_failed, .status-missed, .status-declined, .status-cancelled { color: var(--danger); }

    .note { color: var(--muted); font-size: 0.85rem; margin-top: 8px; }

    @media (max-width: 700px) {
      .controls { grid-template-columns: 1fr; }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>Meetings</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (meetings:read)" autocomplete="off" />
        <input id="project" type="text" placeholder="project" autocomplete="off" />
        <select id="status">
          <option value="">any status</option>
          <option>pending</option>
          <option>joining</option>
          <option>joined</option>
          <option>spawn_failed</option>
          <option>missed</option>
          <option>declined</option>
          <option>cancelled</option>
          <option>completed</option>
        </select>
        <button id="refresh" type="button">Refresh</button>
      </div>
      <div class="note" id="statusMessage">enter token to start</div>
    </section>

    <section class="panel">
      <table>
        <thead>
          <tr><th>ID</th><th>Start (UTC)</th><th>Project</th><th>Title</th><th>Platform</th><th>Status</th></tr>
        </thead>
        <tbody id="rows"></tbody>
      </table>
    </section>
  </main>

  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        project: document.getElementById("project"),
        status: document.getElementById("status"),
        refresh: document.getElementById("refresh"),
        rows: document.getElementById("rows"),
        message: document.getElementById("statusMessage"),
      };

      function cell(text, className) {
        const td = document.createElement("td");
        td.textContent = text;
        if (className) {
          td.className = className;
        }
        return td;
      }

      async function refresh() {
        const token = dom.token.value.trim();
        if (!token) {
          dom.message.textContent = "enter token to start";
          return;
        }
        const params = new URLSearchParams({ limit: "100" });
        if (dom.project.value.trim()) {
          params.set("project", dom.project.value.trim());
        }
        if (dom.status.value) {
          params.set("status", dom.status.value);
        }
        try {
          const resp = await fetch("/v1/meetings?" + params.toString(), {
            headers: { "Authorization": "Bearer " + token, "X-Correlation-Id": "dashboard_" + Date.now() },
          });
          const body = await resp.json();
          if (!resp.ok) {
            throw new Error(body.message || ("http " + resp.status));
          }
          dom.rows.innerHTML = "";
          (body.items || []).forEach((m) => {
            const tr = document.createElement("tr");
            tr.appendChild(cell(String(m.id)));
            tr.appendChild(cell(String(m.startTime || "").replace("T", " ").replace("Z", "")));
            tr.appendChild(cell(m.project || "-"));
            tr.appendChild(cell(m.title || "(untitled)"));
            tr.appendChild(cell(m.platform || "-"));
            tr.appendChild(cell(m.status, "status status-" + m.status));
            dom.rows.appendChild(tr);
          });
          dom.message.textContent = (body.items || []).length + " meetings, updated " + new Date().toLocaleTimeString();
          window.localStorage.setItem("relaycal_dashboard_token", token);
        } catch (err) {
          dom.message.textContent = String(err && err.message ? err.message : err);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.status.addEventListener("change", refresh);
      dom.project.addEventListener("change", refresh);
      dom.token.value = window.localStorage.getItem("relaycal_dashboard_token") || "";
      setInterval(refresh, 10000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
