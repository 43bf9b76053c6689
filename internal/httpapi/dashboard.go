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
  <title>FieldSync Queue Inspector</title>
  <style>
    :root {
      --ink: #1c2430;
      --paper: #f6f7f9;
      --card: #ffffff;
      --line: #d8dde4;
      --accent: #2f6fed;
      --warn: #d98324;
      --danger: #c2483f;
      --ok: #1f9d6a;
      --muted: #6b7687;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Segoe UI", "Avenir Next", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }
    .shell { max-width: 1080px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 4px; color: var(--muted); font-size: 0.9rem; }
    .state {
      display: inline-block;
      padding: 4px 12px;
      border-radius: 999px;
      font-weight: 600;
      text-transform: uppercase;
      font-size: 0.8rem;
      color: #fff;
      background: var(--muted);
    }
    .state.synced { background: var(--ok); }
    .state.syncing { background: var(--accent); }
    .state.pending { background: var(--warn); }
    .state.offline { background: var(--muted); }
    .state.error { background: var(--danger); }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 8px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }
    button {
      border: 1px solid var(--line);
      border-radius: 8px;
      background: #fff;
      padding: 6px 12px;
      cursor: pointer;
    }
    button.primary { background: var(--accent); border-color: var(--accent); color: #fff; }
    .errors { color: var(--danger); font-size: 0.85rem; white-space: pre-line; }
    .meta { color: var(--muted); font-size: 0.85rem; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>FieldSync Queue Inspector</h1>
      <div class="sub">Offline action queues and sync status for this device.</div>
      <p>
        <span id="state" class="state">loading</span>
        <span id="summary" class="meta"></span>
      </p>
      <p>
        <button class="primary" id="syncNow">Sync Now</button>
        <span id="flash" class="meta"></span>
      </p>
      <div id="errors" class="errors"></div>
    </div>
    <div class="card">
      <table>
        <thead>
          <tr><th>Queue</th><th>Pending</th><th>Conflicts</th><th>Oldest</th><th>Next Retry</th><th></th></tr>
        </thead>
        <tbody id="queues"></tbody>
      </table>
    </div>
    <div class="card">
      <h1 style="font-size:1.1rem">Telemetry</h1>
      <table>
        <thead>
          <tr><th>When</th><th>Source</th><th>Type</th><th>Status</th><th>Message</th></tr>
        </thead>
        <tbody id="telemetry"></tbody>
      </table>
    </div>
  </div>
  <script>
    (() => {
      const dom = {
        state: document.getElementById("state"),
        summary: document.getElementById("summary"),
        errors: document.getElementById("errors"),
        queues: document.getElementById("queues"),
        telemetry: document.getElementById("telemetry"),
        syncNow: document.getElementById("syncNow"),
        flash: document.getElementById("flash"),
      };
      const correlationId = () =>
        (window.crypto && window.crypto.randomUUID) ? window.crypto.randomUUID() : String(Date.now());

      async function api(path, options) {
        const response = await fetch(path, options);
        if (!response.ok) {
          const body = await response.json().catch(() => ({}));
          throw new Error(body.message || response.statusText);
        }
        return response.json();
      }

      function fmtTime(value) {
        return value ? new Date(value).toLocaleTimeString() : "-";
      }

      async function refresh() {
        try {
          const status = await api("/v1/sync/status");
          dom.state.textContent = status.state;
          dom.state.className = "state " + status.state;
          dom.summary.textContent =
            status.pendingTotal + " pending, " + status.conflictTotal + " conflicts" +
            (status.lastSyncTime ? ", last sync " + fmtTime(status.lastSyncTime) : "");
          dom.errors.textContent = (status.errors || []).join("\n");
          dom.queues.innerHTML = "";
          for (const queue of status.queues || []) {
            const row = document.createElement("tr");
            row.innerHTML =
              "<td>" + queue.label + "</td>" +
              "<td>" + queue.pending + "</td>" +
              "<td>" + queue.conflicts + "</td>" +
              "<td>" + fmtTime(queue.oldestAt) + "</td>" +
              "<td>" + fmtTime(queue.nextRetry) + "</td>";
            const cell = document.createElement("td");
            const clear = document.createElement("button");
            clear.textContent = "Clear";
            clear.addEventListener("click", () => control("/v1/sync/queues/" + queue.key + "/clear"));
            cell.appendChild(clear);
            row.appendChild(cell);
            dom.queues.appendChild(row);
          }
          const telemetry = await api("/v1/sync/telemetry");
          dom.telemetry.innerHTML = "";
          for (const event of (telemetry.events || []).slice().reverse().slice(0, 20)) {
            const row = document.createElement("tr");
            row.innerHTML =
              "<td>" + fmtTime(event.createdAt) + "</td>" +
              "<td>" + event.source + "</td>" +
              "<td>" + event.type + "</td>" +
              "<td>" + event.status + "</td>" +
              "<td>" + (event.message || "") + "</td>";
            dom.telemetry.appendChild(row);
          }
        } catch (err) {
          dom.flash.textContent = err.message;
        }
      }

      async function control(path) {
        try {
          await api(path, { method: "POST", headers: { "X-Correlation-Id": correlationId() } });
          dom.flash.textContent = "";
        } catch (err) {
          dom.flash.textContent = err.message;
        }
        refresh();
      }

      dom.syncNow.addEventListener("click", () => control("/v1/sync/flush"));
      refresh();
      setInterval(refresh, 5000);
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
