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
  <title>CrewChat Operations Board</title>
  <style>
    :root {
      --ink: #17202b;
      --paper: #f4f6fa;
      --card: #ffffff;
      --line: #d4dbe6;
      --accent: #2e6fdb;
      --accent-2: #d98e2b;
      --danger: #c2483f;
      --muted: #68748a;
      --shadow: 0 16px 32px rgba(23, 32, 43, 0.12);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Inter", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(1000px 460px at -5% -10%, rgba(46, 111, 219, 0.14), transparent 60%),
        radial-gradient(900px 460px at 110% -10%, rgba(217, 142, 43, 0.12), transparent 65%),
        linear-gradient(140deg, #f7f9fd 0%, #eef2f8 50%, #ffffff 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1180px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
      animation: rise 420ms ease-out;
    }

    .bar {
      background: linear-gradient(140deg, #ffffff, #f4f7fc);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 {
      margin: 0;
      font-size: clamp(1.2rem, 2vw, 1.7rem);
      letter-spacing: 0.02em;
    }

    .sub {
      margin-top: 6px;
      color: var(--muted);
      font-size: 0.9rem;
    }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.6fr 0.6fr 0.6fr;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      background: #ffffff;
      color: var(--ink);
      padding: 10px 12px;
      font-size: 0.92rem;
      outline: none;
    }

    .controls input:focus {
      border-color: var(--accent);
      box-shadow: 0 0 0 3px rgba(46, 111, 219, 0.14);
    }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 12px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
      transition: transform 120ms ease, opacity 120ms ease;
    }

    button:hover { transform: translateY(-1px); }
    button:active { transform: translateY(0); }

    .btn-primary {
      background: linear-gradient(125deg, var(--accent), #4f8ae6);
      color: #ffffff;
      box-shadow: 0 10px 18px rgba(46, 111, 219, 0.22);
    }

    .btn-secondary {
      background: linear-gradient(120deg, #eef1f7, #e6ebf4);
      color: var(--ink);
      border: 1px solid var(--line);
    }

    .cards {
      display: grid;
      gap: 10px;
      grid-template-columns: repeat(5, minmax(120px, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
      min-height: 84px;
      box-shadow: 0 8px 18px rgba(23, 32, 43, 0.07);
    }

    .label {
      text-transform: uppercase;
      letter-spacing: 0.09em;
      font-size: 0.66rem;
      color: var(--muted);
    }

    .value {
      margin-top: 6px;
      font-size: 1.15rem;
      font-weight: 700;
      line-height: 1.2;
      word-break: break-word;
    }

    .grid {
      display: grid;
      gap: 12px;
      grid-template-columns: 1.1fr 1fr;
    }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 12px;
      box-shadow: 0 10px 20px rgba(23, 32, 43, 0.07);
      min-height: 280px;
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 0.92rem;
      letter-spacing: 0.06em;
      text-transform: uppercase;
    }

    .feed {
      margin: 0;
      padding: 0;
      list-style: none;
      display: grid;
      gap: 8px;
      max-height: 420px;
      overflow: auto;
    }

    .feed li {
      border: 1px solid #dee4ee;
      border-left: 5px solid var(--accent);
      border-radius: 10px;
      padding: 9px 10px;
      background: #fbfcfe;
      font-size: 0.85rem;
      line-height: 1.35;
    }

    .feed li.edited { border-left-color: var(--accent-2); }
    .feed li.read { border-left-color: #4fa36a; }
    .feed li.reply { border-left-color: #8a6fd0; }

    .status-line {
      margin-top: 10px;
      font-size: 0.84rem;
      color: var(--muted);
      display: flex;
      flex-wrap: wrap;
      gap: 10px;
    }

    .mono {
      font-family: "IBM Plex Mono", "SFMono-Regular", Menlo, Consolas, monospace;
    }

    .ok { color: #0f8f53; }
    .warn { color: #b66a21; }
    .err { color: var(--danger); }

    @keyframes rise {
      from { opacity: 0; transform: translateY(8px); }
      to { opacity: 1; transform: translateY(0); }
    }

    @media (max-width: 900px) {
      .controls { grid-template-columns: 1fr; }
      .cards { grid-template-columns: repeat(2, minmax(120px, 1fr)); }
      .grid { grid-template-columns: 1fr; }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>CrewChat Operations Board</h1>
      <div class="sub">Store counters, the persisted event log, and the live websocket event feed.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token" autocomplete="off" />
        <button id="refresh" class="btn-primary" type="button">Refresh Now</button>
        <button id="toggle" class="btn-secondary" type="button">Pause Auto</button>
      </div>
      <div class="status-line">
        <span>API: <span class="mono" id="apiBase"></span></span>
        <span>Feed: <span id="feedState">disconnected</span></span>
        <span>Last: <span id="lastUpdated">never</span></span>
        <span id="statusMessage">idle</span>
      </div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Users</div><div id="userCount" class="value">-</div></article>
      <article class="card"><div class="label">Scopes</div><div id="scopeCount" class="value">-</div></article>
      <article class="card"><div class="label">Messages</div><div id="messageCount" class="value">-</div></article>
      <article class="card"><div class="label">Replies</div><div id="replyCount" class="value">-</div></article>
      <article class="card"><div class="label">Feed Subscribers</div><div id="subscriberCount" class="value">-</div></article>
    </section>

    <section class="grid">
      <article class="panel">
        <h2>Recent Events</h2>
        <ul id="eventRows" class="feed"></ul>
      </article>

      <article class="panel">
        <h2>Live Feed</h2>
        <ul id="liveRows" class="feed"></ul>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const store = {
        timer: null,
        intervalMs: 5000,
        paused: false,
        socket: null,
      };

      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        toggle: document.getElementById("toggle"),
        apiBase: document.getElementById("apiBase"),
        feedState: document.getElementById("feedState"),
        lastUpdated: document.getElementById("lastUpdated"),
        statusMessage: document.getElementById("statusMessage"),
        userCount: document.getElementById("userCount"),
        scopeCount: document.getElementById("scopeCount"),
        messageCount: document.getElementById("messageCount"),
        replyCount: document.getElementById("replyCount"),
        subscriberCount: document.getElementById("subscriberCount"),
        eventRows: document.getElementById("eventRows"),
        liveRows: document.getElementById("liveRows"),
      };

      function getBase() {
        return window.location.origin;
      }

      function getToken() {
        return dom.token.value.trim();
      }

      function cid(prefix) {
        return prefix + "_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(path) {
        const token = getToken();
        if (!token) {
          throw new Error("missing token");
        }
        const response = await fetch(getBase() + path, {
          headers: {
            "Authorization": "Bearer " + token,
            "X-Correlation-Id": cid("dash"),
          },
        });
        const text = await response.text();
        let data;
        try {
          data = JSON.parse(text);
        } catch (err) {
          throw new Error("non-json response: " + text.slice(0, 220));
        }
        if (!response.ok) {
          const code = data.code ? String(data.code) : "error";
          const msg = data.message ? String(data.message) : response.statusText;
          throw new Error(response.status + " " + code + ": " + msg);
        }
        return data;
      }

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      function eventClass(type) {
        if (type === "message.edited") { return "edited"; }
        if (type === "message.read") { return "read"; }
        if (type === "reply.created") { return "reply"; }
        return "";
      }

      function eventLine(ev) {
        const type = String(ev.type || "event");
        const scope = String(ev.scopeType || "-") + "/" + String(ev.scopeId || "-");
        const actor = String(ev.actorId || "-");
        const when = ev.timestamp ? String(ev.timestamp) : "-";
        return "[" + type + "] " + scope + " | actor=" + actor + " | msg=" + String(ev.messageId || "-") + " | " + when;
      }

      function renderEvents(target, list) {
        target.innerHTML = "";
        if (!Array.isArray(list) || list.length === 0) {
          const li = document.createElement("li");
          li.textContent = "No events";
          target.appendChild(li);
          return;
        }
        list.slice(0, 50).forEach((ev) => {
          const li = document.createElement("li");
          const cls = eventClass(String(ev.type || ""));
          if (cls) {
            li.classList.add(cls);
          }
          li.textContent = eventLine(ev);
          target.appendChild(li);
        });
      }

      function pushLive(ev) {
        const li = document.createElement("li");
        const cls = eventClass(String(ev.type || ""));
        if (cls) {
          li.classList.add(cls);
        }
        li.textContent = eventLine(ev);
        dom.liveRows.insertBefore(li, dom.liveRows.firstChild);
        while (dom.liveRows.children.length > 50) {
          dom.liveRows.removeChild(dom.liveRows.lastChild);
        }
      }

      function connectFeed() {
        const token = getToken();
        if (!token) {
          return;
        }
        if (store.socket) {
          store.socket.close();
          store.socket = null;
        }
        const proto = window.location.protocol === "https:" ? "wss:" : "ws:";
        const socket = new WebSocket(proto + "//" + window.location.host + "/v1/events/ws?token=" + encodeURIComponent(token));
        socket.onopen = function () {
          dom.feedState.textContent = "connected";
        };
        socket.onclose = function () {
          dom.feedState.textContent = "disconnected";
        };
        socket.onmessage = function (msg) {
          try {
            pushLive(JSON.parse(msg.data));
          } catch (err) {
            // ignore malformed frames
          }
        };
        store.socket = socket;
      }

      async function refresh() {
        setStatus("refreshing...", "warn");
        try {
          const [stats, events] = await Promise.all([
            request("/v1/stats"),
            request("/v1/events?limit=50"),
          ]);

          const s = stats.stats || {};
          dom.userCount.textContent = String(s.users || 0);
          dom.scopeCount.textContent = String(s.scopes || 0);
          dom.messageCount.textContent = String(s.messages || 0);
          dom.replyCount.textContent = String(s.replies || 0);
          dom.subscriberCount.textContent = String(stats.feedSubscribers || 0);

          renderEvents(dom.eventRows, events.events || []);

          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
          window.localStorage.setItem("crewchat_dashboard_token", getToken());
          if (!store.socket || store.socket.readyState === WebSocket.CLOSED) {
            connectFeed();
          }
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      function ensureTimer() {
        if (store.timer) {
          clearInterval(store.timer);
          store.timer = null;
        }
        if (!store.paused) {
          store.timer = setInterval(refresh, store.intervalMs);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.toggle.addEventListener("click", function () {
        store.paused = !store.paused;
        dom.toggle.textContent = store.paused ? "Resume Auto" : "Pause Auto";
        ensureTimer();
      });
      dom.token.addEventListener("change", function () {
        connectFeed();
        refresh();
      });

      const savedToken = window.localStorage.getItem("crewchat_dashboard_token") || "";
      dom.token.value = savedToken;
      dom.apiBase.textContent = getBase();

      ensureTimer();
      if (savedToken) {
        connectFeed();
        refresh();
      } else {
        setStatus("enter token to start", "warn");
      }
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
