// Cthulhu is a fleet of agents that provision network switches over serial.
// Copyright (C) 2025 Cthulhu contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package webui serves heaven's operator dashboard and JSON API: a
// server-rendered status table and the REST endpoints a CLI or automation
// script can poll/drive instead.
package webui

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"cthulhu/internal/broker"
	"cthulhu/internal/jobmodel"
	"cthulhu/internal/tracker"
	"cthulhu/pkg/redact"
)

// Handler serves the dashboard and JSON API over a shared Tracker snapshot.
// Broker may be nil, in which case the reset/restart-all endpoints report
// 503 rather than panicking — useful for a read-only dashboard deployment.
type Handler struct {
	tracker   *tracker.Tracker
	broker    broker.Broker
	templates *template.Template
}

// New builds the Handler and a mux with every route mounted.
func New(tr *tracker.Tracker, b broker.Broker) http.Handler {
	h := &Handler{tracker: tr, broker: b}
	h.loadTemplates()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleDashboard)
	mux.HandleFunc("GET /api/ports", h.handleListPorts)
	mux.HandleFunc("GET /api/ports/{label}", h.handleGetPort)
	mux.HandleFunc("POST /api/ports/{label}/reset", h.handleResetPort)
	mux.HandleFunc("POST /api/restart-all", h.handleRestartAll)
	return mux
}

func (h *Handler) loadTemplates() {
	const page = `<!DOCTYPE html>
<html>
<head>
  <title>Cthulhu</title>
  <meta charset="utf-8">
  <style>
    body { font-family: monospace; margin: 2rem; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #ccc; padding: 6px 10px; text-align: left; }
    th { background: #eee; }
    .status-Idle, .status-FinishSuccess { background: #d4edda; }
    .status-FinishWarning, .status-RunningLong { background: #fff3cd; }
    .status-FinishError, .status-Fatal { background: #f8d7da; }
    .status-Busy { background: #cce5ff; }
  </style>
</head>
<body>
  <h1>Cthulhu port status</h1>
  <form method="post" action="/api/restart-all" onsubmit="return confirm('Restart every angel?');">
    <button type="submit">Restart all</button>
  </form>
  <table>
    <thead><tr><th>Label</th><th>Board</th><th>Port</th><th>Module</th><th>Switch</th><th>Status</th><th>State</th><th>Started</th><th></th></tr></thead>
    <tbody>
    {{range .Ports}}
      <tr class="status-{{.Status}}">
        <td>{{.Label}}</td>
        <td>{{.Key.BoardSerial}}</td>
        <td>{{.Key.PortIndex}}</td>
        <td>{{if .ModulePresent}}yes{{else}}no{{end}}</td>
        <td>{{if .SwitchPresent}}yes{{else}}no{{end}}</td>
        <td>{{.Status}}</td>
        <td>{{.Job.CurrentState}}</td>
        <td>{{startedAgo .Job}}</td>
        <td>
          <form method="post" action="/api/ports/{{.Label}}/reset" style="display:inline">
            <button type="submit">Reset</button>
          </form>
        </td>
      </tr>
    {{else}}
      <tr><td colspan="9">No ports configured</td></tr>
    {{end}}
    </tbody>
  </table>
</body>
</html>`

	funcs := template.FuncMap{"startedAgo": startedAgo}
	h.templates = template.Must(template.New("dashboard").Funcs(funcs).Parse(page))
}

// startedAgo renders a short "x ago" string for a job's StartedAt, the way
// the original's chrono_humanize-based DateTimeAgo helper does; it's a
// handful of branches on time.Since, not a concern a retrieved third-party
// package serves any better here.
func startedAgo(j jobmodel.JobData) string {
	if j.StartedAt == nil {
		return "never"
	}
	d := time.Since(*j.StartedAt)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

type dashboardData struct {
	Ports []tracker.Snapshot
}

// redactSnapshot returns a copy of s with any Custom device-info item whose
// kind looks sensitive (admin_password, enable_password, ...) replaced by
// "[REDACTED]" before it reaches the dashboard or JSON API. Vendor/Model/
// SerialNumber/LoopDetected items never carry a CustomKind and pass through
// unchanged.
func redactSnapshot(s tracker.Snapshot) tracker.Snapshot {
	if len(s.Job.InfoItems) == 0 {
		return s
	}
	items := make([]jobmodel.DeviceInformation, len(s.Job.InfoItems))
	for i, it := range s.Job.InfoItems {
		if it.Kind == jobmodel.DeviceInfoCustom && redact.IsSensitiveJobConfigKey(it.CustomKind) {
			it.Value = redact.Password(it.Value)
		}
		items[i] = it
	}
	s.Job.InfoItems = items
	return s
}

func redactSnapshots(snaps []tracker.Snapshot) []tracker.Snapshot {
	out := make([]tracker.Snapshot, len(snaps))
	for i, s := range snaps {
		out[i] = redactSnapshot(s)
	}
	return out
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{Ports: redactSnapshots(h.tracker.Snapshots())}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, "dashboard", data); err != nil {
		slog.Error("webui: render dashboard", "error", err)
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("webui: marshal json response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) handleListPorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redactSnapshots(h.tracker.Snapshots()))
}

func (h *Handler) handleGetPort(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	snap, ok := h.tracker.Snapshot(label)
	if !ok {
		http.Error(w, "unknown port label", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, redactSnapshot(snap))
}

func (h *Handler) handleResetPort(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	if _, ok := h.tracker.Snapshot(label); !ok {
		http.Error(w, "unknown port label", http.StatusNotFound)
		return
	}
	if h.broker == nil {
		http.Error(w, "no broker configured", http.StatusServiceUnavailable)
		return
	}
	if err := broker.PublishCommand(r.Context(), h.broker, label, jobmodel.ResetJob); err != nil {
		slog.Error("webui: publish reset", "label", label, "error", err)
		http.Error(w, "failed to publish reset", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleRestartAll(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		http.Error(w, "no broker configured", http.StatusServiceUnavailable)
		return
	}
	snaps := h.tracker.Snapshots()
	labels := make([]string, 0, len(snaps))
	for _, s := range snaps {
		labels = append(labels, s.Label)
	}
	if err := broker.BroadcastCommand(r.Context(), h.broker, labels, jobmodel.RestartAngel); err != nil {
		slog.Error("webui: broadcast restart", "error", err)
		http.Error(w, "failed to broadcast restart", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
