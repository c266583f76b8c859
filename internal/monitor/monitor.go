// Package monitor serves the local observability surface: a loopback
// HTTP endpoint with a WebSocket feed of ledger appends and audit
// alerts, plus a small read-only REST API over the engine state.
//
//   - Web UI:     GET /monitor        single status page
//   - WebSocket:  GET /monitor/ws     live event feed
//   - REST API:   GET /api/status     engine summary
//                 GET /api/ledger     recent ledger blocks
//                 GET /api/alerts     signed audit alerts
//                 GET /api/evidence   evidence integrity overview
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/custodia/custodia/internal/audittrail"
	"github.com/custodia/custodia/internal/evidence"
	"github.com/custodia/custodia/internal/ledger"
)

// Event is one message on the live feed.
type Event struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// Options holds the dependencies injected into the monitor.
type Options struct {
	Ledger   *ledger.Ledger
	Evidence *evidence.Store
	Trail    *audittrail.Trail
}

// Server is the monitor HTTP server. Create it with New, wire its
// Publish into the ledger and audit trail, then Run it.
type Server struct {
	ledger   *ledger.Ledger
	evidence *evidence.Store
	trail    *audittrail.Trail
	hub      *wsHub
	srv      *http.Server
}

// New creates a monitor server with the given dependencies.
func New(opts Options) *Server {
	s := &Server{
		ledger:   opts.Ledger,
		evidence: opts.Evidence,
		trail:    opts.Trail,
		hub:      newWSHub(),
	}
	go s.hub.run()
	return s
}

// Handler returns the monitor's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/monitor", s.handleIndex)
	mux.HandleFunc("/monitor/ws", s.handleWebSocket)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/ledger", s.handleLedger)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/evidence", s.handleEvidence)
	return mux
}

// Run serves the monitor on the given loopback address until ctx is
// canceled. Binding a non-loopback host is refused.
func (s *Server) Run(ctx context.Context, host string, port int) error {
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("monitor must bind a loopback address, got %q", host)
	}

	s.srv = &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("monitor listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Publish broadcasts one event to all connected feed clients.
// Non-blocking; with no clients or a full buffer the event is dropped.
func (s *Server) Publish(kind string, payload any) {
	data, err := json.Marshal(Event{
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		slog.Error("marshaling monitor event", "kind", kind, "error", err)
		return
	}
	s.hub.broadcast(data)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(monitorHTML))
}

// handleStatus returns the engine summary.
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	verification := s.evidence.VerifyAll()
	alerts, err := s.trail.ExportAuditLogs()
	if err != nil {
		slog.Error("exporting alerts for status", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"ledger_blocks":  s.ledger.Len(),
		"chain_valid":    s.ledger.VerifyChain(),
		"evidence_count": len(verification.Details),
		"evidence_valid": verification.AllValid,
		"alert_count":    len(alerts),
	})
}

// handleLedger returns recent ledger blocks, newest last.
// GET /api/ledger?limit=50&action=NEW_EVIDENCE
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	blocks, err := s.ledger.Query(ledger.QueryParams{
		Action: r.URL.Query().Get("action"),
		Limit:  limit,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

// handleAlerts returns every signed alert payload.
// GET /api/alerts
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	alerts, err := s.trail.ExportAuditLogs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleEvidence returns the per-record integrity overview.
// GET /api/evidence
func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.evidence.VerifyAll())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing json response", "error", err)
	}
}

const monitorHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Custodia Monitor</title>
<style>
body { font-family: monospace; background: #111; color: #ddd; margin: 2rem; }
h1 { font-size: 1.2rem; }
#status { margin-bottom: 1rem; }
#feed div { border-bottom: 1px solid #333; padding: 2px 0; }
.alert { color: #f66; }
</style>
</head>
<body>
<h1>Custodia Monitor</h1>
<div id="status">loading…</div>
<div id="feed"></div>
<script>
fetch('/api/status').then(r => r.json()).then(s => {
  document.getElementById('status').textContent = JSON.stringify(s);
});
const ws = new WebSocket('ws://' + location.host + '/monitor/ws');
ws.onmessage = ev => {
  const e = JSON.parse(ev.data);
  const div = document.createElement('div');
  if (e.kind === 'alert') div.className = 'alert';
  div.textContent = new Date(e.timestamp).toISOString() + ' [' + e.kind + '] ' + JSON.stringify(e.payload);
  document.getElementById('feed').prepend(div);
};
</script>
</body>
</html>
`
