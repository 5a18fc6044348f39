// Package server implements the convoy daemon: the orchestrator that runs a
// stack, the health monitoring that keeps it honest, and the HTTP control API
// the CLI talks to.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Server is the daemon's HTTP control API. It exposes the stack's status and
// event stream and accepts restart and shutdown requests.
type Server struct {
	mux    *http.ServeMux
	orc    *Orchestrator
	logger *slog.Logger

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer creates a Server for a running orchestrator and registers all
// HTTP routes.
func NewServer(orc *Orchestrator, logger *slog.Logger) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		orc:        orc,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stack", s.handleStack)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /services/{name}/logs", s.handleServiceLogs)
	s.mux.HandleFunc("POST /services/{name}/restart", s.handleRestart)
	s.mux.HandleFunc("POST /shutdown", s.handleShutdown)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ShutdownCh returns a channel that is closed when a shutdown is requested
// over the API.
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// handleHealth handles GET /health. Returns 200 with {"status":"ok"}.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStack handles GET /stack. Returns the current status of every
// service in start order.
func (s *Server) handleStack(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orc.Status())
}

// handleRestart handles POST /services/{name}/restart. Blocks until the
// service is Healthy again or its startup fails.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.orc.Restart(r.Context(), name); err != nil {
		if s.orc.stack.Service(name) == nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	status, _ := s.orc.table.Get(name)
	writeJSON(w, http.StatusOK, status)
}

// handleShutdown handles POST /shutdown. The response is sent before the
// stack actually goes down; the daemon tears down and exits afterwards.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// handleEvents handles GET /events.
//
// On connect it replays all events from seq 0 (or Last-Event-ID for
// reconnection), then streams new events as they arrive. The stream stays
// open until the client disconnects or the server shuts down. Pass ?logs=1
// to include service output events, which are excluded by default because
// they are high-volume.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Support reconnection: resume from the last event the client saw.
	var fromSeq uint64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if seq, err := strconv.ParseUint(lastID, 10, 64); err == nil {
			fromSeq = seq
		}
	}

	includeLogs := r.URL.Query().Get("logs") == "1"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	filter := func(e Event) bool {
		return includeLogs || e.Type != EventServiceLog
	}
	ch := s.orc.Log().Subscribe(r.Context(), fromSeq, filter)
	for event := range ch {
		if err := writeSSEEvent(w, flusher, event); err != nil {
			return // client disconnected
		}
	}
}

// handleServiceLogs handles GET /services/{name}/logs. Returns the captured
// output of one service as a JSON array of log entries.
func (s *Server) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.orc.stack.Service(name) == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown service %q", name))
		return
	}

	entries := make([]LogEntry, 0)
	for _, e := range s.orc.Log().Events() {
		if e.Type == EventServiceLog && e.Service == name && e.Log != nil {
			entries = append(entries, *e.Log)
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeSSEEvent formats and flushes a single SSE frame.
//
// Format:
//
//	id: <seq>
//	event: <type>
//	data: <json>
//	(blank line)
//
// The id field maps directly to Last-Event-ID, enabling reconnection without
// replaying events the client has already seen.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n",
		event.Seq, event.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// DefaultConvoyDir returns the directory for convoy's runtime files (the
// address file in particular): $CONVOY_DIR if set, else ~/.convoy.
func DefaultConvoyDir() string {
	if dir := os.Getenv("CONVOY_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "convoy")
	}
	return filepath.Join(home, ".convoy")
}

// AddrFile returns the path of the daemon address file under dir.
func AddrFile(dir string) string {
	return filepath.Join(dir, "convoyd.addr")
}

// WriteAddrFile records the daemon's listen address atomically so clients
// never read a partial address. Returns a cleanup func that removes the file.
func WriteAddrFile(dir, addr string) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := AddrFile(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(addr), 0o644); err != nil {
		return nil, fmt.Errorf("write addr file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("rename addr file: %w", err)
	}
	return func() { os.Remove(path) }, nil
}

// ReadAddrFile returns the daemon address recorded under dir, or an error
// telling the user no daemon is running.
func ReadAddrFile(dir string) (string, error) {
	data, err := os.ReadFile(AddrFile(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("no convoy daemon is running (no address file in %s)", dir)
		}
		return "", err
	}
	return string(data), nil
}
