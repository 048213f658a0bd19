// Package status exposes the tool changer state over HTTP and WebSocket so
// dashboards can follow tool changes and heater states live.
package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ktcc-go/pkg/logger"
)

// Source supplies the state the server publishes.
type Source interface {
	// CoordinatorStatus returns the tool lock status fields.
	CoordinatorStatus() map[string]any

	// ToolStatus returns the status of every configured tool, keyed by
	// tool id.
	ToolStatus() map[int]map[string]any

	// StatsReport formats the accumulated usage statistics.
	StatsReport() string

	// RunScript executes a G-code script.
	RunScript(script string) error
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP address to listen on, e.g. ":7125".
	Addr string

	// BroadcastInterval between WebSocket status notifications. Zero
	// means the default of 250ms.
	BroadcastInterval time.Duration

	// Metrics, when set, is served at /metrics.
	Metrics http.Handler

	Source Source
	Log    *logger.Logger
}

// Server publishes tool changer status over HTTP and WebSocket.
type Server struct {
	source   Source
	log      *logger.Logger
	addr     string
	interval time.Duration
	metrics  http.Handler

	httpServer *http.Server

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	running   atomic.Bool
	startTime time.Time
}

// New creates a status server.
func New(cfg Config) *Server {
	interval := cfg.BroadcastInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	s := &Server{
		source:    cfg.Source,
		log:       cfg.Log,
		addr:      cfg.Addr,
		interval:  interval,
		metrics:   cfg.Metrics,
		wsClients: make(map[int64]*wsClient),
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/toolchanger/status", s.handleStatus)
	mux.HandleFunc("/toolchanger/stats", s.handleStats)
	mux.HandleFunc("/toolchanger/gcode/script", s.handleGcodeScript)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	s.log.Infow("status server starting", "addr", s.addr)

	go s.broadcastLoop()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes the server and all WebSocket clients.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// statusPayload builds the full status document.
func (s *Server) statusPayload() map[string]any {
	tools := make(map[string]any)
	for id, st := range s.source.ToolStatus() {
		tools[strconv.Itoa(id)] = st
	}
	return map[string]any{
		"toollock": s.source.CoordinatorStatus(),
		"tools":    tools,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.statusPayload()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": map[string]any{
		"report": s.source.StatsReport(),
	}})
}

func (s *Server) handleGcodeScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var params struct {
		Script string `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.source.RunScript(params.Script); err != nil {
		s.writeJSONError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("failed to encode response", "error", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
}

// handleWebSocket upgrades the connection and streams status updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorw("websocket upgrade failed", "error", err)
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.log.Infow("websocket client connected", "client", client.id)

	go client.writePump()

	// First update goes out immediately so the client does not wait a
	// full broadcast interval.
	client.send(s.statusNotification())

	client.readPump()
}

func (s *Server) removeClient(client *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.log.Infow("websocket client disconnected", "client", client.id)
}

func (s *Server) statusNotification() map[string]any {
	eventtime := time.Since(s.startTime).Seconds()
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_status_update",
		"params":  []any{s.statusPayload(), eventtime},
	}
}

// broadcastLoop pushes status updates to every connected client.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C
		notification := s.statusNotification()

		s.wsClientMu.RLock()
		for _, client := range s.wsClients {
			client.send(notification)
		}
		s.wsClientMu.RUnlock()
	}
}
