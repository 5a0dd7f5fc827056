package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/emaforlin/ws-echo/config"
	"github.com/emaforlin/ws-echo/websocket"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
}

// HealthHandler handles health check requests
type HealthHandler struct {
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		startTime: time.Now(),
		version:   version,
	}
}

// ServeHTTP implements http.Handler for health checks
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowedHandler(w, r)
		return
	}

	uptime := time.Since(h.startTime)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
		Uptime:    uptime.String(),
	})
}

// SessionCounter reports the number of live WebSocket sessions.
type SessionCounter interface {
	Count() int
}

// InfoResponse represents the server information response
type InfoResponse struct {
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	Description    string            `json:"description"`
	TLS            bool              `json:"tls"`
	ActiveSessions int               `json:"active_sessions"`
	Endpoints      map[string]string `json:"endpoints"`
}

// InfoHandler handles server information requests
type InfoHandler struct {
	config   *config.Config
	version  string
	sessions SessionCounter
}

// NewInfoHandler creates a new info handler
func NewInfoHandler(cfg *config.Config, version string, sessions SessionCounter) *InfoHandler {
	return &InfoHandler{
		config:   cfg,
		version:  version,
		sessions: sessions,
	}
}

// ServeHTTP implements http.Handler for server information
func (h *InfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowedHandler(w, r)
		return
	}

	writeJSON(w, http.StatusOK, InfoResponse{
		Name:           "WebSocket Echo Server",
		Version:        h.version,
		Description:    "Echoes every text and binary WebSocket message back to its sender",
		TLS:            h.config.TLS.Enabled,
		ActiveSessions: h.sessions.Count(),
		Endpoints: map[string]string{
			"websocket_echo": h.config.GetWebSocketURL(h.config.WebSocket.Path),
			"health":         h.config.GetHTTPURL("/health"),
			"info":           h.config.GetHTTPURL("/info"),
			"metrics":        h.config.GetHTTPURL("/metrics"),
			"sessions":       h.config.GetHTTPURL("/sessions"),
		},
	})
}

// SessionLister returns a snapshot of the live sessions.
type SessionLister interface {
	Sessions() []websocket.SessionInfo
}

// SessionsResponse lists the live WebSocket sessions
type SessionsResponse struct {
	Count    int                     `json:"count"`
	Sessions []websocket.SessionInfo `json:"sessions"`
}

// NewSessionsHandler returns a handler that reports the live sessions.
func NewSessionsHandler(sessions SessionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			MethodNotAllowedHandler(w, r)
			return
		}

		infos := sessions.Sessions()
		writeJSON(w, http.StatusOK, SessionsResponse{Count: len(infos), Sessions: infos})
	}
}

// NotFoundHandler handles 404 errors
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"message": "The requested resource was not found",
		"path":    r.URL.Path,
	})
}

// MethodNotAllowedHandler handles 405 errors
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"error":   "Method Not Allowed",
		"message": "The requested method is not allowed for this resource",
		"method":  r.Method,
		"path":    r.URL.Path,
	})
}

// UpgradeErrorHandler writes a rejected WebSocket upgrade as JSON. Its
// signature matches websocket.Upgrader.Error.
func UpgradeErrorHandler(w http.ResponseWriter, r *http.Request, status int, reason error) {
	message := http.StatusText(status)
	if reason != nil {
		message = reason.Error()
	}
	writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
		"path":    r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
