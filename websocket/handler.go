package websocket

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/emaforlin/ws-echo/config"
)

// MessageType represents different types of WebSocket messages
type MessageType int

const (
	// TextMessage represents a text message
	TextMessage MessageType = websocket.TextMessage
	// BinaryMessage represents a binary message
	BinaryMessage MessageType = websocket.BinaryMessage
	// CloseMessage represents a close control message
	CloseMessage MessageType = websocket.CloseMessage
	// PingMessage represents a ping control message
	PingMessage MessageType = websocket.PingMessage
	// PongMessage represents a pong control message
	PongMessage MessageType = websocket.PongMessage
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	case CloseMessage:
		return "close"
	case PingMessage:
		return "ping"
	case PongMessage:
		return "pong"
	default:
		return "unknown"
	}
}

// Message represents a WebSocket message
type Message struct {
	Type MessageType `json:"type"`
	Data []byte      `json:"data"`
}

// Handler represents a WebSocket message handler. HandleMessage only sees
// text and binary messages; control frames are answered by the session.
type Handler interface {
	HandleMessage(s *Session, message Message) error
	OnConnect(s *Session) error
	OnDisconnect(s *Session) error
}

// UpgradeErrorFunc writes the HTTP response for a rejected upgrade.
type UpgradeErrorFunc func(w http.ResponseWriter, r *http.Request, status int, reason error)

// NewUpgrader creates a WebSocket upgrader with the given configuration.
// Compression and subprotocols are never negotiated.
func NewUpgrader(cfg config.WebSocketConfig, onError UpgradeErrorFunc) *websocket.Upgrader {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		EnableCompression: false,
		Error:             onError,
	}
	// A nil CheckOrigin makes gorilla enforce a same-origin policy.
	if !cfg.CheckOrigin {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return upgrader
}

// HandleWebSocket creates a WebSocket handler function. The session runs on
// the request goroutine, so each connection is served independently.
func HandleWebSocket(upgrader *websocket.Upgrader, hub *Hub, handler Handler, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := NewSession(r.RemoteAddr, opts)

		if err := session.Handshake(upgrader, w, r); err != nil {
			session.Logger().Warn().Err(err).Msg("Failed to upgrade connection")
			return
		}

		if err := hub.Register(session); err != nil {
			session.Logger().Debug().Err(err).Msg("Hub rejected session")
		} else {
			defer hub.Unregister(session)
		}

		err := session.Run(hub.Context(), handler)
		switch {
		case err == nil:
		case errors.Is(err, ErrShutdown), errors.Is(err, ErrIdleTimeout), errors.Is(err, ErrFrameTooLarge):
			session.Logger().Info().Err(err).Msg("Session ended")
		default:
			session.Logger().Warn().Err(err).Msg("WebSocket error")
		}
	}
}
