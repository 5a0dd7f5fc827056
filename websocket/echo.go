package websocket

import (
	"time"

	"github.com/emaforlin/ws-echo/publisher"
)

// EchoHandler implements a simple echo handler. Every echoed message is
// also offered to Publisher when one is set.
type EchoHandler struct {
	Publisher publisher.Publisher
}

// HandleMessage echoes the received message back to the sender
func (h *EchoHandler) HandleMessage(s *Session, message Message) error {
	if err := s.SendMessage(message); err != nil {
		return err
	}

	if h.Publisher == nil {
		return nil
	}
	event := publisher.Event{
		SessionID: s.ID(),
		Kind:      message.Type.String(),
		Payload:   message.Data,
		Size:      len(message.Data),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := h.Publisher.PublishEchoEvent(event); err != nil {
		s.Logger().Warn().Err(err).Msg("Failed to publish echo event")
	}
	return nil
}

// OnConnect is called when a new connection is established
func (h *EchoHandler) OnConnect(s *Session) error {
	s.Logger().Info().Msg("New WebSocket connection")
	return nil
}

// OnDisconnect is called when a connection is closed
func (h *EchoHandler) OnDisconnect(s *Session) error {
	s.Logger().Info().Msg("WebSocket connection closed")
	return nil
}
