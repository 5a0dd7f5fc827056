package websocket

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"

	"github.com/emaforlin/ws-echo/config"
	"github.com/emaforlin/ws-echo/metrics"
)

var (
	// ErrHandshake is returned when the upgrade request is rejected.
	ErrHandshake = errors.New("websocket handshake failed")
	// ErrFrameTooLarge is returned when a message exceeds the configured maximum size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum message size")
	// ErrIdleTimeout is returned when no frame arrived within the idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrShutdown is returned when the session was closed because the server is stopping.
	ErrShutdown = errors.New("server shutting down")
	// ErrNotOpen is returned by operations that need an open session.
	ErrNotOpen = errors.New("session is not open")
)

// State is the lifecycle position of a Session. It only moves forward.
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options holds the per-session policy and the collaborators a session reports to.
type Options struct {
	MaxMessageSize   int64
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration
	CloseGracePeriod time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig copies the session limits out of cfg.
func OptionsFromConfig(cfg config.WebSocketConfig, logger zerolog.Logger, m *metrics.Metrics) Options {
	return Options{
		MaxMessageSize:   cfg.MaxMessageSize,
		IdleTimeout:      cfg.IdleTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		CloseGracePeriod: cfg.CloseGracePeriod,
		Logger:           logger,
		Metrics:          m,
	}
}

// Session owns one upgraded connection and runs its echo loop. All methods
// except State, ID, RemoteAddr and LastActivity must be called from the
// goroutine executing Run.
type Session struct {
	id         string
	remoteAddr string
	opts       Options
	logger     zerolog.Logger

	conn     *websocket.Conn
	ctx      context.Context
	openedAt time.Time

	state        atomic.Int32
	lastActivity atomic.Int64

	// deadlineMu orders read deadline extensions against the shutdown interrupt.
	deadlineMu sync.Mutex

	closeReason string
	writeErr    error
}

// NewSession creates a session in the Handshaking state.
func NewSession(remoteAddr string, opts Options) *Session {
	id := nuid.Next()
	s := &Session{
		id:         id,
		remoteAddr: remoteAddr,
		opts:       opts,
		logger: opts.Logger.With().
			Str("session_id", id).
			Str("remote_addr", remoteAddr).
			Logger(),
	}
	s.state.Store(int32(StateHandshaking))
	s.touch()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActivity returns the time the last frame was received.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// Logger returns the session scoped logger.
func (s *Session) Logger() *zerolog.Logger { return &s.logger }

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// advance moves the session to state to. It reports false, leaving the state
// unchanged, when to is not ahead of the current state.
func (s *Session) advance(to State) bool {
	for {
		current := s.state.Load()
		if State(current) >= to {
			return false
		}
		if s.state.CompareAndSwap(current, int32(to)) {
			s.logger.Debug().
				Stringer("from", State(current)).
				Stringer("to", to).
				Msg("Session state changed")
			return true
		}
	}
}

// Handshake performs the WebSocket upgrade. On failure the upgrader has
// already written the HTTP error and the session is Closed.
func (s *Session) Handshake(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) error {
	if s.State() != StateHandshaking {
		return fmt.Errorf("%w: session already %s", ErrHandshake, s.State())
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.advance(StateClosed)
		s.opts.Metrics.HandshakeFailed()
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	s.conn = conn
	s.openedAt = time.Now()
	s.touch()
	s.advance(StateOpen)
	s.opts.Metrics.SessionOpened()
	return nil
}

// Run executes the echo loop until the peer closes, an error occurs, the
// idle timeout elapses or ctx is cancelled. The transport is released on
// every path. A nil error means the peer closed the session.
func (s *Session) Run(ctx context.Context, handler Handler) error {
	if s.State() != StateOpen {
		return ErrNotOpen
	}

	s.ctx = ctx
	s.closeReason = metrics.ReasonTransportError
	defer s.release()

	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	s.conn.SetReadLimit(s.opts.MaxMessageSize)
	s.conn.SetPingHandler(s.handlePing)
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.extendReadDeadline()
	})
	// Close frames surface as *websocket.CloseError from ReadMessage and are
	// acknowledged by terminate.
	s.conn.SetCloseHandler(func(int, string) error { return nil })

	if ctx.Err() != nil {
		return s.terminate(ctx.Err())
	}

	if err := handler.OnConnect(s); err != nil {
		s.logger.Error().Err(err).Msg("Connection handler error")
		s.closeWith(websocket.CloseInternalServerErr, metrics.ReasonHandlerError)
		return err
	}
	defer func() {
		if err := handler.OnDisconnect(s); err != nil {
			s.logger.Error().Err(err).Msg("Disconnect handler error")
		}
	}()

	for {
		message, err := s.receive()
		if err != nil {
			return s.terminate(err)
		}

		s.logMessage("<", message)
		s.opts.Metrics.MessageReceived(message.Type.String(), len(message.Data))

		if err := handler.HandleMessage(s, message); err != nil {
			if s.writeErr != nil {
				s.logger.Warn().Err(s.writeErr).Msg("Write error")
				return s.writeErr
			}
			s.logger.Warn().Err(err).Msg("Message handler error")
		}
	}
}

// SendMessage writes message back to the peer and logs it. It blocks until
// the frame is handed to the transport or the write timeout elapses.
func (s *Session) SendMessage(message Message) error {
	if s.State() != StateOpen {
		return ErrNotOpen
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		s.writeErr = err
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(int(message.Type), message.Data); err != nil {
		s.writeErr = err
		return fmt.Errorf("failed to send message: %w", err)
	}

	s.logMessage(">", message)
	s.opts.Metrics.MessageSent(message.Type.String())
	return nil
}

func (s *Session) receive() (Message, error) {
	if err := s.extendReadDeadline(); err != nil {
		return Message{}, err
	}
	if err := s.ctx.Err(); err != nil {
		return Message{}, err
	}

	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}

	s.touch()
	return Message{Type: MessageType(messageType), Data: data}, nil
}

func (s *Session) handlePing(data string) error {
	s.touch()
	s.logger.Debug().Str("payload", data).Msg("Ping received")

	if err := s.extendReadDeadline(); err != nil {
		return err
	}

	err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.opts.WriteTimeout))
	if errors.Is(err, websocket.ErrCloseSent) || isTimeout(err) {
		return nil
	}
	return err
}

// extendReadDeadline pushes the read deadline one idle timeout into the
// future unless the session is being shut down.
func (s *Session) extendReadDeadline() error {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()

	if s.ctx.Err() != nil {
		return nil
	}
	return s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
}

// interrupt unblocks a pending read so the loop observes cancellation.
func (s *Session) interrupt() {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()

	if err := s.conn.SetReadDeadline(time.Unix(1, 0)); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to interrupt read")
	}
}

// terminate maps the error that ended the Open state to a close code.
func (s *Session) terminate(err error) error {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		code := closeErr.Code
		if code == websocket.CloseNoStatusReceived {
			code = websocket.CloseNormalClosure
		}
		s.logger.Info().Int("code", closeErr.Code).Str("text", closeErr.Text).Msg("Peer closed session")
		s.closeWith(code, metrics.ReasonPeerClose)
		return nil

	case errors.Is(err, websocket.ErrReadLimit):
		s.closeWith(websocket.CloseMessageTooBig, metrics.ReasonFrameTooLarge)
		return fmt.Errorf("%w: limit %d bytes", ErrFrameTooLarge, s.opts.MaxMessageSize)

	case s.ctx.Err() != nil:
		s.closeWith(websocket.CloseGoingAway, metrics.ReasonShutdown)
		return ErrShutdown

	case isTimeout(err):
		s.closeWith(websocket.CloseNormalClosure, metrics.ReasonIdleTimeout)
		return fmt.Errorf("%w after %s", ErrIdleTimeout, s.opts.IdleTimeout)

	default:
		s.closeReason = metrics.ReasonTransportError
		return err
	}
}

// closeWith moves the session to Closing and writes one Close frame. The
// write is bounded by the close grace period.
func (s *Session) closeWith(code int, reason string) {
	s.closeReason = reason
	if !s.advance(StateClosing) {
		return
	}

	deadline := time.Now().Add(s.opts.CloseGracePeriod)
	err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug().Err(err).Int("code", code).Msg("Failed to send close frame")
	}
}

func (s *Session) release() {
	s.advance(StateClosed)
	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to close transport")
	}

	lifetime := time.Since(s.openedAt)
	s.opts.Metrics.SessionClosed(s.closeReason, lifetime)
	s.logger.Info().
		Str("reason", s.closeReason).
		Dur("lifetime", lifetime).
		Msg("Session closed")
}

func (s *Session) logMessage(direction string, message Message) {
	payload := string(message.Data)
	if message.Type == BinaryMessage {
		payload = hex.EncodeToString(message.Data)
	}
	s.logger.Info().Stringer("kind", message.Type).Msg(direction + " " + payload)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
