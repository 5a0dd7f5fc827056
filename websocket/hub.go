package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionInfo is a point-in-time view of a registered session.
type SessionInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"last_activity"`
}

// Hub tracks live sessions for diagnostics and signals them on shutdown.
// Sessions never reach each other through the hub.
type Hub struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
	// active counts registered sessions until they unregister.
	active sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// NewHub creates a new session hub
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Context is cancelled when the hub is closed. Sessions run under it.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// Register adds s to the registry. It fails with ErrShutdown once the hub is closed.
func (h *Hub) Register(s *Session) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.ctx.Err() != nil {
		return ErrShutdown
	}
	h.sessions[s.ID()] = s
	h.active.Add(1)
	h.logger.Debug().Str("session_id", s.ID()).Int("active", len(h.sessions)).Msg("Session registered")
	return nil
}

// Unregister removes s. Removing an unknown session is a no-op.
func (h *Hub) Unregister(s *Session) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.sessions[s.ID()]; ok {
		delete(h.sessions, s.ID())
		h.active.Done()
		h.logger.Debug().Str("session_id", s.ID()).Int("active", len(h.sessions)).Msg("Session unregistered")
	}
}

// Count returns the number of registered sessions.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// Sessions returns a snapshot of the registered sessions ordered by ID.
func (h *Hub) Sessions() []SessionInfo {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	infos := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		infos = append(infos, SessionInfo{
			ID:           s.ID(),
			RemoteAddr:   s.RemoteAddr(),
			State:        s.State().String(),
			LastActivity: s.LastActivity(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close signals every registered session to close and rejects new ones.
// It does not wait for sessions to finish.
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.ctx.Err() != nil {
		return
	}
	h.cancel()
	h.logger.Info().Int("sessions", len(h.sessions)).Msg("Signalled sessions to close")
}

// Wait blocks until every registered session has unregistered or ctx is
// done. Call it after Close so no session registers while waiting.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
