package websocket

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/emaforlin/ws-echo/config"
	"github.com/emaforlin/ws-echo/metrics"
	"github.com/emaforlin/ws-echo/publisher"
)

// logBuffer collects JSON log lines written concurrently by sessions.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// echoLines returns the messages of every log line starting with prefix.
func (b *logBuffer) echoLines(t *testing.T, prefix string) []string {
	t.Helper()

	b.mu.Lock()
	defer b.mu.Unlock()

	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var event struct {
			Message string `json:"message"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		if strings.HasPrefix(event.Message, prefix) {
			lines = append(lines, event.Message)
		}
	}
	return lines
}

type testEnv struct {
	server    *httptest.Server
	hub       *Hub
	logs      *logBuffer
	publisher *publisher.MockEventPublisher
	metrics   *metrics.Metrics
}

func newTestEnv(t *testing.T, tweak func(*Options)) *testEnv {
	t.Helper()

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	logs := &logBuffer{}
	logger := zerolog.New(logs).Level(zerolog.DebugLevel)
	m := metrics.New(prometheus.NewRegistry())

	opts := OptionsFromConfig(cfg.WebSocket, logger, m)
	opts.IdleTimeout = 5 * time.Second
	opts.CloseGracePeriod = time.Second
	if tweak != nil {
		tweak(&opts)
	}

	env := &testEnv{
		hub:       NewHub(logger),
		logs:      logs,
		publisher: &publisher.MockEventPublisher{},
		metrics:   m,
	}
	handler := &EchoHandler{Publisher: env.publisher}
	env.server = httptest.NewServer(HandleWebSocket(NewUpgrader(cfg.WebSocket, nil), env.hub, handler, opts))

	t.Cleanup(func() {
		env.hub.Close()
		env.server.Close()
	})
	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func requireCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, code), "expected close code %d, got %v", code, err)
}

func TestSession_EchoText(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping-test")))

	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	require.Equal(t, "ping-test", string(data))

	require.Eventually(t, func() bool {
		return len(env.logs.echoLines(t, "> ")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"< ping-test"}, env.logs.echoLines(t, "< "))
	require.Equal(t, []string{"> ping-test"}, env.logs.echoLines(t, "> "))

	events := env.publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, "text", events[0].Kind)
	require.Equal(t, []byte("ping-test"), events[0].Payload)
}

func TestSession_EchoBinary(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))

	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)
	require.Equal(t, payload, data)

	require.Eventually(t, func() bool {
		return len(env.logs.echoLines(t, "> ")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"< 0001feff"}, env.logs.echoLines(t, "< "))
}

func TestSession_PingAnsweredWithPong(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	var pongs []string
	conn.SetPongHandler(func(data string) error {
		pongs = append(pongs, data)
		return nil
	})

	require.NoError(t, conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("after")))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "after", string(data))
	require.Equal(t, []string{"hb"}, pongs)

	require.Eventually(t, func() bool {
		return len(env.logs.echoLines(t, "> ")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"< after"}, env.logs.echoLines(t, "< "))
	require.Len(t, env.publisher.Events(), 1)
}

func TestSession_IdleTimeout(t *testing.T) {
	const (
		idle  = 150 * time.Millisecond
		grace = 200 * time.Millisecond
	)
	env := newTestEnv(t, func(o *Options) {
		o.IdleTimeout = idle
		o.CloseGracePeriod = grace
	})
	conn := env.dial(t)

	start := time.Now()
	requireCloseCode(t, conn, websocket.CloseNormalClosure)
	require.Less(t, time.Since(start), idle+grace+time.Second)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.SessionClosesTotal.WithLabelValues(metrics.ReasonIdleTimeout)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, env.hub.Count())
}

func TestSession_PingResetsIdleTimeout(t *testing.T) {
	const idle = 300 * time.Millisecond
	env := newTestEnv(t, func(o *Options) { o.IdleTimeout = idle })
	conn := env.dial(t)

	for i := 0; i < 4; i++ {
		time.Sleep(idle / 2)
		require.NoError(t, conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)))
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("still here")))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "still here", string(data))
}

func TestSession_FrameTooLarge(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxMessageSize = 8 })
	conn := env.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 64)))
	requireCloseCode(t, conn, websocket.CloseMessageTooBig)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.SessionClosesTotal.WithLabelValues(metrics.ReasonFrameTooLarge)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, env.logs.echoLines(t, "> "))
	require.Empty(t, env.publisher.Events())
}

func TestSession_OrderedEcho(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	const n = 25
	var sent []string
	for i := 0; i < n; i++ {
		msg := strings.Repeat("m", i+1)
		sent = append(sent, msg)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	for i := 0; i < n; i++ {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, sent[i], string(data))
	}

	require.Eventually(t, func() bool {
		return len(env.logs.echoLines(t, "> ")) == n
	}, 2*time.Second, 10*time.Millisecond)

	received := env.logs.echoLines(t, "< ")
	echoed := env.logs.echoLines(t, "> ")
	require.Len(t, received, n)
	for i := 0; i < n; i++ {
		require.Equal(t, "< "+sent[i], received[i])
		require.Equal(t, "> "+sent[i], echoed[i])
	}
	require.Equal(t, float64(n), testutil.ToFloat64(env.metrics.MessagesSentTotal.WithLabelValues("text")))
}

func TestSession_PeerClose(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)))

	// A text frame arriving after the close must not be echoed.
	_, _ = conn.NetConn().Write(maskedTextFrame([]byte("late")))

	requireCloseCode(t, conn, websocket.CloseNormalClosure)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.SessionClosesTotal.WithLabelValues(metrics.ReasonPeerClose)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, env.logs.echoLines(t, "< "))
	require.Empty(t, env.publisher.Events())
}

func TestSession_PeerCloseWithoutStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second)))
	requireCloseCode(t, conn, websocket.CloseNormalClosure)
}

func TestSession_PeerCloseCodeIsEchoed(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	closeMsg := websocket.FormatCloseMessage(4001, "custom")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)))
	requireCloseCode(t, conn, 4001)
}

func TestSession_HandshakeFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.HandshakeFailuresTotal))
	require.Equal(t, float64(0), testutil.ToFloat64(env.metrics.SessionsTotal))
}

func TestSession_Shutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.hub.Close()
	requireCloseCode(t, conn, websocket.CloseGoingAway)

	require.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Sessions accepted after shutdown are turned away immediately.
	late := env.dial(t)
	requireCloseCode(t, late, websocket.CloseGoingAway)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.SessionClosesTotal.WithLabelValues(metrics.ReasonShutdown)) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_ConcurrentClients(t *testing.T) {
	env := newTestEnv(t, nil)

	// An idle client must not stall the others.
	env.dial(t)

	const clients = 10
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		conn := env.dial(t)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte(strings.Repeat("c", i+1))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				errs <- err
				return
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(msg, data) {
				errs <- &websocket.CloseError{Code: websocket.CloseInternalServerErr, Text: "mismatched echo"}
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return env.hub.Count() == clients+1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSession_StateOnlyAdvances(t *testing.T) {
	s := NewSession("127.0.0.1:1", Options{Logger: zerolog.Nop()})
	require.Equal(t, StateHandshaking, s.State())

	require.True(t, s.advance(StateOpen))
	require.False(t, s.advance(StateHandshaking))
	require.False(t, s.advance(StateOpen))
	require.True(t, s.advance(StateClosed))
	require.False(t, s.advance(StateClosing))
	require.Equal(t, StateClosed, s.State())
	require.Equal(t, "closed", s.State().String())
}

func TestSession_RunRequiresOpen(t *testing.T) {
	s := NewSession("127.0.0.1:1", Options{Logger: zerolog.Nop()})
	require.ErrorIs(t, s.Run(t.Context(), &EchoHandler{}), ErrNotOpen)
	require.ErrorIs(t, s.SendMessage(Message{Type: TextMessage}), ErrNotOpen)
}

// maskedTextFrame builds a single client-to-server text frame.
func maskedTextFrame(payload []byte) []byte {
	mask := [4]byte{0x01, 0x02, 0x03, 0x04}
	frame := []byte{0x81, 0x80 | byte(len(payload))}
	frame = append(frame, mask[:]...)
	for i, b := range payload {
		frame = append(frame, b^mask[i%4])
	}
	return frame
}
