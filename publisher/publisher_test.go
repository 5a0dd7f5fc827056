package publisher

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	require.Equal(t, "ws-echo.events.abc123", Subject("ws-echo.events", "abc123"))
}

func TestEvent_JSON(t *testing.T) {
	event := Event{
		SessionID: "abc",
		Kind:      "binary",
		Payload:   []byte{0x00, 0xff},
		Size:      2,
		Timestamp: 42,
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)
	require.JSONEq(t, `{"session_id":"abc","kind":"binary","payload":"AP8=","size":2,"timestamp":42}`, string(data))
}

func TestMockEventPublisher(t *testing.T) {
	var m MockEventPublisher

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.PublishEchoEvent(Event{SessionID: "s"})
		}()
	}
	wg.Wait()
	require.Len(t, m.Events(), 10)

	m.Err = errors.New("broker down")
	require.Error(t, m.PublishEchoEvent(Event{}))
	require.Len(t, m.Events(), 10)

	m.Close()
	require.True(t, m.Closed())
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	require.NoError(t, p.PublishEchoEvent(Event{}))
	p.Close()
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "ws-echo.events", 200*time.Millisecond, zerolog.Nop())
	require.Error(t, err)
}

func TestNATSPublisher_DeliversBeforeClose(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	events, err := sub.SubscribeSync("ws-echo.events.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(srv.ClientURL(), "ws-echo.events", time.Second, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, time.Second, pub.FlushTimeout)

	const count = 100
	for i := 0; i < count; i++ {
		require.NoError(t, pub.PublishEchoEvent(Event{
			SessionID: "abc",
			Kind:      "text",
			Payload:   []byte("hello"),
			Size:      5,
			Timestamp: int64(i),
		}))
	}
	// Close returns only after the buffered events were written.
	pub.Close()

	for i := 0; i < count; i++ {
		msg, err := events.NextMsg(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, "ws-echo.events.abc", msg.Subject)

		var event Event
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		require.Equal(t, "abc", event.SessionID)
		require.Equal(t, "text", event.Kind)
		require.Equal(t, []byte("hello"), event.Payload)
		require.Equal(t, 5, event.Size)
		require.Equal(t, int64(i), event.Timestamp)
	}
}

func TestNATSPublisher_CloseAfterBrokerGone(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()

	pub, err := Connect(srv.ClientURL(), "ws-echo.events", 200*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	srv.Shutdown()

	done := make(chan struct{})
	go func() {
		pub.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}
