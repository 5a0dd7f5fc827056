package publisher

// Publisher receives a copy of every echoed message. Implementations must be
// safe for concurrent use by many sessions.
type Publisher interface {
	PublishEchoEvent(event Event) error
	Close()
}

// NopPublisher discards events. It is used when no broker is configured.
type NopPublisher struct{}

// PublishEchoEvent drops e and reports success.
func (NopPublisher) PublishEchoEvent(e Event) error { return nil }

// Close is a no-op.
func (NopPublisher) Close() {}
