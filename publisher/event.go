package publisher

// Event mirrors one echoed message. Payload is carried as bytes so binary
// messages survive JSON encoding (base64).
type Event struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Payload   []byte `json:"payload"`
	Size      int    `json:"size"`
	Timestamp int64  `json:"timestamp"`
}
