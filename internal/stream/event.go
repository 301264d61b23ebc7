package stream

// Event names shared by every transport. Clients subscribe to these three
// and nothing else; error is always followed by a terminal end.
const (
	EventChunk = "chat:response:chunk"
	EventError = "chat:response:error"
	EventEnd   = "chat:response:end"
)

// EndPayload closes a logical stream. UpdatedFiles reports whether the
// generation run changed persisted files; TokensUsed is optional.
type EndPayload struct {
	ChatID       int64 `json:"chatId"`
	UpdatedFiles bool  `json:"updatedFiles"`
	TokensUsed   int64 `json:"tokensUsed,omitempty"`
}

// ErrorPayload carries a human-readable failure message to the client.
type ErrorPayload struct {
	ChatID int64  `json:"chatId,omitempty"`
	Error  string `json:"error"`
}

// Sink delivers a single event frame to one transport. Implementations exist
// for the websocket connection, the chunked HTTP response and the in-process
// bridge; the session layer never touches transport internals directly.
type Sink interface {
	// Deliver writes one event frame. Payload shapes depend on the event:
	// chunks are opaque, errors are ErrorPayload, ends are EndPayload.
	Deliver(event string, payload any) error

	// IsClosed reports whether the transport can still accept frames.
	// Delivery is silently suppressed once this returns true.
	IsClosed() bool
}
