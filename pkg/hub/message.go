// Package hub provides the frame broker: a single goroutine that owns the
// viewer registry and fans every published frame out to it, using the
// idiomatic Go channel-based pattern. Sessions never touch the registry;
// they submit operations and move on.
package hub

// Frame is one relayed image after its sender id has been extracted.
// Payload is shared by every subscriber and must be treated as read-only.
type Frame struct {
	ProducerID uint64
	Payload    []byte
}

// Sink is the outbound side of one connected viewer.
//
// Send must not block: a sink that cannot accept the frame right now
// returns an error and the frame is dropped for that viewer only.
// Send and IsAlive are called from the hub goroutine, concurrently with
// whatever the owning connection is doing.
type Sink interface {
	// ID is a stable identity for logs and for matching deregistrations.
	ID() string
	Send(frame Frame) error
	IsAlive() bool
}

// Subscriber is a registry entry.
type Subscriber struct {
	ID   uint64
	Sink Sink
}
