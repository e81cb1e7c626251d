// Package channels defines the contract every messaging adapter
// implements and the manager that fans inbound traffic into the
// gateway. Adapters are thin: identity mapping, connect/disconnect,
// send, receive. Everything session-related happens upstream.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Peer kinds, matching the session-key vocabulary.
const (
	PeerDM      = "dm"
	PeerGroup   = "group"
	PeerChannel = "channel"
)

// Channel is the adapter contract.
type Channel interface {
	// Name returns the channel identifier ("whatsapp", "discord", ...).
	Name() string

	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and the Receive channel.
	Disconnect() error

	// Send delivers one outgoing message to a platform recipient.
	Send(ctx context.Context, to string, msg *Outgoing) error

	// Receive emits incoming messages until Disconnect.
	Receive() <-chan *Incoming

	// IsConnected reports the live connection state.
	IsConnected() bool

	// Health returns the adapter health snapshot.
	Health() Health
}

// Incoming is a platform message normalized for routing.
type Incoming struct {
	// MessageID is the platform message identifier, used for dedupe.
	MessageID string

	// Channel is the source adapter name.
	Channel string

	// AccountID distinguishes multiple accounts on one platform.
	AccountID string

	// PeerKind is "dm", "group", or "channel".
	PeerKind string

	// PeerID is the chat, group, or channel identifier.
	PeerID string

	// Topic is the forum/thread number, 0 when absent.
	Topic int

	// SenderID and SenderName identify the author.
	SenderID   string
	SenderName string

	Text      string
	ReplyToID string
	Timestamp time.Time

	// Raw carries platform-specific extras.
	Raw map[string]any
}

// Outgoing is a reply headed back to a platform.
type Outgoing struct {
	Text      string
	MediaURL  string
	ReplyToID string

	// Data carries channel-specific directives passed through from the
	// reply payload.
	Data map[string]any
}

// Health is an adapter health snapshot.
type Health struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Sentinel errors shared by adapters.
var (
	ErrDisconnected   = fmt.Errorf("channel is not connected")
	ErrUnknownChannel = fmt.Errorf("no such channel registered")
)
