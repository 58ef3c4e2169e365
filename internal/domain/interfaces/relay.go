package interfaces

import (
	"context"

	domaintypes "e2ee/internal/domain/types"
)

// Directory publishes and serves pre-key bundles and conversation membership.
type Directory interface {
	PublishBundle(ctx context.Context, bundle domaintypes.PreKeyBundle) error
	// FetchBundle returns the device's bundle with at most one one-time
	// pre-key, which is removed from the published pool.
	FetchBundle(ctx context.Context, device domaintypes.DeviceID) (domaintypes.PreKeyBundle, error)
	// LookupIdentity returns the published identity without consuming pre-keys.
	LookupIdentity(ctx context.Context, device domaintypes.DeviceID) (domaintypes.IdentityPublic, error)
	ConversationDevices(ctx context.Context, conversation domaintypes.ConversationID) ([]domaintypes.DeviceID, error)
}

// Mailbox stores envelopes until the recipient fetches them.
type Mailbox interface {
	Post(ctx context.Context, envelope domaintypes.Envelope) error
	Fetch(ctx context.Context, device domaintypes.DeviceID, limit int) ([]domaintypes.Envelope, error)
	Ack(ctx context.Context, device domaintypes.DeviceID, count int) error
}

// RelayClient is how we talk to the relay, all with context.
type RelayClient interface {
	Directory
	Mailbox
	JoinConversation(ctx context.Context, conversation domaintypes.ConversationID, device domaintypes.DeviceID) error
}
