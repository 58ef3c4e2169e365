package relay

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"e2ee/internal/domain"
)

// Memory is an in-process relay: a directory of pre-key bundles and
// conversation members plus one mailbox per device. It backs the HTTP relay
// server and stands in for it in tests.
type Memory struct {
	mu       sync.Mutex
	bundles  map[domain.DeviceID]domain.PreKeyBundle
	served   map[domain.DeviceID]map[domain.OneTimePreKeyID]struct{}
	members  map[domain.ConversationID][]domain.DeviceID
	mailbox  map[domain.DeviceID][]domain.Envelope
	maxQueue int
}

// NewMemory returns an empty relay. maxQueue bounds each mailbox; zero means
// unbounded.
func NewMemory(maxQueue int) *Memory {
	return &Memory{
		bundles:  make(map[domain.DeviceID]domain.PreKeyBundle),
		served:   make(map[domain.DeviceID]map[domain.OneTimePreKeyID]struct{}),
		members:  make(map[domain.ConversationID][]domain.DeviceID),
		mailbox:  make(map[domain.DeviceID][]domain.Envelope),
		maxQueue: maxQueue,
	}
}

var _ domain.RelayClient = (*Memory)(nil)

// PublishBundle replaces the device's bundle. One-time pre-keys that were
// already handed out are never served again.
func (m *Memory) PublishBundle(ctx context.Context, b domain.PreKeyBundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	served := m.served[b.DeviceID]
	b.OneTimePreKeys = slices.DeleteFunc(slices.Clone(b.OneTimePreKeys), func(k domain.OneTimePreKeyPublic) bool {
		_, ok := served[k.ID]
		return ok
	})
	m.bundles[b.DeviceID] = b
	return nil
}

// FetchBundle returns the device's bundle with at most one one-time pre-key,
// which is removed from the pool.
func (m *Memory) FetchBundle(ctx context.Context, device domain.DeviceID) (domain.PreKeyBundle, error) {
	if err := ctx.Err(); err != nil {
		return domain.PreKeyBundle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[device]
	if !ok {
		return domain.PreKeyBundle{}, fmt.Errorf("relay: bundle for %s: %w", device, domain.ErrNotFound)
	}
	out := b
	out.OneTimePreKeys = nil
	if len(b.OneTimePreKeys) > 0 {
		opk := b.OneTimePreKeys[0]
		out.OneTimePreKeys = []domain.OneTimePreKeyPublic{opk}
		b.OneTimePreKeys = slices.Clone(b.OneTimePreKeys[1:])
		m.bundles[device] = b
		if m.served[device] == nil {
			m.served[device] = make(map[domain.OneTimePreKeyID]struct{})
		}
		m.served[device][opk.ID] = struct{}{}
	}
	return out, nil
}

// LookupIdentity returns the device's published identity.
func (m *Memory) LookupIdentity(ctx context.Context, device domain.DeviceID) (domain.IdentityPublic, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdentityPublic{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[device]
	if !ok {
		return domain.IdentityPublic{}, fmt.Errorf("relay: identity of %s: %w", device, domain.ErrNotFound)
	}
	return b.Identity(), nil
}

// RemainingOneTimePreKeys reports how many one-time pre-keys are left in the
// device's published pool.
func (m *Memory) RemainingOneTimePreKeys(device domain.DeviceID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bundles[device].OneTimePreKeys)
}

// JoinConversation adds device to the conversation.
func (m *Memory) JoinConversation(ctx context.Context, conv domain.ConversationID, device domain.DeviceID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.members[conv], device) {
		m.members[conv] = append(m.members[conv], device)
	}
	return nil
}

// ConversationDevices lists the conversation's devices in join order.
func (m *Memory) ConversationDevices(ctx context.Context, conv domain.ConversationID) ([]domain.DeviceID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	devices, ok := m.members[conv]
	if !ok {
		return nil, fmt.Errorf("relay: conversation %s: %w", conv, domain.ErrNotFound)
	}
	return slices.Clone(devices), nil
}

// Post queues an envelope for its recipient.
func (m *Memory) Post(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxQueue > 0 && len(m.mailbox[env.To]) >= m.maxQueue {
		return fmt.Errorf("relay: mailbox of %s is full", env.To)
	}
	m.mailbox[env.To] = append(m.mailbox[env.To], env)
	return nil
}

// Fetch returns up to limit queued envelopes without removing them; limit <= 0
// returns all of them.
func (m *Memory) Fetch(ctx context.Context, device domain.DeviceID, limit int) ([]domain.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.mailbox[device]
	if limit > 0 && limit < len(q) {
		q = q[:limit]
	}
	return slices.Clone(q), nil
}

// Ack removes the first count envelopes of the device's mailbox.
func (m *Memory) Ack(ctx context.Context, device domain.DeviceID, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.mailbox[device]
	count = min(max(count, 0), len(q))
	m.mailbox[device] = slices.Clone(q[count:])
	return nil
}
