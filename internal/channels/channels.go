// Package channels connects external messaging transports to the gateway.
// Adapters never touch storage or the bus directly; every inbound message
// and status change goes through the Sink, which the gateway core
// implements.
package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// Inbound is one message arriving from a transport, before sanitizing
// and policy checks.
type Inbound struct {
	ChannelID string
	ChatID    string
	ChatKind  string // "dm" or "group"
	SenderID  string
	MessageID string
	Text      string
	TS        time.Time
}

// Outbound is final agent output headed back to a chat.
type Outbound struct {
	ChannelID string
	ChatID    string
	Text      string
}

// Sink is the gateway-side receiver for adapter traffic.
type Sink interface {
	// IngestInbound runs the inbound pipeline: sanitize, policy, rate
	// limit, persist, publish.
	IngestInbound(ctx context.Context, msg Inbound) error
	// SetChannelStatus records and broadcasts an adapter status change.
	SetChannelStatus(ctx context.Context, channelID string, status store.ChannelStatus)
}

// Adapter is one running transport bound to a channel id.
type Adapter interface {
	ID() string
	Kind() store.ChannelKind
	// Start begins receiving. Non-blocking after setup; receive loops run
	// until Stop or ctx cancellation.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Send delivers agent output to the transport.
	Send(ctx context.Context, msg Outbound) error
}

// Manager owns the adapter set and routes outbound sends by channel id.
type Manager struct {
	log  *slog.Logger
	sink Sink

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewManager creates an empty manager.
func NewManager(log *slog.Logger, sink Sink) *Manager {
	return &Manager{log: log, sink: sink, adapters: make(map[string]Adapter)}
}

// Register adds an adapter before StartAll.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	m.adapters[a.ID()] = a
	m.mu.Unlock()
}

// Get returns the adapter for a channel id.
func (m *Manager) Get(channelID string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[channelID]
	return a, ok
}

// StartAll starts every registered adapter. A failing adapter is marked
// offline and skipped; the gateway comes up with whatever transports work.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, a := range m.adapters {
		m.sink.SetChannelStatus(ctx, id, store.ChannelConnecting)
		if err := a.Start(ctx); err != nil {
			m.log.Error("channel.start_failed", "channel_id", id, "kind", a.Kind(), "error", err)
			m.sink.SetChannelStatus(ctx, id, store.ChannelOffline)
			continue
		}
		m.log.Info("channel.started", "channel_id", id, "kind", a.Kind())
		m.sink.SetChannelStatus(ctx, id, store.ChannelOnline)
	}
}

// StopAll stops every adapter and marks them offline.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, a := range m.adapters {
		if err := a.Stop(ctx); err != nil {
			m.log.Warn("channel.stop_failed", "channel_id", id, "error", err)
		}
		m.sink.SetChannelStatus(ctx, id, store.ChannelOffline)
	}
}

// Send routes outbound text to the owning adapter.
func (m *Manager) Send(ctx context.Context, msg Outbound) error {
	a, ok := m.Get(msg.ChannelID)
	if !ok {
		return store.ErrNotFound
	}
	return a.Send(ctx, msg)
}
