package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// dedupeTTL bounds how long an inbound message id is remembered.
// Platforms redeliver on reconnect; anything older than this is a
// genuinely new message.
const dedupeTTL = 5 * time.Minute

// dedupeMax caps the dedupe cache size.
const dedupeMax = 4096

// Handler consumes one deduplicated inbound message.
type Handler func(ctx context.Context, msg *Incoming)

// Manager owns the registered adapters: it connects them, fans their
// inbound streams into a single handler behind a dedupe cache, and
// routes outbound sends and announcements to the right adapter.
type Manager struct {
	logger  *slog.Logger
	handler Handler

	mu       sync.Mutex
	adapters map[string]Channel
	seen     map[string]time.Time
	wg       sync.WaitGroup
	started  bool

	now func() time.Time
}

// NewManager creates a manager delivering inbound messages to handler.
func NewManager(handler Handler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "channels"),
		handler:  handler,
		adapters: make(map[string]Channel),
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Register adds an adapter. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("channels: cannot register %q after start", ch.Name())
	}
	if _, ok := m.adapters[ch.Name()]; ok {
		return fmt.Errorf("channels: adapter %q already registered", ch.Name())
	}
	m.adapters[ch.Name()] = ch
	return nil
}

// Start connects every adapter and begins fan-in. A failing adapter is
// logged and skipped; the rest keep running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("channels: already started")
	}
	m.started = true
	adapters := make([]Channel, 0, len(m.adapters))
	for _, ch := range m.adapters {
		adapters = append(adapters, ch)
	}
	m.mu.Unlock()

	for _, ch := range adapters {
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("adapter connect failed", "channel", ch.Name(), "error", err)
			continue
		}
		m.wg.Add(1)
		go m.fanIn(ctx, ch)
		m.logger.Info("adapter connected", "channel", ch.Name())
	}
	return nil
}

// Stop disconnects every adapter and waits for fan-in to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	adapters := make([]Channel, 0, len(m.adapters))
	for _, ch := range m.adapters {
		adapters = append(adapters, ch)
	}
	m.mu.Unlock()

	for _, ch := range adapters {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("adapter disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
	m.wg.Wait()
}

// Send routes an outgoing message to the named adapter.
func (m *Manager) Send(ctx context.Context, channel, to string, msg *Outgoing) error {
	ch, err := m.adapter(channel)
	if err != nil {
		return err
	}
	return ch.Send(ctx, to, msg)
}

// Announce delivers scheduled-job output through the normal adapter
// path. Satisfies the scheduler's announcer contract.
func (m *Manager) Announce(ctx context.Context, channel, to, text string) error {
	return m.Send(ctx, channel, to, &Outgoing{Text: text})
}

// Health returns per-adapter health keyed by channel name.
func (m *Manager) Health() map[string]Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Health, len(m.adapters))
	for name, ch := range m.adapters {
		out[name] = ch.Health()
	}
	return out
}

func (m *Manager) adapter(name string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.adapters[name]
	if !ok {
		return nil, fmt.Errorf("channels: %q: %w", name, ErrUnknownChannel)
	}
	return ch, nil
}

// fanIn pumps one adapter's stream into the handler.
func (m *Manager) fanIn(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			if m.duplicate(msg) {
				m.logger.Debug("duplicate inbound dropped",
					"channel", msg.Channel, "message_id", msg.MessageID)
				continue
			}
			m.handler(ctx, msg)
		}
	}
}

// duplicate records the message id and reports whether it was already
// seen inside the TTL window. Messages without an id always pass.
func (m *Manager) duplicate(msg *Incoming) bool {
	if msg.MessageID == "" {
		return false
	}
	key := msg.Channel + ":" + msg.MessageID
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if at, ok := m.seen[key]; ok && now.Sub(at) < dedupeTTL {
		return true
	}
	if len(m.seen) >= dedupeMax {
		for k, at := range m.seen {
			if now.Sub(at) >= dedupeTTL {
				delete(m.seen, k)
			}
		}
		// Still full after pruning expired entries: drop the oldest.
		for len(m.seen) >= dedupeMax {
			var oldestKey string
			var oldestAt time.Time
			for k, at := range m.seen {
				if oldestKey == "" || at.Before(oldestAt) {
					oldestKey, oldestAt = k, at
				}
			}
			delete(m.seen, oldestKey)
		}
	}
	m.seen[key] = now
	return false
}
