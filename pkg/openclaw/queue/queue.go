// Package queue implements the per-session follow-up queue: messages
// that arrive while a run is in flight are absorbed here and drained
// serially once the session frees up. Queues debounce bursts, dedupe by
// message id, merge same-target items in collect mode, and summarize
// overflow instead of silently dropping.
package queue

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/openclaw/pkg/openclaw/config"
)

// collectTitle heads a merged prompt built from queued items.
const collectTitle = "[Queued messages while agent was busy]"

// previewLen bounds per-item previews in overflow summaries.
const previewLen = 80

// Target identifies where a queued item originated and where its reply
// must go.
type Target struct {
	Channel   string
	To        string
	AccountID string
	Thread    string
}

// compositeKey is the collect-mode grouping key.
func (t Target) compositeKey() string {
	return t.Channel + "\x00" + t.To + "\x00" + t.AccountID + "\x00" + t.Thread
}

// routable reports whether the origin can be re-targeted for delivery.
func (t Target) routable() bool {
	return t.Channel != "" && t.To != ""
}

// Item is one queued follow-up.
type Item struct {
	Prompt     string
	MessageID  string
	Target     Target
	EnqueuedAt time.Time

	// Collected marks a prompt synthesized by the drain loop (collect
	// or overflow summary); these never merge again.
	Collected bool
}

// RunFunc executes one follow-up outside any queue lock. Returning an
// error requeues the item and reschedules the drain.
type RunFunc func(sessionKey string, item Item) error

// followupQueue is the per-session state.
type followupQueue struct {
	items          []Item
	draining       bool
	forcedIndiv    bool
	lastEnqueuedAt time.Time
	droppedCount   int
	droppedPreview []string
}

// Manager owns all follow-up queues.
type Manager struct {
	cfg    config.QueueConfig
	run    RunFunc
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*followupQueue

	now   func() time.Time
	sleep func(time.Duration)
}

// NewManager creates a queue manager. run is invoked for every drained
// item.
func NewManager(cfg config.QueueConfig, run RunFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg.Effective(),
		run:    run,
		logger: logger.With("component", "queue"),
		queues: make(map[string]*followupQueue),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// modeFor resolves the drain mode for a channel.
func (m *Manager) modeFor(channel string) config.QueueMode {
	if mode, ok := m.cfg.ByChannel[channel]; ok {
		return mode
	}
	return m.cfg.Mode
}

// Enqueue absorbs an item for a session key. It returns false when the
// item was deduplicated or dropped by policy.
func (m *Manager) Enqueue(sessionKey string, item Item) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[sessionKey]
	if q == nil {
		q = &followupQueue{}
		m.queues[sessionKey] = q
	}

	// Dedupe by message id; optionally by (channel, to, prompt) when
	// the id is absent. Never across providers without a matching id.
	for _, existing := range q.items {
		if item.MessageID != "" && existing.MessageID == item.MessageID {
			return false
		}
		if m.cfg.DedupeByPrompt && item.MessageID == "" && existing.MessageID == "" &&
			existing.Target.Channel == item.Target.Channel &&
			existing.Target.To == item.Target.To &&
			existing.Prompt == item.Prompt {
			return false
		}
	}

	if len(q.items) >= m.cfg.Cap {
		switch m.cfg.DropPolicy {
		case config.DropNewest:
			return false
		case config.DropOldest:
			q.items = q.items[1:]
		default: // summarize: keep most recent, remember what fell off
			dropped := q.items[0]
			q.items = q.items[1:]
			q.droppedCount++
			q.droppedPreview = append(q.droppedPreview, preview(dropped.Prompt))
		}
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = m.now()
	}
	q.items = append(q.items, item)
	q.lastEnqueuedAt = m.now()
	return true
}

// Len returns the queued item count for a key.
func (m *Manager) Len(sessionKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[sessionKey]; q != nil {
		return len(q.items)
	}
	return 0
}

// ScheduleDrain starts the drain loop for a key unless one is already
// running. Re-scheduling is idempotent.
func (m *Manager) ScheduleDrain(sessionKey string) {
	m.mu.Lock()
	q := m.queues[sessionKey]
	if q == nil || q.draining {
		m.mu.Unlock()
		return
	}
	q.draining = true
	m.mu.Unlock()

	go m.drain(sessionKey, q)
}

// DrainSync runs the drain loop on the caller's goroutine. Used by
// tests and by callers that already run on a worker.
func (m *Manager) DrainSync(sessionKey string) {
	m.mu.Lock()
	q := m.queues[sessionKey]
	if q == nil || q.draining {
		m.mu.Unlock()
		return
	}
	q.draining = true
	m.mu.Unlock()

	m.drain(sessionKey, q)
}

// drain is the single-drainer loop for one queue. The draining flag
// guarantees no other drainer touches the queue until this one exits.
func (m *Manager) drain(sessionKey string, q *followupQueue) {
	for {
		m.debounce(q)

		m.mu.Lock()

		if len(q.items) == 0 && q.droppedCount == 0 {
			q.draining = false
			delete(m.queues, sessionKey)
			m.mu.Unlock()
			return
		}

		mode := m.cfg.Mode
		if len(q.items) > 0 {
			mode = m.modeFor(q.items[0].Target.Channel)
		}

		// Collect mode: merge only when every item shares one routable
		// target. Mixed or unroutable origins force one-by-one runs for
		// the rest of this drain, preserving per-item routing.
		if mode == config.QueueModeCollect && !q.forcedIndiv && len(q.items) > 0 {
			if m.mixedTargets(q) {
				q.forcedIndiv = true
			} else {
				snapshot := q.items
				dropped, previews := q.droppedCount, q.droppedPreview
				q.items = nil
				q.droppedCount, q.droppedPreview = 0, nil
				target := snapshot[0].Target
				m.mu.Unlock()

				merged := Item{
					Prompt:    buildCollectPrompt(snapshot, dropped, previews),
					Target:    target,
					Collected: true,
				}
				if len(snapshot) == 1 && dropped == 0 {
					merged = snapshot[0]
				}
				if err := m.run(sessionKey, merged); err != nil {
					m.requeueFront(q, snapshot, dropped, previews)
				}
				continue
			}
		}

		// Followup mode emits one overflow summary before the next real
		// item, then forgets the drop state.
		if q.droppedCount > 0 && (mode == config.QueueModeFollowup || q.forcedIndiv) {
			dropped, previews := q.droppedCount, q.droppedPreview
			q.droppedCount, q.droppedPreview = 0, nil
			var target Target
			if len(q.items) > 0 {
				target = q.items[0].Target
			}
			m.mu.Unlock()

			summary := Item{
				Prompt:    buildOverflowSummary(dropped, previews),
				Target:    target,
				Collected: true,
			}
			if err := m.run(sessionKey, summary); err != nil {
				m.mu.Lock()
				q.droppedCount, q.droppedPreview = dropped, previews
				q.lastEnqueuedAt = m.now()
				m.mu.Unlock()
			}
			continue
		}

		// Pop the head and run it.
		head := q.items[0]
		q.items = q.items[1:]
		m.mu.Unlock()

		if err := m.run(sessionKey, head); err != nil {
			m.logger.Warn("followup failed, requeuing", "session", sessionKey, "error", err)
			m.requeueFront(q, []Item{head}, 0, nil)
		}
	}
}

// debounce waits until the queue has been quiet for DebounceMs.
func (m *Manager) debounce(q *followupQueue) {
	window := time.Duration(m.cfg.DebounceMs) * time.Millisecond
	for {
		m.mu.Lock()
		if len(q.items) == 0 {
			m.mu.Unlock()
			return
		}
		elapsed := m.now().Sub(q.lastEnqueuedAt)
		m.mu.Unlock()

		if elapsed >= window {
			return
		}
		m.sleep(window - elapsed)
	}
}

// mixedTargets reports distinct or unroutable origins (caller holds mu).
func (m *Manager) mixedTargets(q *followupQueue) bool {
	first := q.items[0].Target
	if !first.routable() {
		return true
	}
	for _, it := range q.items[1:] {
		if !it.Target.routable() || it.Target.compositeKey() != first.compositeKey() {
			return true
		}
	}
	return false
}

// requeueFront restores items after a failed run so nothing is lost,
// and pushes lastEnqueuedAt forward so the next drain debounces again.
func (m *Manager) requeueFront(q *followupQueue, items []Item, dropped int, previews []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.items = append(append([]Item{}, items...), q.items...)
	q.droppedCount += dropped
	q.droppedPreview = append(previews, q.droppedPreview...)
	q.lastEnqueuedAt = m.now()
}

// buildCollectPrompt merges queued items into one numbered prompt.
func buildCollectPrompt(items []Item, dropped int, previews []string) string {
	var b strings.Builder
	b.WriteString(collectTitle)
	for i, it := range items {
		fmt.Fprintf(&b, "\n---\nQueued #%d\n%s", i+1, it.Prompt)
	}
	if dropped > 0 {
		b.WriteString("\n---\n")
		b.WriteString(buildOverflowSummary(dropped, previews))
	}
	return b.String()
}

// buildOverflowSummary describes items dropped by the cap.
func buildOverflowSummary(dropped int, previews []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Queue overflow] Dropped %d message(s) due to cap.", dropped)
	for _, p := range previews {
		b.WriteString("\n- ")
		b.WriteString(p)
	}
	return b.String()
}

func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > previewLen {
		return s[:previewLen] + "…"
	}
	return s
}
