// Package dispatch delivers a run's outbound payloads in order. All
// three reply kinds share one FIFO so slow tool posts cannot be
// overtaken by final replies, and in-band control tokens (silent,
// heartbeat) are filtered before anything reaches a channel.
package dispatch

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/openclaw/pkg/openclaw/config"
)

// SilentReplyToken asks for no visible reply at all.
const SilentReplyToken = "NO_REPLY"

// HeartbeatToken marks keepalive text that must never reach users.
const HeartbeatToken = "HEARTBEAT_OK"

// Kind is the reply kind.
type Kind string

const (
	KindTool  Kind = "tool"
	KindBlock Kind = "block"
	KindFinal Kind = "final"
)

// Payload is one outbound reply.
type Payload struct {
	Text     string
	MediaURL string
	Blocks   []string

	// ReplyToID threads the reply under a provider message.
	ReplyToID string

	// ChannelData carries channel-specific directives (buttons,
	// location, confirm prompts) parsed out of the text.
	ChannelData map[string]any
}

func (p Payload) hasMedia() bool {
	return p.MediaURL != "" || len(p.Blocks) > 0
}

// DeliverFunc sends one payload to the originating channel. It is
// awaited fully before the next queued item starts.
type DeliverFunc func(kind Kind, p Payload) error

// Options configures a dispatcher for one run.
type Options struct {
	Deliver        DeliverFunc
	ResponsePrefix string
	HumanDelay     config.HumanDelayConfig

	// OnError observes delivery failures (delivery continues).
	OnError func(error)

	// OnIdle fires once: after MarkComplete and a fully drained queue.
	OnIdle func()

	// OnHeartbeatStrip observes every stripped heartbeat token.
	OnHeartbeatStrip func()

	// Test seams; nil means real time and math/rand.
	sleep func(time.Duration)
	randn func(int) int
}

type queued struct {
	kind Kind
	p    Payload
}

// Dispatcher serializes reply delivery for one run.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []queued
	completed bool
	idleFired bool
	sentBlock bool

	sleep func(time.Duration)
	randn func(int) int

	done chan struct{}
}

// New creates a dispatcher and starts its worker.
func New(opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		opts:   opts,
		logger: logger.With("component", "dispatch"),
		sleep:  time.Sleep,
		randn:  rand.Intn,
		done:   make(chan struct{}),
	}
	if opts.sleep != nil {
		d.sleep = opts.sleep
	}
	if opts.randn != nil {
		d.randn = opts.randn
	}
	d.opts.HumanDelay = d.opts.HumanDelay.Effective()
	d.cond = sync.NewCond(&d.mu)
	go d.worker()
	return d
}

// SendTool enqueues a tool reply. Returns false when filtered out.
func (d *Dispatcher) SendTool(p Payload) bool { return d.send(KindTool, p) }

// SendBlock enqueues a block reply. Returns false when filtered out.
func (d *Dispatcher) SendBlock(p Payload) bool { return d.send(KindBlock, p) }

// SendFinal enqueues the final reply. Accepted during the run and up to
// MarkComplete; a final arriving after MarkComplete is dropped and
// reported through OnError. Returns false when filtered out.
func (d *Dispatcher) SendFinal(p Payload) bool { return d.send(KindFinal, p) }

// MarkComplete signals that no further payloads will arrive. OnIdle
// fires once the queue drains.
func (d *Dispatcher) MarkComplete() {
	d.mu.Lock()
	d.completed = true
	d.mu.Unlock()
	d.cond.Signal()
}

// Wait blocks until the worker exits (queue drained after completion).
func (d *Dispatcher) Wait() {
	<-d.done
}

// send filters and enqueues one payload.
func (d *Dispatcher) send(kind Kind, p Payload) bool {
	text := p.Text

	// Empty text with no media is nothing to deliver.
	if strings.TrimSpace(text) == "" && !p.hasMedia() {
		return false
	}

	// Silent replies: drop outright, or strip the marker and keep
	// attached media.
	if isSilent(text) {
		if !p.hasMedia() {
			return false
		}
		text = ""
	}

	// Heartbeats are control traffic; a lone heartbeat is dropped.
	if strings.Contains(text, HeartbeatToken) {
		if d.opts.OnHeartbeatStrip != nil {
			d.opts.OnHeartbeatStrip()
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, HeartbeatToken, ""))
		if text == "" && !p.hasMedia() {
			return false
		}
	}

	if d.opts.ResponsePrefix != "" && text != "" && !strings.HasPrefix(text, d.opts.ResponsePrefix) {
		text = d.opts.ResponsePrefix + text
	}
	p.Text = text

	d.mu.Lock()
	if d.completed {
		// The worker may already have drained and exited; nothing
		// enqueued now is guaranteed delivery.
		d.mu.Unlock()
		if kind == KindFinal && d.opts.OnError != nil {
			d.opts.OnError(fmt.Errorf("dispatch: final payload after completion dropped"))
		}
		return false
	}
	d.queue = append(d.queue, queued{kind: kind, p: p})
	d.mu.Unlock()
	d.cond.Signal()
	return true
}

// worker drains the FIFO, one awaited delivery at a time.
func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.completed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.completed {
			fireIdle := !d.idleFired && d.opts.OnIdle != nil
			d.idleFired = true
			d.mu.Unlock()
			if fireIdle {
				d.opts.OnIdle()
			}
			return
		}
		item := d.queue[0]
		d.queue = d.queue[1:]
		delayed := item.kind == KindBlock && d.sentBlock
		if item.kind == KindBlock {
			d.sentBlock = true
		}
		d.mu.Unlock()

		// Pacing never re-orders: the delay happens on the worker,
		// before this item, with the queue order already fixed.
		if delayed {
			if delay := d.humanDelay(); delay > 0 {
				d.sleep(delay)
			}
		}

		if err := d.opts.Deliver(item.kind, item.p); err != nil {
			d.logger.Warn("delivery failed", "kind", item.kind, "error", err)
			if d.opts.OnError != nil {
				d.opts.OnError(err)
			}
		}
	}
}

// humanDelay computes the pacing delay for block replies after the
// first. MaxMs at or below MinMs pins the delay to MinMs.
func (d *Dispatcher) humanDelay() time.Duration {
	hd := d.opts.HumanDelay
	switch hd.Mode {
	case "uniform", "natural":
		minMs := hd.MinMs
		maxMs := hd.MaxMs
		if maxMs <= minMs {
			return time.Duration(minMs) * time.Millisecond
		}
		return time.Duration(minMs+d.randn(maxMs-minMs)) * time.Millisecond
	default:
		return 0
	}
}

// isSilent matches the silent token alone or with a trailing comment
// ("NO_REPLY -- reasoning").
func isSilent(text string) bool {
	t := strings.TrimSpace(text)
	if t == SilentReplyToken {
		return true
	}
	return strings.HasPrefix(t, SilentReplyToken+" --")
}
