// Package stream turns provider text deltas into block replies. The
// assembler guarantees that emitted blocks never overlap and that a
// text_end carrying exactly the concatenated deltas adds nothing.
package stream

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/jholhewres/openclaw/pkg/openclaw/config"
)

// EmitFunc receives one finished block.
type EmitFunc func(text string)

// Assembler accumulates deltas for one text segment and emits blocks.
//
// With chunking disabled the whole segment is emitted as a single block
// on TextEnd. With chunking enabled, blocks are emitted as soon as the
// buffer crosses MinChars and a preferred break is available, or when
// MaxChars forces a flush; TextEnd then emits only the remaining tail.
type Assembler struct {
	cfg  config.BlockStreamConfig
	emit EmitFunc

	mu      sync.Mutex
	pending string // received but not yet emitted
	emitted string // total emitted for the current segment
	blocks  []string
}

// NewAssembler creates an assembler for one streaming segment sequence.
func NewAssembler(cfg config.BlockStreamConfig, emit EmitFunc) *Assembler {
	return &Assembler{cfg: cfg.Effective(), emit: emit}
}

// Push feeds one text delta.
func (a *Assembler) Push(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending += delta
	if a.cfg.Enabled {
		a.flushReadyLocked()
	}
}

// TextEnd closes the current segment. When content equals what the
// deltas already produced, nothing new is emitted; otherwise the
// unemitted remainder of content is flushed as the last block.
func (a *Assembler) TextEnd(content string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Trust the provider's final content when it extends or replaces
	// the delta stream.
	if content != "" {
		if strings.HasPrefix(content, a.emitted) {
			a.pending = content[len(a.emitted):]
		} else if content != a.emitted+a.pending {
			a.pending = content
		}
	}

	if a.pending != "" {
		a.emitLocked(a.pending)
		a.pending = ""
	}

	// Next segment starts clean.
	a.emitted = ""
}

// Finish flushes any buffered tail without a text_end (stream aborted).
func (a *Assembler) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != "" {
		a.emitLocked(a.pending)
		a.pending = ""
	}
}

// Blocks returns every block emitted so far.
func (a *Assembler) Blocks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.blocks...)
}

// Emitted returns the concatenated emitted text of the current segment.
func (a *Assembler) Emitted() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emitted
}

// flushReadyLocked emits chunks while the buffer satisfies the policy.
func (a *Assembler) flushReadyLocked() {
	for {
		if len(a.pending) < a.cfg.MinChars {
			return
		}
		if idx := a.breakIndex(); idx > 0 {
			a.emitLocked(a.pending[:idx])
			a.pending = a.pending[idx:]
			continue
		}
		if len(a.pending) >= a.cfg.MaxChars {
			cut := a.forcedCut()
			a.emitLocked(a.pending[:cut])
			a.pending = a.pending[cut:]
			continue
		}
		return
	}
}

// breakIndex finds the preferred break at or after MinChars, bounded by
// MaxChars. Paragraph breaks win over single newlines.
func (a *Assembler) breakIndex() int {
	window := a.pending
	if len(window) > a.cfg.MaxChars {
		window = window[:a.cfg.MaxChars]
	}

	if idx := strings.LastIndex(window, "\n\n"); idx+2 >= a.cfg.MinChars && idx >= 0 {
		return idx + 2
	}
	if a.cfg.BreakPreference == "newline" {
		if idx := strings.LastIndex(window, "\n"); idx+1 >= a.cfg.MinChars && idx >= 0 {
			return idx + 1
		}
	}
	return 0
}

// forcedCut is the MaxChars byte offset backed off to a rune boundary,
// so a forced flush never splits a multi-byte rune. A single rune wider
// than the cap is emitted whole.
func (a *Assembler) forcedCut() int {
	cut := a.cfg.MaxChars
	if cut >= len(a.pending) {
		return len(a.pending)
	}
	for cut > 0 && !utf8.RuneStart(a.pending[cut]) {
		cut--
	}
	if cut == 0 {
		_, n := utf8.DecodeRuneInString(a.pending)
		return n
	}
	return cut
}

func (a *Assembler) emitLocked(text string) {
	a.emitted += text
	a.blocks = append(a.blocks, text)
	if a.emit != nil {
		a.emit(text)
	}
}
