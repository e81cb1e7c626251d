package dispatch

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/openclaw/pkg/openclaw/config"
)

type capture struct {
	mu    sync.Mutex
	kinds []Kind
	texts []string
	slow  time.Duration
}

func (c *capture) deliver(kind Kind, p Payload) error {
	if c.slow > 0 && kind == KindTool {
		time.Sleep(c.slow)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
	c.texts = append(c.texts, p.Text)
	return nil
}

func (c *capture) snapshot() ([]Kind, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Kind{}, c.kinds...), append([]string{}, c.texts...)
}

func TestFIFOAcrossKinds(t *testing.T) {
	c := &capture{slow: 20 * time.Millisecond}
	d := New(Options{Deliver: c.deliver}, nil)

	d.SendTool(Payload{Text: "tool output"})
	d.SendBlock(Payload{Text: "block one"})
	d.SendFinal(Payload{Text: "final"})
	d.MarkComplete()
	d.Wait()

	kinds, texts := c.snapshot()
	want := []Kind{KindTool, KindBlock, KindFinal}
	if len(kinds) != 3 {
		t.Fatalf("delivered %d, want 3: %v", len(kinds), texts)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("position %d = %s, want %s (slow tool must not be overtaken)", i, kinds[i], want[i])
		}
	}
}

func TestDropEmptyAndWhitespace(t *testing.T) {
	c := &capture{}
	d := New(Options{Deliver: c.deliver}, nil)

	if d.SendBlock(Payload{Text: ""}) {
		t.Error("empty text should be dropped")
	}
	if d.SendBlock(Payload{Text: "   \n\t"}) {
		t.Error("whitespace-only text should be dropped")
	}
	if !d.SendBlock(Payload{Text: "", MediaURL: "https://x/img.png"}) {
		t.Error("media-only payload should be delivered")
	}
	d.MarkComplete()
	d.Wait()
}

func TestSilentToken(t *testing.T) {
	c := &capture{}
	d := New(Options{Deliver: c.deliver}, nil)

	if d.SendFinal(Payload{Text: SilentReplyToken}) {
		t.Error("bare silent token should be dropped")
	}
	if d.SendFinal(Payload{Text: SilentReplyToken + " -- nothing to say"}) {
		t.Error("silent token with comment should be dropped")
	}
	if !d.SendFinal(Payload{Text: SilentReplyToken, MediaURL: "https://x/a.ogg"}) {
		t.Error("silent token with media should deliver the media")
	}
	d.MarkComplete()
	d.Wait()

	_, texts := c.snapshot()
	if len(texts) != 1 || texts[0] != "" {
		t.Errorf("silent media delivery should carry empty text, got %v", texts)
	}
}

func TestHeartbeatStripping(t *testing.T) {
	c := &capture{}
	var strips int
	var mu sync.Mutex
	d := New(Options{
		Deliver:          c.deliver,
		OnHeartbeatStrip: func() { mu.Lock(); strips++; mu.Unlock() },
	}, nil)

	if d.SendBlock(Payload{Text: HeartbeatToken}) {
		t.Error("lone heartbeat should be dropped")
	}
	if !d.SendBlock(Payload{Text: "still here " + HeartbeatToken}) {
		t.Error("text around heartbeat should survive")
	}
	d.MarkComplete()
	d.Wait()

	_, texts := c.snapshot()
	if len(texts) != 1 || texts[0] != "still here" {
		t.Errorf("texts = %v, want stripped text", texts)
	}
	mu.Lock()
	defer mu.Unlock()
	if strips != 2 {
		t.Errorf("strips = %d, want 2", strips)
	}
}

func TestResponsePrefixNoDoublePrefix(t *testing.T) {
	c := &capture{}
	d := New(Options{Deliver: c.deliver, ResponsePrefix: "[bot] "}, nil)

	d.SendFinal(Payload{Text: "plain answer"})
	d.SendFinal(Payload{Text: "[bot] already prefixed"})
	d.SendFinal(Payload{Text: "", MediaURL: "https://x/f.png"})
	d.MarkComplete()
	d.Wait()

	_, texts := c.snapshot()
	if texts[0] != "[bot] plain answer" {
		t.Errorf("texts[0] = %q", texts[0])
	}
	if texts[1] != "[bot] already prefixed" {
		t.Errorf("double-prefixed: %q", texts[1])
	}
	if texts[2] != "" {
		t.Errorf("media-only delivery should keep empty text, got %q", texts[2])
	}
}

func TestHumanDelayFirstBlockImmediate(t *testing.T) {
	c := &capture{}
	var delays []time.Duration
	var mu sync.Mutex
	d := New(Options{
		Deliver:    c.deliver,
		HumanDelay: config.HumanDelayConfig{Mode: "uniform", MinMs: 100, MaxMs: 200},
		sleep: func(dur time.Duration) {
			mu.Lock()
			delays = append(delays, dur)
			mu.Unlock()
		},
	}, nil)

	d.SendBlock(Payload{Text: "one"})
	d.SendBlock(Payload{Text: "two"})
	d.SendBlock(Payload{Text: "three"})
	d.MarkComplete()
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 2 {
		t.Fatalf("delays = %v, want 2 (first block immediate)", delays)
	}
	for _, delay := range delays {
		if delay < 100*time.Millisecond || delay > 200*time.Millisecond {
			t.Errorf("delay %v outside [100ms, 200ms]", delay)
		}
	}
}

func TestHumanDelayClampWhenMaxBelowMin(t *testing.T) {
	d := New(Options{
		Deliver:    func(Kind, Payload) error { return nil },
		HumanDelay: config.HumanDelayConfig{Mode: "uniform", MinMs: 500, MaxMs: 100},
	}, nil)
	defer func() { d.MarkComplete(); d.Wait() }()

	if got := d.humanDelay(); got != 500*time.Millisecond {
		t.Errorf("delay = %v, want exactly min 500ms", got)
	}
}

func TestNaturalDelayDefaultsMin800(t *testing.T) {
	hd := config.HumanDelayConfig{Mode: "natural"}.Effective()
	if hd.MinMs != 800 {
		t.Errorf("natural min = %d, want 800", hd.MinMs)
	}
}

func TestOnIdleFiresOnceAfterDrain(t *testing.T) {
	c := &capture{}
	var idle int
	var mu sync.Mutex
	d := New(Options{
		Deliver: c.deliver,
		OnIdle:  func() { mu.Lock(); idle++; mu.Unlock() },
	}, nil)

	d.SendFinal(Payload{Text: "bye"})
	d.MarkComplete()
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if idle != 1 {
		t.Errorf("onIdle fired %d times, want 1", idle)
	}

	_, texts := c.snapshot()
	if len(texts) != 1 {
		t.Errorf("final before MarkComplete must deliver: %v", texts)
	}
}

func TestNoSendsAfterComplete(t *testing.T) {
	c := &capture{}
	d := New(Options{Deliver: c.deliver}, nil)
	d.MarkComplete()
	if d.SendBlock(Payload{Text: "late block"}) {
		t.Error("block after completion should be rejected")
	}
	d.Wait()

	_, texts := c.snapshot()
	for _, txt := range texts {
		if strings.Contains(txt, "late") {
			t.Errorf("late payload delivered: %v", texts)
		}
	}
}

func TestLateFinalDroppedAndReported(t *testing.T) {
	c := &capture{}
	var mu sync.Mutex
	var reported []error
	d := New(Options{
		Deliver: c.deliver,
		OnError: func(err error) { mu.Lock(); reported = append(reported, err); mu.Unlock() },
	}, nil)

	d.MarkComplete()
	d.Wait() // worker has drained and exited

	if d.SendFinal(Payload{Text: "final after drain"}) {
		t.Error("final after completion should be rejected")
	}

	_, texts := c.snapshot()
	if len(texts) != 0 {
		t.Errorf("late final delivered: %v", texts)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 {
		t.Errorf("drop reported %d times through OnError, want 1", len(reported))
	}
}
