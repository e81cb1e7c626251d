package channels

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	name      string
	in        chan *Incoming
	connected bool

	mu   sync.Mutex
	sent []string
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan *Incoming, 16)}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect() error {
	if f.connected {
		f.connected = false
		close(f.in)
	}
	return nil
}

func (f *fakeChannel) Send(_ context.Context, to string, msg *Outgoing) error {
	f.mu.Lock()
	f.sent = append(f.sent, to+"|"+msg.Text)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Receive() <-chan *Incoming { return f.in }
func (f *fakeChannel) IsConnected() bool         { return f.connected }
func (f *fakeChannel) Health() Health            { return Health{Connected: f.connected} }

func (f *fakeChannel) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func collectHandler() (Handler, func() []*Incoming) {
	var mu sync.Mutex
	var got []*Incoming
	h := func(_ context.Context, msg *Incoming) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}
	return h, func() []*Incoming {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Incoming(nil), got...)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFanInDeliversToHandler(t *testing.T) {
	handler, got := collectHandler()
	m := NewManager(handler, nil)
	tg := newFakeChannel("telegram")
	dc := newFakeChannel("discord")
	if err := m.Register(tg); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(dc); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tg.in <- &Incoming{Channel: "telegram", MessageID: "1", Text: "hi"}
	dc.in <- &Incoming{Channel: "discord", MessageID: "1", Text: "hello"}

	waitFor(t, func() bool { return len(got()) == 2 })
	m.Stop()

	channels := map[string]bool{}
	for _, msg := range got() {
		channels[msg.Channel] = true
	}
	if !channels["telegram"] || !channels["discord"] {
		t.Errorf("messages from both adapters expected, got %v", channels)
	}
}

func TestDuplicateInboundDropped(t *testing.T) {
	handler, got := collectHandler()
	m := NewManager(handler, nil)
	tg := newFakeChannel("telegram")
	if err := m.Register(tg); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tg.in <- &Incoming{Channel: "telegram", MessageID: "42", Text: "first"}
	tg.in <- &Incoming{Channel: "telegram", MessageID: "42", Text: "redelivery"}
	tg.in <- &Incoming{Channel: "telegram", MessageID: "43", Text: "second"}

	waitFor(t, func() bool { return len(got()) == 2 })
	m.Stop()

	msgs := got()
	if len(msgs) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(msgs))
	}
	if msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Errorf("wrong messages survived dedupe: %q, %q", msgs[0].Text, msgs[1].Text)
	}
}

func TestDedupeExpiresAfterTTL(t *testing.T) {
	handler, _ := collectHandler()
	m := NewManager(handler, nil)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	msg := &Incoming{Channel: "telegram", MessageID: "7"}
	if m.duplicate(msg) {
		t.Fatal("first sighting reported as duplicate")
	}
	if !m.duplicate(msg) {
		t.Fatal("second sighting inside TTL not reported")
	}
	current = base.Add(dedupeTTL + time.Second)
	if m.duplicate(msg) {
		t.Error("sighting after TTL still reported as duplicate")
	}
}

func TestMissingMessageIDNeverDeduped(t *testing.T) {
	handler, _ := collectHandler()
	m := NewManager(handler, nil)
	msg := &Incoming{Channel: "telegram"}
	if m.duplicate(msg) || m.duplicate(msg) {
		t.Error("messages without an id must always pass")
	}
}

func TestAnnounceRoutesToAdapter(t *testing.T) {
	handler, _ := collectHandler()
	m := NewManager(handler, nil)
	tg := newFakeChannel("telegram")
	if err := m.Register(tg); err != nil {
		t.Fatal(err)
	}

	if err := m.Announce(context.Background(), "telegram", "12345", "job done"); err != nil {
		t.Fatal(err)
	}
	sent := tg.sentMessages()
	if len(sent) != 1 || sent[0] != "12345|job done" {
		t.Errorf("sent = %v", sent)
	}

	if err := m.Announce(context.Background(), "signal", "x", "y"); err == nil {
		t.Error("announce to unregistered channel should fail")
	}
}

func TestRegisterAfterStartRejected(t *testing.T) {
	handler, _ := collectHandler()
	m := NewManager(handler, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	if err := m.Register(newFakeChannel("late")); err == nil {
		t.Error("register after start should fail")
	}
}
