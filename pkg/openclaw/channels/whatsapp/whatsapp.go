// Package whatsapp implements the WhatsApp adapter using whatsmeow.
// Device state persists in SQLite; first login runs the QR pairing
// flow in the background so the server can start immediately.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // device store driver

	"github.com/jholhewres/openclaw/pkg/openclaw/channels"
)

// Config holds the WhatsApp adapter configuration.
type Config struct {
	// StorePath is the SQLite file holding the whatsmeow device tables.
	StorePath string `yaml:"store_path"`

	// AccountID tags inbound messages; defaults to the device JID user.
	AccountID string `yaml:"account_id"`
}

// WhatsApp implements channels.Channel.
type WhatsApp struct {
	cfg    Config
	logger *slog.Logger
	client *whatsmeow.Client

	messages  chan *channels.Incoming
	connected atomic.Bool
	closed    atomic.Bool
	lastMsg   atomic.Value // time.Time
	errors    atomic.Int64

	cancel context.CancelFunc
}

// New creates a WhatsApp adapter.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.Incoming, 256),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect opens the device store and the WhatsApp Web connection. When
// no session exists the QR pairing flow runs in the background and the
// code is logged for scanning.
func (w *WhatsApp) Connect(ctx context.Context) error {
	if w.cfg.StorePath == "" {
		return fmt.Errorf("whatsapp: store path is required")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	container, err := sqlstore.New(runCtx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.StorePath),
		waLog.Noop)
	if err != nil {
		cancel()
		return fmt.Errorf("whatsapp: opening device store: %w", err)
	}

	device, err := w.getDevice(runCtx, container)
	if err != nil {
		cancel()
		return fmt.Errorf("whatsapp: loading device: %w", err)
	}
	store.SetOSInfo("OpenClaw", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.logger.Info("no session, starting QR pairing")
		go func() {
			if err := w.loginWithQR(runCtx); err != nil {
				w.logger.Warn("QR pairing pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("connected", "jid", w.client.Store.ID.String())
	return nil
}

// Disconnect closes the connection and the inbound stream.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.closed.CompareAndSwap(false, true) {
		close(w.messages)
	}
	w.logger.Info("disconnected")
	return nil
}

// Send delivers one text message to a JID or bare phone number.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.Outgoing) error {
	if !w.connected.Load() {
		return channels.ErrDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid recipient %q: %w", to, err)
	}

	text := msg.Text
	if msg.MediaURL != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.MediaURL
	}

	waMsg := buildTextMessage(text, msg.ReplyToID)
	if _, err := w.client.SendMessage(ctx, jid, waMsg); err != nil {
		w.errors.Add(1)
		return fmt.Errorf("whatsapp: sending message: %w", err)
	}
	return nil
}

// Receive returns the inbound stream.
func (w *WhatsApp) Receive() <-chan *channels.Incoming { return w.messages }

// IsConnected reports the connection state.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// Health returns the adapter health snapshot.
func (w *WhatsApp) Health() channels.Health {
	var lastAt time.Time
	if v := w.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	h := channels.Health{
		Connected:     w.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(w.errors.Load()),
	}
	if w.client != nil && w.client.Store.ID != nil {
		h.Details = map[string]any{"jid": w.client.Store.ID.String()}
	}
	return h
}

// ---------- Event Handling ----------

func (w *WhatsApp) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		w.connected.Store(true)
		w.logger.Info("connection established")
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("connection lost")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Warn("logged out by server", "reason", e.Reason)
	case *events.Message:
		w.handleMessage(e)
	}
}

// handleMessage converts one message event into an Incoming.
func (w *WhatsApp) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == "broadcast" {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	kind := channels.PeerDM
	if evt.Info.IsGroup {
		kind = channels.PeerGroup
	}
	accountID := w.cfg.AccountID
	if accountID == "" && w.client != nil && w.client.Store.ID != nil {
		accountID = w.client.Store.ID.User
	}

	in := &channels.Incoming{
		MessageID:  string(evt.Info.ID),
		Channel:    "whatsapp",
		AccountID:  accountID,
		PeerKind:   kind,
		PeerID:     evt.Info.Chat.String(),
		SenderID:   evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		Text:       text,
		Timestamp:  evt.Info.Timestamp,
	}
	if quoted := quotedStanzaID(evt.Message); quoted != "" {
		in.ReplyToID = quoted
	}

	w.lastMsg.Store(time.Now())
	select {
	case w.messages <- in:
	default:
		w.logger.Warn("inbound buffer full, dropping message", "message_id", in.MessageID)
	}
}

// extractText pulls the text body from the supported message shapes.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	if img := msg.ImageMessage; img != nil {
		return img.GetCaption()
	}
	return ""
}

// quotedStanzaID returns the replied-to message id, if any.
func quotedStanzaID(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if ext := msg.ExtendedTextMessage; ext != nil && ext.ContextInfo != nil {
		return ext.ContextInfo.GetStanzaID()
	}
	return ""
}

// ---------- Helpers ----------

// buildTextMessage wraps text in the wire message, quoting replyTo
// when set.
func buildTextMessage(text, replyTo string) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(replyTo),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
			},
		},
	}
}

// getDevice reuses the first stored device or creates a fresh one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the pairing flow, logging each code.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for item := range qrChan {
		switch item.Event {
		case "code":
			w.logger.Info("scan QR code to pair", "code", item.Code)
		case "success":
			w.connected.Store(true)
			w.logger.Info("paired", "jid", w.client.Store.ID.String())
			return nil
		case "timeout":
			return fmt.Errorf("QR code timed out")
		}
	}
	return nil
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.ContainsRune(s, '@') {
		return types.ParseJID(s)
	}
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < 5 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

var _ channels.Channel = (*WhatsApp)(nil)
