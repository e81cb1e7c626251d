// Package telegram implements the Telegram adapter over the Bot API
// with long polling. Forum topics map to the session topic component.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/openclaw/pkg/openclaw/channels"
)

// Config holds the Telegram adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string `yaml:"token"`

	// AccountID tags inbound messages when multiple bots run side by
	// side. Defaults to the bot username reported by getMe.
	AccountID string `yaml:"account_id"`

	// PollTimeoutSeconds is the getUpdates long-poll timeout.
	PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`

	// AllowedChats restricts inbound to these chat ids when non-empty.
	AllowedChats []int64 `yaml:"allowed_chats"`
}

// Effective fills zero values with defaults.
func (c Config) Effective() Config {
	if c.PollTimeoutSeconds == 0 {
		c.PollTimeoutSeconds = 30
	}
	return c
}

// Telegram implements channels.Channel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	baseURL  string
	messages chan *channels.Incoming

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	errors    atomic.Int64
	offset    int64

	accountID string

	cancel context.CancelFunc
}

// New creates a Telegram adapter.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: time.Duration(cfg.PollTimeoutSeconds+30) * time.Second},
		baseURL:  "https://api.telegram.org/bot" + cfg.Token,
		messages: make(chan *channels.Incoming, 256),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and starts the polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	me, err := t.getMe(pollCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: verifying token: %w", err)
	}
	t.accountID = t.cfg.AccountID
	if t.accountID == "" {
		t.accountID = me.Username
	}
	t.connected.Store(true)
	t.logger.Info("connected", "bot", me.Username, "id", me.ID)

	go t.pollLoop(pollCtx)
	return nil
}

// Disconnect stops polling and closes the stream.
func (t *Telegram) Disconnect() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	close(t.messages)
	t.logger.Info("disconnected")
	return nil
}

// Send sends one text message, optionally into a forum topic carried
// in msg.Data["topic"].
func (t *Telegram) Send(ctx context.Context, to string, msg *channels.Outgoing) error {
	if !t.connected.Load() {
		return channels.ErrDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", to, err)
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    msg.Text,
	}
	if msg.ReplyToID != "" {
		if mid, e := strconv.ParseInt(msg.ReplyToID, 10, 64); e == nil {
			payload["reply_parameters"] = map[string]any{"message_id": mid}
		}
	}
	if msg.Data != nil {
		if topic, ok := msg.Data["topic"].(int); ok && topic > 0 {
			payload["message_thread_id"] = topic
		}
	}

	method := "sendMessage"
	if msg.MediaURL != "" {
		method = "sendDocument"
		payload["document"] = msg.MediaURL
		if msg.Text != "" {
			payload["caption"] = msg.Text
		}
		delete(payload, "text")
	}

	if _, err := t.apiCall(ctx, method, payload); err != nil {
		t.errors.Add(1)
		return err
	}
	return nil
}

// Receive returns the inbound stream.
func (t *Telegram) Receive() <-chan *channels.Incoming { return t.messages }

// IsConnected reports the polling state.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the adapter health snapshot.
func (t *Telegram) Health() channels.Health {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.Health{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errors.Load()),
	}
}

// pollLoop runs getUpdates with exponential backoff on errors.
func (t *Telegram) pollLoop(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := t.getUpdates(ctx, t.offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.errors.Add(1)
			t.logger.Warn("getUpdates failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(ctx, u)
		}
	}
}

// processUpdate converts one update into an Incoming.
func (t *Telegram) processUpdate(ctx context.Context, u tgUpdate) {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil {
		return
	}

	if len(t.cfg.AllowedChats) > 0 && !t.chatAllowed(msg.Chat.ID) {
		return
	}

	kind := channels.PeerDM
	if msg.Chat.Type == "group" || msg.Chat.Type == "supergroup" {
		kind = channels.PeerGroup
	} else if msg.Chat.Type == "channel" {
		kind = channels.PeerChannel
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	in := &channels.Incoming{
		MessageID: strconv.Itoa(msg.MessageID),
		Channel:   "telegram",
		AccountID: t.accountID,
		PeerKind:  kind,
		PeerID:    strconv.FormatInt(msg.Chat.ID, 10),
		Topic:     msg.MessageThreadID,
		Text:      text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	// Thread id without the forum flag is a plain reply chain.
	if !msg.Chat.IsForum {
		in.Topic = 0
	}
	if msg.From != nil {
		in.SenderID = strconv.FormatInt(msg.From.ID, 10)
		in.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if in.SenderName == "" {
			in.SenderName = msg.From.Username
		}
	}
	if msg.ReplyToMessage != nil {
		in.ReplyToID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	t.lastMsg.Store(time.Now())
	select {
	case t.messages <- in:
	case <-ctx.Done():
	default:
		t.logger.Warn("inbound buffer full, dropping message", "message_id", in.MessageID)
	}
}

func (t *Telegram) chatAllowed(id int64) bool {
	for _, allowed := range t.cfg.AllowedChats {
		if allowed == id {
			return true
		}
	}
	return false
}

// ---------- Bot API Types ----------

type tgUpdate struct {
	UpdateID      int64      `json:"update_id"`
	Message       *tgMessage `json:"message"`
	EditedMessage *tgMessage `json:"edited_message"`
}

type tgMessage struct {
	MessageID       int        `json:"message_id"`
	MessageThreadID int        `json:"message_thread_id"`
	From            *tgUser    `json:"from"`
	Chat            tgChat     `json:"chat"`
	Date            int        `json:"date"`
	Text            string     `json:"text"`
	Caption         string     `json:"caption"`
	ReplyToMessage  *tgMessage `json:"reply_to_message"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type tgChat struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	IsForum bool   `json:"is_forum"`
}

type tgBotUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ---------- API Helpers ----------

func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

func (t *Telegram) getMe(ctx context.Context) (*tgBotUser, error) {
	data, err := t.apiCall(ctx, "getMe", map[string]any{})
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64) ([]tgUpdate, error) {
	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           100,
		"timeout":         t.cfg.PollTimeoutSeconds,
		"allowed_updates": []string{"message", "edited_message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

var _ channels.Channel = (*Telegram)(nil)
