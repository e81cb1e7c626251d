// Package discord implements the Discord adapter using discordgo.
// Guild channels map to peer kind "channel", direct messages to "dm".
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/openclaw/pkg/openclaw/channels"
)

// discordMessageLimit is the platform cap per message.
const discordMessageLimit = 2000

// Config holds the Discord adapter configuration.
type Config struct {
	// Token is the bot token.
	Token string `yaml:"token"`

	// AccountID tags inbound messages; defaults to the bot user id.
	AccountID string `yaml:"account_id"`

	// AllowedGuilds restricts inbound to these guild ids when non-empty.
	AllowedGuilds []string `yaml:"allowed_guilds"`
}

// Discord implements channels.Channel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages  chan *channels.Incoming
	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	errors    atomic.Int64

	accountID string
}

// New creates a Discord adapter.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.Incoming, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway websocket.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.accountID = d.cfg.AccountID
	if d.accountID == "" && session.State.User != nil {
		d.accountID = session.State.User.ID
	}
	d.connected.Store(true)
	if user := session.State.User; user != nil {
		d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	}
	return nil
}

// Disconnect closes the gateway and the inbound stream.
func (d *Discord) Disconnect() error {
	if !d.connected.CompareAndSwap(true, false) {
		return nil
	}
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.logger.Warn("closing gateway", "error", err)
		}
	}
	close(d.messages)
	d.logger.Info("disconnected")
	return nil
}

// Send delivers one message, splitting past the platform limit.
func (d *Discord) Send(ctx context.Context, to string, msg *channels.Outgoing) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrDisconnected
	}

	content := msg.Text
	if msg.MediaURL != "" {
		if content != "" {
			content += "\n"
		}
		content += msg.MediaURL
	}

	chunks := splitMessage(content, discordMessageLimit)
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyToID != "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyToID}
		}
		if _, err := d.session.ChannelMessageSendComplex(to, send, discordgo.WithContext(ctx)); err != nil {
			d.errors.Add(1)
			return fmt.Errorf("discord: sending message: %w", err)
		}
	}
	return nil
}

// Receive returns the inbound stream.
func (d *Discord) Receive() <-chan *channels.Incoming { return d.messages }

// IsConnected reports the gateway state.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the adapter health snapshot.
func (d *Discord) Health() channels.Health {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.Health{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errors.Load()),
	}
}

// ---------- Event Handlers ----------

// onMessageCreate converts gateway messages into Incoming.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !d.guildAllowed(m.GuildID) {
		return
	}

	kind := channels.PeerDM
	if m.GuildID != "" {
		kind = channels.PeerChannel
	}

	in := &channels.Incoming{
		MessageID:  m.ID,
		Channel:    "discord",
		AccountID:  d.accountID,
		PeerKind:   kind,
		PeerID:     m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Text:       m.Content,
		Timestamp:  m.Timestamp,
	}
	if m.ReferencedMessage != nil {
		in.ReplyToID = m.ReferencedMessage.ID
	}
	if m.GuildID != "" {
		in.Raw = map[string]any{"guild_id": m.GuildID}
	}

	d.lastMsg.Store(time.Now())
	select {
	case d.messages <- in:
	default:
		d.logger.Warn("inbound buffer full, dropping message", "message_id", in.MessageID)
	}
}

func (d *Discord) guildAllowed(id string) bool {
	for _, allowed := range d.cfg.AllowedGuilds {
		if allowed == id {
			return true
		}
	}
	return false
}

// splitMessage breaks content at newlines where possible, hard at the
// limit otherwise. Empty content yields one empty chunk so callers can
// still attach a reply reference.
func splitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}
	var chunks []string
	for len(content) > limit {
		cut := strings.LastIndex(content[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, content[:cut])
		content = strings.TrimPrefix(content[cut:], "\n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

var _ channels.Channel = (*Discord)(nil)
