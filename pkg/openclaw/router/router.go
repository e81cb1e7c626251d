package router

import (
	"github.com/jholhewres/openclaw/pkg/openclaw/config"
)

// Inbound carries the routing-relevant identity of an incoming message.
type Inbound struct {
	// Channel is the source channel name (e.g. "telegram").
	Channel string

	// AccountID is the channel account the message arrived on.
	AccountID string

	// PeerKind classifies the peer ("user", "group", "channel").
	PeerKind PeerKind

	// PeerID is the platform identifier of the peer.
	PeerID string

	// Topic is the forum topic id (0 = none).
	Topic int

	// SenderID is the individual sender inside a group (optional).
	SenderID string

	// RawSessionKey, when set, bypasses routing entirely (RPC
	// X-RawSessionKey override). It is trusted as-is.
	RawSessionKey string
}

// Route is the routing result.
type Route struct {
	SessionKey SessionKey
	AgentID    string

	// Matched reports which rule produced the agent id:
	// "raw", "binding", "account", "default".
	Matched string
}

// Resolve maps an inbound identity to a session key and agent id using
// the binding table. Resolution order: explicit peer bindings (topic
// beats group, most-specific peer wins), then channel account bindings,
// then the default agent.
func Resolve(in Inbound, cfg *config.Config) Route {
	if in.RawSessionKey != "" {
		agentID := cfg.DefaultAgent
		if p, err := Parse(SessionKey(in.RawSessionKey)); err == nil && p.AgentID != "" {
			agentID = p.AgentID
		}
		return Route{SessionKey: SessionKey(in.RawSessionKey), AgentID: agentID, Matched: "raw"}
	}

	if b, ok := matchPeerBinding(in, cfg.Bindings); ok {
		return Route{SessionKey: keyFor(b.Agent, in), AgentID: b.Agent, Matched: "binding"}
	}

	if b, ok := matchAccountBinding(in, cfg.Bindings); ok {
		return Route{SessionKey: keyFor(b.Agent, in), AgentID: b.Agent, Matched: "account"}
	}

	agent := cfg.DefaultAgent
	if agent == "" {
		agent = "main"
	}
	return Route{SessionKey: keyFor(agent, in), AgentID: agent, Matched: "default"}
}

// keyFor builds the canonical key for an inbound identity under an agent.
func keyFor(agentID string, in Inbound) SessionKey {
	if in.PeerKind == PeerGroup && in.Topic != 0 {
		return BuildTopicSessionKey(agentID, in.Channel, in.PeerID, in.Topic)
	}
	return BuildSessionKey(agentID, in.Channel, in.PeerKind, in.PeerID)
}

// matchPeerBinding finds the most specific peer binding. Topic bindings
// beat group bindings for the same peer; a binding naming a peer id
// beats one that only names a kind.
func matchPeerBinding(in Inbound, bindings []config.Binding) (config.Binding, bool) {
	var best config.Binding
	bestScore := -1
	for _, b := range bindings {
		if b.PeerID == "" && b.PeerKind == "" {
			continue // account-level binding, handled later
		}
		if b.Channel != "" && b.Channel != in.Channel {
			continue
		}
		if b.AccountID != "" && b.AccountID != in.AccountID {
			continue
		}
		if b.PeerKind != "" && PeerKind(b.PeerKind) != in.PeerKind {
			continue
		}
		if b.PeerID != "" && b.PeerID != in.PeerID {
			continue
		}
		if b.Topic != 0 && b.Topic != in.Topic {
			continue
		}

		score := 0
		if b.PeerID != "" {
			score += 4
		}
		if b.Topic != 0 {
			score += 2
		}
		if b.AccountID != "" {
			score++
		}
		if score > bestScore {
			best, bestScore = b, score
		}
	}
	return best, bestScore >= 0
}

// matchAccountBinding finds a channel account binding (no peer fields).
func matchAccountBinding(in Inbound, bindings []config.Binding) (config.Binding, bool) {
	for _, b := range bindings {
		if b.PeerID != "" || b.PeerKind != "" || b.Topic != 0 {
			continue
		}
		if b.Channel == "" || b.Channel != in.Channel {
			continue
		}
		if b.AccountID != "" && b.AccountID != in.AccountID {
			continue
		}
		return b, true
	}
	return config.Binding{}, false
}
