// Package router maps inbound messages to canonical session keys and
// agent bindings. Routing is a pure function of the message and a config
// snapshot: no I/O, no retained state.
package router

import (
	"fmt"
	"strings"
)

// PeerKind classifies the remote side of a conversation.
type PeerKind string

const (
	PeerUser    PeerKind = "user"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// SessionKey is the canonical composite identifier of an
// agent x channel x peer x optional topic.
//
// Canonical form: agent:{agentId}:{channel}:{kind}:{peer}
// with an optional ":topic:{n}" suffix for forum topics.
type SessionKey string

// BuildSessionKey builds the canonical key for a direct peer.
func BuildSessionKey(agentID, channel string, kind PeerKind, peerID string) SessionKey {
	return SessionKey(fmt.Sprintf("agent:%s:%s:%s:%s",
		normalizeComponent(agentID), normalizeComponent(channel),
		kind, normalizeComponent(peerID)))
}

// BuildTopicSessionKey builds the key for a group forum topic. Topic 0
// normalizes to the plain group key so that "group with topic omitted"
// and "topic 0" collapse to the same session.
func BuildTopicSessionKey(agentID, channel, groupID string, topic int) SessionKey {
	base := BuildSessionKey(agentID, channel, PeerGroup, groupID)
	if topic == 0 {
		return base
	}
	return SessionKey(fmt.Sprintf("%s:topic:%d", base, topic))
}

// BuildCronSessionKey builds the key for an isolated cron run. Keys that
// are already cron-scoped are returned unchanged so repeated wrapping
// cannot produce "cron:cron:" prefixes.
func BuildCronSessionKey(agentID, jobID string) SessionKey {
	if strings.HasPrefix(jobID, "cron:") {
		return SessionKey(jobID)
	}
	return SessionKey(fmt.Sprintf("cron:%s:%s",
		normalizeComponent(agentID), normalizeComponent(jobID)))
}

// BuildMainSessionKey builds the agent's main (cross-channel) key.
func BuildMainSessionKey(agentID string) SessionKey {
	return SessionKey(fmt.Sprintf("agent:%s:main", normalizeComponent(agentID)))
}

// Parsed is the decomposed form of a session key.
type Parsed struct {
	AgentID string
	Channel string
	Kind    PeerKind
	PeerID  string
	Topic   int
	IsCron  bool
	IsMain  bool
}

// Parse decomposes a canonical session key. Unknown shapes return an error.
func Parse(key SessionKey) (Parsed, error) {
	parts := strings.Split(string(key), ":")
	switch {
	case len(parts) >= 3 && parts[0] == "cron":
		return Parsed{AgentID: parts[1], PeerID: strings.Join(parts[2:], ":"), IsCron: true}, nil
	case len(parts) == 3 && parts[0] == "agent" && parts[2] == "main":
		return Parsed{AgentID: parts[1], IsMain: true}, nil
	case len(parts) >= 5 && parts[0] == "agent":
		p := Parsed{
			AgentID: parts[1],
			Channel: parts[2],
			Kind:    PeerKind(parts[3]),
			PeerID:  parts[4],
		}
		if len(parts) == 7 && parts[5] == "topic" {
			if _, err := fmt.Sscanf(parts[6], "%d", &p.Topic); err != nil {
				return Parsed{}, fmt.Errorf("router: bad topic in key %q", key)
			}
		}
		return p, nil
	}
	return Parsed{}, fmt.Errorf("router: unrecognized session key %q", key)
}

// normalizeComponent lowercases and strips characters that would break
// the colon-delimited canonical form.
func normalizeComponent(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	return strings.ReplaceAll(s, ":", "_")
}
