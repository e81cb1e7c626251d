package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/openclaw/pkg/openclaw/agent"
	"github.com/jholhewres/openclaw/pkg/openclaw/transcript"
)

// CompactionLabel marks the system message a compaction writes. Context
// assembly restarts from the latest message carrying it.
const CompactionLabel = "compaction"

const summaryPrompt = "Summarize the conversation below so it can replace " +
	"the full history. Keep decisions, open tasks, names, and constraints. " +
	"Be dense, not polished."

// Compactor shrinks session history by summarizing it into a single
// transcript entry. It satisfies the agent compaction contract.
type Compactor struct {
	client   *Client
	provider string
}

// NewCompactor creates a compactor using the client's endpoint and a
// provider for credential selection.
func NewCompactor(client *Client, provider string) *Compactor {
	return &Compactor{client: client, provider: provider}
}

// Compact summarizes everything since the previous summary and appends
// the result. A summarization refusal is reported, not fatal.
func (c *Compactor) Compact(ctx context.Context, sessionFile string) (agent.CompactResult, error) {
	sessionID := SessionIDFromFile(sessionFile)
	history, err := c.client.transcripts.Read(sessionID, 0, 0)
	if err != nil {
		return agent.CompactResult{}, fmt.Errorf("llm: reading transcript: %w", err)
	}

	start := 0
	for i, msg := range history {
		if msg.Label == CompactionLabel {
			start = i
		}
	}
	tail := history[start:]
	if len(tail) < 2 {
		return agent.CompactResult{OK: false, Err: "history already minimal"}, nil
	}

	var sb strings.Builder
	sb.WriteString(summaryPrompt)
	sb.WriteString("\n\n")
	for _, msg := range tail {
		fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.Text)
	}

	summary, err := c.complete(ctx, sb.String())
	if err != nil {
		return agent.CompactResult{OK: false, Err: err.Error()}, nil
	}

	_, err = c.client.transcripts.Append(sessionID, transcript.Message{
		Role:  "system",
		Text:  summary,
		Label: CompactionLabel,
	})
	if err != nil {
		return agent.CompactResult{}, fmt.Errorf("llm: persisting summary: %w", err)
	}
	return agent.CompactResult{OK: true}, nil
}

// TruncateToolResults is the cheap fallback when summarization cannot
// shrink the prompt. Chat transcripts carry no tool results, so there
// is nothing to cut.
func (c *Compactor) TruncateToolResults(sessionFile string) (bool, error) {
	return false, nil
}

// complete runs one bare chat call outside the attempt pipeline.
func (c *Compactor) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	profileID, err := c.client.profiles.Select(c.provider, "", time.Now())
	if err != nil {
		return "", fmt.Errorf("llm: no profile for compaction: %w", err)
	}
	key, err := c.client.profiles.Credential(profileID)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.client.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.client.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.client.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: summarization rejected (%d)", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty summarization response")
	}
	return parsed.Choices[0].Message.Content, nil
}

var _ agent.Compactor = (*Compactor)(nil)
