// Package llm talks to OpenAI-compatible chat-completions endpoints.
// It rolls one HTTP exchange into the attempt outcome the run loop
// consumes; provider failures surface as assistant error replies so
// the failover policy upstream can classify them.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/jholhewres/openclaw/pkg/openclaw/agent"
	"github.com/jholhewres/openclaw/pkg/openclaw/transcript"
)

// contextTailLimit bounds how many transcript messages one attempt
// carries when no compaction summary exists yet.
const contextTailLimit = 80

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string `yaml:"base_url"`

	// Model is the default model identifier.
	Model string `yaml:"model"`

	// SystemPrompt is prepended to every attempt.
	SystemPrompt string `yaml:"system_prompt"`
}

// Client implements the model-attempt contract.
type Client struct {
	cfg         Config
	profiles    *agent.ProfileStore
	transcripts *transcript.Manager
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a client resolving credentials through profiles.
func NewClient(cfg Config, profiles *agent.ProfileStore, transcripts *transcript.Manager, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:         cfg,
		profiles:    profiles,
		transcripts: transcripts,
		httpClient:  &http.Client{},
		logger:      logger.With("component", "llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// chatStreamChunk is one SSE data frame of a streamed completion.
type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Attempt runs one model call over the session context plus prompt.
// With an OnText hook set, the completion is streamed and deltas are
// forwarded as they arrive.
func (c *Client) Attempt(ctx context.Context, req agent.AttemptRequest) (*agent.AttemptOutcome, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	messages := c.buildContext(req)
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	streaming := req.OnText != nil
	wire := chatRequest{Model: model, Messages: messages}
	if streaming {
		wire.Stream = true
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ProfileID != "" {
		key, err := c.profiles.Credential(req.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("llm: resolving credential for %s: %w", req.ProfileID, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return &agent.AttemptOutcome{TimedOut: true, Aborted: ctx.Err() == context.Canceled}, nil
		}
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, fmt.Errorf("llm: reading response: %w", err)
		}
		return errorOutcome(resp.StatusCode, data), nil
	}

	if streaming {
		return c.readStream(ctx, resp.Body, req.OnText)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: reading response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("llm: decoding response: %w", err)
	}
	if parsed.Error != nil {
		reply := &agent.AssistantReply{StopReason: "error", ErrorMessage: parsed.Error.Message}
		return &agent.AttemptOutcome{LastAssistant: reply}, nil
	}
	if len(parsed.Choices) == 0 {
		reply := &agent.AssistantReply{StopReason: "error", ErrorMessage: "response ended without sending any chunks"}
		return &agent.AttemptOutcome{LastAssistant: reply}, nil
	}

	text := parsed.Choices[0].Message.Content
	reply := &agent.AssistantReply{StopReason: "end_turn", Text: text}
	reply.Usage.Total = parsed.Usage.PromptTokens
	return &agent.AttemptOutcome{
		AssistantTexts: []string{text},
		LastAssistant:  reply,
		Usage: agent.Usage{
			Input:  parsed.Usage.PromptTokens,
			Output: parsed.Usage.CompletionTokens,
			Total:  parsed.Usage.TotalTokens,
		},
	}, nil
}

// readStream consumes one SSE completion stream, forwarding content
// deltas to onText. A canceled context mid-stream yields an aborted
// outcome carrying the text received so far.
func (c *Client) readStream(ctx context.Context, body io.Reader, onText func(string)) (*agent.AttemptOutcome, error) {
	var text strings.Builder
	usage := agent.Usage{}
	promptTokens := 0

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			reply := &agent.AssistantReply{StopReason: "error", ErrorMessage: chunk.Error.Message}
			return &agent.AttemptOutcome{LastAssistant: reply}, nil
		}
		if chunk.Usage != nil {
			usage = agent.Usage{
				Input:  chunk.Usage.PromptTokens,
				Output: chunk.Usage.CompletionTokens,
				Total:  chunk.Usage.TotalTokens,
			}
			promptTokens = chunk.Usage.PromptTokens
		}
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				text.WriteString(delta)
				onText(delta)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			out := &agent.AttemptOutcome{TimedOut: true, Aborted: ctx.Err() == context.Canceled}
			if text.Len() > 0 {
				out.AssistantTexts = []string{text.String()}
			}
			return out, nil
		}
		return nil, fmt.Errorf("llm: reading stream: %w", err)
	}

	if text.Len() == 0 {
		reply := &agent.AssistantReply{StopReason: "error", ErrorMessage: "response ended without sending any chunks"}
		return &agent.AttemptOutcome{LastAssistant: reply}, nil
	}
	reply := &agent.AssistantReply{StopReason: "end_turn", Text: text.String()}
	reply.Usage.Total = promptTokens
	return &agent.AttemptOutcome{
		AssistantTexts: []string{text.String()},
		LastAssistant:  reply,
		Usage:          usage,
	}, nil
}

// errorOutcome maps an HTTP failure onto the error vocabulary the
// failover classifier understands.
func errorOutcome(status int, body []byte) *agent.AttemptOutcome {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 300 {
		detail = detail[:300]
	}

	var msg string
	switch {
	case status == http.StatusRequestEntityTooLarge:
		msg = "request_too_large: " + detail
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		msg = fmt.Sprintf("authentication failed (%d): %s", status, detail)
	case status == http.StatusPaymentRequired:
		msg = "billing: payment required: " + detail
	case status == http.StatusTooManyRequests:
		msg = "rate limit exceeded: " + detail
	case status >= 500:
		msg = fmt.Sprintf("provider error %d: %s", status, detail)
	default:
		msg = fmt.Sprintf("request rejected %d: %s", status, detail)
	}

	if status == http.StatusRequestEntityTooLarge {
		return &agent.AttemptOutcome{PromptError: msg}
	}
	return &agent.AttemptOutcome{
		LastAssistant: &agent.AssistantReply{StopReason: "error", ErrorMessage: msg},
	}
}

// buildContext collects the transcript tail since the last compaction
// summary, so compaction genuinely shrinks the next attempt.
func (c *Client) buildContext(req agent.AttemptRequest) []chatMessage {
	var out []chatMessage
	if c.cfg.SystemPrompt != "" {
		out = append(out, chatMessage{Role: "system", Content: c.cfg.SystemPrompt})
	}
	if c.transcripts == nil || req.SessionID == "" {
		return out
	}

	history, err := c.transcripts.Read(req.SessionID, contextTailLimit, 512*1024)
	if err != nil {
		c.logger.Warn("reading session context", "session", req.SessionID, "error", err)
		return out
	}

	// Start after the most recent compaction summary, if present.
	start := 0
	for i, msg := range history {
		if msg.Label == CompactionLabel {
			start = i
		}
	}
	for _, msg := range history[start:] {
		role := msg.Role
		if role != "user" && role != "assistant" && role != "system" {
			continue
		}
		out = append(out, chatMessage{Role: role, Content: msg.Text})
	}
	return out
}

// SessionIDFromFile recovers the session id from a transcript path.
func SessionIDFromFile(sessionFile string) string {
	base := filepath.Base(sessionFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

var _ agent.ModelClient = (*Client)(nil)
