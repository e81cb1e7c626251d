// Package agent implements the run lifecycle: one LLM turn per session
// at a time, with auth-profile rotation, model fallback signaling,
// context-overflow compaction, and abort/timeout handling.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/openclaw/pkg/openclaw/config"
)

// ProfileSource says who chose the auth profile for a run.
type ProfileSource string

const (
	// SourceUser pins a specific profile; it never rotates.
	SourceUser ProfileSource = "user"

	// SourceAuto lets the runner pick and rotate profiles.
	SourceAuto ProfileSource = "auto"
)

// RunRequest describes one agent turn.
type RunRequest struct {
	SessionKey  string
	SessionID   string
	SessionFile string
	Prompt      string
	Provider    string
	Model       string

	// ProfileID pins a profile when ProfileSource is SourceUser.
	ProfileID     string
	ProfileSource ProfileSource

	// TimeoutMs overrides the configured run deadline (0 = config).
	TimeoutMs int

	// RunID is the idempotency key for the turn; generated when empty.
	RunID string

	// OnText observes assistant text deltas as they stream in, before
	// the attempt completes.
	OnText func(delta string)
}

// AttemptRequest is what the model client receives per attempt.
type AttemptRequest struct {
	SessionKey  string
	SessionID   string
	SessionFile string
	Prompt      string
	Provider    string
	Model       string
	ProfileID   string
	RunID       string
	Timeout     time.Duration

	// OnText receives assistant text deltas as the attempt streams.
	OnText func(delta string)
}

// AssistantReply is the final assistant message of an attempt.
type AssistantReply struct {
	StopReason   string // "end_turn" | "error" | ...
	ErrorMessage string
	Text         string
	Usage        struct {
		Total int
	}
}

// Usage is accumulated token usage for an attempt.
type Usage struct {
	Input  int
	Output int
	Total  int
}

// AttemptOutcome is everything an attempt produced.
type AttemptOutcome struct {
	Aborted                  bool
	TimedOut                 bool
	TimedOutDuringCompaction bool

	// PromptError is a transport-level rejection of the prompt itself
	// (e.g. request too large) before any assistant output.
	PromptError string

	AssistantTexts []string
	LastAssistant  *AssistantReply
	Usage          Usage
}

// ModelClient executes one model attempt. Text deltas flow through the
// request's OnText hook as they arrive; the returned outcome is the
// rolled-up result.
type ModelClient interface {
	Attempt(ctx context.Context, req AttemptRequest) (*AttemptOutcome, error)
}

// CompactResult reports one compaction attempt.
type CompactResult struct {
	OK  bool
	Err string
}

// Compactor summarizes session history so a following attempt fits the
// context window, and can truncate oversized tool results as a cheaper
// fallback.
type Compactor interface {
	Compact(ctx context.Context, sessionFile string) (CompactResult, error)
	TruncateToolResults(sessionFile string) (bool, error)
}

// Payload is one assistant output of a run.
type Payload struct {
	Text    string
	IsError bool
}

// ErrorInfo is the reified terminal error of a run.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
}

// Meta carries run accounting and the terminal error, if any.
type Meta struct {
	// PromptTokens comes from the latest model call, not accumulated.
	PromptTokens int

	// Usage accumulates across the whole final attempt.
	Usage Usage

	Error *ErrorInfo

	// Attempts and Compactions report how hard the run had to work.
	Attempts    int
	Compactions int

	Aborted bool
}

// Result is the outcome of an agent run.
type Result struct {
	RunID    string
	Payloads []Payload
	Meta     Meta
}

// Runner drives agent runs.
type Runner struct {
	client    ModelClient
	compactor Compactor
	profiles  *ProfileStore
	registry  *Registry
	cfg       config.AgentConfig
	logger    *slog.Logger

	now func() time.Time
}

// NewRunner wires a runner from its collaborators.
func NewRunner(client ModelClient, compactor Compactor, profiles *ProfileStore, registry *Registry, cfg config.AgentConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client:    client,
		compactor: compactor,
		profiles:  profiles,
		registry:  registry,
		cfg:       cfg.Effective(),
		logger:    logger.With("component", "agent"),
		now:       time.Now,
	}
}

// Execute runs one turn end-to-end.
//
// Transport errors unrelated to the current attempt propagate as Go
// errors; failover conditions surface as *FailoverError; everything else
// is reified into the Result's Meta.Error.
func (r *Runner) Execute(ctx context.Context, req RunRequest) (*Result, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = time.Duration(r.cfg.TimeoutSeconds) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	active, err := r.registry.Begin(req.SessionKey, req.RunID, cancel, r.now().Add(timeout))
	if err != nil {
		return nil, err
	}
	defer r.registry.End(req.SessionKey, req.RunID)

	result := &Result{RunID: req.RunID}
	compactions := 0
	truncated := false

	log := r.logger.With("run", req.RunID, "session", req.SessionKey)

	for {
		result.Meta.Attempts++

		// ── Step 1: select auth profile ──
		profileID, err := r.selectProfile(req)
		if err != nil {
			return nil, err
		}

		// ── Step 2: attempt ──
		// Deltas land in the active-run buffer as they stream, so an
		// abort mid-attempt captures the partial text.
		active.beginAttempt()
		onText := func(delta string) {
			active.AppendText(delta)
			if req.OnText != nil {
				req.OnText(delta)
			}
		}
		outcome, err := r.client.Attempt(runCtx, AttemptRequest{
			SessionKey:  req.SessionKey,
			SessionID:   req.SessionID,
			SessionFile: req.SessionFile,
			Prompt:      req.Prompt,
			Provider:    req.Provider,
			Model:       req.Model,
			ProfileID:   profileID,
			RunID:       req.RunID,
			Timeout:     timeout,
			OnText:      onText,
		})
		if err != nil {
			return nil, err
		}
		_ = r.profiles.MarkUsed(profileID, r.now())
		active.noteAttempt(outcome)

		// ── Step 3: classify ──
		errMsg := outcome.PromptError
		if errMsg == "" && outcome.LastAssistant != nil && outcome.LastAssistant.StopReason == "error" {
			errMsg = outcome.LastAssistant.ErrorMessage
		}

		// Compaction timeouts are aborts, never rotation triggers.
		if outcome.TimedOutDuringCompaction {
			result.Meta.Aborted = true
			result.Meta.Compactions = compactions
			result.Payloads = textsToPayloads(outcome.AssistantTexts)
			return result, nil
		}

		if errMsg != "" {
			// ── Step 4/5: overflow and compaction failure ──
			if IsCompactionFailure(errMsg) {
				return r.finishError(result, outcome, compactions, KindCompactionFailure, errMsg), nil
			}
			if IsContextOverflow(errMsg) {
				if compactions >= r.cfg.MaxCompactions {
					msg := fmt.Sprintf("context overflow: compacted %d times but prompt still exceeds the window", compactions)
					return r.finishError(result, outcome, compactions, KindContextOverflow, msg), nil
				}
				res, cerr := r.compactor.Compact(runCtx, req.SessionFile)
				if cerr != nil {
					return nil, fmt.Errorf("agent: compaction: %w", cerr)
				}
				if !res.OK {
					if !truncated {
						// Oversized tool results are the usual culprit
						// when summarization cannot shrink the prompt.
						truncated = true
						if ok, terr := r.compactor.TruncateToolResults(req.SessionFile); terr == nil && ok {
							log.Info("truncated oversized tool results, retrying")
							continue
						}
					}
					return r.finishError(result, outcome, compactions, KindContextOverflow, res.Err), nil
				}
				compactions++
				log.Info("compacted session history", "compactions", compactions)
				continue
			}

			kind := ClassifyAssistantError(errMsg)
			switch kind {
			case KindRateLimit, KindAuth:
				// ── Step 6: rotation ──
				if req.ProfileSource == SourceUser {
					if len(r.cfg.FallbackModels) > 0 {
						return nil, &FailoverError{Reason: kind, Provider: req.Provider, Model: req.Model}
					}
					return r.finishError(result, outcome, compactions, kind, errMsg), nil
				}
				_ = r.profiles.SetCooldown(profileID, r.now().Add(time.Duration(r.cfg.CooldownMinutes)*time.Minute))
				if _, serr := r.profiles.Select(req.Provider, "", r.now()); serr == nil {
					log.Warn("rotating auth profile", "kind", kind, "cooled", profileID)
					continue
				}
				if len(r.cfg.FallbackModels) > 0 {
					return nil, &FailoverError{Reason: kind, Provider: req.Provider, Model: req.Model}
				}
				return r.finishError(result, outcome, compactions, kind, errMsg), nil

			case KindBilling:
				// ── Step 7: billing always fails over ──
				return nil, &FailoverError{Reason: KindBilling, Provider: req.Provider, Model: req.Model}

			default:
				return r.finishError(result, outcome, compactions, kind, errMsg), nil
			}
		}

		// ── Step 8: timeout without output ──
		if outcome.TimedOut && len(outcome.AssistantTexts) == 0 {
			res := r.finishError(result, outcome, compactions, KindTimeout, "timed out")
			res.Payloads = []Payload{{Text: "timed out", IsError: true}}
			return res, nil
		}

		if outcome.Aborted {
			result.Meta.Aborted = true
			result.Meta.Compactions = compactions
			result.Payloads = textsToPayloads(outcome.AssistantTexts)
			fillUsage(result, outcome)
			return result, nil
		}

		// Success.
		if req.ProfileSource == SourceUser {
			_ = r.profiles.ClearCooldown(profileID)
		}
		result.Meta.Compactions = compactions
		result.Payloads = textsToPayloads(outcome.AssistantTexts)
		fillUsage(result, outcome)
		return result, nil
	}
}

// selectProfile applies the pin-or-LRU policy, mapping profile
// exhaustion to a failover when fallbacks exist.
func (r *Runner) selectProfile(req RunRequest) (string, error) {
	pinned := ""
	if req.ProfileSource == SourceUser {
		pinned = req.ProfileID
	}
	id, err := r.profiles.Select(req.Provider, pinned, r.now())
	if err == ErrNoProfiles {
		if len(r.cfg.FallbackModels) > 0 {
			return "", &FailoverError{Reason: KindRateLimit, Provider: req.Provider, Model: req.Model}
		}
		return "", fmt.Errorf("agent: %w for provider %q", ErrNoProfiles, req.Provider)
	}
	return id, err
}

func (r *Runner) finishError(result *Result, outcome *AttemptOutcome, compactions int, kind ErrorKind, msg string) *Result {
	result.Meta.Compactions = compactions
	result.Meta.Error = &ErrorInfo{Kind: kind, Message: msg}
	result.Payloads = append(textsToPayloads(outcome.AssistantTexts), Payload{Text: msg, IsError: true})
	fillUsage(result, outcome)
	return result
}

func fillUsage(result *Result, outcome *AttemptOutcome) {
	result.Meta.Usage = outcome.Usage
	if outcome.LastAssistant != nil {
		result.Meta.PromptTokens = outcome.LastAssistant.Usage.Total
	}
}

func textsToPayloads(texts []string) []Payload {
	out := make([]Payload, 0, len(texts))
	for _, t := range texts {
		out = append(out, Payload{Text: t})
	}
	return out
}
