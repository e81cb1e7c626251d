// Package app wires the gateway together. Channel adapters feed the
// router, routed messages land in per-session follow-up queues, drained
// items run agent turns, and results fan out through the dispatcher
// back to the originating channel and to connected RPC clients. The
// same turn pipeline serves channels, the RPC surface, scheduled jobs,
// and mesh steps.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/openclaw/pkg/openclaw/agent"
	"github.com/jholhewres/openclaw/pkg/openclaw/channels"
	"github.com/jholhewres/openclaw/pkg/openclaw/channels/discord"
	"github.com/jholhewres/openclaw/pkg/openclaw/channels/telegram"
	"github.com/jholhewres/openclaw/pkg/openclaw/channels/whatsapp"
	"github.com/jholhewres/openclaw/pkg/openclaw/config"
	"github.com/jholhewres/openclaw/pkg/openclaw/dispatch"
	"github.com/jholhewres/openclaw/pkg/openclaw/gateway"
	"github.com/jholhewres/openclaw/pkg/openclaw/llm"
	"github.com/jholhewres/openclaw/pkg/openclaw/mesh"
	"github.com/jholhewres/openclaw/pkg/openclaw/queue"
	"github.com/jholhewres/openclaw/pkg/openclaw/router"
	"github.com/jholhewres/openclaw/pkg/openclaw/scheduler"
	"github.com/jholhewres/openclaw/pkg/openclaw/stream"
	"github.com/jholhewres/openclaw/pkg/openclaw/transcript"
)

// deliverTimeout bounds one outbound channel send.
const deliverTimeout = 30 * time.Second

// App owns every component of a running gateway.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	transcripts *transcript.Manager
	sessions    *transcript.SessionStore
	profiles    *agent.ProfileStore
	registry    *agent.Registry
	runner      *agent.Runner
	queue       *queue.Manager
	channels    *channels.Manager
	scheduler   *scheduler.Scheduler
	gateway     *gateway.Server
	meshSvc     *mesh.Service

	mu       sync.Mutex
	timeouts map[string]int // runID -> timeoutMs for RPC-started runs
}

// New wires an app from configuration. Nothing is started yet.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		timeouts: make(map[string]int),
	}

	a.transcripts = transcript.NewManager(cfg.SessionsDir(), logger)
	a.sessions = transcript.NewSessionStore(filepath.Join(cfg.SessionsDir(), "sessions.json"))
	a.profiles = agent.NewProfileStore(cfg.Profiles.StorePath, cfg.Profiles.UseKeyring)
	a.registry = agent.NewRegistry()

	client := llm.NewClient(llm.Config{
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.LLM.SystemPrompt,
	}, a.profiles, a.transcripts, logger)
	compactor := llm.NewCompactor(client, cfg.LLM.Provider)
	a.runner = agent.NewRunner(client, compactor, a.profiles, a.registry, cfg.Agent, logger)

	a.queue = queue.NewManager(cfg.Queue, a.runFollowup, logger)
	a.channels = channels.NewManager(a.handleIncoming, logger)
	if err := a.registerAdapters(); err != nil {
		return nil, err
	}

	if cfg.Scheduler.Enabled {
		store := scheduler.NewStore(cfg.Scheduler.StorePath)
		a.scheduler = scheduler.New(store, a, a.channels, cfg.Scheduler.MaxConcurrentRuns, logger)
	}

	if cfg.Gateway.Enabled {
		gw, err := gateway.NewServer(gateway.Config{
			Address:     cfg.Gateway.Address,
			AuthToken:   cfg.Gateway.AuthToken,
			CORSOrigins: cfg.Gateway.CORSOrigins,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.gateway = gw
		a.meshSvc = mesh.NewService(a, logger)
		gw.SetMethods(gateway.NewMethods(
			a.sessions, a.transcripts, a.registry, a, a.meshSvc, gw, logger))
	}

	return a, nil
}

// registerAdapters adds every enabled channel adapter.
func (a *App) registerAdapters() error {
	cc := a.cfg.Channels
	if cc.Telegram.Enabled {
		tg := telegram.New(telegram.Config{
			Token:              cc.Telegram.Token,
			PollTimeoutSeconds: cc.Telegram.PollTimeoutSeconds,
		}, a.logger)
		if err := a.channels.Register(tg); err != nil {
			return err
		}
	}
	if cc.Discord.Enabled {
		dc := discord.New(discord.Config{Token: cc.Discord.Token}, a.logger)
		if err := a.channels.Register(dc); err != nil {
			return err
		}
	}
	if cc.WhatsApp.Enabled {
		wa := whatsapp.New(whatsapp.Config{StorePath: cc.WhatsApp.StorePath}, a.logger)
		if err := a.channels.Register(wa); err != nil {
			return err
		}
	}
	return nil
}

// Start brings up adapters, the scheduler, and the RPC server.
func (a *App) Start(ctx context.Context) error {
	if err := a.channels.Start(ctx); err != nil {
		return err
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	if a.gateway != nil {
		if err := a.gateway.Start(ctx); err != nil {
			return err
		}
	}
	a.logger.Info("gateway up", "agent", a.cfg.DefaultAgent)
	return nil
}

// Stop shuts everything down, waiting for in-flight work.
func (a *App) Stop() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.channels.Stop()
}

// Scheduler exposes the job table for management commands.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Profiles exposes the auth-profile store.
func (a *App) Profiles() *agent.ProfileStore { return a.profiles }

// Health returns per-adapter health.
func (a *App) Health() map[string]channels.Health { return a.channels.Health() }

// Chat runs one local turn against the agent's main session and
// returns the reply text. Used by the CLI REPL.
func (a *App) Chat(ctx context.Context, text string) (string, error) {
	key := string(router.BuildMainSessionKey(a.cfg.DefaultAgent))
	return a.runTurn(ctx, key, queue.Item{Prompt: text, MessageID: uuid.NewString()}, 0)
}

// ---------- Inbound ----------

// handleIncoming routes one deduplicated channel message into its
// session queue.
func (a *App) handleIncoming(_ context.Context, msg *channels.Incoming) {
	route := router.Resolve(router.Inbound{
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		PeerKind:  peerKind(msg.PeerKind),
		PeerID:    msg.PeerID,
		Topic:     msg.Topic,
		SenderID:  msg.SenderID,
	}, a.cfg)
	key := string(route.SessionKey)

	prompt := msg.Text
	if msg.PeerKind != channels.PeerDM && msg.SenderName != "" {
		prompt = fmt.Sprintf("[%s] %s", msg.SenderName, msg.Text)
	}

	item := queue.Item{
		Prompt:    prompt,
		MessageID: msg.Channel + ":" + msg.MessageID,
		Target: queue.Target{
			Channel:   msg.Channel,
			To:        msg.PeerID,
			AccountID: msg.AccountID,
		},
	}
	if msg.Topic != 0 {
		item.Target.Thread = strconv.Itoa(msg.Topic)
	}

	if !a.queue.Enqueue(key, item) {
		return
	}
	a.logger.Debug("inbound routed",
		"channel", msg.Channel, "session", key, "matched", route.Matched)
	a.queue.ScheduleDrain(key)
}

// peerKind maps adapter peer kinds onto the session-key vocabulary.
func peerKind(k string) router.PeerKind {
	switch k {
	case channels.PeerGroup:
		return router.PeerGroup
	case channels.PeerChannel:
		return router.PeerChannel
	default:
		return router.PeerUser
	}
}

// ---------- RPC ----------

// StartRun queues one RPC-originated turn. The reply goes to the
// session's last known channel route when one exists, and always to
// connected gateway clients.
func (a *App) StartRun(_ context.Context, sessionKey, message string, timeoutMs int) (string, error) {
	runID := uuid.NewString()
	item := queue.Item{Prompt: message, MessageID: runID}
	if entry, ok := a.sessions.Lookup(sessionKey); ok && entry.LastChannel != "" && entry.LastTo != "" {
		item.Target = queue.Target{Channel: entry.LastChannel, To: entry.LastTo}
	}
	if timeoutMs > 0 {
		a.mu.Lock()
		a.timeouts[runID] = timeoutMs
		a.mu.Unlock()
	}

	if !a.queue.Enqueue(sessionKey, item) {
		return "", fmt.Errorf("app: message for session %s dropped by queue policy", sessionKey)
	}
	a.queue.ScheduleDrain(sessionKey)
	return runID, nil
}

var _ gateway.RunStarter = (*App)(nil)

// ---------- Scheduler ----------

// Execute runs one scheduled job's payload. System events are injected
// into the agent's main session; agent turns run through the normal
// turn pipeline, isolated by default.
func (a *App) Execute(ctx context.Context, job *scheduler.Job) (string, error) {
	agentID := a.cfg.DefaultAgent

	switch job.Payload.Kind {
	case "systemEvent":
		key := string(router.BuildMainSessionKey(agentID))
		entry, err := a.sessions.Resolve(key, a.transcripts)
		if err != nil {
			return "", err
		}
		if _, err := a.transcripts.Append(entry.SessionID, transcript.Message{
			Role:  "system",
			Text:  job.Payload.Text,
			Label: "cron",
		}); err != nil {
			return "", err
		}
		a.broadcast("chat", "", key, job.Payload.Text, "")
		return job.Payload.Text, nil

	case "agentTurn":
		key := string(router.BuildCronSessionKey(agentID, job.ID))
		if job.SessionTarget == scheduler.TargetMain {
			key = string(router.BuildMainSessionKey(agentID))
		}
		timeoutMs := 0
		if t := job.Payload.TimeoutSeconds; t != nil {
			timeoutMs = *t * 1000
		}
		// Delivery stays with the scheduler: announce and webhook modes
		// consume the returned summary.
		item := queue.Item{Prompt: job.Payload.Message, MessageID: uuid.NewString()}
		return a.runTurn(ctx, key, item, timeoutMs)

	default:
		return "", fmt.Errorf("app: unknown payload kind %q", job.Payload.Kind)
	}
}

var _ scheduler.Executor = (*App)(nil)

// ---------- Mesh ----------

// RunStep executes one workflow step as an agent turn. Steps without a
// session key get a throwaway isolated session.
func (a *App) RunStep(ctx context.Context, step mesh.Step) (string, error) {
	agentID := step.AgentID
	if agentID == "" {
		agentID = a.cfg.DefaultAgent
	}
	key := step.SessionKey
	if key == "" {
		key = string(router.BuildCronSessionKey(agentID, "mesh-"+uuid.NewString()))
	}
	item := queue.Item{Prompt: step.Prompt, MessageID: uuid.NewString()}
	return a.runTurn(ctx, key, item, step.TimeoutMs)
}

var _ mesh.Runner = (*App)(nil)

// ---------- Turn pipeline ----------

// runFollowup adapts the turn pipeline to the queue's drain contract.
func (a *App) runFollowup(sessionKey string, item queue.Item) error {
	a.mu.Lock()
	timeoutMs := a.timeouts[item.MessageID]
	delete(a.timeouts, item.MessageID)
	a.mu.Unlock()

	_, err := a.runTurn(context.Background(), sessionKey, item, timeoutMs)
	if errors.Is(err, agent.ErrSessionBusy) {
		// The active run's queue drain will pick this item up; requeue.
		return err
	}
	if err != nil {
		a.logger.Error("turn failed", "session", sessionKey, "error", err)
	}
	// Non-busy failures were already surfaced to the user; do not loop.
	return nil
}

// runTurn executes one agent turn end-to-end: persist the user prompt,
// run the model with failover, fan replies out in order, persist the
// assistant reply once, and emit lifecycle events. The returned summary
// is the concatenated non-error reply text.
func (a *App) runTurn(ctx context.Context, sessionKey string, item queue.Item, timeoutMs int) (string, error) {
	entry, err := a.sessions.Resolve(sessionKey, a.transcripts)
	if err != nil {
		return "", err
	}
	if item.Target.Channel != "" && item.Target.To != "" {
		if err := a.sessions.UpdateRoute(sessionKey, item.Target.Channel, item.Target.To); err != nil {
			a.logger.Warn("route update failed", "session", sessionKey, "error", err)
		}
	}

	userMsg := transcript.Message{Role: "user", Text: item.Prompt}
	if item.MessageID != "" && !item.Collected {
		userMsg.IdempotencyKey = "user:" + item.MessageID
	}
	if _, err := a.transcripts.Append(entry.SessionID, userMsg); err != nil {
		return "", err
	}

	runID := item.MessageID
	if runID == "" {
		runID = uuid.NewString()
	}
	a.broadcast("started", runID, sessionKey, "", "")

	d := dispatch.New(dispatch.Options{
		Deliver:        a.deliverTo(sessionKey, item.Target),
		ResponsePrefix: a.cfg.Dispatch.ResponsePrefix,
		HumanDelay:     a.cfg.Dispatch.HumanDelay,
		OnError: func(err error) {
			a.logger.Warn("reply delivery failed", "session", sessionKey, "error", err)
		},
	}, a.logger)
	asm := stream.NewAssembler(a.cfg.BlockStream, func(text string) {
		d.SendBlock(dispatch.Payload{Text: text})
	})

	result, err := a.execute(ctx, agent.RunRequest{
		SessionKey:    sessionKey,
		SessionID:     entry.SessionID,
		SessionFile:   entry.SessionFile,
		Prompt:        item.Prompt,
		Provider:      a.cfg.LLM.Provider,
		Model:         a.cfg.LLM.Model,
		ProfileSource: agent.SourceAuto,
		TimeoutMs:     timeoutMs,
		RunID:         runID,
		OnText:        asm.Push,
	})
	if err != nil {
		// Deltas buffered from a failed attempt are not delivered.
		d.MarkComplete()
		d.Wait()
		a.broadcast("error", runID, sessionKey, "", err.Error())
		return "", err
	}

	var finals []string
	for _, p := range result.Payloads {
		if p.IsError {
			d.SendFinal(dispatch.Payload{Text: p.Text})
			continue
		}
		// Deltas already streamed in through OnText; TextEnd flushes the
		// unemitted remainder and suppresses duplicates.
		asm.TextEnd(p.Text)
		finals = append(finals, p.Text)
	}
	summary := strings.Join(finals, "\n\n")

	if summary != "" {
		if _, err := a.transcripts.Append(entry.SessionID, transcript.Message{
			Role:           "assistant",
			Text:           summary,
			IdempotencyKey: transcript.AssistantIdempotencyKey(result.RunID),
		}); err != nil {
			a.logger.Error("persisting assistant reply", "session", sessionKey, "error", err)
		}
	}

	d.MarkComplete()
	d.Wait()

	switch {
	case result.Meta.Error != nil:
		a.broadcast("error", result.RunID, sessionKey, summary, result.Meta.Error.Message)
		return summary, fmt.Errorf("app: run %s: %s", result.RunID, result.Meta.Error.Message)
	case result.Meta.Aborted:
		a.broadcast("aborted", result.RunID, sessionKey, summary, "")
	default:
		a.broadcast("final", result.RunID, sessionKey, summary, "")
	}
	return summary, nil
}

// execute runs with model failover: a FailoverError walks the
// configured fallback list in order.
func (a *App) execute(ctx context.Context, req agent.RunRequest) (*agent.Result, error) {
	result, err := a.runner.Execute(ctx, req)
	var fo *agent.FailoverError
	if !errors.As(err, &fo) {
		return result, err
	}

	for _, ref := range a.cfg.Agent.FallbackModels {
		provider, model := splitModelRef(ref, req.Provider)
		if provider == req.Provider && model == req.Model {
			continue
		}
		a.logger.Warn("model failover",
			"reason", fo.Reason, "from", req.Model, "to", model)

		next := req
		next.Provider = provider
		next.Model = model
		next.ProfileSource = agent.SourceAuto
		next.ProfileID = ""
		result, err = a.runner.Execute(ctx, next)
		if errors.As(err, &fo) {
			continue
		}
		return result, err
	}
	return nil, fo
}

// splitModelRef parses "provider/model"; a bare model keeps the
// current provider.
func splitModelRef(ref, provider string) (string, string) {
	if i := strings.Index(ref, "/"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return provider, ref
}

// deliverTo builds the per-turn delivery function. Unroutable targets
// (RPC or isolated sessions) deliver through gateway events only.
func (a *App) deliverTo(sessionKey string, target queue.Target) dispatch.DeliverFunc {
	return func(kind dispatch.Kind, p dispatch.Payload) error {
		if target.Channel == "" || target.To == "" {
			a.broadcast(string(kind), "", sessionKey, p.Text, "")
			return nil
		}

		out := &channels.Outgoing{
			Text:      p.Text,
			MediaURL:  p.MediaURL,
			ReplyToID: p.ReplyToID,
			Data:      p.ChannelData,
		}
		if target.Thread != "" {
			if topic, err := strconv.Atoi(target.Thread); err == nil && topic != 0 {
				if out.Data == nil {
					out.Data = make(map[string]any)
				}
				out.Data["topic"] = topic
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		return a.channels.Send(ctx, target.Channel, target.To, out)
	}
}

// broadcast emits one gateway event when the RPC server is up.
func (a *App) broadcast(state, runID, sessionKey, message, errorMessage string) {
	if a.gateway == nil {
		return
	}
	a.gateway.Broadcast(state, runID, sessionKey, message, errorMessage)
}
