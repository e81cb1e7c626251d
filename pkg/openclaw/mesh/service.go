package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Service exposes the mesh surface as RPC methods: mesh.run starts a
// plan, mesh.status reads it, mesh.retry re-drives part of it.
type Service struct {
	runner Runner
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*Execution
}

// NewService creates a mesh service executing steps through runner.
func NewService(runner Runner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runner: runner,
		logger: logger.With("component", "mesh"),
		runs:   make(map[string]*Execution),
	}
}

// Dispatch routes one mesh.* method.
func (s *Service) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "mesh.run":
		return s.run(ctx, params)
	case "mesh.status":
		return s.status(params)
	case "mesh.retry":
		return s.retry(ctx, params)
	}
	return nil, fmt.Errorf("mesh: unknown method %q", method)
}

func (s *Service) run(ctx context.Context, params json.RawMessage) (any, error) {
	var plan Plan
	if err := json.Unmarshal(params, &plan); err != nil {
		return nil, fmt.Errorf("mesh: bad plan: %w", err)
	}
	exec, err := NewExecution(plan, s.runner, s.logger)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.runs[id] = exec
	s.mu.Unlock()

	// The plan runs detached; clients poll mesh.status.
	go func() {
		exec.Run(context.WithoutCancel(ctx))
		s.logger.Info("plan finished", "mesh_id", id)
	}()

	return map[string]any{"meshId": id, "status": "started"}, nil
}

type statusParams struct {
	MeshID string `json:"meshId"`
}

func (s *Service) status(params json.RawMessage) (any, error) {
	var p statusParams
	if err := json.Unmarshal(params, &p); err != nil || p.MeshID == "" {
		return nil, fmt.Errorf("mesh: status requires meshId")
	}
	exec, err := s.lookup(p.MeshID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"meshId": p.MeshID,
		"done":   exec.Done(),
		"steps":  exec.Snapshot(),
	}, nil
}

type retryParams struct {
	MeshID  string   `json:"meshId"`
	StepIDs []string `json:"stepIds,omitempty"`
}

func (s *Service) retry(ctx context.Context, params json.RawMessage) (any, error) {
	var p retryParams
	if err := json.Unmarshal(params, &p); err != nil || p.MeshID == "" {
		return nil, fmt.Errorf("mesh: retry requires meshId")
	}
	exec, err := s.lookup(p.MeshID)
	if err != nil {
		return nil, err
	}
	steps, err := exec.Retry(context.WithoutCancel(ctx), p.StepIDs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"meshId": p.MeshID, "steps": steps}, nil
}

func (s *Service) lookup(id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("mesh: unknown mesh id %q", id)
	}
	return exec, nil
}
