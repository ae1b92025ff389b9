package engine

import (
	"context"
	"sync"
)

// MemoryStore is an in-process RunStore. It keeps deep copies so callers can never mutate
// persisted state by accident.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*WorkflowRun
	tokens map[string]string
	audit  []AuditEntry
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*WorkflowRun),
		tokens: make(map[string]string),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *WorkflowRun, audit ...AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return NewConflictError("run already exists", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(run.ID)
	}
	if run.IdempotencyToken != "" {
		if _, taken := s.tokens[run.IdempotencyToken]; taken {
			return NewConflictError("idempotency token already bound", nil).
				WithCode(ErrCodeAlreadyExists).
				WithResource(run.ID)
		}
		s.tokens[run.IdempotencyToken] = run.ID
	}
	s.runs[run.ID] = run.Clone()
	s.audit = append(s.audit, audit...)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run *WorkflowRun, audit ...AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return runNotFound(run.ID)
	}
	c := run.Clone()
	// The cancel flag is owned by RequestCancel; a save never clears it.
	c.CancelRequested = c.CancelRequested || existing.CancelRequested
	s.runs[run.ID] = c
	s.audit = append(s.audit, audit...)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, runNotFound(runID)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) GetRunByToken(ctx context.Context, token string) (*WorkflowRun, error) {
	s.mu.RLock()
	id, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return nil, NewPermanentError("no run bound to token", nil).WithCode(ErrCodeNotFound)
	}
	return s.GetRun(ctx, id)
}

func (s *MemoryStore) RequestCancel(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return runNotFound(runID)
	}
	if run.Phase.IsTerminal() {
		return NewPermanentError("run is not active", nil).
			WithCode(ErrCodeRunNotActive).
			WithResource(runID)
	}
	run.CancelRequested = true
	return nil
}

// Audit returns a copy of every audit entry appended so far.
func (s *MemoryStore) Audit() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

func runNotFound(runID string) error {
	return NewPermanentError("run not found", nil).
		WithCode(ErrCodeNotFound).
		WithResource(runID)
}
