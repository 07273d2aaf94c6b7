package server

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Belfering/QuantNexus-sub004/internal/orchestrator"
)

func newSweepID() string { return uuid.NewString() }

// sweepStatus is the polled state of one in-flight or completed sweep.
type sweepStatus struct {
	Done      int                          `json:"done"`
	Total     int                          `json:"total"`
	Finished  bool                         `json:"finished"`
	Cancelled bool                         `json:"cancelled"`
	Error     string                       `json:"error,omitempty"`
	Results   []orchestrator.BranchResult  `json:"results,omitempty"`
}

// sweepEntry tracks one running or completed sweep's cancel func and
// current status, guarded by its own mutex so concurrent status
// polling never blocks the background goroutine updating it.
type sweepEntry struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	status sweepStatus
}

func (e *sweepEntry) setProgress(done, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Done = done
	e.status.Total = total
}

func (e *sweepEntry) finish(results []orchestrator.BranchResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Finished = true
	e.status.Results = results
	if err != nil {
		e.status.Error = err.Error()
	}
}

func (e *sweepEntry) snapshot() sweepStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// sweepRegistry tracks sweeps by ID for the async status/cancel
// endpoints. A sweep stays in the registry after completion so its
// final status and results remain pollable.
type sweepRegistry struct {
	mu      sync.Mutex
	entries map[string]*sweepEntry
}

func newSweepRegistry() *sweepRegistry {
	return &sweepRegistry{entries: map[string]*sweepEntry{}}
}

func (r *sweepRegistry) register(id string, cancel context.CancelFunc, total int) *sweepEntry {
	e := &sweepEntry{cancel: cancel, status: sweepStatus{Total: total}}
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	return e
}

func (r *sweepRegistry) get(id string) (*sweepEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *sweepRegistry) cancel(id string) bool {
	e, ok := r.get(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	already := e.status.Finished || e.status.Cancelled
	if !already {
		e.status.Cancelled = true
	}
	e.mu.Unlock()
	e.cancel()
	return true
}
