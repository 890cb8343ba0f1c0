package security

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Approval outcomes.
var (
	// ErrApprovalTimeout means no operator decided before the deadline.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrApprovalDenied means an operator explicitly rejected the call.
	ErrApprovalDenied = errors.New("approval denied")
	// ErrNoPendingApproval is returned by Resolve when nothing is waiting.
	ErrNoPendingApproval = errors.New("no pending approval for run")
)

// Approvals is the rendezvous between a paused run and the operator's
// approval.grant request. At most one approval can be pending per run;
// the first resolution wins and later ones get ErrNoPendingApproval.
type Approvals struct {
	mu      sync.Mutex
	pending map[string]chan bool
	observe func(wait time.Duration)
}

// NewApprovals creates an empty broker.
func NewApprovals() *Approvals {
	return &Approvals{pending: make(map[string]chan bool)}
}

// Observe registers a hook called with the wait duration each time an
// operator resolves a pending approval. Timeouts are not observed.
func (a *Approvals) Observe(fn func(wait time.Duration)) {
	a.mu.Lock()
	a.observe = fn
	a.mu.Unlock()
}

// Await blocks the calling run until an operator resolves the approval,
// the deadline passes, or ctx is canceled. The pending slot is always
// cleared before returning.
func (a *Approvals) Await(ctx context.Context, runID string, deadline time.Time) error {
	ch := make(chan bool, 1)
	start := time.Now()

	a.mu.Lock()
	if _, exists := a.pending[runID]; exists {
		a.mu.Unlock()
		return errors.New("approval already pending for run")
	}
	a.pending[runID] = ch
	observe := a.observe
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, runID)
		a.mu.Unlock()
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case approved := <-ch:
		if observe != nil {
			observe(time.Since(start))
		}
		if !approved {
			return ErrApprovalDenied
		}
		return nil
	case <-timer.C:
		return ErrApprovalTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve delivers the operator's decision to the waiting run.
func (a *Approvals) Resolve(runID string, approved bool) error {
	a.mu.Lock()
	ch, ok := a.pending[runID]
	if ok {
		delete(a.pending, runID)
	}
	a.mu.Unlock()

	if !ok {
		return ErrNoPendingApproval
	}
	ch <- approved
	return nil
}

// Pending reports whether a run is currently waiting on approval.
func (a *Approvals) Pending(runID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[runID]
	return ok
}
