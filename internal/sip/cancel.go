package sip

import (
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/corvuspbx/sipcore/internal/collab"
)

// PendingCall tracks a single INVITE between receipt and a final
// response: the original server transaction (to answer CANCEL/487 on)
// and, once one has been requested, the media handle allocated for the
// call so it can be released if the caller hangs up before answer.
type PendingCall struct {
	CallID    string
	CallerTx  sip.ServerTransaction
	CallerReq *sip.Request
	Media     collab.MediaHandle
}

// PendingCallManager tracks calls in Initiating/Ringing state, keyed by
// Call-ID, so the CANCEL handler can find and abort them.
type PendingCallManager struct {
	mu      sync.RWMutex
	pending map[string]*PendingCall
	logger  *slog.Logger
}

// NewPendingCallManager creates a new pending call tracker.
func NewPendingCallManager(logger *slog.Logger) *PendingCallManager {
	return &PendingCallManager{
		pending: make(map[string]*PendingCall),
		logger:  logger.With("subsystem", "pending-calls"),
	}
}

// Add registers a pending call. Called when the INVITE handler starts
// ringing the callee.
func (pm *PendingCallManager) Add(pc *PendingCall) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pending[pc.CallID] = pc
	pm.logger.Debug("pending call added", "call_id", pc.CallID)
}

// Remove removes a pending call. Called when the call is answered or
// fails. Returns the pending call, or nil if not found.
func (pm *PendingCallManager) Remove(callID string) *PendingCall {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pc, ok := pm.pending[callID]
	if !ok {
		return nil
	}
	delete(pm.pending, callID)
	pm.logger.Debug("pending call removed", "call_id", callID)
	return pc
}

// Get retrieves a pending call by Call-ID without removing it.
func (pm *PendingCallManager) Get(callID string) *PendingCall {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pending[callID]
}

// PendingCalls returns a snapshot of all currently pending (ringing) calls.
func (pm *PendingCallManager) PendingCalls() []*PendingCall {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	calls := make([]*PendingCall, 0, len(pm.pending))
	for _, pc := range pm.pending {
		calls = append(calls, pc)
	}
	return calls
}

// PendingCallCount returns the number of currently pending calls.
func (pm *PendingCallManager) PendingCallCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.pending)
}

// Cancel aborts a pending call: releases its media handle (if one was
// allocated) and sends 487 Request Terminated to the caller's original
// INVITE transaction. Returns true if the call was found and cancelled.
func (pm *PendingCallManager) Cancel(callID string, logger *slog.Logger) bool {
	pc := pm.Remove(callID)
	if pc == nil {
		return false
	}

	if pc.Media != nil {
		pc.Media.Release()
		logger.Debug("media handle released on cancel", "call_id", callID)
	}

	terminatedRes := sip.NewResponseFromRequest(pc.CallerReq, 487, "Request Terminated", nil)
	if err := pc.CallerTx.Respond(terminatedRes); err != nil {
		logger.Error("failed to send 487 to caller on cancel", "call_id", callID, "error", err)
	} else {
		logger.Info("sent 487 request terminated to caller", "call_id", callID)
	}

	return true
}
