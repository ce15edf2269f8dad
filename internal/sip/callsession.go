package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	coresdp "github.com/corvuspbx/sipcore/internal/sdp"
)

// CallState is a call session's application-level lifecycle state.
type CallState string

const (
	CallInitiating CallState = "Initiating"
	CallRinging    CallState = "Ringing"
	CallAnswered   CallState = "Answered"
	CallTerminating CallState = "Terminating"
	CallTerminated  CallState = "Terminated"
)

// HoldState reflects the SDP direction negotiated on both ends of a call.
type HoldState string

const (
	HoldActive      HoldState = "Active"
	HoldLocal       HoldState = "LocalHold"
	HoldRemote      HoldState = "RemoteHold"
	HoldBoth        HoldState = "BothHold"
)

const (
	evCallRing       = "ring"
	evCallAnswer     = "answer"
	evCallHangupBegin = "hangup_begin"
	evCallHangupDone  = "hangup_done"
	evCallCancel      = "cancel"
)

// CallSession is the application-level view of a call (spec's Call
// session): one per answered INVITE, independent of (but usually paired
// 1:1 with) a Dialog.
type CallSession struct {
	CallID        string
	CallerAOR     string
	CalleeAOR     string
	CallerContact string
	CalleeContact string
	CreatedAt     time.Time
	AnsweredAt    time.Time
	EndedAt       time.Time

	mu        sync.Mutex
	fsm       *fsm.FSM
	holdState HoldState
	sdpOffer  []byte
	sdpAnswer []byte

	media MediaHandleCloser
}

// MediaHandleCloser matches collab.MediaHandle without importing collab,
// keeping this package's core types collaborator-agnostic.
type MediaHandleCloser interface {
	Release()
}

// NewCallSession creates a session in the Initiating state.
func NewCallSession(callID, callerAOR, calleeAOR string, offer []byte) *CallSession {
	cs := &CallSession{
		CallID:    callID,
		CallerAOR: callerAOR,
		CalleeAOR: calleeAOR,
		CreatedAt: time.Now(),
		holdState: HoldActive,
		sdpOffer:  offer,
	}
	cs.fsm = fsm.NewFSM(
		string(CallInitiating),
		fsm.Events{
			{Name: evCallRing, Src: []string{string(CallInitiating)}, Dst: string(CallRinging)},
			{Name: evCallAnswer, Src: []string{string(CallInitiating), string(CallRinging)}, Dst: string(CallAnswered)},
			{Name: evCallCancel, Src: []string{string(CallInitiating), string(CallRinging)}, Dst: string(CallTerminated)},
			{Name: evCallHangupBegin, Src: []string{string(CallAnswered)}, Dst: string(CallTerminating)},
			{Name: evCallHangupDone, Src: []string{string(CallTerminating), string(CallAnswered)}, Dst: string(CallTerminated)},
		},
		nil,
	)
	return cs
}

func (cs *CallSession) State() CallState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return CallState(cs.fsm.Current())
}

func (cs *CallSession) HoldState() HoldState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.holdState
}

// Ring moves Initiating -> Ringing (on sending/receiving 180).
func (cs *CallSession) Ring() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.fsm.Event(context.Background(), evCallRing)
}

// Answer moves {Initiating,Ringing} -> Answered and stamps AnsweredAt.
func (cs *CallSession) Answer(answerSDP []byte) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.fsm.Event(context.Background(), evCallAnswer); err != nil {
		return err
	}
	cs.AnsweredAt = time.Now()
	cs.sdpAnswer = answerSDP
	return nil
}

// Cancel moves {Initiating,Ringing} -> Terminated (CANCEL before answer).
func (cs *CallSession) Cancel() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.fsm.Event(context.Background(), evCallCancel); err != nil {
		return err
	}
	cs.EndedAt = time.Now()
	return nil
}

// BeginHangup moves Answered -> Terminating (BYE sent/received, prior to
// the final response completing teardown).
func (cs *CallSession) BeginHangup() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.fsm.Event(context.Background(), evCallHangupBegin)
}

// FinishHangup moves {Terminating,Answered} -> Terminated and releases
// the media handle, if any.
func (cs *CallSession) FinishHangup() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.fsm.Event(context.Background(), evCallHangupDone); err != nil {
		return err
	}
	cs.EndedAt = time.Now()
	if cs.media != nil {
		cs.media.Release()
		cs.media = nil
	}
	return nil
}

// SetMedia attaches the media handle returned by the collaborator's
// MediaSessionFactory, released automatically on FinishHangup.
func (cs *CallSession) SetMedia(h MediaHandleCloser) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.media = h
}

// ApplyReInvite updates hold_state from a re-INVITE's offer SDP per
// spec's hold/resume table, and returns the answer SDP to send back (the
// inverse direction written into a copy of the offer body).
func (cs *CallSession) ApplyReInvite(offerSDP []byte) (answerSDP []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	offerDir := coresdp.ParseDirection(offerSDP)
	answerDir := offerDir.Invert()

	switch {
	case offerDir == coresdp.SendRecv:
		cs.holdState = HoldActive
	case offerDir == coresdp.SendOnly:
		cs.holdState = HoldRemote
	case offerDir == coresdp.RecvOnly:
		cs.holdState = HoldLocal
	case offerDir == coresdp.Inactive:
		cs.holdState = HoldBoth
	}

	cs.sdpOffer = offerSDP
	answer := coresdp.RewriteDirection(offerSDP, answerDir)
	cs.sdpAnswer = answer
	return answer
}

// CallTable tracks all call sessions in memory, keyed by Call-ID.
type CallTable struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
	logger   *slog.Logger
}

// NewCallTable creates an empty in-memory call table.
func NewCallTable(logger *slog.Logger) *CallTable {
	return &CallTable{
		sessions: make(map[string]*CallSession),
		logger:   logger.With("subsystem", "callsession"),
	}
}

func (t *CallTable) Create(cs *CallSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[cs.CallID] = cs
	t.logger.Debug("call session created", "call_id", cs.CallID, "caller", cs.CallerAOR, "callee", cs.CalleeAOR)
}

func (t *CallTable) Get(callID string) *CallSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[callID]
}

// Terminate removes a session from the table, returning it if present.
// Callers are expected to have already called FinishHangup/Cancel on it.
func (t *CallTable) Terminate(callID string) *CallSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.sessions[callID]
	if !ok {
		return nil
	}
	delete(t.sessions, callID)
	return cs
}

// Active returns a snapshot of all tracked call sessions, exposed for the
// embedding application's admin call-control surface.
func (t *CallTable) Active() []*CallSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*CallSession, 0, len(t.sessions))
	for _, cs := range t.sessions {
		out = append(out, cs)
	}
	return out
}

func (t *CallTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
