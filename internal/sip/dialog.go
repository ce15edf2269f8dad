package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// DialogState is a dialog's RFC 3261 lifecycle state.
type DialogState string

const (
	DialogEarly      DialogState = "Early"
	DialogConfirmed  DialogState = "Confirmed"
	DialogTerminated DialogState = "Terminated"
)

const (
	evDialogConfirm   = "confirm"
	evDialogTerminate = "terminate"
)

// Dialog is the RFC 3261 peer-to-peer relationship keyed by
// (call_id, local_tag, remote_tag). It tracks route state and CSeq
// ordering independent of the higher-level CallSession.
type Dialog struct {
	CallID       string
	LocalTag     string
	RemoteTag    string
	LocalSeq     uint32
	RemoteSeq    uint32
	LocalURI     string
	RemoteURI    string
	RemoteTarget string
	RouteSet     []string

	mu  sync.Mutex
	fsm *fsm.FSM
}

// NewDialog creates a dialog in the Early state.
func NewDialog(callID, localTag, remoteTag, localURI, remoteURI string) *Dialog {
	d := &Dialog{
		CallID:    callID,
		LocalTag:  localTag,
		RemoteTag: remoteTag,
		LocalURI:  localURI,
		RemoteURI: remoteURI,
	}
	d.fsm = fsm.NewFSM(
		string(DialogEarly),
		fsm.Events{
			{Name: evDialogConfirm, Src: []string{string(DialogEarly)}, Dst: string(DialogConfirmed)},
			{Name: evDialogTerminate, Src: []string{string(DialogEarly), string(DialogConfirmed)}, Dst: string(DialogTerminated)},
		},
		nil,
	)
	return d
}

// Key is the dialog's composite identifier.
func (d *Dialog) Key() string {
	return dialogKey(d.CallID, d.LocalTag, d.RemoteTag)
}

func dialogKey(callID, localTag, remoteTag string) string {
	return callID + "|" + localTag + "|" + remoteTag
}

// State returns the dialog's current lifecycle state.
func (d *Dialog) State() DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DialogState(d.fsm.Current())
}

// Confirm transitions Early -> Confirmed (on the first reliable final
// response, or an ACK completing the three-way handshake).
func (d *Dialog) Confirm() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fsm.Event(context.Background(), evDialogConfirm)
}

// Terminate transitions to Terminated from any non-terminal state.
func (d *Dialog) Terminate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fsm.Event(context.Background(), evDialogTerminate)
}

// CheckRemoteSeq enforces spec invariant 4: a dialog's remote_seq never
// decreases. Returns errCSeqRegression if seq does not advance strictly,
// otherwise records seq and returns nil.
func (d *Dialog) CheckRemoteSeq(seq uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.RemoteSeq != 0 && seq <= d.RemoteSeq {
		return errCSeqRegression
	}
	d.RemoteSeq = seq
	return nil
}

// NextLocalSeq returns the next outgoing CSeq for this dialog.
func (d *Dialog) NextLocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LocalSeq++
	return d.LocalSeq
}

// DialogManager tracks all dialogs in memory, keyed by their composite id.
type DialogManager struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
	logger  *slog.Logger
}

// NewDialogManager creates an empty in-memory dialog tracker.
func NewDialogManager(logger *slog.Logger) *DialogManager {
	return &DialogManager{
		dialogs: make(map[string]*Dialog),
		logger:  logger.With("subsystem", "dialog"),
	}
}

// Create registers a new dialog.
func (dm *DialogManager) Create(d *Dialog) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.dialogs[d.Key()] = d
	dm.logger.Debug("dialog created", "key", d.Key())
}

// Get retrieves a dialog by its composite key.
func (dm *DialogManager) Get(callID, localTag, remoteTag string) *Dialog {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.dialogs[dialogKey(callID, localTag, remoteTag)]
}

// Remove deletes a dialog, returning it if present.
func (dm *DialogManager) Remove(callID, localTag, remoteTag string) *Dialog {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	key := dialogKey(callID, localTag, remoteTag)
	d, ok := dm.dialogs[key]
	if !ok {
		return nil
	}
	delete(dm.dialogs, key)
	return d
}

// Count returns the number of tracked dialogs.
func (dm *DialogManager) Count() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.dialogs)
}

// invalidTransition wraps an fsm state error with the dialog/call context,
// used by handlers translating a rejected transition into a 500 response.
func invalidTransition(entity, key string, err error) error {
	return fmt.Errorf("sip: invalid %s transition for %s: %w", entity, key, err)
}
