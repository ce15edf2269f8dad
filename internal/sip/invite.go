package sip

import (
	"context"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/corvuspbx/sipcore/internal/collab"
)

// CallHandler implements the INVITE/ACK/BYE/CANCEL call-control surface.
// It holds no B2BUA forking logic: a callee AOR maps to exactly one
// registered contact (the first returned by Registrar.Lookup), matching
// the core's single-target auto-answer fast path.
type CallHandler struct {
	auth      *Authenticator
	registrar *Registrar
	dialogs   *DialogManager
	calls     *CallTable
	pending   *PendingCallManager
	media     collab.MediaSessionFactory
	cdr       collab.CdrSink
	localIP   string
	logger    *slog.Logger
}

// NewCallHandler wires a CallHandler to its collaborators. media and cdr
// may be nil, in which case the call is answered with the offer SDP
// echoed back verbatim and no CDR is recorded.
func NewCallHandler(auth *Authenticator, registrar *Registrar, dialogs *DialogManager, calls *CallTable, pending *PendingCallManager, media collab.MediaSessionFactory, cdr collab.CdrSink, localIP string, logger *slog.Logger) *CallHandler {
	return &CallHandler{
		auth:      auth,
		registrar: registrar,
		dialogs:   dialogs,
		calls:     calls,
		pending:   pending,
		media:     media,
		cdr:       cdr,
		localIP:   localIP,
		logger:    logger.With("subsystem", "call"),
	}
}

// HandleInvite processes an initial INVITE per spec §4.5.
func (h *CallHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	ctx := context.Background()

	if maxForwardsIsZero(req) {
		h.respond(req, tx, 483, "Too Many Hops")
		return
	}

	cred := h.auth.Authenticate(ctx, req, tx)
	if cred == nil {
		return
	}

	calleeAOR := toAOR(req)
	if !h.registrar.IsRegistered(calleeAOR) {
		h.logger.Info("invite to unregistered callee", "callee", calleeAOR)
		h.respond(req, tx, 404, "Not Found")
		return
	}
	bindings := h.registrar.Lookup(calleeAOR)
	calleeContact := bindings[0].ContactURI

	callerAOR := aorUser(req) + "@" + cred.Realm
	callID := callIDOf(req)
	localTag := uuid.NewString()
	remoteTag := fromTagOf(req)

	offer := append([]byte(nil), req.Body()...)
	session := NewCallSession(callID, callerAOR, calleeAOR, offer)
	session.CalleeContact = calleeContact
	if from := req.From(); from != nil {
		session.CallerContact = from.Address.String()
	}
	h.calls.Create(session)

	dlg := NewDialog(callID, localTag, remoteTag, req.Recipient.String(), callerAOR)
	if contact := req.Contact(); contact != nil {
		dlg.RemoteTarget = contact.Address.String()
	}
	h.dialogs.Create(dlg)

	pc := &PendingCall{CallID: callID, CallerReq: req, CallerTx: tx}
	h.pending.Add(pc)

	if err := session.Ring(); err != nil {
		h.logger.Error("invalid ring transition", "call_id", callID, "error", err)
	}

	answer := offer
	if h.media != nil {
		answerSDP, handle, err := h.media.Create(ctx, h.localIP, offer)
		if err != nil {
			h.logger.Error("media session creation failed", "call_id", callID, "error", err)
			h.pending.Remove(callID)
			h.calls.Terminate(callID)
			h.dialogs.Remove(callID, localTag, remoteTag)
			h.respond(req, tx, 500, "Server Internal Error")
			return
		}
		answer = answerSDP
		pc.Media = handle
		session.SetMedia(handle)
	}

	if err := session.Answer(answer); err != nil {
		h.logger.Error("invalid call session transition", "error", invalidTransition("call", callID, err))
	}
	if err := dlg.Confirm(); err != nil {
		h.logger.Error("invalid dialog transition", "error", invalidTransition("dialog", dlg.Key(), err))
	}
	h.pending.Remove(callID)

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Contact", "<"+req.Recipient.String()+">;tag="+localTag))
	ensureToTag(res, localTag)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send invite 200", "call_id", callID, "error", err)
	}
	h.logger.Info("call answered", "call_id", callID, "caller", callerAOR, "callee", calleeAOR)
}

// HandleAck processes a non-dialog-establishing ACK: promotes a ringing
// call session to Answered if one is still pending (the fast-path INVITE
// handler above already answers synchronously, so this mainly covers a
// retransmitted or delayed ACK).
func (h *CallHandler) HandleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	session := h.calls.Get(callID)
	if session == nil {
		return
	}
	if session.State() == CallInitiating || session.State() == CallRinging {
		if err := session.Answer(session.sdpAnswer); err != nil {
			h.logger.Error("ack answer transition failed", "call_id", callID, "error", err)
		}
	}
}

// HandleBye processes an in-dialog BYE per spec §4.5.
func (h *CallHandler) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	localTag, remoteTag := dialogTagsOf(req)

	dlg := h.dialogs.Get(callID, localTag, remoteTag)
	if dlg == nil {
		h.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	session := h.calls.Get(callID)
	if session != nil {
		if session.State() == CallAnswered {
			_ = session.BeginHangup()
		}
		_ = session.FinishHangup()
		h.calls.Terminate(callID)
		h.recordCDR(session, "bye")
	}
	_ = dlg.Terminate()
	h.dialogs.Remove(dlg.CallID, dlg.LocalTag, dlg.RemoteTag)

	h.respond(req, tx, 200, "OK")
	h.logger.Info("call terminated by bye", "call_id", callID)
}

// HandleCancel processes a CANCEL against a non-final INVITE transaction
// per spec §4.5: the CANCEL itself is answered 200 OK immediately, and
// the matching INVITE transaction (if still pending) gets 487.
func (h *CallHandler) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	h.respond(req, tx, 200, "OK")

	if session := h.calls.Get(callID); session != nil {
		_ = session.Cancel()
		h.calls.Terminate(callID)
		h.recordCDR(session, "cancel")
	}
	h.pending.Cancel(callID, h.logger)
}

func (h *CallHandler) recordCDR(session *CallSession, cause string) {
	if h.cdr == nil || session == nil {
		return
	}
	var answered int64
	if !session.AnsweredAt.IsZero() {
		answered = session.AnsweredAt.Unix()
	}
	var ended int64
	if !session.EndedAt.IsZero() {
		ended = session.EndedAt.Unix()
	}
	h.cdr.Record(collab.CallRecord{
		CallID:      session.CallID,
		CallerAOR:   session.CallerAOR,
		CalleeAOR:   session.CalleeAOR,
		Direction:   "inbound",
		Disposition: string(session.State()),
		StartedAt:   session.CreatedAt.Unix(),
		AnsweredAt:  answered,
		EndedAt:     ended,
		HangupCause: cause,
	})
}

func (h *CallHandler) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	ensureToTag(res, uuid.NewString())
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send response", "code", code, "error", err)
	}
}

// ensureToTag adds a tag to a response's To header if it lacks one, per
// spec invariant 1 ("a To tag MUST be added on any non-100 response when
// none exists").
func ensureToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil {
		return
	}
	if _, ok := to.Params.Get("tag"); !ok {
		to.Params.Add("tag", tag)
	}
}

func maxForwardsIsZero(req *sip.Request) bool {
	h := req.GetHeader("Max-Forwards")
	if h == nil {
		return false
	}
	return h.Value() == "0"
}

func fromTagOf(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return ""
	}
	tag, _ := from.Params.Get("tag")
	return tag
}

// dialogTagsOf returns (local_tag, remote_tag) as seen from the UAS side
// of an in-dialog request: From carries the peer's tag, To carries ours.
func dialogTagsOf(req *sip.Request) (localTag, remoteTag string) {
	if to := req.To(); to != nil {
		localTag, _ = to.Params.Get("tag")
	}
	if from := req.From(); from != nil {
		remoteTag, _ = from.Params.Get("tag")
	}
	return localTag, remoteTag
}
