package sip

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const (
	sipfragContentType = "message/sipfrag"
)

// ReferHandler implements blind transfer via REFER per spec §4.5: it
// requires an existing dialog, replies 202 immediately, then drives an
// implicit refer event subscription that reports progress with
// message/sipfrag NOTIFY bodies until a final fragment is sent.
type ReferHandler struct {
	dialogs   *DialogManager
	registrar *Registrar
	subs      *SubscriptionManager
	client    *sipgo.Client
	logger    *slog.Logger
}

// NewReferHandler wires a ReferHandler to its collaborators.
func NewReferHandler(dialogs *DialogManager, registrar *Registrar, subs *SubscriptionManager, client *sipgo.Client, logger *slog.Logger) *ReferHandler {
	return &ReferHandler{
		dialogs:   dialogs,
		registrar: registrar,
		subs:      subs,
		client:    client,
		logger:    logger.With("subsystem", "refer"),
	}
}

// HandleRefer processes a REFER request.
func (h *ReferHandler) HandleRefer(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	localTag, remoteTag := dialogTagsOf(req)

	dlg := h.dialogs.Get(callID, localTag, remoteTag)
	if dlg == nil {
		h.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	referToHeader := req.GetHeader("Refer-To")
	if referToHeader == nil {
		h.respond(req, tx, 400, "Bad Request")
		return
	}
	target, err := parseReferTo(referToHeader.Value())
	if err != nil {
		h.logger.Warn("malformed refer-to", "call_id", callID, "error", err)
		h.respond(req, tx, 400, "Bad Request")
		return
	}

	referredBy := ""
	if rb := req.GetHeader("Referred-By"); rb != nil {
		referredBy = rb.Value()
	}

	h.respond(req, tx, 202, "Accepted")
	h.logger.Info("refer accepted", "call_id", callID, "refer_to", target, "referred_by", referredBy)

	sub := NewSubscription(dlg.Key(), EventRefer, dlg.RemoteURI, target, 0)
	h.subs.Create(sub)

	go h.progressTransfer(sub, dlg, target)
}

// progressTransfer drives the refer subscription's NOTIFY sequence: an
// initial 100 Trying, then a final fragment reflecting whether the
// transfer target currently has a live registration. There is no
// outbound call leg to the transfer target in this core (no B2BUA); a
// registered target is taken as the signal that the transfer can
// proceed, consistent with the single-target auto-answer design used
// for INVITE.
func (h *ReferHandler) progressTransfer(sub *Subscription, dlg *Dialog, targetAOR string) {
	if err := h.notify(dlg, sub, "SIP/2.0 100 Trying\r\n", false); err != nil {
		h.logger.Error("refer notify failed", "dialog", dlg.Key(), "error", err)
	}

	final := "SIP/2.0 200 OK\r\n"
	if !h.registrar.IsRegistered(targetAOR) {
		final = "SIP/2.0 404 Not Found\r\n"
	}

	if err := h.notify(dlg, sub, final, true); err != nil {
		h.logger.Error("refer final notify failed", "dialog", dlg.Key(), "error", err)
	}
	if err := sub.Terminate(); err != nil {
		h.logger.Error("refer subscription terminate failed", "dialog", dlg.Key(), "error", err)
	}
	h.subs.Remove(sub.DialogID)
}

func (h *ReferHandler) notify(dlg *Dialog, sub *Subscription, fragment string, final bool) error {
	var target sip.Uri
	if err := sip.ParseUri(dlg.RemoteTarget, &target); err != nil {
		return err
	}

	state := "active"
	if final {
		state = "terminated"
	} else if err := sub.Activate(); err != nil {
		h.logger.Debug("refer subscription activate no-op", "dialog", dlg.Key(), "error", err)
	}

	notifyReq := sip.NewRequest(sip.NOTIFY, target)
	notifyReq.AppendHeader(sip.NewHeader("Call-ID", dlg.CallID))
	notifyReq.AppendHeader(sip.NewHeader("Event", "refer"))
	notifyReq.AppendHeader(sip.NewHeader("Subscription-State", state))
	notifyReq.AppendHeader(sip.NewHeader("Content-Type", sipfragContentType))
	notifyReq.SetBody([]byte(fragment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientTx, err := h.client.TransactionRequest(ctx, notifyReq)
	if err != nil {
		return err
	}
	defer clientTx.Terminate()

	select {
	case <-clientTx.Responses():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ReferHandler) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	ensureToTag(res, uuid.NewString())
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send refer response", "code", code, "error", err)
	}
}

// parseReferTo extracts the bare AOR ("user@host") from a Refer-To header
// value, stripping any enclosing angle brackets, display name, and URI
// parameters (such as ?Replaces=...).
func parseReferTo(value string) (string, error) {
	value = strings.TrimSpace(value)
	if open := strings.IndexByte(value, '<'); open != -1 {
		if close := strings.IndexByte(value[open:], '>'); close != -1 {
			value = value[open+1 : open+close]
		}
	}
	if idx := strings.IndexAny(value, ";?"); idx != -1 {
		value = value[:idx]
	}
	var uri sip.Uri
	if err := sip.ParseUri(value, &uri); err != nil {
		return "", err
	}
	return uri.User + "@" + strings.ToLower(uri.Host), nil
}
