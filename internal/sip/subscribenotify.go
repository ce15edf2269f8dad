package sip

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const defaultSubscriptionExpiry = 3600

// SubscribeNotifyHandler implements event subscription bookkeeping per
// spec §4.5: SUBSCRIBE validates the Event package and establishes or
// refreshes a subscription keyed by dialog id; NOTIFY verifies the
// subscription exists and routes Subscription-State to in-process
// consumers via the onNotify callback.
type SubscribeNotifyHandler struct {
	subs     *SubscriptionManager
	logger   *slog.Logger
	onNotify func(sub *Subscription, state string, contentType string, body []byte)
}

// NewSubscribeNotifyHandler wires a SubscribeNotifyHandler. onNotify may be
// nil; if set, it is invoked synchronously on every accepted NOTIFY.
func NewSubscribeNotifyHandler(subs *SubscriptionManager, logger *slog.Logger, onNotify func(sub *Subscription, state, contentType string, body []byte)) *SubscribeNotifyHandler {
	return &SubscribeNotifyHandler{
		subs:     subs,
		logger:   logger.With("subsystem", "subscription"),
		onNotify: onNotify,
	}
}

// HandleSubscribe processes a SUBSCRIBE request.
func (h *SubscribeNotifyHandler) HandleSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	eventHeader := req.GetHeader("Event")
	if eventHeader == nil || !SupportedEventPackage(eventName(eventHeader.Value())) {
		h.respond(req, tx, 489, "Bad Event")
		return
	}
	pkg := EventPackage(eventName(eventHeader.Value()))

	callID := callIDOf(req)
	localTag, remoteTag := dialogTagsOf(req)
	if localTag == "" {
		localTag = uuid.NewString()
	}
	dialogID := dialogKey(callID, localTag, remoteTag)

	expires := parseSubscribeExpires(req)

	if expires == 0 {
		if sub := h.subs.Remove(dialogID); sub != nil {
			_ = sub.Terminate()
			h.logger.Info("subscription ended", "dialog_id", dialogID, "event", pkg)
		}
		res := sip.NewResponseFromRequest(req, 202, "Accepted", nil)
		res.AppendHeader(sip.NewHeader("Expires", "0"))
		ensureToTag(res, localTag)
		h.send(req, tx, res)
		return
	}

	sub := h.subs.Get(dialogID)
	if sub == nil {
		subscriberAOR := subscriberAOROf(req)
		targetAOR := toAOR(req)
		sub = NewSubscription(dialogID, pkg, subscriberAOR, targetAOR, time.Duration(expires)*time.Second)
		h.subs.Create(sub)
		h.logger.Info("subscription created", "dialog_id", dialogID, "event", pkg, "target", targetAOR, "expires", expires)
	} else {
		sub.Refresh(time.Duration(expires) * time.Second)
		h.logger.Debug("subscription refreshed", "dialog_id", dialogID, "event", pkg, "expires", expires)
	}

	res := sip.NewResponseFromRequest(req, 202, "Accepted", nil)
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	ensureToTag(res, localTag)
	h.send(req, tx, res)
}

// HandleNotify processes a NOTIFY request.
func (h *SubscribeNotifyHandler) HandleNotify(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	localTag, remoteTag := dialogTagsOf(req)
	dialogID := dialogKey(callID, localTag, remoteTag)

	sub := h.subs.Get(dialogID)
	if sub == nil {
		// Fall back to the reversed key: a NOTIFY we sent ourselves (e.g.
		// refer progress) carries our own dialog's tags in the opposite
		// From/To order from a NOTIFY we're receiving as the subscriber.
		sub = h.subs.Get(dialogKey(callID, remoteTag, localTag))
	}
	if sub == nil {
		h.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	state := "active"
	if ss := req.GetHeader("Subscription-State"); ss != nil {
		state = subscriptionStateToken(ss.Value())
	}

	switch state {
	case "active":
		if sub.State() != SubActive {
			_ = sub.Activate()
		}
	case "terminated":
		_ = sub.Terminate()
		h.subs.Remove(sub.DialogID)
	}

	contentType := "text/plain"
	if ct := req.GetHeader("Content-Type"); ct != nil {
		contentType = ct.Value()
	}

	if h.onNotify != nil {
		h.onNotify(sub, state, contentType, append([]byte(nil), req.Body()...))
	}

	h.respond(req, tx, 200, "OK")
}

func (h *SubscribeNotifyHandler) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	h.send(req, tx, sip.NewResponseFromRequest(req, code, reason, nil))
}

func (h *SubscribeNotifyHandler) send(req *sip.Request, tx sip.ServerTransaction, res *sip.Response) {
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send subscription response", "error", err)
	}
}

func parseSubscribeExpires(req *sip.Request) int {
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return defaultSubscriptionExpiry
}

// subscriberAOROf derives the subscribing AOR from a request's From header.
func subscriberAOROf(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return ""
	}
	return from.Address.User + "@" + from.Address.Host
}

// eventName strips any ;id= parameter from an Event header value.
func eventName(value string) string {
	for i, r := range value {
		if r == ';' {
			return value[:i]
		}
	}
	return value
}

// subscriptionStateToken extracts the state token from a Subscription-State
// header value ("active;expires=3600" -> "active").
func subscriptionStateToken(value string) string {
	return eventName(value)
}
