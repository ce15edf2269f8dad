package sip

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newByeLikeRequest(method sip.RequestMethod, callID, fromTag, toTag string) *sip.Request {
	req := newInviteWithBody(callID, fromTag, toTag, nil)
	req.Method = method
	return req
}

func TestHandleReferWithoutDialogReturns481(t *testing.T) {
	dialogs := NewDialogManager(testLogger())
	registrar := NewRegistrar(nil, NewRegistrationNotifier(), 3600, testLogger())
	subs := NewSubscriptionManager(testLogger())
	h := NewReferHandler(dialogs, registrar, subs, nil, testLogger())

	req := newByeLikeRequest(sip.REFER, "call-no-dialog", "caller-tag", "callee-tag")
	req.AppendHeader(sip.NewHeader("Refer-To", "<sip:carol@sipcore>"))
	tx := &recordingTx{}

	h.HandleRefer(req, tx)

	require.Len(t, tx.responses, 1)
	assert.Equal(t, 481, tx.responses[0].StatusCode)
	assert.Equal(t, 0, subs.Count())
}

func TestHandleReferMissingReferToReturns400(t *testing.T) {
	dialogs := NewDialogManager(testLogger())
	registrar := NewRegistrar(nil, NewRegistrationNotifier(), 3600, testLogger())
	subs := NewSubscriptionManager(testLogger())
	h := NewReferHandler(dialogs, registrar, subs, nil, testLogger())

	dlg := NewDialog("call-no-referto", "local-tag", "remote-tag", "sip:bob@sipcore", "sip:alice@sipcore")
	dialogs.Create(dlg)

	req := newByeLikeRequest(sip.REFER, "call-no-referto", "remote-tag", "local-tag")
	tx := &recordingTx{}

	h.HandleRefer(req, tx)

	require.Len(t, tx.responses, 1)
	assert.Equal(t, 400, tx.responses[0].StatusCode)
}

func TestHandleReferAcceptsAndCreatesSubscription(t *testing.T) {
	dialogs := NewDialogManager(testLogger())
	registrar := NewRegistrar(nil, NewRegistrationNotifier(), 3600, testLogger())
	subs := NewSubscriptionManager(testLogger())
	// client left nil: the fixture dialog below has no RemoteTarget set, so
	// progressTransfer's NOTIFY attempts fail at URI parsing before ever
	// reaching the client, keeping this safe to exercise without a real
	// transport.
	h := NewReferHandler(dialogs, registrar, subs, nil, testLogger())

	dlg := NewDialog("call-refer-1", "local-tag", "remote-tag", "sip:bob@sipcore", "sip:alice@sipcore")
	dialogs.Create(dlg)

	req := newByeLikeRequest(sip.REFER, "call-refer-1", "remote-tag", "local-tag")
	req.AppendHeader(sip.NewHeader("Refer-To", "<sip:carol@sipcore>"))
	req.AppendHeader(sip.NewHeader("Referred-By", "<sip:bob@sipcore>"))
	tx := &recordingTx{}

	h.HandleRefer(req, tx)

	require.Len(t, tx.responses, 1)
	assert.Equal(t, 202, tx.responses[0].StatusCode)

	// The subscription is created synchronously before the background
	// NOTIFY goroutine starts, and removed once that goroutine's (failing,
	// since client is nil) NOTIFY attempts finish.
	assert.Eventually(t, func() bool {
		return subs.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestParseReferTo(t *testing.T) {
	aor, err := parseReferTo("<sip:carol@sipcore>")
	require.NoError(t, err)
	assert.Equal(t, "carol@sipcore", aor)

	aor, err = parseReferTo("<sip:carol@SipCore;transport=tcp>?Replaces=abc")
	require.NoError(t, err)
	assert.Equal(t, "carol@sipcore", aor)
}
