package sip

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMediaRelease struct {
	released bool
}

func (f *fakeMediaRelease) Release() { f.released = true }

func newInviteRequest(callID string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "sipcore"})
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	return req
}

func TestPendingCallManagerAddGetRemove(t *testing.T) {
	pm := NewPendingCallManager(testLogger())
	pc := &PendingCall{CallID: "call-1", CallerReq: newInviteRequest("call-1"), CallerTx: &recordingTx{}}

	pm.Add(pc)
	assert.Equal(t, 1, pm.PendingCallCount())
	assert.Same(t, pc, pm.Get("call-1"))

	removed := pm.Remove("call-1")
	assert.Same(t, pc, removed)
	assert.Equal(t, 0, pm.PendingCallCount())
	assert.Nil(t, pm.Get("call-1"))
}

func TestPendingCallManagerCancelSends487AndReleasesMedia(t *testing.T) {
	pm := NewPendingCallManager(testLogger())
	tx := &recordingTx{}
	media := &fakeMediaRelease{}
	pc := &PendingCall{CallID: "call-2", CallerReq: newInviteRequest("call-2"), CallerTx: tx, Media: media}
	pm.Add(pc)

	ok := pm.Cancel("call-2", testLogger())
	require.True(t, ok)

	require.Len(t, tx.responses, 1)
	assert.Equal(t, 487, tx.responses[0].StatusCode)
	assert.True(t, media.released)
	assert.Equal(t, 0, pm.PendingCallCount())
}

func TestPendingCallManagerCancelUnknownCallID(t *testing.T) {
	pm := NewPendingCallManager(testLogger())
	assert.False(t, pm.Cancel("missing", testLogger()))
}
