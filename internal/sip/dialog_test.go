package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialogConfirmAndTerminate(t *testing.T) {
	d := NewDialog("call-1", "local-tag", "remote-tag", "sip:alice@sipcore", "sip:bob@sipcore")
	assert.Equal(t, DialogEarly, d.State())

	require.NoError(t, d.Confirm())
	assert.Equal(t, DialogConfirmed, d.State())

	require.NoError(t, d.Terminate())
	assert.Equal(t, DialogTerminated, d.State())
}

func TestDialogRemoteSeqNeverDecreases(t *testing.T) {
	d := NewDialog("call-1", "local-tag", "remote-tag", "sip:alice@sipcore", "sip:bob@sipcore")

	require.NoError(t, d.CheckRemoteSeq(1))
	require.NoError(t, d.CheckRemoteSeq(2))
	assert.ErrorIs(t, d.CheckRemoteSeq(2), errCSeqRegression)
	assert.ErrorIs(t, d.CheckRemoteSeq(1), errCSeqRegression)
}

func TestDialogManagerCreateGetRemove(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := NewDialog("call-1", "local-tag", "remote-tag", "sip:alice@sipcore", "sip:bob@sipcore")

	dm.Create(d)
	assert.Equal(t, 1, dm.Count())
	assert.Same(t, d, dm.Get("call-1", "local-tag", "remote-tag"))

	removed := dm.Remove("call-1", "local-tag", "remote-tag")
	assert.Same(t, d, removed)
	assert.Equal(t, 0, dm.Count())
	assert.Nil(t, dm.Get("call-1", "local-tag", "remote-tag"))
}
