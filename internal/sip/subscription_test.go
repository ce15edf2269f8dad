package sip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupportedEventPackage(t *testing.T) {
	assert.True(t, SupportedEventPackage("presence"))
	assert.True(t, SupportedEventPackage("dialog"))
	assert.True(t, SupportedEventPackage("message-summary"))
	assert.True(t, SupportedEventPackage("reg"))
	assert.True(t, SupportedEventPackage("refer"))
	assert.False(t, SupportedEventPackage("widget"))
}

func TestSubscriptionLifecycle(t *testing.T) {
	s := NewSubscription("dlg-1", EventPresence, "alice@sipcore", "bob@sipcore", time.Hour)
	assert.Equal(t, SubPending, s.State())

	require.NoError(t, s.Activate())
	assert.Equal(t, SubActive, s.State())

	require.NoError(t, s.Terminate())
	assert.Equal(t, SubTerminated, s.State())
}

func TestSubscriptionRefreshExtendsExpiry(t *testing.T) {
	s := NewSubscription("dlg-2", EventReg, "alice@sipcore", "alice@sipcore", time.Second)
	first := s.ExpiresAt
	s.Refresh(time.Hour)
	assert.True(t, s.ExpiresAt.After(first))
}

func TestSubscriptionManagerByTarget(t *testing.T) {
	m := NewSubscriptionManager(testLogger())
	s1 := NewSubscription("dlg-3", EventReg, "watcher@sipcore", "alice@sipcore", time.Hour)
	s2 := NewSubscription("dlg-4", EventPresence, "watcher@sipcore", "alice@sipcore", time.Hour)
	m.Create(s1)
	m.Create(s2)

	matches := m.ByTarget("alice@sipcore", EventReg)
	require.Len(t, matches, 1)
	assert.Equal(t, "dlg-3", matches[0].DialogID)
}

func TestSubscriptionManagerReapExpired(t *testing.T) {
	m := NewSubscriptionManager(testLogger())
	s := NewSubscription("dlg-5", EventReg, "watcher@sipcore", "alice@sipcore", -time.Second)
	m.Create(s)

	assert.Equal(t, 1, m.ReapExpired())
	assert.Equal(t, 0, m.Count())
}

func TestSubscriptionManagerCreateGetRemove(t *testing.T) {
	m := NewSubscriptionManager(testLogger())
	s := NewSubscription("dlg-6", EventDialog, "watcher@sipcore", "bob@sipcore", time.Hour)
	m.Create(s)

	assert.Same(t, s, m.Get("dlg-6"))
	assert.Same(t, s, m.Remove("dlg-6"))
	assert.Nil(t, m.Get("dlg-6"))
}
