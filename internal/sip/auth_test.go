package sip

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvuspbx/sipcore/internal/collab"
)

func testAuthConfig() AuthenticatorConfig {
	return AuthenticatorConfig{
		Realm:           "sipcore",
		Opaque:          "sipcore",
		Algorithms:      []string{"MD5"},
		NonceTTL:        time.Minute,
		MaxAttempts:     5,
		Lockout:         time.Minute,
		Window:          time.Minute,
		RateMaxRequests: 100,
		RateWindow:      time.Minute,
	}
}

func newRegisterRequest(username, uri string) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{User: username, Host: "sipcore"})
	req.SetSource("192.0.2.10:5060")
	_ = uri
	return req
}

func TestAuthenticateChallengesWithoutAuthorization(t *testing.T) {
	store := collab.NewMemoryUserStore()
	require.NoError(t, store.AddPlaintext("alice", "sipcore", "secret", "MD5"))

	a := NewAuthenticator(store, nil, testAuthConfig(), testLogger())
	req := newRegisterRequest("alice", "sip:sipcore")
	tx := &recordingTx{}

	cred := a.Authenticate(context.Background(), req, tx)

	assert.Nil(t, cred)
	require.Len(t, tx.responses, 1)
	assert.Equal(t, 401, tx.responses[0].StatusCode)
}

func TestAuthenticateAcceptsValidDigest(t *testing.T) {
	store := collab.NewMemoryUserStore()
	require.NoError(t, store.AddPlaintext("alice", "sipcore", "secret", "MD5"))

	a := NewAuthenticator(store, nil, testAuthConfig(), testLogger())
	req := newRegisterRequest("alice", "sip:sipcore")
	tx := &recordingTx{}

	a.Authenticate(context.Background(), req, tx)
	require.Len(t, tx.responses, 1)
	nonce := extractNonce(t, tx.responses[0])

	req2 := newRegisterRequest("alice", "sip:sipcore")
	authHeader := clientDigestHeader(t, "alice", "secret", "sipcore", nonce, "REGISTER", "sip:sipcore")
	req2.AppendHeader(sip.NewHeader("Authorization", authHeader))

	tx2 := &recordingTx{}
	cred := a.Authenticate(context.Background(), req2, tx2)

	require.NotNil(t, cred)
	assert.Equal(t, "alice", cred.Username)
	assert.Empty(t, tx2.responses)
}

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	store := collab.NewMemoryUserStore()
	a := NewAuthenticator(store, nil, testAuthConfig(), testLogger())
	req := newRegisterRequest("ghost", "sip:sipcore")
	tx := &recordingTx{}

	a.Authenticate(context.Background(), req, tx)
	require.Len(t, tx.responses, 1)
	nonce := extractNonce(t, tx.responses[0])

	req2 := newRegisterRequest("ghost", "sip:sipcore")
	authHeader := clientDigestHeader(t, "ghost", "wrong", "sipcore", nonce, "REGISTER", "sip:sipcore")
	req2.AppendHeader(sip.NewHeader("Authorization", authHeader))

	tx2 := &recordingTx{}
	cred := a.Authenticate(context.Background(), req2, tx2)

	assert.Nil(t, cred)
	require.Len(t, tx2.responses, 1)
	assert.Equal(t, 403, tx2.responses[0].StatusCode)
}

func TestBruteForceLocksOutAfterRepeatedFailures(t *testing.T) {
	store := collab.NewMemoryUserStore()
	require.NoError(t, store.AddPlaintext("alice", "sipcore", "secret", "MD5"))
	cfg := testAuthConfig()
	cfg.MaxAttempts = 3
	a := NewAuthenticator(store, nil, cfg, testLogger())

	for i := 0; i < 3; i++ {
		challengeTx := &recordingTx{}
		a.Authenticate(context.Background(), newRegisterRequest("alice", "sip:sipcore"), challengeTx)
		require.Len(t, challengeTx.responses, 1)
		nonce := extractNonce(t, challengeTx.responses[0])

		req := newRegisterRequest("alice", "sip:sipcore")
		authHeader := clientDigestHeader(t, "alice", "wrong-password", "sipcore", nonce, "REGISTER", "sip:sipcore")
		req.AppendHeader(sip.NewHeader("Authorization", authHeader))
		tx := &recordingTx{}
		a.Authenticate(context.Background(), req, tx)
	}

	req := newRegisterRequest("alice", "sip:sipcore")
	tx := &recordingTx{}
	a.Authenticate(context.Background(), req, tx)
	require.Len(t, tx.responses, 1)
	assert.Equal(t, 403, tx.responses[0].StatusCode)
}

// recordingTx is a minimal sip.ServerTransaction fake that records
// responses instead of sending them over a transport.
type recordingTx struct {
	sip.ServerTransaction
	responses []*sip.Response
}

func (r *recordingTx) Respond(res *sip.Response) error {
	r.responses = append(r.responses, res)
	return nil
}

func extractNonce(t *testing.T, res *sip.Response) string {
	t.Helper()
	h := res.GetHeader("WWW-Authenticate")
	require.NotNil(t, h)
	chal, err := digest.ParseChallenge(h.Value())
	require.NoError(t, err)
	return chal.Nonce
}

func clientDigestHeader(t *testing.T, username, password, realm, nonce, method, uri string) string {
	t.Helper()
	chal := &digest.Challenge{Realm: realm, Nonce: nonce, Algorithm: "MD5", Qop: "auth"}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
	})
	require.NoError(t, err)
	return cred.String()
}
