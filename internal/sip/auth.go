package sip

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/corvuspbx/sipcore/internal/collab"
)

// Authenticator handles SIP digest authentication (RFC 3261 §22, RFC 8760
// for the SHA-256/SHA-512-256 algorithms) against an injected credential
// store. It integrates a BruteForceGuard to automatically lock out source
// IPs that exceed the failed-attempt threshold, and a per-source rate
// limiter ahead of that to shed load from noisy sources.
type Authenticator struct {
	users  collab.UserStore
	audit  collab.AuditSink
	logger *slog.Logger

	nonces *nonceCache
	guard  *BruteForceGuard
	limit  *sourceRateLimiter

	realm      string
	opaque     string
	algorithms []string
}

// AuthenticatorConfig bundles the tunables an Authenticator needs. This
// mirrors config.Config's auth/rate-limit sections without importing that
// package, so the sip package stays independently testable.
type AuthenticatorConfig struct {
	Realm           string
	Opaque          string
	Algorithms      []string // offered in order; first is preferred
	NonceTTL        time.Duration
	MaxAttempts     int
	Lockout         time.Duration
	Window          time.Duration
	RateMaxRequests int
	RateWindow      time.Duration
}

// NewAuthenticator creates a digest authenticator backed by users.
func NewAuthenticator(users collab.UserStore, audit collab.AuditSink, cfg AuthenticatorConfig, logger *slog.Logger) *Authenticator {
	if audit == nil {
		audit = collab.NoopAuditSink{}
	}
	algos := cfg.Algorithms
	if len(algos) == 0 {
		algos = []string{"MD5"}
	}
	return &Authenticator{
		users:      users,
		audit:      audit,
		logger:     logger.With("subsystem", "auth"),
		nonces:     newNonceCache(cfg.NonceTTL),
		guard:      NewBruteForceGuard(cfg.MaxAttempts, cfg.Lockout, cfg.Window, logger),
		limit:      newSourceRateLimiter(cfg.RateMaxRequests, cfg.RateWindow),
		realm:      cfg.Realm,
		opaque:     cfg.Opaque,
		algorithms: algos,
	}
}

// Challenge sends an authentication challenge offering the authenticator's
// preferred algorithm: 407 Proxy Authentication Required with
// Proxy-Authenticate for INVITE, 401 Unauthorized with WWW-Authenticate
// for every other method, per spec §4.3's last paragraph.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	a.challengeWith(req, tx, a.algorithms[0])
}

func (a *Authenticator) challengeWith(req *sip.Request, tx sip.ServerTransaction, algorithm string) {
	nonce := a.nonces.Generate()

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     nonce,
		Opaque:    a.opaque,
		Algorithm: algorithm,
		Qop:       "auth",
	}

	code, reason, header := 401, "Unauthorized", "WWW-Authenticate"
	if req.Method == sip.INVITE {
		code, reason, header = 407, "Proxy Authentication Required", "Proxy-Authenticate"
	}

	res := sip.NewResponseFromRequest(req, code, reason, nil)
	res.AppendHeader(sip.NewHeader(header, chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the Authorization header against the user store.
// Returns the matched credential on success, or nil if authentication
// failed or a challenge/error response was already sent in its place.
func (a *Authenticator) Authenticate(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) *collab.Credential {
	source := req.Source()

	if !a.limit.Allow(source) {
		a.logger.Warn("sip request rejected: rate limit exceeded", "source", source)
		a.respondError(req, tx, 429, "Too Many Requests")
		return nil
	}

	if a.guard.IsBlocked(source) {
		a.audit.Record(collab.AuditEvent{Kind: "auth.blocked", Source: source, Level: "warn"})
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx)
		return nil
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header", "error", err, "source", source)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 400, "Bad Request")
		return nil
	}

	if !a.algorithmSupported(cred.Algorithm) {
		a.logger.Warn("unsupported digest algorithm", "algorithm", cred.Algorithm, "source", source)
		a.respondError(req, tx, 400, "Bad Request")
		return nil
	}

	if !a.nonces.Valid(cred.Nonce) {
		a.logger.Debug("unknown or expired nonce, re-challenging", "username", cred.Username, "source", source)
		a.challengeWith(req, tx, algorithmOrDefault(cred.Algorithm, a.algorithms[0]))
		return nil
	}

	record, err := a.users.Lookup(ctx, cred.Username, a.realm)
	if err != nil {
		a.logger.Error("user store lookup failed", "username", cred.Username, "error", err)
		a.respondError(req, tx, 500, "Internal Server Error")
		return nil
	}
	if record == nil || !record.Enabled {
		a.logger.Warn("unknown or disabled sip username", "username", cred.Username, "source", source)
		a.guard.RecordFailure(source)
		a.audit.Record(collab.AuditEvent{Kind: "auth.unknown_user", Source: source, Detail: cred.Username, Level: "warn"})
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	// icholy/digest's Digest() computes a response given a plaintext
	// password, which is the client's job; the core only ever holds a
	// precomputed HA1, so the server-side response is computed by hand
	// here following RFC 2617 §3.2.2, using icholy/digest only for
	// header parsing and challenge formatting.
	expected, err := expectedResponse(record.HA1, record.Algorithm, string(req.Method), cred)
	if err != nil {
		a.logger.Error("failed to compute expected digest", "username", cred.Username, "error", err)
		a.respondError(req, tx, 500, "Internal Server Error")
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(cred.Response), []byte(expected)) != 1 {
		a.logger.Warn("digest auth failed", "username", cred.Username, "source", source)
		a.guard.RecordFailure(source)
		a.audit.Record(collab.AuditEvent{Kind: "auth.bad_response", Source: source, Detail: cred.Username, Level: "warn"})
		a.Challenge(req, tx)
		return nil
	}

	a.nonces.Consume(cred.Nonce)
	a.guard.RecordSuccess(source)

	a.logger.Debug("digest auth successful", "username", cred.Username)
	return record
}

func (a *Authenticator) algorithmSupported(algorithm string) bool {
	if algorithm == "" {
		algorithm = "MD5"
	}
	for _, alg := range a.algorithms {
		if alg == algorithm {
			return true
		}
	}
	return false
}

func algorithmOrDefault(algorithm, fallback string) string {
	if algorithm == "" {
		return fallback
	}
	return algorithm
}

// CleanExpiredNonces sweeps expired nonces and runs the brute-force
// guard's own cleanup. Intended to run on a periodic ticker.
func (a *Authenticator) CleanExpiredNonces() {
	a.nonces.Sweep()
	a.guard.Cleanup()
}

// BruteForceGuard exposes the guard for admin visibility (listing blocked
// IPs, manual unblock) — a collaborator concern, not used by the core
// itself beyond Authenticate.
func (a *Authenticator) BruteForceGuard() *BruteForceGuard {
	return a.guard
}

// LockedOutCount satisfies sipmetrics.LockoutProvider.
func (a *Authenticator) LockedOutCount() int {
	return a.guard.LockedOutCount()
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response", "code", code, "error", err)
	}
}

// expectedResponse computes the digest response RFC 2617 §3.2.2 predicts
// for the given stored HA1 and the client's credential fields.
func expectedResponse(ha1, algorithm, method string, cred *digest.Credentials) (string, error) {
	h := hashFunc(algorithm)
	if h == nil {
		return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}

	ha2 := h(fmt.Sprintf("%s:%s", method, cred.URI))

	if cred.Qop == "" {
		return h(fmt.Sprintf("%s:%s:%s", ha1, cred.Nonce, ha2)), nil
	}
	return h(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, cred.Nonce, cred.Nc, cred.Cnonce, cred.Qop, ha2)), nil
}

func hashFunc(algorithm string) func(string) string {
	switch algorithm {
	case "", "MD5":
		return func(s string) string {
			sum := md5.Sum([]byte(s))
			return hex.EncodeToString(sum[:])
		}
	case "SHA-256":
		return func(s string) string {
			sum := sha256.Sum256([]byte(s))
			return hex.EncodeToString(sum[:])
		}
	case "SHA-512-256":
		return func(s string) string {
			sum := sha512.Sum512_256([]byte(s))
			return hex.EncodeToString(sum[:])
		}
	default:
		return nil
	}
}
