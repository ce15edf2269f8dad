package sip

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

const (
	minExpiry           = 60    // 1 minute minimum
	maxExpiry           = 86400 // 24 hours maximum
	expiryCleanupPeriod = 30 * time.Second
)

// Binding is a single AOR -> contact association (spec's Contact binding).
type Binding struct {
	AOR          string
	ContactURI   string
	ExpiresAt    time.Time
	CallID       string
	CSeq         uint32
	RegisteredAt time.Time
}

func (b Binding) expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}

// Registrar binds AORs to contact bindings, entirely in memory. Bindings
// for the same (aor, contact) are ordered by (call_id, cseq): a re-REGISTER
// from the same dialog must carry a strictly larger CSeq, a REGISTER from a
// different dialog is always accepted (a new UA instance re-registering).
type Registrar struct {
	mu       sync.RWMutex
	bindings map[string]map[string]Binding // aor -> contact_uri -> binding

	auth        *Authenticator
	regNotifier *RegistrationNotifier
	logger      *slog.Logger

	defaultExpires int
}

// NewRegistrar creates an empty in-memory registrar.
func NewRegistrar(auth *Authenticator, regNotifier *RegistrationNotifier, defaultExpires int, logger *slog.Logger) *Registrar {
	if defaultExpires <= 0 {
		defaultExpires = 3600
	}
	return &Registrar{
		bindings:       make(map[string]map[string]Binding),
		auth:           auth,
		regNotifier:    regNotifier,
		defaultExpires: defaultExpires,
		logger:         logger.With("subsystem", "registrar"),
	}
}

// Bind upserts a binding per spec §4.4. Returns an error (mapped to 500 by
// the caller) if the ordering invariant is violated.
func (r *Registrar) Bind(aor, contactURI string, expires int, callID string, cseq uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if expires <= 0 {
		if m, ok := r.bindings[aor]; ok {
			delete(m, contactURI)
			if len(m) == 0 {
				delete(r.bindings, aor)
			}
		}
		return nil
	}

	m, ok := r.bindings[aor]
	if !ok {
		m = make(map[string]Binding)
		r.bindings[aor] = m
	}

	if existing, ok := m[contactURI]; ok {
		if existing.CallID == callID && cseq <= existing.CSeq {
			return errCSeqRegression
		}
	}

	now := time.Now()
	m[contactURI] = Binding{
		AOR:          aor,
		ContactURI:   contactURI,
		ExpiresAt:    now.Add(time.Duration(expires) * time.Second),
		CallID:       callID,
		CSeq:         cseq,
		RegisteredAt: now,
	}
	return nil
}

// RemoveAll deletes every binding for an AOR (Contact: * unregister).
func (r *Registrar) RemoveAll(aor string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.bindings[aor])
	delete(r.bindings, aor)
	return n
}

// Lookup returns non-expired bindings for aor, newest registered_at first.
func (r *Registrar) Lookup(aor string) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	m := r.bindings[aor]
	out := make([]Binding, 0, len(m))
	for _, b := range m {
		if !b.expired(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.After(out[j].RegisteredAt) })
	return out
}

// IsRegistered reports whether aor has at least one live binding.
func (r *Registrar) IsRegistered(aor string) bool {
	return len(r.Lookup(aor)) > 0
}

// BindingCount returns the total number of live bindings across all AORs.
func (r *Registrar) BindingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, m := range r.bindings {
		for _, b := range m {
			if !b.expired(now) {
				n++
			}
		}
	}
	return n
}

// RunExpiryCleanup periodically reaps expired bindings and sweeps the
// authenticator's nonce/brute-force state. Spec requires reaping at least
// once every 60s; this runs every 30s.
func (r *Registrar) RunExpiryCleanup(ctx context.Context) {
	ticker := time.NewTicker(expiryCleanupPeriod)
	defer ticker.Stop()

	r.logger.Info("registration expiry cleanup started", "interval", expiryCleanupPeriod.String())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration expiry cleanup stopped")
			return
		case <-ticker.C:
			if n := r.reapExpired(); n > 0 {
				r.logger.Info("expired bindings reaped", "count", n)
			}
			if r.auth != nil {
				r.auth.CleanExpiredNonces()
			}
		}
	}
}

func (r *Registrar) reapExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	n := 0
	for aor, m := range r.bindings {
		for contact, b := range m {
			if b.expired(now) {
				delete(m, contact)
				n++
			}
		}
		if len(m) == 0 {
			delete(r.bindings, aor)
		}
	}
	return n
}

// HandleRegister processes an incoming REGISTER per spec §4.5.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	ctx := context.Background()
	source := req.Source()

	r.logger.Debug("register request received", "from", aorUser(req), "source", source)

	cred := r.auth.Authenticate(ctx, req, tx)
	if cred == nil {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	aor := toAOR(req)
	expires := r.parseExpires(req)

	if expires == 0 || contact.Address.Wildcard {
		n := r.RemoveAll(aor)
		r.logger.Info("registrations removed", "aor", aor, "count", n)
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			r.logger.Error("failed to send unregister response", "error", err)
		}
		return
	}

	if expires < minExpiry {
		expires = minExpiry
	}
	if expires > maxExpiry {
		expires = maxExpiry
	}

	callID := callIDOf(req)
	cseq := cseqOf(req)
	contactURI := contact.Address.String()

	if err := r.Bind(aor, contactURI, expires, callID, cseq); err != nil {
		r.logger.Error("cseq regression on register", "aor", aor, "contact", contactURI, "error", err)
		r.respondError(req, tx, 500, "Server Internal Error")
		return
	}

	sourceHost, sourcePort := parseSourceHostPort(source)
	r.logger.Info("aor registered", "aor", aor, "contact", contactURI, "expires", expires, "source_host", sourceHost, "source_port", sourcePort)

	if r.regNotifier != nil {
		r.regNotifier.Notify(aor)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	for _, b := range r.Lookup(aor) {
		remaining := int(time.Until(b.ExpiresAt).Seconds())
		res.AppendHeader(sip.NewHeader("Contact", "<"+b.ContactURI+">;expires="+strconv.Itoa(remaining)))
	}
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// parseExpires extracts the registration expiry: Contact param first, then
// the Expires header, then the configured default.
func (r *Registrar) parseExpires(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return r.defaultExpires
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response", "code", code, "error", err)
	}
}

// toAOR derives the realm-scoped address-of-record from a request's To
// header: "user@host", lower-cased host per RFC 3261 comparison rules.
func toAOR(req *sip.Request) string {
	to := req.To()
	if to == nil {
		return ""
	}
	return to.Address.User + "@" + strings.ToLower(to.Address.Host)
}

func aorUser(req *sip.Request) string {
	if from := req.From(); from != nil {
		return from.Address.User
	}
	return ""
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

func cseqOf(req *sip.Request) uint32 {
	if h := req.CSeq(); h != nil {
		return h.SeqNo
	}
	return 0
}

func parseSourceHostPort(source string) (string, int) {
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
