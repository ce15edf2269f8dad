// Package collab declares the interfaces the SIP core consumes from its
// surrounding system (spec §6). The core never implements user persistence,
// CDR storage, media negotiation, or event fan-out itself — it is handed
// these as constructor arguments and calls them at well-defined points.
package collab

import "context"

// Credential is the shape the core needs to verify a digest response. The
// core never sees a plaintext password: ha1 = MD5(username:realm:password)
// (or the SHA-256/SHA-512-256 equivalent) is computed once, at user
// creation, by whoever owns the credential store.
type Credential struct {
	Username  string
	Realm     string
	HA1       string
	Algorithm string // "MD5", "SHA-256", or "SHA-512-256"
	Enabled   bool
}

// UserStore resolves SIP usernames to their stored digest credential.
// A nil return with nil error means "no such user".
type UserStore interface {
	Lookup(ctx context.Context, username, realm string) (*Credential, error)
}

// AuditEvent is a single fact the core wants recorded for security/ops
// visibility (lockouts, auth failures, invariant violations).
type AuditEvent struct {
	Kind    string
	Source  string
	Detail  string
	Level   string // "info", "warn", "critical"
}

// AuditSink records audit events. Implementations MUST NOT block the
// caller for long — the core treats this as best-effort and never rolls
// back a protocol action because an audit write failed.
type AuditSink interface {
	Record(event AuditEvent)
}

// MediaHandle is an opaque reference to whatever media session the
// collaborator created; the core only ever passes it back to Release.
type MediaHandle interface {
	Release()
}

// MediaSessionFactory negotiates the media side of an answered INVITE.
// The core calls Create with the offer SDP and gets back the answer SDP
// to place in its 200 OK, plus a handle it releases on BYE/CANCEL.
type MediaSessionFactory interface {
	Create(ctx context.Context, localIP string, offerSDP []byte) (answerSDP []byte, handle MediaHandle, err error)
}

// SystemEvent is published for external observers (metrics, WebSocket
// streams, admin dashboards) — none of which are part of the core.
type SystemEvent struct {
	Kind string
	Data map[string]any
}

// EventBus is a non-blocking broadcast point for SystemEvents.
type EventBus interface {
	Publish(event SystemEvent)
}

// CallRecord is the subset of CDR fields the core can fill in from
// signaling alone; billing/enrichment happens downstream.
type CallRecord struct {
	CallID      string
	CallerAOR   string
	CalleeAOR   string
	Direction   string
	Disposition string
	StartedAt   int64 // unix seconds
	AnsweredAt  int64 // 0 if never answered
	EndedAt     int64
	HangupCause string
}

// CdrSink records a call record at termination. Best-effort, non-blocking
// semantics — identical contract to AuditSink.
type CdrSink interface {
	Record(record CallRecord)
}

// NoopAuditSink discards every event. Used when the embedding application
// does not want audit logging.
type NoopAuditSink struct{}

func (NoopAuditSink) Record(AuditEvent) {}

// NoopEventBus discards every event.
type NoopEventBus struct{}

func (NoopEventBus) Publish(SystemEvent) {}

// NoopCdrSink discards every record.
type NoopCdrSink struct{}

func (NoopCdrSink) Record(CallRecord) {}
