package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// SubscriptionState is a SUBSCRIBE/NOTIFY dialog's lifecycle state per
// RFC 6665.
type SubscriptionState string

const (
	SubPending    SubscriptionState = "Pending"
	SubActive     SubscriptionState = "Active"
	SubTerminated SubscriptionState = "Terminated"
)

const (
	evSubActivate  = "activate"
	evSubTerminate = "terminate"
)

// EventPackage is a supported SUBSCRIBE/NOTIFY Event header value. A
// SUBSCRIBE naming any package outside this set is rejected with 489 Bad
// Event.
type EventPackage string

const (
	EventPresence       EventPackage = "presence"
	EventDialog         EventPackage = "dialog"
	EventMessageSummary EventPackage = "message-summary"
	EventReg            EventPackage = "reg"
	EventRefer          EventPackage = "refer"
)

var supportedEventPackages = map[EventPackage]bool{
	EventPresence:       true,
	EventDialog:         true,
	EventMessageSummary: true,
	EventReg:            true,
	EventRefer:          true,
}

// SupportedEventPackage reports whether pkg is one this core understands.
func SupportedEventPackage(pkg string) bool {
	return supportedEventPackages[EventPackage(pkg)]
}

// Subscription is one SUBSCRIBE dialog's server-side state: a subscriber
// watching target_aor for notifications of the named event package.
type Subscription struct {
	DialogID      string
	EventPackage  EventPackage
	SubscriberAOR string
	TargetAOR     string
	ExpiresAt     time.Time

	mu  sync.Mutex
	fsm *fsm.FSM
}

// NewSubscription creates a subscription in the Pending state.
func NewSubscription(dialogID string, pkg EventPackage, subscriberAOR, targetAOR string, expires time.Duration) *Subscription {
	s := &Subscription{
		DialogID:      dialogID,
		EventPackage:  pkg,
		SubscriberAOR: subscriberAOR,
		TargetAOR:     targetAOR,
		ExpiresAt:     time.Now().Add(expires),
	}
	s.fsm = fsm.NewFSM(
		string(SubPending),
		fsm.Events{
			{Name: evSubActivate, Src: []string{string(SubPending)}, Dst: string(SubActive)},
			{Name: evSubTerminate, Src: []string{string(SubPending), string(SubActive)}, Dst: string(SubTerminated)},
		},
		nil,
	)
	return s
}

func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionState(s.fsm.Current())
}

// Activate transitions Pending -> Active, on the first NOTIFY sent with
// Subscription-State: active.
func (s *Subscription) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Event(context.Background(), evSubActivate)
}

// Terminate transitions to Terminated, on Expires:0, an unsubscribe, or
// the final NOTIFY of a one-shot package like refer.
func (s *Subscription) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Event(context.Background(), evSubTerminate)
}

// Refresh extends ExpiresAt from now, for a re-SUBSCRIBE.
func (s *Subscription) Refresh(expires time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExpiresAt = time.Now().Add(expires)
}

func (s *Subscription) expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// SubscriptionManager tracks active subscriptions in memory, keyed by
// dialog id (the dialog established by the SUBSCRIBE/200/NOTIFY exchange).
type SubscriptionManager struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	logger *slog.Logger
}

// NewSubscriptionManager creates an empty in-memory subscription tracker.
func NewSubscriptionManager(logger *slog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		subs:   make(map[string]*Subscription),
		logger: logger.With("subsystem", "subscription"),
	}
}

func (m *SubscriptionManager) Create(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.DialogID] = s
	m.logger.Debug("subscription created", "dialog_id", s.DialogID, "event", s.EventPackage, "target", s.TargetAOR)
}

func (m *SubscriptionManager) Get(dialogID string) *Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subs[dialogID]
}

func (m *SubscriptionManager) Remove(dialogID string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[dialogID]
	if !ok {
		return nil
	}
	delete(m.subs, dialogID)
	return s
}

// ByTarget returns all live (non-terminated, non-expired) subscriptions
// watching targetAOR for the given event package, used to fan out NOTIFYs
// when that AOR's state changes (e.g. a new registration for "reg").
func (m *SubscriptionManager) ByTarget(targetAOR string, pkg EventPackage) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var out []*Subscription
	for _, s := range m.subs {
		if s.TargetAOR != targetAOR || s.EventPackage != pkg {
			continue
		}
		if s.expired(now) || s.State() == SubTerminated {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ReapExpired removes subscriptions past ExpiresAt, returning the count
// removed. Core.Start runs it on the same period as registration expiry.
func (m *SubscriptionManager) ReapExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for id, s := range m.subs {
		if s.expired(now) {
			delete(m.subs, id)
			n++
		}
	}
	return n
}

func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
