package sip

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

const pendingMessageQueueDepth = 100

// PendingMessage is one queued MESSAGE for an offline recipient.
type PendingMessage struct {
	From        string
	To          string
	ContentType string
	Body        []byte
	EnqueuedAt  int64 // unix nanos, oldest first
}

// PendingMessageStore is a bounded, per-recipient FIFO queue of MESSAGE
// bodies that arrived while the recipient had no live binding. Depth is
// capped per recipient; the oldest entry is dropped on overflow.
type PendingMessageStore struct {
	mu     sync.Mutex
	queues map[string][]PendingMessage
	depth  int
	logger *slog.Logger
}

// NewPendingMessageStore creates an empty store with the default queue depth.
func NewPendingMessageStore(logger *slog.Logger) *PendingMessageStore {
	return &PendingMessageStore{
		queues: make(map[string][]PendingMessage),
		depth:  pendingMessageQueueDepth,
		logger: logger.With("subsystem", "message"),
	}
}

// Enqueue appends a message to recipient's queue, dropping the oldest
// entry if the queue is already at capacity.
func (s *PendingMessageStore) Enqueue(msg PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[msg.To]
	if len(q) >= s.depth {
		dropped := q[0]
		q = q[1:]
		s.logger.Warn("pending message queue full, dropping oldest", "recipient", msg.To, "from", dropped.From)
	}
	s.queues[msg.To] = append(q, msg)
}

// Drain removes and returns all queued messages for recipient, FIFO order.
func (s *PendingMessageStore) Drain(recipient string) []PendingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[recipient]
	delete(s.queues, recipient)
	return q
}

// QueueDepth reports how many messages are queued for recipient.
func (s *PendingMessageStore) QueueDepth(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[recipient])
}

// MessageRouter dispatches MESSAGE requests per spec §4.5: relay to a
// live binding if the recipient is registered, otherwise enqueue for
// later delivery.
type MessageRouter struct {
	auth      *Authenticator
	registrar *Registrar
	pending   *PendingMessageStore
	client    *sipgo.Client
	logger    *slog.Logger
}

// NewMessageRouter wires a MessageRouter to its collaborators. client is
// used to forward a relayed MESSAGE to the recipient's bound contact.
func NewMessageRouter(auth *Authenticator, registrar *Registrar, pending *PendingMessageStore, client *sipgo.Client, logger *slog.Logger) *MessageRouter {
	return &MessageRouter{
		auth:      auth,
		registrar: registrar,
		pending:   pending,
		client:    client,
		logger:    logger.With("subsystem", "message"),
	}
}

// HandleMessage processes an incoming MESSAGE request.
func (mr *MessageRouter) HandleMessage(req *sip.Request, tx sip.ServerTransaction) {
	ctx := context.Background()

	cred := mr.auth.Authenticate(ctx, req, tx)
	if cred == nil {
		return
	}

	recipient := toAOR(req)
	if recipient == "" {
		mr.respondError(req, tx, 400, "Bad Request")
		return
	}
	sender := aorUser(req) + "@" + cred.Realm

	body := append([]byte(nil), req.Body()...)
	contentType := "text/plain"
	if h := req.GetHeader("Content-Type"); h != nil {
		contentType = h.Value()
	}

	bindings := mr.registrar.Lookup(recipient)
	if len(bindings) == 0 {
		mr.pending.Enqueue(PendingMessage{
			From:        sender,
			To:          recipient,
			ContentType: contentType,
			Body:        body,
		})
		mr.logger.Info("message enqueued for offline recipient", "to", recipient, "from", sender)
		res := sip.NewResponseFromRequest(req, 202, "Accepted", nil)
		mr.send(req, tx, res)
		return
	}

	if err := mr.relay(ctx, sender, bindings[0].ContactURI, contentType, body); err != nil {
		mr.logger.Error("message relay failed", "to", recipient, "error", err)
		mr.respondError(req, tx, 500, "Server Internal Error")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	mr.send(req, tx, res)
}

// DrainOnRegistration is called by the RegistrationNotifier whenever aor
// acquires a live binding; it flushes any pending messages in FIFO order.
func (mr *MessageRouter) DrainOnRegistration(aor string) {
	queued := mr.pending.Drain(aor)
	if len(queued) == 0 {
		return
	}
	bindings := mr.registrar.Lookup(aor)
	if len(bindings) == 0 {
		return
	}
	ctx := context.Background()
	for _, msg := range queued {
		if err := mr.relay(ctx, msg.From, bindings[0].ContactURI, msg.ContentType, msg.Body); err != nil {
			mr.logger.Error("failed to drain pending message", "to", aor, "error", err)
		}
	}
	mr.logger.Info("pending messages drained", "to", aor, "count", len(queued))
}

func (mr *MessageRouter) relay(ctx context.Context, from, contactURI, contentType string, body []byte) error {
	var target sip.Uri
	if err := sip.ParseUri(contactURI, &target); err != nil {
		return err
	}
	out := sip.NewRequest(sip.MESSAGE, target)
	out.AppendHeader(sip.NewHeader("From", "<sip:"+from+">"))
	out.AppendHeader(sip.NewHeader("Content-Type", contentType))
	out.SetBody(body)

	clientTx, err := mr.client.TransactionRequest(ctx, out)
	if err != nil {
		return err
	}
	defer clientTx.Terminate()

	select {
	case <-clientTx.Responses():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mr *MessageRouter) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	mr.send(req, tx, res)
}

func (mr *MessageRouter) send(req *sip.Request, tx sip.ServerTransaction, res *sip.Response) {
	if err := tx.Respond(res); err != nil {
		mr.logger.Error("failed to send message response", "error", err)
	}
}
