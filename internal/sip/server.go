package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/corvuspbx/sipcore/internal/collab"
	"github.com/corvuspbx/sipcore/internal/config"
	"github.com/corvuspbx/sipcore/internal/sipmetrics"
)

// Core wires the sipgo transport/transaction layers to every method
// handler the signaling core implements (spec §4.5): REGISTER, INVITE/
// ACK/BYE/CANCEL, REFER, SUBSCRIBE/NOTIFY, MESSAGE, and OPTIONS. It owns
// no persistence or media of its own — those are injected via the
// collab package interfaces.
type Core struct {
	cfg *config.Config

	ua  *sipgo.UserAgent
	srv *sipgo.Server
	cl  *sipgo.Client

	auth         *Authenticator
	registrar    *Registrar
	regNotifier  *RegistrationNotifier
	dialogs      *DialogManager
	calls        *CallTable
	pending      *PendingCallManager
	subs         *SubscriptionManager
	pendingMsgs  *PendingMessageStore
	callHandler  *CallHandler
	msgRouter    *MessageRouter
	referHandler *ReferHandler
	eventHandler *SubscribeNotifyHandler
	optsHandler  *OptionsHandler
	tracer       *MessageTracer

	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewCore builds a Core from cfg and the embedding application's
// collaborator implementations. users, audit, media, and cdr may be nil;
// sane no-op/in-memory defaults are substituted so the core runs
// standalone.
func NewCore(cfg *config.Config, users collab.UserStore, audit collab.AuditSink, media collab.MediaSessionFactory, cdr collab.CdrSink, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sip")

	if users == nil {
		users = collab.NewMemoryUserStore()
	}
	if cdr == nil {
		cdr = collab.NoopCdrSink{}
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("sipcore"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	tracer := NewMessageTracer(logger, ParseSIPLogVerbosity(cfg.SIPTrace))
	sip.SIPDebugTracer(tracer)

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	cl, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	authCfg := AuthenticatorConfig{
		Realm:           cfg.Realm,
		Opaque:          cfg.Realm,
		Algorithms:      cfg.SupportedAlgorithms,
		NonceTTL:        time.Duration(cfg.NonceTTLSeconds) * time.Second,
		MaxAttempts:     cfg.Auth.MaxAttempts,
		Lockout:         time.Duration(cfg.Auth.LockoutSeconds) * time.Second,
		Window:          time.Duration(cfg.Auth.WindowSeconds) * time.Second,
		RateMaxRequests: cfg.RateLimit.MaxRequests,
		RateWindow:      time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
	}
	auth := NewAuthenticator(users, audit, authCfg, logger)

	regNotifier := NewRegistrationNotifier()
	registrar := NewRegistrar(auth, regNotifier, cfg.BindingDefaultExpires, logger)

	dialogs := NewDialogManager(logger)
	calls := NewCallTable(logger)
	pending := NewPendingCallManager(logger)
	subs := NewSubscriptionManager(logger)
	pendingMsgs := NewPendingMessageStore(logger)
	if cfg.PendingMessageCapacity > 0 {
		pendingMsgs.depth = cfg.PendingMessageCapacity
	}

	callHandler := NewCallHandler(auth, registrar, dialogs, calls, pending, media, cdr, cfg.LocalIP, logger)
	msgRouter := NewMessageRouter(auth, registrar, pendingMsgs, cl, logger)
	referHandler := NewReferHandler(dialogs, registrar, subs, cl, logger)
	eventHandler := NewSubscribeNotifyHandler(subs, logger, nil)
	optsHandler := NewOptionsHandler(logger)

	regNotifier.OnNotify(msgRouter.DrainOnRegistration)

	c := &Core{
		cfg:          cfg,
		ua:           ua,
		srv:          srv,
		cl:           cl,
		auth:         auth,
		registrar:    registrar,
		regNotifier:  regNotifier,
		dialogs:      dialogs,
		calls:        calls,
		pending:      pending,
		subs:         subs,
		pendingMsgs:  pendingMsgs,
		callHandler:  callHandler,
		msgRouter:    msgRouter,
		referHandler: referHandler,
		eventHandler: eventHandler,
		optsHandler:  optsHandler,
		tracer:       tracer,
		startTime:    time.Now(),
		logger:       logger,
	}

	c.registerHandlers()
	return c, nil
}

// registerHandlers attaches every SIP method handler to the sipgo server.
func (c *Core) registerHandlers() {
	c.srv.OnRegister(c.registrar.HandleRegister)
	c.srv.OnInvite(c.callHandler.HandleInvite)
	c.srv.OnAck(c.callHandler.HandleAck)
	c.srv.OnBye(c.callHandler.HandleBye)
	c.srv.OnCancel(c.callHandler.HandleCancel)
	c.srv.OnRefer(c.referHandler.HandleRefer)
	c.srv.OnSubscribe(c.eventHandler.HandleSubscribe)
	c.srv.OnNotify(c.eventHandler.HandleNotify)
	c.srv.OnMessage(c.msgRouter.HandleMessage)
	c.srv.OnOptions(c.optsHandler.HandleOptions)
}

// Start begins listening on every transport configured in cfg. It blocks
// only long enough to kick off the listener goroutines and the
// registration-expiry sweep; it returns once they are running.
func (c *Core) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if c.cfg.ListenUDP != "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.logger.Info("sip udp listener starting", "addr", c.cfg.ListenUDP)
			if err := c.srv.ListenAndServe(ctx, "udp", c.cfg.ListenUDP); err != nil {
				c.logger.Error("sip udp listener stopped", "error", err)
			}
		}()
	}

	if c.cfg.ListenTCP != "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.logger.Info("sip tcp listener starting", "addr", c.cfg.ListenTCP)
			if err := c.srv.ListenAndServe(ctx, "tcp", c.cfg.ListenTCP); err != nil {
				c.logger.Error("sip tcp listener stopped", "error", err)
			}
		}()
	}

	if c.cfg.ListenTLS != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.TLSCertPath, c.cfg.TLSKeyPath)
		if err != nil {
			c.cancel()
			return fmt.Errorf("loading tls certificate: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.logger.Info("sip tls listener starting", "addr", c.cfg.ListenTLS)
			if err := c.srv.ListenAndServeTLS(ctx, "tls", c.cfg.ListenTLS, tlsCfg); err != nil {
				c.logger.Error("sip tls listener stopped", "error", err)
			}
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.registrar.RunExpiryCleanup(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(expiryCleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.subs.ReapExpired()
			}
		}
	}()

	return nil
}

// Stop gracefully shuts down every listener and waits for their goroutines
// to exit before releasing the transport and transaction layers.
func (c *Core) Stop() {
	c.logger.Info("stopping sip core")
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.srv.Close()
	c.ua.Close()
	c.logger.Info("sip core stopped")
}

// Registrar returns the binding store, e.g. for an admin surface to list
// active registrations.
func (c *Core) Registrar() *Registrar {
	return c.registrar
}

// DialogManager returns the dialog tracker for querying active dialogs.
func (c *Core) DialogManager() *DialogManager {
	return c.dialogs
}

// CallTable returns the call-session tracker for querying active calls.
func (c *Core) CallTable() *CallTable {
	return c.calls
}

// SubscriptionManager returns the subscription tracker, e.g. for metrics.
func (c *Core) SubscriptionManager() *SubscriptionManager {
	return c.subs
}

// Tracer returns the raw-message tracer so its verbosity can be adjusted
// at runtime (e.g. from a signal handler or admin endpoint).
func (c *Core) Tracer() *MessageTracer {
	return c.tracer
}

// MetricsCollector returns a prometheus.Collector reflecting this core's
// live call, dialog, subscription, binding, and lockout counts. Register
// it with a prometheus.Registry at process startup.
func (c *Core) MetricsCollector() *sipmetrics.Collector {
	return sipmetrics.NewCollector(c.calls, c.dialogs, c.subs, c.registrar, c.auth, c.startTime)
}
