// Package agent composes the session runtime into the surface application
// code depends on: connect, publish, subscribe, call, disconnect. Internal
// components (session manager, router, correlator, publisher) are wired here
// and never exposed.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coiiot/agent-go/pkg/correlator"
	"github.com/coiiot/agent-go/pkg/publisher"
	"github.com/coiiot/agent-go/pkg/router"
	"github.com/coiiot/agent-go/pkg/session"
	"github.com/coiiot/agent-go/pkg/transport"
)

// Config holds the full runtime configuration surface.
type Config struct {
	Transport transport.Transport

	Endpoint    string
	Credentials transport.Credentials
	TLSCertFile string
	TLSKeyFile  string

	KeepaliveInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	ConnectTimeout    time.Duration

	QueueCapacity      int
	MaxPublishRetries  int
	PublishTimeout     time.Duration
	DefaultCallTimeout time.Duration

	// ErrorSink receives isolated handler failures from the router.
	ErrorSink router.ErrorSink

	// OnDeliveryFailure receives telemetry jobs dropped after the retry
	// ceiling or abandoned at shutdown.
	OnDeliveryFailure publisher.FailureHandler

	Logger zerolog.Logger
}

// Stats is a point-in-time snapshot of the runtime.
type Stats struct {
	State         session.State
	LastConnect   time.Time
	QueueDepth    int
	InFlightCalls int
}

// Agent is the single-session runtime facade. One Agent owns one logical
// broker connection; create one per device identity.
type Agent struct {
	cfg        Config
	logger     zerolog.Logger
	transport  transport.Transport
	session    *session.Manager
	router     *router.Router
	correlator *correlator.Correlator
	publisher  *publisher.Publisher
}

// New wires the runtime components. The agent is idle until Connect.
func New(cfg Config) (*Agent, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Credentials.ClientID == "" {
		cfg.Credentials.ClientID = uuid.NewString()
	}
	logger := cfg.Logger.With().Str("client_id", cfg.Credentials.ClientID).Logger()

	rt := router.New(router.Config{
		Transport: cfg.Transport,
		Logger:    logger,
		ErrorSink: cfg.ErrorSink,
	})
	cfg.Transport.SetMessageHandler(rt.Dispatch)

	sess := session.NewManager(session.Config{
		Transport: cfg.Transport,
		ConnectOptions: transport.ConnectOptions{
			Endpoint:    cfg.Endpoint,
			Credentials: cfg.Credentials,
			TLSCertFile: cfg.TLSCertFile,
			TLSKeyFile:  cfg.TLSKeyFile,
			Timeout:     cfg.ConnectTimeout,
		},
		KeepaliveInterval: cfg.KeepaliveInterval,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		ConnectTimeout:    cfg.ConnectTimeout,
		Logger:            logger,
	})

	pub := publisher.New(publisher.Config{
		Transport:      cfg.Transport,
		Capacity:       cfg.QueueCapacity,
		MaxRetries:     cfg.MaxPublishRetries,
		PublishTimeout: cfg.PublishTimeout,
		OnFailure:      cfg.OnDeliveryFailure,
		Logger:         logger,
	})

	corr, err := correlator.New(correlator.Config{
		Transport:      cfg.Transport,
		Router:         rt,
		ClientID:       cfg.Credentials.ClientID,
		DefaultTimeout: cfg.DefaultCallTimeout,
		Logger:         logger,
	})
	if err != nil {
		pub.Close()
		rt.Close()
		return nil, err
	}

	sess.OnConnect(rt.HandleConnect)
	sess.OnConnect(pub.HandleConnect)
	sess.OnDisconnect(rt.HandleDisconnect)
	sess.OnDisconnect(pub.HandleDisconnect)
	sess.OnDisconnect(corr.FailAll)
	sess.OnClose(func() {
		corr.FailAll(session.ErrClosed)
	})

	return &Agent{
		cfg:        cfg,
		logger:     logger,
		transport:  cfg.Transport,
		session:    sess,
		router:     rt,
		correlator: corr,
		publisher:  pub,
	}, nil
}

// Connect starts the session and blocks until the first successful
// handshake or ctx expiry. Reconnection afterwards is automatic; failures
// surface only through failed calls and publish jobs.
func (a *Agent) Connect(ctx context.Context) error {
	a.session.Start()
	return a.session.WaitConnected(ctx)
}

// Disconnect shuts the runtime down: the publish queue is drained while the
// link is still up, pending calls are failed, and the session enters its
// terminal state. The agent cannot be reused afterwards.
func (a *Agent) Disconnect() {
	a.publisher.Close()
	a.session.Close()
	a.router.Close()
}

// Subscribe registers a handler for a topic filter. Registrations made
// while disconnected become active automatically on the next connect.
func (a *Agent) Subscribe(pattern string, qos transport.QoS, handler router.Handler) error {
	return a.router.Subscribe(pattern, qos, handler)
}

// Unsubscribe removes all handlers registered under the filter.
func (a *Agent) Unsubscribe(pattern string) error {
	return a.router.Unsubscribe(pattern)
}

// Publish enqueues telemetry for at-least-once hand-off to the transport.
// It returns the job id, or ErrBackpressure when the queue is full.
func (a *Agent) Publish(topic string, payload []byte, qos transport.QoS) (string, error) {
	return a.publisher.Enqueue(topic, payload, qos)
}

// Call issues a correlated request and waits for its response. Calls fail
// fast while the session is not Connected.
func (a *Agent) Call(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	if st := a.session.State(); st != session.StateConnected {
		return nil, fmt.Errorf("%w: session is %s", session.ErrSessionLost, st)
	}
	return a.correlator.Call(ctx, topic, payload)
}

// State returns the current session state.
func (a *Agent) State() session.State {
	return a.session.State()
}

// Stats returns a runtime snapshot for status reporting.
func (a *Agent) Stats() Stats {
	return Stats{
		State:         a.session.State(),
		LastConnect:   a.session.LastConnect(),
		QueueDepth:    a.publisher.Len(),
		InFlightCalls: a.correlator.InFlight(),
	}
}
