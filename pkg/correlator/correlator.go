package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coiiot/agent-go/internal/metrics"
	"github.com/coiiot/agent-go/pkg/router"
	"github.com/coiiot/agent-go/pkg/transport"
)

var (
	// ErrTimeout indicates a call deadline elapsed with no response.
	ErrTimeout = errors.New("call timed out")

	// ErrCancelled indicates the caller cancelled an in-flight call.
	ErrCancelled = errors.New("call cancelled")
)

// Request is the wire envelope for a correlated request. The platform echoes
// the payload of its response onto ReplyTo verbatim; the runtime never
// interprets response bytes.
type Request struct {
	ID      string `json:"id"`
	ReplyTo string `json:"reply_to"`
	Payload []byte `json:"payload,omitempty"`
}

// Config holds correlator configuration.
type Config struct {
	Transport transport.Transport
	Router    *router.Router

	// ClientID scopes the reserved reply namespace so concurrent agents
	// on one broker never see each other's responses.
	ClientID string

	// DefaultTimeout applies to calls whose context has no deadline.
	DefaultTimeout time.Duration

	Logger zerolog.Logger
}

const defaultCallTimeout = 30 * time.Second

type pendingCall struct {
	id   string
	done chan result
}

type result struct {
	payload []byte
	err     error
}

// Correlator matches outgoing requests to asynchronous responses by
// correlation id. Each call suspends its caller until exactly one of:
// response, deadline, cancellation, or session loss.
type Correlator struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// New creates a correlator and registers its reply subscription with the
// router. The subscription is deferred like any other and survives
// reconnects.
func New(cfg Config) (*Correlator, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultCallTimeout
	}
	c := &Correlator{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "correlator").Logger(),
		pending: make(map[string]*pendingCall),
	}
	filter := c.replyFilter()
	if err := cfg.Router.Subscribe(filter, transport.QoSAtLeastOnce, router.HandlerFunc(c.handleReply)); err != nil {
		return nil, fmt.Errorf("failed to register reply subscription: %w", err)
	}
	return c, nil
}

func (c *Correlator) replyFilter() string {
	return fmt.Sprintf("iot/rpc/%s/resp/+", c.cfg.ClientID)
}

func (c *Correlator) replyTopic(id string) string {
	return fmt.Sprintf("iot/rpc/%s/resp/%s", c.cfg.ClientID, id)
}

// Call publishes a request on topic and blocks until its correlated
// response arrives, the deadline elapses, ctx is cancelled, or the session
// is lost. The response payload is returned byte-exact.
func (c *Correlator) Call(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DefaultTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	call := &pendingCall{id: id, done: make(chan result, 1)}

	c.mu.Lock()
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("correlation id collision: %s", id)
	}
	c.pending[id] = call
	inFlight := len(c.pending)
	c.mu.Unlock()
	metrics.SetCallsInFlight(inFlight)

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		inFlight := len(c.pending)
		c.mu.Unlock()
		metrics.SetCallsInFlight(inFlight)
	}()

	data, err := json.Marshal(Request{ID: id, ReplyTo: c.replyTopic(id), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	// Commands fail fast while the session is down: the transport rejects
	// the publish and no PendingCall lingers.
	if err := c.cfg.Transport.Publish(ctx, topic, data, transport.QoSAtLeastOnce); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	c.logger.Debug().Str("topic", topic).Str("correlation_id", id).Msg("Call issued")

	select {
	case res := <-call.done:
		if res.err != nil {
			metrics.RecordCallOutcome("session_lost")
		} else {
			metrics.RecordCallOutcome("ok")
		}
		return res.payload, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.RecordCallOutcome("timeout")
			return nil, fmt.Errorf("%w after waiting for %s", ErrTimeout, id)
		}
		metrics.RecordCallOutcome("cancelled")
		return nil, fmt.Errorf("%w: %s", ErrCancelled, id)
	}
}

// InFlight returns the number of calls currently awaiting responses.
func (c *Correlator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FailAll resolves every pending call with err. Wired to the session's
// OnDisconnect and OnClose hooks.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.done <- result{err: err}
	}
	if len(calls) > 0 {
		c.logger.Warn().Int("failed", len(calls)).Err(err).Msg("Failed all pending calls")
	}
}

// handleReply resolves the pending call addressed by the reply topic's final
// segment. Unknown and already-resolved ids are discarded.
func (c *Correlator) handleReply(msg transport.Message) error {
	idx := strings.LastIndexByte(msg.Topic, '/')
	if idx < 0 || idx == len(msg.Topic)-1 {
		return fmt.Errorf("malformed reply topic %q", msg.Topic)
	}
	id := msg.Topic[idx+1:]

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("correlation_id", id).Msg("Discarding reply with unknown id")
		return nil
	}

	call.done <- result{payload: msg.Payload}
	return nil
}
