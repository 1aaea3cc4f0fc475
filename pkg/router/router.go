package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coiiot/agent-go/internal/metrics"
	"github.com/coiiot/agent-go/pkg/transport"
)

// ErrClosed is returned by operations on a router after Close.
var ErrClosed = errors.New("router closed")

// Handler consumes inbound messages. A returned error is reported to the
// error sink but never stops dispatch of subsequent messages.
type Handler interface {
	HandleMessage(msg transport.Message) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(msg transport.Message) error

func (f HandlerFunc) HandleMessage(msg transport.Message) error {
	return f(msg)
}

// ErrorSink receives handler failures and malformed-dispatch reports.
type ErrorSink func(topic string, err error)

// Config holds router configuration.
type Config struct {
	Transport transport.Transport
	Logger    zerolog.Logger

	// ErrorSink receives isolated handler failures. Optional; failures
	// are always logged.
	ErrorSink ErrorSink

	// TopicQueueSize bounds the per-topic dispatch buffer.
	TopicQueueSize int
}

const defaultTopicQueueSize = 128

type subscription struct {
	pattern string
	qos     transport.QoS
	handler Handler
}

type dispatchJob struct {
	msg      transport.Message
	handlers []Handler
}

// topicQueue serializes dispatch for one concrete topic. One worker drains
// one queue, which gives arrival-order, non-overlapping handler invocation
// per topic while distinct topics dispatch concurrently.
type topicQueue struct {
	jobs chan dispatchJob
}

// Router maps topic filters to handlers and dispatches inbound messages.
// Registrations made while the session is down are replayed against the
// transport on every successful connect, so subscriptions survive reconnects
// without caller involvement.
type Router struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	subs      []*subscription
	topics    map[string]*topicQueue
	connected bool
	closed    bool

	closeCh    chan struct{}
	dispatchWG sync.WaitGroup
	wg         sync.WaitGroup
}

// New creates a router. Dispatch does not begin until the transport starts
// delivering messages through Dispatch.
func New(cfg Config) *Router {
	if cfg.TopicQueueSize <= 0 {
		cfg.TopicQueueSize = defaultTopicQueueSize
	}
	return &Router{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "router").Logger(),
		topics:  make(map[string]*topicQueue),
		closeCh: make(chan struct{}),
	}
}

// Subscribe registers a handler for a topic filter. While Connected the
// transport subscription is issued immediately; otherwise it is deferred
// until the next successful connect.
func (r *Router) Subscribe(pattern string, qos transport.QoS, handler Handler) error {
	if err := ValidatePattern(pattern); err != nil {
		return fmt.Errorf("%w: %q", err, pattern)
	}

	sub := &subscription{pattern: pattern, qos: qos, handler: handler}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.subs = append(r.subs, sub)
	connected := r.connected
	r.mu.Unlock()

	if connected {
		if err := r.cfg.Transport.Subscribe(pattern, qos); err != nil {
			r.remove(sub)
			return fmt.Errorf("failed to subscribe %q: %w", pattern, err)
		}
	}

	r.logger.Debug().Str("pattern", pattern).Bool("deferred", !connected).Msg("Subscription registered")
	return nil
}

// Unsubscribe removes every handler registered under the given filter and,
// while Connected, withdraws the transport subscription.
func (r *Router) Unsubscribe(pattern string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	kept := r.subs[:0]
	removed := 0
	for _, s := range r.subs {
		if s.pattern == pattern {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	r.subs = kept
	connected := r.connected
	r.mu.Unlock()

	if removed == 0 {
		return nil
	}
	if connected {
		if err := r.cfg.Transport.Unsubscribe(pattern); err != nil {
			return fmt.Errorf("failed to unsubscribe %q: %w", pattern, err)
		}
	}
	r.logger.Debug().Str("pattern", pattern).Int("removed", removed).Msg("Subscription removed")
	return nil
}

// HandleConnect replays every registered filter against the transport. It is
// wired as a session OnConnect hook.
func (r *Router) HandleConnect() {
	r.mu.Lock()
	patterns := make(map[string]transport.QoS)
	for _, s := range r.subs {
		if q, ok := patterns[s.pattern]; !ok || s.qos > q {
			patterns[s.pattern] = s.qos
		}
	}
	r.connected = true
	r.mu.Unlock()

	for pattern, qos := range patterns {
		if err := r.cfg.Transport.Subscribe(pattern, qos); err != nil {
			r.logger.Error().Err(err).Str("pattern", pattern).Msg("Subscription replay failed")
		}
	}
}

// HandleDisconnect marks the transport down so new registrations defer.
// Wired as a session OnDisconnect hook.
func (r *Router) HandleDisconnect(err error) {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
}

// Dispatch routes one inbound message. It is wired as the transport's
// message handler. Messages for one topic are queued and dispatched in
// arrival order by a dedicated worker; unmatched topics are dropped.
func (r *Router) Dispatch(topic string, payload []byte) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	// Registered under the same lock as the closed check so Close can wait
	// for every in-flight dispatch before it closes the job channels.
	r.dispatchWG.Add(1)
	defer r.dispatchWG.Done()
	var handlers []Handler
	for _, s := range r.subs {
		if MatchTopic(s.pattern, topic) {
			handlers = append(handlers, s.handler)
		}
	}
	if len(handlers) == 0 {
		r.mu.Unlock()
		r.logger.Debug().Str("topic", topic).Msg("No subscription matches topic")
		return
	}
	tq := r.topics[topic]
	if tq == nil {
		tq = &topicQueue{jobs: make(chan dispatchJob, r.cfg.TopicQueueSize)}
		r.topics[topic] = tq
		r.wg.Add(1)
		go r.dispatchLoop(topic, tq)
	}
	r.mu.Unlock()

	metrics.RecordDispatch(topic)
	job := dispatchJob{
		msg:      transport.Message{Topic: topic, Payload: payload},
		handlers: handlers,
	}
	select {
	case tq.jobs <- job:
	case <-r.closeCh:
	}
}

// Close stops all dispatch workers after their queued messages are drained.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.closeCh)
	r.mu.Unlock()

	// In-flight Dispatch calls either complete their send or bail out via
	// closeCh. The job channels stay open until all of them are done.
	r.dispatchWG.Wait()

	r.mu.Lock()
	for _, tq := range r.topics {
		close(tq.jobs)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Router) dispatchLoop(topic string, tq *topicQueue) {
	defer r.wg.Done()
	for job := range tq.jobs {
		for _, h := range job.handlers {
			r.invoke(topic, h, job.msg)
		}
	}
}

// invoke runs one handler, isolating both returned errors and panics.
func (r *Router) invoke(topic string, h Handler, msg transport.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.report(topic, fmt.Errorf("handler panic: %v", rec))
		}
	}()
	if err := h.HandleMessage(msg); err != nil {
		r.report(topic, err)
	}
}

func (r *Router) report(topic string, err error) {
	metrics.RecordHandlerError()
	r.logger.Error().Err(err).Str("topic", topic).Msg("Handler failed")
	if r.cfg.ErrorSink != nil {
		r.cfg.ErrorSink(topic, err)
	}
}

// remove undoes a registration after a failed transport subscribe.
func (r *Router) remove(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}
