package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/coiiot/agent-go/internal/metrics"
	"github.com/coiiot/agent-go/pkg/transport"
)

var (
	// ErrBackpressure indicates the outbound queue is at capacity.
	ErrBackpressure = errors.New("publish queue full")

	// ErrDeliveryFailed indicates a job exhausted its retry budget.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrClosed indicates the publisher was shut down.
	ErrClosed = errors.New("publisher closed")
)

// Job is one outbound telemetry item. It lives in the bounded queue until
// the transport confirms delivery or the retry ceiling is exceeded.
type Job struct {
	ID         string
	Topic      string
	Payload    []byte
	QoS        transport.QoS
	Attempts   int
	EnqueuedAt time.Time
}

// FailureHandler receives jobs dropped after the retry ceiling or abandoned
// at shutdown.
type FailureHandler func(job Job, err error)

// Config holds publisher configuration.
type Config struct {
	Transport transport.Transport

	// Capacity bounds the queue. Enqueue fails with ErrBackpressure at
	// capacity; nothing is ever dropped silently.
	Capacity int

	// MaxRetries is the per-job retry ceiling after the first attempt.
	MaxRetries int

	// PublishTimeout bounds one transport publish (including its ack wait).
	PublishTimeout time.Duration

	// RetryDelay is the pause between attempts for the same job.
	RetryDelay time.Duration

	// OnFailure is invoked for every dropped or abandoned job. Optional.
	OnFailure FailureHandler

	Logger zerolog.Logger
}

const (
	defaultCapacity       = 100
	defaultMaxRetries     = 3
	defaultPublishTimeout = 10 * time.Second
	defaultRetryDelay     = time.Second
)

// Publisher queues outbound messages and drains them into the transport
// while the session is Connected. A single drain goroutine preserves
// enqueue order, which subsumes the per-topic ordering guarantee. Jobs are
// retained across reconnects; only confirmed delivery or the retry ceiling
// removes them.
type Publisher struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	queue     []*Job
	connected bool
	closing   bool

	wake    chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}
}

// New creates a publisher and starts its drain loop.
func New(cfg Config) *Publisher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	p := &Publisher{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "publisher").Logger(),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go p.drainLoop()
	return p
}

// Enqueue adds a telemetry job. It fails with ErrBackpressure when the
// queue is at capacity and ErrClosed after shutdown; it never blocks on a
// full queue.
func (p *Publisher) Enqueue(topic string, payload []byte, qos transport.QoS) (string, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return "", ErrClosed
	}
	if len(p.queue) >= p.cfg.Capacity {
		p.mu.Unlock()
		metrics.RecordBackpressure()
		return "", fmt.Errorf("%w: capacity %d reached", ErrBackpressure, p.cfg.Capacity)
	}

	id, _ := gonanoid.New()
	job := &Job{
		ID:         id,
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		QoS:        qos,
		EnqueuedAt: time.Now(),
	}
	p.queue = append(p.queue, job)
	depth := len(p.queue)
	p.mu.Unlock()

	p.logger.Debug().Str("job_id", id).Str("topic", topic).Int("depth", depth).Msg("Job enqueued")
	metrics.SetPublishQueueDepth(depth)
	p.signal()
	return id, nil
}

// Len returns the current queue depth, in-flight job included.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// HandleConnect resumes draining. Wired as a session OnConnect hook.
func (p *Publisher) HandleConnect() {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.signal()
}

// HandleDisconnect pauses draining; queued jobs are retained for replay.
// Wired as a session OnDisconnect hook.
func (p *Publisher) HandleDisconnect(err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}

// Close drains deterministically: while the session is still connected each
// remaining job gets one final attempt, then whatever is left is reported as
// abandoned. Blocks until the drain loop exits.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		<-p.doneCh
		return
	}
	p.closing = true
	p.mu.Unlock()

	close(p.closeCh)
	<-p.doneCh
}

func (p *Publisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) drainLoop() {
	defer close(p.doneCh)

	for {
		p.mu.Lock()
		closing := p.closing
		connected := p.connected
		var job *Job
		if len(p.queue) > 0 {
			job = p.queue[0]
		}
		p.mu.Unlock()

		if closing {
			p.finalDrain()
			return
		}

		if job == nil || !connected {
			select {
			case <-p.wake:
			case <-p.closeCh:
			}
			continue
		}

		if err := p.publishOnce(job); err != nil {
			p.mu.Lock()
			stillConnected := p.connected
			p.mu.Unlock()
			if !stillConnected {
				// The link dropped mid-attempt. The job is retained
				// for replay and the failure does not count against
				// its retry budget.
				continue
			}
			job.Attempts++
			if job.Attempts > p.cfg.MaxRetries {
				p.dropHead(job, fmt.Errorf("%w after %d attempts: %v", ErrDeliveryFailed, job.Attempts, err))
				continue
			}
			metrics.RecordPublishRetry()
			p.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempts).Msg("Publish attempt failed")
			select {
			case <-time.After(p.cfg.RetryDelay):
			case <-p.closeCh:
			}
			continue
		}

		p.removeHead(job)
		metrics.RecordPublished()
		p.logger.Debug().Str("job_id", job.ID).Str("topic", job.Topic).Msg("Job delivered")
	}
}

func (p *Publisher) publishOnce(job *Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()
	return p.cfg.Transport.Publish(ctx, job.Topic, job.Payload, job.QoS)
}

// finalDrain gives every queued job one last attempt while the link is up,
// then abandons the rest.
func (p *Publisher) finalDrain() {
	p.mu.Lock()
	jobs := p.queue
	p.queue = nil
	connected := p.connected
	p.mu.Unlock()

	for i, job := range jobs {
		if connected {
			if err := p.publishOnce(job); err == nil {
				continue
			} else {
				p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Final drain publish failed")
				connected = false
			}
		}
		p.fail(jobs[i], ErrClosed)
	}
}

func (p *Publisher) removeHead(job *Job) {
	p.mu.Lock()
	if len(p.queue) > 0 && p.queue[0] == job {
		p.queue = p.queue[1:]
	}
	depth := len(p.queue)
	p.mu.Unlock()
	metrics.SetPublishQueueDepth(depth)
}

func (p *Publisher) dropHead(job *Job, err error) {
	p.removeHead(job)
	metrics.RecordDeliveryFailure()
	p.logger.Error().Err(err).Str("job_id", job.ID).Str("topic", job.Topic).Msg("Job dropped")
	p.fail(job, err)
}

func (p *Publisher) fail(job *Job, err error) {
	if p.cfg.OnFailure != nil {
		p.cfg.OnFailure(*job, err)
	}
}
