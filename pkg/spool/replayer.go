package spool

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/coiiot/agent-go/pkg/agent"
	"github.com/coiiot/agent-go/pkg/publisher"
	"github.com/coiiot/agent-go/pkg/session"
)

// Replayer periodically moves spooled messages back into the live publish
// queue while the session is Connected. Replay stops at the first
// backpressure signal and resumes on the next tick, so the spool never
// floods the bounded queue.
type Replayer struct {
	store    Store
	agent    *agent.Agent
	interval time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReplayer creates a replayer ticking at the given interval.
func NewReplayer(store Store, a *agent.Agent, interval time.Duration, logger zerolog.Logger) *Replayer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Replayer{
		store:    store,
		agent:    a,
		interval: interval,
		logger:   logger.With().Str("component", "spool-replayer").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the replay loop.
func (r *Replayer) Start() {
	go r.run()
}

// Stop terminates the replay loop and waits for it to exit.
func (r *Replayer) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Replayer) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.replayOnce()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Replayer) replayOnce() {
	if r.agent.State() != session.StateConnected {
		return
	}

	replayed := 0
	err := r.store.Drain(func(e Entry) error {
		if _, err := r.agent.Publish(e.Topic, e.Payload, e.QoS); err != nil {
			return err
		}
		replayed++
		return nil
	})
	if err != nil && !errors.Is(err, publisher.ErrBackpressure) {
		r.logger.Warn().Err(err).Msg("Spool replay interrupted")
	}
	if replayed > 0 {
		r.logger.Info().Int("replayed", replayed).Msg("Replayed spooled messages")
	}
}
