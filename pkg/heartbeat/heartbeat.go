// Package heartbeat publishes periodic liveness telemetry so the platform
// can distinguish a quiet agent from a dead one. This is application-level
// telemetry on top of the session's transport keepalive.
package heartbeat

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/coiiot/agent-go/pkg/coiiot"
)

// Config holds heartbeat configuration.
type Config struct {
	Client *coiiot.Client

	// Schedule is a cron expression (robfig/cron syntax, "@every 60s"
	// style descriptors included).
	Schedule string

	// UptimeTagID is the platform tag the uptime reading is reported
	// under.
	UptimeTagID int

	Logger zerolog.Logger
}

const defaultSchedule = "@every 60s"

// Reporter emits an uptime event on its schedule. Emission goes through the
// publisher's bounded queue; a heartbeat hitting backpressure is dropped
// with a warning rather than piling up.
type Reporter struct {
	cfg     Config
	logger  zerolog.Logger
	cron    *cron.Cron
	started time.Time
}

// New creates a heartbeat reporter. Start begins emission.
func New(cfg Config) (*Reporter, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}

	r := &Reporter{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "heartbeat").Logger(),
		cron:   cron.New(),
	}
	if _, err := r.cron.AddFunc(cfg.Schedule, r.emit); err != nil {
		return nil, fmt.Errorf("invalid heartbeat schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

// Start begins scheduled emission.
func (r *Reporter) Start() {
	r.started = time.Now()
	r.cron.Start()
	r.logger.Info().Str("schedule", r.cfg.Schedule).Msg("Heartbeat started")
}

// Stop halts the schedule and waits for an in-flight emission to finish.
func (r *Reporter) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reporter) emit() {
	uptime := int64(time.Since(r.started).Seconds())
	err := r.cfg.Client.SendEvent(coiiot.EventMessage{
		Tags: []coiiot.EventTag{
			{ID: r.cfg.UptimeTagID, Value: uptime, Timestamp: coiiot.Now()},
		},
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Heartbeat dropped")
		return
	}
	r.logger.Debug().Int64("uptime_s", uptime).Msg("Heartbeat emitted")
}
