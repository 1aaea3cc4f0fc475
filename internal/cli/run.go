package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coiiot/agent-go/internal/config"
	"github.com/coiiot/agent-go/internal/logger"
	"github.com/coiiot/agent-go/internal/metrics"
	"github.com/coiiot/agent-go/pkg/agent"
	"github.com/coiiot/agent-go/pkg/coiiot"
	"github.com/coiiot/agent-go/pkg/heartbeat"
	"github.com/coiiot/agent-go/pkg/publisher"
	"github.com/coiiot/agent-go/pkg/spool"
	"github.com/coiiot/agent-go/pkg/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent() error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.Zerolog()

	auth := coiiot.Auth{
		ClientID: cfg.Auth.ClientID,
		AgentID:  cfg.Auth.AgentID,
		Token:    cfg.Auth.Token,
	}

	// Startup configuration fetch over the platform HTTP API. The broker
	// session does not depend on it; a failure only costs the device
	// inventory in the logs.
	if cfg.API.BaseURL != "" {
		api := coiiot.NewAPI(cfg.API.BaseURL, auth, log)
		fetchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		platformCfg, err := api.FetchConfig(fetchCtx, "")
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Platform configuration fetch failed")
		} else {
			log.Info().
				Str("version", platformCfg.Version).
				Str("agent_name", platformCfg.Agent.Name).
				Int("devices", len(platformCfg.Agent.Devices)).
				Msg("Platform configuration loaded")
		}
	}

	// Offline spool, created before the agent so delivery failures can be
	// captured durably from the start.
	var store *spool.SQLiteStore
	var onFailure publisher.FailureHandler
	if cfg.Spool.Enabled {
		store, err = spool.NewSQLiteStore(cfg.Spool.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		onFailure = func(job publisher.Job, failErr error) {
			if err := store.Put(job.Topic, job.Payload, job.QoS); err != nil {
				log.Error().Err(err).Str("topic", job.Topic).Msg("Failed to spool undelivered message")
			}
		}
	}

	ws := transport.NewWebSocketTransport(log)
	a, err := agent.New(agent.Config{
		Transport: ws,
		Endpoint:  cfg.Broker.Endpoint,
		Credentials: transport.Credentials{
			Username: auth.Login(),
			Password: auth.Password(),
			ClientID: auth.Login(),
		},
		TLSCertFile:        cfg.Broker.TLSCertFile,
		TLSKeyFile:         cfg.Broker.TLSKeyFile,
		KeepaliveInterval:  time.Duration(cfg.Session.KeepaliveSeconds) * time.Second,
		BackoffBase:        time.Duration(cfg.Session.BackoffBaseSeconds) * time.Second,
		BackoffCap:         time.Duration(cfg.Session.BackoffCapSeconds) * time.Second,
		ConnectTimeout:     time.Duration(cfg.Session.ConnectTimeoutSeconds) * time.Second,
		QueueCapacity:      cfg.Publish.QueueCapacity,
		MaxPublishRetries:  cfg.Publish.MaxRetries,
		PublishTimeout:     time.Duration(cfg.Publish.TimeoutSeconds) * time.Second,
		DefaultCallTimeout: time.Duration(cfg.Calls.DefaultTimeoutSeconds) * time.Second,
		OnDeliveryFailure:  onFailure,
		Logger:             log,
	})
	if err != nil {
		return err
	}

	client := coiiot.NewClient(a, auth, log)
	if err := client.OnCommand(func(msg coiiot.CommandMessage) error {
		return handleCommand(client, msg)
	}); err != nil {
		return err
	}

	// Metrics endpoint.
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("listen", cfg.Metrics.Listen).Msg("Metrics endpoint started")
	}

	// Live log-level reload on config file changes.
	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath, _ = config.DefaultPath()
	}
	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, func(newCfg *config.Config) {
			lg.SetLevel(newCfg.Logging.Level)
		}, log)
		if err == nil {
			if err := watcher.Start(); err != nil {
				log.Warn().Err(err).Msg("Config watcher not started")
			} else {
				defer watcher.Stop()
			}
		}
	}

	// Connect. The session keeps retrying in the background if the first
	// attempt window expires; the agent still becomes healthy on its own.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = a.Connect(connectCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("Initial connection still pending, retrying in background")
	}

	var hb *heartbeat.Reporter
	if cfg.Heartbeat.Enabled {
		hb, err = heartbeat.New(heartbeat.Config{
			Client:      client,
			Schedule:    cfg.Heartbeat.Schedule,
			UptimeTagID: cfg.Heartbeat.UptimeTagID,
			Logger:      log,
		})
		if err != nil {
			return err
		}
		hb.Start()
		defer hb.Stop()
	}

	var replayer *spool.Replayer
	if store != nil {
		replayer = spool.NewReplayer(store, a,
			time.Duration(cfg.Spool.ReplayIntervalSeconds)*time.Second, log)
		replayer.Start()
		defer replayer.Stop()
	}

	log.Info().Int("agent_id", auth.AgentID).Msg("Agent running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	a.Disconnect()
	return nil
}

// handleCommand acknowledges platform commands. Tag execution is the
// embedding application's job; the stock runner reports receipt and marks
// device commands done so the platform's delivery pipeline completes.
func handleCommand(client *coiiot.Client, msg coiiot.CommandMessage) error {
	if msg.Command != nil {
		if err := client.SendAgentStatus(coiiot.NewStatus(msg.Command.ID, coiiot.StatusReceived, "")); err != nil {
			return fmt.Errorf("failed to report agent command status: %w", err)
		}
	}
	for _, dev := range msg.Devices {
		if err := client.SendDeviceStatus(dev.DeviceID, coiiot.NewStatus(dev.Command.ID, coiiot.StatusReceived, "")); err != nil {
			return fmt.Errorf("failed to report device command status: %w", err)
		}
	}
	return nil
}
