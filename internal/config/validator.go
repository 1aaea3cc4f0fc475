package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the runtime cannot start with. Tuning
// values left at zero fall back to component defaults and are not errors.
func Validate(cfg *Config) error {
	var problems []string

	if cfg.Broker.Endpoint == "" {
		problems = append(problems, "broker.endpoint is required")
	}
	if (cfg.Broker.TLSCertFile == "") != (cfg.Broker.TLSKeyFile == "") {
		problems = append(problems, "broker.tls_cert_file and broker.tls_key_file must be set together")
	}
	if cfg.Auth.ClientID <= 0 {
		problems = append(problems, "auth.client_id must be positive")
	}
	if cfg.Auth.AgentID <= 0 {
		problems = append(problems, "auth.agent_id must be positive")
	}
	if cfg.Auth.Token == "" {
		problems = append(problems, "auth.token is required")
	}
	if cfg.Publish.QueueCapacity < 0 {
		problems = append(problems, "publish.queue_capacity must not be negative")
	}
	if cfg.Session.BackoffBaseSeconds > cfg.Session.BackoffCapSeconds && cfg.Session.BackoffCapSeconds > 0 {
		problems = append(problems, "session.backoff_base_seconds must not exceed session.backoff_cap_seconds")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
