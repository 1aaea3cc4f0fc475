package coiiot

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coiiot/agent-go/pkg/agent"
	"github.com/coiiot/agent-go/pkg/router"
	"github.com/coiiot/agent-go/pkg/transport"
)

// CommandHandler consumes decoded platform commands.
type CommandHandler func(msg CommandMessage) error

// Client is the typed platform facade over the generic runtime. All
// platform traffic is QoS 1; the runtime's queue and retry policy apply.
type Client struct {
	agent  *agent.Agent
	auth   Auth
	logger zerolog.Logger
}

// NewClient wraps a runtime agent with the platform topic scheme.
func NewClient(a *agent.Agent, auth Auth, logger zerolog.Logger) *Client {
	return &Client{
		agent:  a,
		auth:   auth,
		logger: logger.With().Str("component", "coiiot").Int("agent_id", auth.AgentID).Logger(),
	}
}

// SendEvent queues a telemetry event.
func (c *Client) SendEvent(msg EventMessage) error {
	return c.publishJSON(TopicEvent, msg)
}

// SendLogs queues a batch of log records.
func (c *Client) SendLogs(records []LogRecord) error {
	return c.publishJSON(TopicLog, records)
}

// SendAgentStatus reports agent-level command progress.
func (c *Client) SendAgentStatus(msg CommandStatusMessage) error {
	return c.publishJSON(AgentStatusTopic(c.auth.AgentID), msg)
}

// SendDeviceStatus reports device-level command progress.
func (c *Client) SendDeviceStatus(deviceID int, msg CommandStatusMessage) error {
	return c.publishJSON(DeviceStatusTopic(deviceID), msg)
}

// OnCommand subscribes handler to this agent's command topic. Payloads that
// fail schema validation are reported through the router's error sink and
// never reach the handler.
func (c *Client) OnCommand(handler CommandHandler) error {
	topic := AgentCommandTopic(c.auth.AgentID)
	return c.agent.Subscribe(topic, transport.QoSAtLeastOnce, router.HandlerFunc(func(msg transport.Message) error {
		decoded, err := DecodeCommandMessage(msg.Payload)
		if err != nil {
			return fmt.Errorf("rejecting command payload: %w", err)
		}
		return handler(decoded)
	}))
}

func (c *Client) publishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", topic, err)
	}
	if _, err := c.agent.Publish(topic, data, transport.QoSAtLeastOnce); err != nil {
		return err
	}
	return nil
}
