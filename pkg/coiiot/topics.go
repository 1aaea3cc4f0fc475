package coiiot

import "fmt"

// Platform topic scheme. All payloads on these topics are JSON, as the
// trailing "fmt/json" segment advertises.
const (
	// TopicEvent receives telemetry events from every agent.
	TopicEvent = "iot/event/fmt/json"

	// TopicLog receives shipped log batches.
	TopicLog = "iot/log/fmt/json"
)

// AgentCommandTopic is the inbound command topic for one agent.
func AgentCommandTopic(agentID int) string {
	return fmt.Sprintf("iot/cmd/agent/%d/fmt/json", agentID)
}

// AgentStatusTopic carries agent-level command status reports.
func AgentStatusTopic(agentID int) string {
	return fmt.Sprintf("iot/cmd/agent/%d/status/fmt/json", agentID)
}

// DeviceStatusTopic carries device-level command status reports.
func DeviceStatusTopic(deviceID int) string {
	return fmt.Sprintf("iot/cmd/device/%d/status/fmt/json", deviceID)
}
