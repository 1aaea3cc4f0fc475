// Package coiiot is the typed message layer for the coiiot platform: event
// and log telemetry going up, command messages coming down, and command
// status reports in both directions. Payload shapes are wire-compatible with
// the platform's JSON formats; timestamps travel as microseconds since epoch.
package coiiot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrParse indicates an inbound payload that does not match the platform's
// message format.
var ErrParse = errors.New("parse failed")

// Timestamp serializes as integer microseconds since the Unix epoch.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a platform timestamp.
func Now() Timestamp {
	return Timestamp{time.Now()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UnixMicro())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var us int64
	if err := json.Unmarshal(data, &us); err != nil {
		return fmt.Errorf("%w: timestamp: %v", ErrParse, err)
	}
	t.Time = time.UnixMicro(us)
	return nil
}

// Location is a geographic tag value.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// EventTag is one tag reading inside an event. Value may be a number,
// string, bool, Location, or Timestamp.
type EventTag struct {
	ID        int       `json:"id"`
	Value     any       `json:"value"`
	Timestamp Timestamp `json:"timestamp"`
}

// EventMessage is the telemetry payload published to the event topic.
type EventMessage struct {
	Tags []EventTag `json:"tags"`
}

// CommandTag is one tag write inside a command.
type CommandTag struct {
	ID    int `json:"id"`
	Value any `json:"value"`
}

// Command is a single platform command addressed at the agent or a device.
type Command struct {
	ID        string       `json:"id"`
	Tags      []CommandTag `json:"tags"`
	Timestamp Timestamp    `json:"timestamp"`
}

// DeviceCommand scopes a command to one device.
type DeviceCommand struct {
	DeviceID int     `json:"device_id"`
	Command  Command `json:"command"`
}

// CommandMessage is the payload received on the agent command topic. The
// agent-level command is optional; device commands may be empty.
type CommandMessage struct {
	Command *Command        `json:"command,omitempty"`
	Devices []DeviceCommand `json:"devices"`
}

// CommandStatus is the lifecycle state of a command as reported back to the
// platform.
type CommandStatus string

const (
	StatusNew      CommandStatus = "new"
	StatusSending  CommandStatus = "sending"
	StatusSent     CommandStatus = "sent"
	StatusReceived CommandStatus = "received"
	StatusSkipped  CommandStatus = "skipped"
	StatusDone     CommandStatus = "done"
	StatusFailed   CommandStatus = "failed"
)

// ParseCommandStatus converts a wire value, rejecting unknown states.
func ParseCommandStatus(value string) (CommandStatus, error) {
	switch s := CommandStatus(value); s {
	case StatusNew, StatusSending, StatusSent, StatusReceived, StatusSkipped, StatusDone, StatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown command status %q", ErrParse, value)
	}
}

// UnmarshalJSON rejects unknown status values on decode.
func (s *CommandStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: command status: %v", ErrParse, err)
	}
	parsed, err := ParseCommandStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CommandStatusMessage reports command progress. Reason is null unless the
// command was skipped or failed.
type CommandStatusMessage struct {
	ID        string        `json:"id"`
	Status    CommandStatus `json:"status"`
	Reason    *string       `json:"reason"`
	Timestamp Timestamp     `json:"timestamp"`
}

// NewStatus builds a status report stamped with the current time. An empty
// reason serializes as null.
func NewStatus(id string, status CommandStatus, reason string) CommandStatusMessage {
	msg := CommandStatusMessage{ID: id, Status: status, Timestamp: Now()}
	if reason != "" {
		msg.Reason = &reason
	}
	return msg
}

// LogLevel mirrors the platform's numeric log levels.
type LogLevel int

const (
	LogDebug LogLevel = 1
	LogInfo  LogLevel = 2
	LogWarn  LogLevel = 3
	LogError LogLevel = 4
	LogFatal LogLevel = 5
)

// LogRecord is one shipped log line.
type LogRecord struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// Auth carries platform credentials. The broker login is the client and
// agent ids joined by an underscore; the agent token is the password.
type Auth struct {
	ClientID int
	AgentID  int
	Token    string
}

// Login returns the broker username.
func (a Auth) Login() string {
	return fmt.Sprintf("%d_%d", a.ClientID, a.AgentID)
}

// Password returns the broker password.
func (a Auth) Password() string {
	return a.Token
}

// DecodeCommandMessage validates and decodes an inbound command payload.
func DecodeCommandMessage(data []byte) (CommandMessage, error) {
	if err := ValidateCommandMessage(data); err != nil {
		return CommandMessage{}, err
	}
	var msg CommandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return CommandMessage{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return msg, nil
}
