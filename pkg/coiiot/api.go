package coiiot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// HTTP API error taxonomy, mapped from response status codes.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrServer       = errors.New("internal server error")
)

// TagType classifies a tag (analog, discrete, and so on).
type TagType struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Driver describes the protocol driver a device is attached through.
type Driver struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Protocol *string `json:"protocol"`
}

// Tag is one node of the platform's tag tree. Children arrive as a list and
// are unique by name.
type Tag struct {
	ID           int            `json:"id"`
	Name         string         `json:"name"`
	Type         TagType        `json:"type"`
	Properties   map[string]any `json:"properties"`
	Attrs        map[string]any `json:"attrs"`
	Children     []Tag          `json:"children"`
	DriverConfig map[string]any `json:"driver_config"`
}

// Child returns the direct child tag with the given name, or nil.
func (t *Tag) Child(name string) *Tag {
	for i := range t.Children {
		if t.Children[i].Name == name {
			return &t.Children[i]
		}
	}
	return nil
}

// Device is one configured device under this agent.
type Device struct {
	ID           int            `json:"id"`
	Name         string         `json:"name"`
	Driver       Driver         `json:"driver"`
	Tag          Tag            `json:"tag"`
	DriverConfig map[string]any `json:"driver_config"`
	ConfigID     *int           `json:"config_id"`
}

// Agent is the platform-side description of this agent: its tag tree and
// device list.
type Agent struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Tag      Tag      `json:"tag"`
	Devices  []Device `json:"devices"`
	ConfigID *int     `json:"config_id"`
}

// AgentConfig is the versioned configuration document served by the platform.
type AgentConfig struct {
	Agent   Agent  `json:"agent"`
	Version string `json:"version"`
}

// ExtendedTag is a tag write as the HTTP API reports it; the tag id travels
// under "tag_id" there, unlike the command topic payloads.
type ExtendedTag struct {
	ID    int `json:"tag_id"`
	Value any `json:"value"`
}

// CommandExtended is a command with its full platform lifecycle record.
type CommandExtended struct {
	ID        string        `json:"id"`
	Tags      []ExtendedTag `json:"tags"`
	CreatedAt Timestamp     `json:"created_at"`
	UpdatedAt Timestamp     `json:"updated_at"`
	Status    CommandStatus `json:"status"`
	Reason    *string       `json:"reason"`
}

// ExtendedDeviceCommand scopes an extended command to one device.
type ExtendedDeviceCommand struct {
	DeviceID int             `json:"device_id"`
	Command  CommandExtended `json:"command"`
}

// AgentCommands is the poll endpoint's view of outstanding commands.
type AgentCommands struct {
	Command *CommandExtended        `json:"command"`
	Devices []ExtendedDeviceCommand `json:"devices"`
}

// VersionedDeviceConfig is one historical device configuration revision.
type VersionedDeviceConfig struct {
	ID           int            `json:"id"`
	DeviceID     int            `json:"device_id"`
	CreatedAt    *Timestamp     `json:"created_at"`
	DeviceConfig map[string]any `json:"device_config"`
}

const defaultAPITimeout = 20 * time.Second

// API is the platform's HTTP client: configuration fetches, command polls,
// and the HTTP variants of the status and telemetry endpoints. It is
// independent of the broker session; both sides share Auth.
type API struct {
	baseURL    string
	auth       Auth
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewAPI creates a platform API client for the given base URL.
func NewAPI(baseURL string, auth Auth, logger zerolog.Logger) *API {
	return &API{
		baseURL: baseURL,
		auth:    auth,
		httpClient: &http.Client{
			Timeout: defaultAPITimeout,
		},
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// FetchConfig retrieves the agent configuration document. An empty version
// requests the current one.
func (a *API) FetchConfig(ctx context.Context, version string) (AgentConfig, error) {
	path := "/v1/agents/config"
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}
	body, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return AgentConfig{}, err
	}
	var cfg AgentConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("%w: config: %v", ErrParse, err)
	}
	return cfg, nil
}

// FetchCommands polls the outstanding commands for this agent.
func (a *API) FetchCommands(ctx context.Context) (AgentCommands, error) {
	body, err := a.do(ctx, http.MethodGet, "/v1/commands", nil)
	if err != nil {
		return AgentCommands{}, err
	}
	var cmds AgentCommands
	if err := json.Unmarshal(body, &cmds); err != nil {
		return AgentCommands{}, fmt.Errorf("%w: commands: %v", ErrParse, err)
	}
	return cmds, nil
}

// FetchDeviceConfig retrieves one device configuration revision by id.
func (a *API) FetchDeviceConfig(ctx context.Context, versionID int) (VersionedDeviceConfig, error) {
	body, err := a.do(ctx, http.MethodGet, fmt.Sprintf("/v1/devices/config/%d", versionID), nil)
	if err != nil {
		return VersionedDeviceConfig{}, err
	}
	var cfg VersionedDeviceConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return VersionedDeviceConfig{}, fmt.Errorf("%w: device config: %v", ErrParse, err)
	}
	return cfg, nil
}

// ReportAgentStatus updates agent-level command progress over HTTP.
func (a *API) ReportAgentStatus(ctx context.Context, commandID string, status CommandStatusMessage) error {
	path := fmt.Sprintf("/v1/agents/%d/commands/%s/status", a.auth.AgentID, url.PathEscape(commandID))
	_, err := a.do(ctx, http.MethodPatch, path, statusBody(status))
	return err
}

// ReportDeviceStatus updates device-level command progress over HTTP.
func (a *API) ReportDeviceStatus(ctx context.Context, deviceID int, commandID string, status CommandStatusMessage) error {
	path := fmt.Sprintf("/v1/devices/%d/commands/%s/status", deviceID, url.PathEscape(commandID))
	_, err := a.do(ctx, http.MethodPatch, path, statusBody(status))
	return err
}

// PostEvent delivers one telemetry event over HTTP instead of the broker.
func (a *API) PostEvent(ctx context.Context, msg EventMessage) error {
	_, err := a.do(ctx, http.MethodPost, "/v1/events", msg)
	return err
}

// PostLogs ships a batch of log records over HTTP.
func (a *API) PostLogs(ctx context.Context, records []LogRecord) error {
	_, err := a.do(ctx, http.MethodPost, "/v1/logs", records)
	return err
}

// statusBody strips the command id, which rides in the URL on the HTTP side.
func statusBody(status CommandStatusMessage) any {
	return struct {
		Status    CommandStatus `json:"status"`
		Reason    *string       `json:"reason"`
		Timestamp Timestamp     `json:"timestamp"`
	}{Status: status.Status, Reason: status.Reason, Timestamp: status.Timestamp}
}

func (a *API) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(a.auth.Login(), a.auth.Password())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		a.logger.Debug().Str("method", method).Str("path", path).Msg("API request completed")
		return respBody, nil
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s: %s", ErrBadRequest, path, respBody)
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, path)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: %s: %s", ErrServer, path, respBody)
	default:
		return nil, fmt.Errorf("%s returned unexpected status %d: %s", path, resp.StatusCode, respBody)
	}
}
