package coiiot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentConfigJSON = `{
	"version": "v3",
	"agent": {
		"id": 7,
		"name": "plant-floor",
		"config_id": 12,
		"tag": {
			"id": 1, "name": "root", "type": {"id": 1, "name": "group"},
			"properties": {}, "attrs": {}, "driver_config": {},
			"children": [
				{"id": 2, "name": "uptime", "type": {"id": 2, "name": "analog"},
				 "properties": {"unit": "s"}, "attrs": {}, "children": [], "driver_config": {}}
			]
		},
		"devices": [
			{
				"id": 3, "name": "boiler", "config_id": null,
				"driver": {"id": 9, "name": "modbus", "protocol": "tcp"},
				"tag": {"id": 4, "name": "boiler", "type": {"id": 1, "name": "group"},
					"properties": {}, "attrs": {}, "children": [], "driver_config": {}},
				"driver_config": {"slave_id": 2}
			}
		]
	}
}`

func newTestAPI(t *testing.T, handler http.HandlerFunc) *API {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAPI(srv.URL, Auth{ClientID: 42, AgentID: 7, Token: "secret"}, zerolog.Nop())
}

func TestAPI_FetchConfig(t *testing.T) {
	var gotPath, gotUser, gotPass string
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotUser, gotPass, _ = r.BasicAuth()
		w.Write([]byte(agentConfigJSON))
	})

	cfg, err := api.FetchConfig(context.Background(), "v3")
	require.NoError(t, err)

	assert.Equal(t, "/v1/agents/config?version=v3", gotPath)
	assert.Equal(t, "42_7", gotUser)
	assert.Equal(t, "secret", gotPass)

	assert.Equal(t, "v3", cfg.Version)
	assert.Equal(t, "plant-floor", cfg.Agent.Name)
	require.NotNil(t, cfg.Agent.ConfigID)
	assert.Equal(t, 12, *cfg.Agent.ConfigID)

	uptime := cfg.Agent.Tag.Child("uptime")
	require.NotNil(t, uptime)
	assert.Equal(t, "analog", uptime.Type.Name)
	assert.Nil(t, cfg.Agent.Tag.Child("no-such-tag"))

	require.Len(t, cfg.Agent.Devices, 1)
	dev := cfg.Agent.Devices[0]
	assert.Equal(t, "boiler", dev.Name)
	require.NotNil(t, dev.Driver.Protocol)
	assert.Equal(t, "tcp", *dev.Driver.Protocol)
	assert.Nil(t, dev.ConfigID)
	assert.Equal(t, float64(2), dev.DriverConfig["slave_id"])
}

func TestAPI_FetchConfig_CurrentVersionOmitsParam(t *testing.T) {
	var gotPath string
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		w.Write([]byte(agentConfigJSON))
	})

	_, err := api.FetchConfig(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "/v1/agents/config", gotPath)
}

func TestAPI_FetchCommands(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/commands", r.URL.Path)
		w.Write([]byte(`{
			"command": {
				"id": "c1", "tags": [{"tag_id": 5, "value": true}],
				"created_at": 1724660000000000, "updated_at": 1724660001000000,
				"status": "sent", "reason": null
			},
			"devices": [
				{"device_id": 3, "command": {
					"id": "c2", "tags": [], "created_at": 1724660000000000,
					"updated_at": 1724660000000000, "status": "failed", "reason": "offline"
				}}
			]
		}`))
	})

	cmds, err := api.FetchCommands(context.Background())
	require.NoError(t, err)

	require.NotNil(t, cmds.Command)
	assert.Equal(t, "c1", cmds.Command.ID)
	assert.Equal(t, StatusSent, cmds.Command.Status)
	require.Len(t, cmds.Command.Tags, 1)
	assert.Equal(t, 5, cmds.Command.Tags[0].ID)
	assert.Nil(t, cmds.Command.Reason)

	require.Len(t, cmds.Devices, 1)
	assert.Equal(t, StatusFailed, cmds.Devices[0].Command.Status)
	require.NotNil(t, cmds.Devices[0].Command.Reason)
	assert.Equal(t, "offline", *cmds.Devices[0].Command.Reason)
}

func TestAPI_FetchCommands_RejectsUnknownStatus(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"command": {"id": "c1", "tags": [], "created_at": 1,
			"updated_at": 1, "status": "exploded", "reason": null}, "devices": []}`))
	})

	_, err := api.FetchCommands(context.Background())
	assert.ErrorIs(t, err, ErrParse)
}

func TestAPI_FetchDeviceConfig(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/devices/config/11", r.URL.Path)
		w.Write([]byte(`{"id": 11, "device_id": 3, "created_at": 1724660000000000,
			"device_config": {"baud": 9600}}`))
	})

	cfg, err := api.FetchDeviceConfig(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, 11, cfg.ID)
	assert.Equal(t, 3, cfg.DeviceID)
	require.NotNil(t, cfg.CreatedAt)
	assert.Equal(t, float64(9600), cfg.DeviceConfig["baud"])
}

func TestAPI_ReportStatuses(t *testing.T) {
	type captured struct {
		method string
		path   string
		body   map[string]json.RawMessage
	}
	var got captured
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got.body))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, api.ReportAgentStatus(context.Background(), "c1", NewStatus("c1", StatusDone, "")))
	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "/v1/agents/7/commands/c1/status", got.path)
	assert.Equal(t, `"done"`, string(got.body["status"]))
	assert.Equal(t, "null", string(got.body["reason"]))
	// The command id rides in the URL, not the body.
	assert.NotContains(t, got.body, "id")

	require.NoError(t, api.ReportDeviceStatus(context.Background(), 3, "c2", NewStatus("c2", StatusFailed, "offline")))
	assert.Equal(t, "/v1/devices/3/commands/c2/status", got.path)
	assert.Equal(t, `"offline"`, string(got.body["reason"]))
}

func TestAPI_PostEventAndLogs(t *testing.T) {
	var paths []string
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, api.PostEvent(context.Background(), EventMessage{Tags: []EventTag{}}))
	require.NoError(t, api.PostLogs(context.Background(), []LogRecord{{Level: LogInfo, Message: "up"}}))
	assert.Equal(t, []string{"POST /v1/events", "POST /v1/logs"}, paths)
}

func TestAPI_StatusCodeMapping(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusInternalServerError, ErrServer},
	}
	for _, tt := range tests {
		api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
		})
		_, err := api.FetchCommands(context.Background())
		assert.ErrorIs(t, err, tt.want, "status %d", tt.code)
	}

	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	_, err := api.FetchCommands(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 418")
}
