// Package ipc carries the control protocol between the elevated
// supervisor process and user-level frontends over a named pipe. The
// protocol is newline-delimited JSON: one Request per line in, one
// Response per line out, in order.
package ipc

import (
	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
)

// Operations a client may request.
const (
	OpStatus     = "status"
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpSwitch     = "switch"
	OpConfigs    = "configs"
	OpLogs       = "logs"
)

// Request is one command from a frontend. ID is only meaningful for
// OpSwitch, where it names the target server configuration.
type Request struct {
	Op string `json:"op"`
	ID string `json:"id,omitempty"`
}

// Response answers one Request. OK reports whether the operation
// succeeded; Error carries the failure text otherwise. Status fields
// are filled for every successful response so frontends can refresh
// from any reply.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	State      string                `json:"state,omitempty"`
	StateError string                `json:"stateError,omitempty"`
	Stats      *core.ConnectionStats `json:"stats,omitempty"`

	Configs    []config.ServerConfig `json:"configs,omitempty"`
	SelectedID string                `json:"selectedId,omitempty"`

	Logs []core.LogEntry `json:"logs,omitempty"`
}
