package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/baiirun/devboot/internal/protocol"
	"github.com/baiirun/devboot/internal/sink"
)

// handleLogsPath returns the console transcript path for a device.
// The CLI tails the file directly; nothing is streamed through the socket.
// The file may not exist yet if the device was never booted.
func (d *Daemon) handleLogsPath(rawParams json.RawMessage) *Response {
	var params protocol.DeviceParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return &Response{Success: false, Error: fmt.Sprintf("invalid params: %v", err)}
		}
	}
	if params.Device == "" {
		return &Response{Success: false, Error: "device is required"}
	}
	if _, ok := d.profiles.Get(params.Device); !ok {
		d.log.Warn("logs.path: unknown device", "device", params.Device)
		return &Response{Success: false, Error: fmt.Sprintf("%v: %q", ErrUnknownDevice, params.Device)}
	}

	path := sink.TranscriptPath(d.config.LogDir, params.Device)
	d.log.Info("logs.path", "device", params.Device, "path", path)
	return resultResponse(protocol.LogsPathResult{Path: path})
}
