package permission

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DeviceAccessGate grants permission when the process can read the GPS device node.
type DeviceAccessGate struct {
	path   string
	access func(path string, mode uint32) error
	logger zerolog.Logger
}

// NewDeviceAccessGate creates a gate over the device at path.
func NewDeviceAccessGate(path string, logger zerolog.Logger) *DeviceAccessGate {
	return &DeviceAccessGate{
		path:   path,
		access: unix.Access,
		logger: logger,
	}
}

func (g *DeviceAccessGate) Check() State {
	if err := g.access(g.path, unix.R_OK); err != nil {
		g.logger.Debug().Err(err).Str("path", g.path).Msg("Location device not readable")
		return Denied
	}
	return Granted
}

// Request re-checks access; rights cannot be granted interactively.
func (g *DeviceAccessGate) Request(_ context.Context, requestCode int, handler ResultHandler) {
	go func() {
		state := g.Check()
		if state == Denied {
			g.logger.Warn().Str("path", g.path).Msg("No read access to location device; add the user to the device group")
		}
		handler(requestCode, state == Granted)
	}()
}
