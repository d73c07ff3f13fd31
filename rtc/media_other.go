//go:build !linux

package rtc

import (
	"context"

	"github.com/bt-bridge/lingocall"
	"github.com/bt-bridge/lingocall/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Devices has no capture drivers on this platform. Every request fails with
// ErrMediaUnavailable, so starting or answering a call ends it with a
// permission error.
type Devices struct {
	logger shared.LoggerAdapter
	opts   DeviceOptions
}

var _ lingocall.MediaSource = (*Devices)(nil)

func NewDevices(logger shared.LoggerAdapter, opts DeviceOptions) (*Devices, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Devices{logger: logger.With(zap.String("component", "devices")), opts: opts.withDefaults()}, nil
}

func (d *Devices) Populate(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *Devices) UserMedia(context.Context) ([]lingocall.MediaTrack, error) {
	d.logger.Warn("no capture drivers on this platform")
	return nil, shared.ErrMediaUnavailable
}

func (d *Devices) DisplayMedia(context.Context) ([]lingocall.MediaTrack, error) {
	return nil, shared.ErrMediaUnavailable
}
