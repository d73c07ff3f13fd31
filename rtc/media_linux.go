//go:build linux

package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bt-bridge/lingocall"
	"github.com/bt-bridge/lingocall/shared"
	"github.com/bt-bridge/lingocall/tools"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Devices captures camera, microphone and screen through pion/mediadevices
// (V4L2, malgo and X11 drivers).
type Devices struct {
	logger   shared.LoggerAdapter
	opts     DeviceOptions
	selector *mediadevices.CodecSelector
}

var _ lingocall.MediaSource = (*Devices)(nil)

func NewDevices(logger shared.LoggerAdapter, opts DeviceOptions) (*Devices, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("creating vp8 params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}

	return &Devices{
		logger: logger.With(zap.String("component", "devices")),
		opts:   opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the capture codecs on a media engine. Pass it as
// FactoryOptions.Codecs so both ends of the pipeline agree.
func (d *Devices) Populate(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

// UserMedia opens camera and microphone, falling back to audio only when no
// usable camera is present.
func (d *Devices) UserMedia(ctx context.Context) ([]lingocall.MediaTrack, error) {
	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		d.logger.Warn("no media devices found")
	} else {
		for _, dev := range devices {
			d.logger.Debug("media device", zap.String("kind", fmt.Sprint(dev.Kind)), zap.String("label", dev.Label))
		}
	}

	var lastErr error
	for _, withVideo := range []bool{true, false} {
		constraints := mediadevices.MediaStreamConstraints{
			Codec: d.selector,
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.SampleRate = prop.Int(d.opts.SampleRate)
				c.ChannelCount = prop.Int(1)
				c.SampleSize = prop.Int(16)
			},
		}
		if withVideo {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: d.opts.MaxWidth}
				c.Height = prop.IntRanged{Max: d.opts.MaxHeight}
			}
		}
		tracks, err := d.capture(ctx, func() (mediadevices.MediaStream, error) {
			return mediadevices.GetUserMedia(constraints)
		})
		if err == nil {
			d.logger.Info("local media captured", zap.Bool("video", withVideo), zap.Int("tracks", len(tracks)))
			return tracks, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		d.logger.Warn("capture attempt failed", zap.Bool("video", withVideo), zap.Error(err))
		lastErr = err
	}
	return nil, lastErr
}

func (d *Devices) DisplayMedia(ctx context.Context) ([]lingocall.MediaTrack, error) {
	return d.capture(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Codec: d.selector,
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.FrameRate = prop.Float(d.opts.ScreenFrameRate)
			},
		})
	})
}

// capture runs open on its own goroutine so a stuck driver does not outlive
// ctx. Tracks that arrive after ctx is done are closed.
func (d *Devices) capture(ctx context.Context, open func() (mediadevices.MediaStream, error)) ([]lingocall.MediaTrack, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := open()
		ch <- result{stream, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, mediaError(r.err)
		}
		var tracks []lingocall.MediaTrack
		for _, t := range r.stream.GetTracks() {
			tracks = append(tracks, d.wrap(t))
		}
		if len(tracks) == 0 {
			return nil, shared.ErrMediaUnavailable
		}
		return tracks, nil
	}
}

func (d *Devices) wrap(t mediadevices.Track) lingocall.MediaTrack {
	if audio, ok := t.(*mediadevices.AudioTrack); ok {
		return &audioTrack{Track: t, audio: audio, logger: d.logger}
	}
	return t
}

// audioTrack exposes the microphone PCM to the caption relay.
type audioTrack struct {
	mediadevices.Track
	audio  *mediadevices.AudioTrack
	logger shared.LoggerAdapter
}

var _ lingocall.AudioTapper = (*audioTrack)(nil)

func (t *audioTrack) TapAudio(ctx context.Context, sink func(samples []float32)) error {
	return tools.StreamCaptionAudio(ctx, t.logger, t.audio, sink)
}

func mediaError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return fmt.Errorf("%w: %w", shared.ErrMediaAccessDenied, err)
	}
	if errors.Is(err, shared.ErrMediaUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", shared.ErrMediaUnavailable, err)
}
