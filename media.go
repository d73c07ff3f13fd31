package lingocall

import (
	"errors"
	"sync/atomic"

	"github.com/bt-bridge/lingocall/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// LocalTrack wraps a capture track with its mute flag and the sender that
// carries it on the current link, if any.
type LocalTrack struct {
	track   MediaTrack
	enabled atomic.Bool
	stopped atomic.Bool
	sender  TrackSender
}

func newLocalTrack(t MediaTrack) *LocalTrack {
	lt := &LocalTrack{track: t}
	lt.enabled.Store(true)
	return lt
}

func (t *LocalTrack) ID() string                { return t.track.ID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *LocalTrack) Enabled() bool             { return t.enabled.Load() }
func (t *LocalTrack) Stopped() bool             { return t.stopped.Load() }

func (t *LocalTrack) stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	return t.track.Close()
}

// LocalStream is a set of tracks acquired together.
type LocalStream struct {
	tracks []*LocalTrack
}

func newLocalStream(tracks []MediaTrack) *LocalStream {
	s := &LocalStream{tracks: make([]*LocalTrack, 0, len(tracks))}
	for _, t := range tracks {
		s.tracks = append(s.tracks, newLocalTrack(t))
	}
	return s
}

func (s *LocalStream) Tracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

func (s *LocalStream) AudioTracks() []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) stop() error {
	var errs []error
	for _, t := range s.tracks {
		if err := t.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// releaseTracks closes tracks that were acquired but never adopted.
func releaseTracks(tracks []MediaTrack) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

// MediaController owns the call stream and the screen stream. Apart from
// MicEnabled it is driven only from the client event loop.
type MediaController struct {
	logger shared.LoggerAdapter
	source MediaSource

	call     *LocalStream
	screen   *LocalStream
	shareGen uint64

	micEnabled atomic.Bool
}

func NewMediaController(logger shared.LoggerAdapter, source MediaSource) (*MediaController, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if source == nil {
		return nil, shared.ErrNoMediaSource
	}
	m := &MediaController{
		logger: logger.With(zap.String("component", "media")),
		source: source,
	}
	m.micEnabled.Store(true)
	return m, nil
}

// Ready reports whether call media has been acquired.
func (m *MediaController) Ready() bool {
	return m.call != nil
}

func (m *MediaController) CallStream() *LocalStream {
	return m.call
}

func (m *MediaController) Sharing() bool {
	return m.screen != nil
}

func (m *MediaController) MicEnabled() bool {
	return m.micEnabled.Load()
}

// adoptCall takes ownership of freshly acquired call tracks and applies the
// current mute state to them.
func (m *MediaController) adoptCall(tracks []MediaTrack) *LocalStream {
	if m.call != nil {
		releaseTracks(tracks)
		return m.call
	}
	m.call = newLocalStream(tracks)
	enabled := m.micEnabled.Load()
	for _, t := range m.call.AudioTracks() {
		t.enabled.Store(enabled)
	}
	m.logger.Info("call media acquired", zap.Int("tracks", len(tracks)))
	return m.call
}

// SetMicEnabled gates transmission of every call audio track. Capture keeps
// running. It reports whether the state changed.
func (m *MediaController) SetMicEnabled(enabled bool) (bool, error) {
	changed := m.micEnabled.Swap(enabled) != enabled
	if m.call == nil {
		return changed, nil
	}
	var errs []error
	for _, t := range m.call.AudioTracks() {
		if t.enabled.Swap(enabled) == enabled {
			continue
		}
		if t.sender != nil {
			if err := t.sender.SetActive(enabled); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return changed, shared.NewError(shared.KindTransport, "set_mic_enabled", errors.Join(errs...))
	}
	return changed, nil
}

// attachScreen adopts display tracks and returns the share generation they
// belong to. An older generation's end callback must not stop a newer share.
func (m *MediaController) attachScreen(tracks []MediaTrack) (*LocalStream, uint64) {
	m.shareGen++
	m.screen = newLocalStream(tracks)
	return m.screen, m.shareGen
}

func (m *MediaController) shareGeneration() uint64 {
	return m.shareGen
}

// addToLink adds every owned track that is not yet carried by a sender.
func (m *MediaController) addToLink(link *PeerLink) (int, error) {
	added := 0
	var errs []error
	for _, s := range []*LocalStream{m.call, m.screen} {
		if s == nil {
			continue
		}
		for _, t := range s.tracks {
			if t.sender != nil || t.Stopped() {
				continue
			}
			sender, err := link.conn.AddTrack(t.track)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			t.sender = sender
			added++
			if !t.Enabled() {
				if err := sender.SetActive(false); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return added, errors.Join(errs...)
}

// stopScreen removes the screen senders from link (when non-nil) and stops
// the display tracks. It reports whether anything was being shared.
func (m *MediaController) stopScreen(link *PeerLink) (bool, error) {
	if m.screen == nil {
		return false, nil
	}
	screen := m.screen
	m.screen = nil
	m.shareGen++
	var errs []error
	for _, t := range screen.tracks {
		if link != nil && t.sender != nil {
			if err := link.conn.RemoveTrack(t.sender); err != nil {
				errs = append(errs, err)
			}
		}
		t.sender = nil
	}
	if err := screen.stop(); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

// detachLink forgets senders after the link they belonged to was closed.
func (m *MediaController) detachLink() {
	for _, s := range []*LocalStream{m.call, m.screen} {
		if s == nil {
			continue
		}
		for _, t := range s.tracks {
			t.sender = nil
		}
	}
}

// audioTap returns the first call audio track whose PCM can be observed.
func (m *MediaController) audioTap() AudioTapper {
	if m.call == nil {
		return nil
	}
	for _, t := range m.call.AudioTracks() {
		if tap, ok := t.track.(AudioTapper); ok {
			return tap
		}
	}
	return nil
}

// Teardown stops every owned track. It is a no-op when nothing is active.
func (m *MediaController) Teardown() error {
	var errs []error
	if _, err := m.stopScreen(nil); err != nil {
		errs = append(errs, err)
	}
	if m.call != nil {
		if err := m.call.stop(); err != nil {
			errs = append(errs, err)
		}
		m.call = nil
	}
	m.micEnabled.Store(true)
	return errors.Join(errs...)
}
