package lingocall

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Signaler is the relay used to reach the other participant. Payloads are the
// Json() form of an EventParam; subscribers receive the raw JSON payload.
type Signaler interface {
	Send(event string, payload map[string]any) error
	Subscribe(event string, handler func(data []byte)) (cancel func())
}

// PeerConn is the slice of a WebRTC peer connection the negotiation core drives.
type PeerConn interface {
	AddTrack(track MediaTrack) (TrackSender, error)
	RemoveTrack(sender TrackSender) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards an outstanding local offer.
	Rollback() error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(c webrtc.ICECandidateInit))
	OnTrack(fn func(t RemoteTrack))
	Close() error
}

// TrackSender gates transmission of one local track without stopping it.
type TrackSender interface {
	SetActive(active bool) error
}

type PeerFactory interface {
	NewPeer() (PeerConn, error)
}

type PeerFactoryFunc func() (PeerConn, error)

func (f PeerFactoryFunc) NewPeer() (PeerConn, error) { return f() }

// MediaTrack is a local capture track. *webrtc.TrackRemote style kinds are used
// so adapters can pass pion/mediadevices tracks straight through.
type MediaTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	OnEnded(fn func(err error))
	Close() error
}

// MediaSource acquires capture tracks. Both calls may block on a permission prompt.
type MediaSource interface {
	UserMedia(ctx context.Context) ([]MediaTrack, error)
	DisplayMedia(ctx context.Context) ([]MediaTrack, error)
}

// AudioTapper is implemented by local audio tracks whose PCM can be observed.
// TapAudio blocks until ctx is done or the track ends.
type AudioTapper interface {
	TapAudio(ctx context.Context, sink func(samples []float32)) error
}

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}
