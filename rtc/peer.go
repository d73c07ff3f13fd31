package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/lingocall"
	"github.com/bt-bridge/lingocall/shared"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

type FactoryOptions struct {
	ICEServers []webrtc.ICEServer
	// Codecs fills the media engine. Defaults to pion's default codec set.
	Codecs func(m *webrtc.MediaEngine) error
	// ICE timeouts, see webrtc.SettingEngine.SetICETimeouts.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// OnRemoteTrack takes ownership of inbound RTP. When nil, inbound
	// packets are read and discarded.
	OnRemoteTrack func(track *webrtc.TrackRemote)
}

// Factory builds pion peer connections sharing one API instance.
type Factory struct {
	logger shared.LoggerAdapter
	api    *webrtc.API
	config webrtc.Configuration
	remote func(track *webrtc.TrackRemote)
}

var _ lingocall.PeerFactory = (*Factory)(nil)

func NewFactory(logger shared.LoggerAdapter, opts FactoryOptions) (*Factory, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	mediaEngine := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		if err := opts.Codecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("registering codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering default codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 || opts.FailedTimeout > 0 {
		disconnected := opts.DisconnectedTimeout
		if disconnected <= 0 {
			disconnected = 5 * time.Second
		}
		failed := opts.FailedTimeout
		if failed <= 0 {
			failed = 25 * time.Second
		}
		keepAlive := opts.KeepAliveInterval
		if keepAlive <= 0 {
			keepAlive = 2 * time.Second
		}
		se.SetICETimeouts(disconnected, failed, keepAlive)
	}

	servers := opts.ICEServers
	if servers == nil {
		servers = DefaultICEServers
	}
	return &Factory{
		logger: logger.With(zap.String("component", "rtc")),
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: servers},
		remote: opts.OnRemoteTrack,
	}, nil
}

func (f *Factory) NewPeer() (lingocall.PeerConn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	p := &peerConn{logger: f.logger, pc: pc, remote: f.remote}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("connection state", zap.String("state", s.String()))
	})
	return p, nil
}

// peerConn adapts *webrtc.PeerConnection to the negotiation core.
type peerConn struct {
	logger shared.LoggerAdapter
	pc     *webrtc.PeerConnection
	remote func(track *webrtc.TrackRemote)

	mu        sync.Mutex
	lastOffer string
}

func (p *peerConn) AddTrack(track lingocall.MediaTrack) (lingocall.TrackSender, error) {
	local, ok := track.(webrtc.TrackLocal)
	if !ok {
		return nil, fmt.Errorf("track %s (%T) cannot be sent", track.ID(), track)
	}
	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("adding track %s: %w", track.ID(), err)
	}
	go drainRTCP(sender)
	return &trackSender{sender: sender, track: local}, nil
}

func (p *peerConn) RemoveTrack(s lingocall.TrackSender) error {
	ts, ok := s.(*trackSender)
	if !ok {
		return fmt.Errorf("foreign sender %T", s)
	}
	return p.pc.RemoveTrack(ts.sender)
}

// CreateOffer adds receive-only transceivers when nothing is being sent so
// the offer still carries audio and video m-lines.
func (p *peerConn) CreateOffer() (webrtc.SessionDescription, error) {
	if len(p.pc.GetTransceivers()) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return webrtc.SessionDescription{}, fmt.Errorf("adding %s transceiver: %w", kind, err)
			}
		}
	}
	return p.pc.CreateOffer(nil)
}

func (p *peerConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peerConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return err
	}
	if desc.Type == webrtc.SDPTypeOffer {
		p.mu.Lock()
		p.lastOffer = desc.SDP
		p.mu.Unlock()
	}
	return nil
}

func (p *peerConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConn) Rollback() error {
	p.mu.Lock()
	sdp := p.lastOffer
	p.mu.Unlock()
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: sdp})
}

func (p *peerConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *peerConn) OnICECandidate(fn func(c webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *peerConn) OnTrack(fn func(t lingocall.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info("remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		fn(track)
		if p.remote != nil {
			p.remote(track)
			return
		}
		go drainRemote(track)
	})
}

func (p *peerConn) Close() error {
	return p.pc.Close()
}

// trackSender detaches the track from its sender while muted; capture keeps
// running and no media is sent.
type trackSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal

	mu sync.Mutex
}

func (s *trackSender) SetActive(active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (s.sender.Track() != nil) == active {
		return nil
	}
	var next webrtc.TrackLocal
	if active {
		next = s.track
	}
	if err := s.sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("replacing track: %w", err)
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
