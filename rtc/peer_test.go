package rtc

import (
	"testing"

	"github.com/bt-bridge/lingocall"
	"github.com/bt-bridge/lingocall/shared"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleTrack is a sendable track without a capture device behind it.
type sampleTrack struct {
	*webrtc.TrackLocalStaticSample
}

func (sampleTrack) OnEnded(func(error)) {}
func (sampleTrack) Close() error        { return nil }

func newSampleTrack(t *testing.T, id string) sampleTrack {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "stream-"+id)
	require.NoError(t, err)
	return sampleTrack{track}
}

type deviceOnlyTrack struct{}

func (deviceOnlyTrack) ID() string                { return "nosend" }
func (deviceOnlyTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (deviceOnlyTrack) OnEnded(func(error))       {}
func (deviceOnlyTrack) Close() error              { return nil }

func newTestPeer(t *testing.T) *peerConn {
	t.Helper()
	f, err := NewFactory(shared.NewNopLogger(), FactoryOptions{ICEServers: []webrtc.ICEServer{}})
	require.NoError(t, err)
	p, err := f.NewPeer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p.(*peerConn)
}

func TestNewFactoryRequiresLogger(t *testing.T) {
	_, err := NewFactory(nil, FactoryOptions{})
	assert.ErrorIs(t, err, shared.ErrNoLogger)
}

func TestOfferAnswer(t *testing.T) {
	offerer := newTestPeer(t)
	answerer := newTestPeer(t)

	sender, err := offerer.AddTrack(newSampleTrack(t, "mic"))
	require.NoError(t, err)
	require.NotNil(t, sender)

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	require.NoError(t, offerer.SetLocalDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, offerer.pc.SignalingState())

	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, answerer.SetLocalDescription(answer))
	require.NoError(t, offerer.SetRemoteDescription(answer))

	assert.Equal(t, webrtc.SignalingStateStable, offerer.pc.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, answerer.pc.SignalingState())
}

func TestOfferWithoutTracksIsReceiveOnly(t *testing.T) {
	p := newTestPeer(t)
	offer, err := p.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "a=recvonly")
	require.Len(t, p.pc.GetTransceivers(), 2)

	// a second offer reuses the transceivers
	_, err = p.CreateOffer()
	require.NoError(t, err)
	assert.Len(t, p.pc.GetTransceivers(), 2)
}

func TestRollback(t *testing.T) {
	p := newTestPeer(t)
	offer, err := p.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, p.SetLocalDescription(offer))
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, p.pc.SignalingState())

	require.NoError(t, p.Rollback())
	assert.Equal(t, webrtc.SignalingStateStable, p.pc.SignalingState())
}

func TestSenderSetActive(t *testing.T) {
	p := newTestPeer(t)
	track := newSampleTrack(t, "mic")
	s, err := p.AddTrack(track)
	require.NoError(t, err)
	ts := s.(*trackSender)

	require.NoError(t, s.SetActive(false))
	assert.Nil(t, ts.sender.Track())
	require.NoError(t, s.SetActive(false))

	require.NoError(t, s.SetActive(true))
	assert.Equal(t, track.ID(), ts.sender.Track().ID())

	require.NoError(t, p.RemoveTrack(s))
}

func TestAddTrackRejectsUnsendable(t *testing.T) {
	p := newTestPeer(t)
	var track lingocall.MediaTrack = deviceOnlyTrack{}
	_, err := p.AddTrack(track)
	assert.ErrorContains(t, err, "cannot be sent")
}

func TestOnICECandidateSkipsEndOfGathering(t *testing.T) {
	p := newTestPeer(t)
	got := make(chan webrtc.ICECandidateInit, 16)
	p.OnICECandidate(func(c webrtc.ICECandidateInit) { got <- c })
	done := webrtc.GatheringCompletePromise(p.pc)

	offer, err := p.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, p.SetLocalDescription(offer))
	<-done

	for {
		select {
		case c := <-got:
			assert.NotEmpty(t, c.Candidate)
		default:
			return
		}
	}
}
