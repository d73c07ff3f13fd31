package lingocall

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/lingocall/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type sentEvent struct {
	Event   string
	Payload map[string]any
}

type fakeSignaler struct {
	mu     sync.Mutex
	sent   []sentEvent
	subs   map[string]map[int]func([]byte)
	nextID int
	failOn map[string]error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		subs:   map[string]map[int]func([]byte){},
		failOn: map[string]error{},
	}
}

func (s *fakeSignaler) Send(event string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[event]; err != nil {
		return err
	}
	s.sent = append(s.sent, sentEvent{Event: event, Payload: payload})
	return nil
}

func (s *fakeSignaler) Subscribe(event string, handler func([]byte)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[event] == nil {
		s.subs[event] = map[int]func([]byte){}
	}
	id := s.nextID
	s.nextID++
	s.subs[event][id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[event], id)
	}
}

func (s *fakeSignaler) failSend(event EventName, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[string(event)] = err
}

// deliver encodes p the way a relay would and hands it to every subscriber.
func (s *fakeSignaler) deliver(t *testing.T, name EventName, p EventParam) {
	t.Helper()
	data, err := sonic.Marshal(p.Json())
	require.NoError(t, err)
	s.mu.Lock()
	var handlers []func([]byte)
	for _, h := range s.subs[string(name)] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (s *fakeSignaler) sentOf(event EventName) []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentEvent
	for _, e := range s.sent {
		if e.Event == string(event) {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSignaler) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.subs {
		n += len(m)
	}
	return n
}

type fakeSender struct {
	mu      sync.Mutex
	track   MediaTrack
	active  bool
	removed bool
}

func (s *fakeSender) SetActive(active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
	return nil
}

func (s *fakeSender) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) StreamID() string          { return "remote-stream" }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

type fakePeer struct {
	mu         sync.Mutex
	ops        []string
	senders    []*fakeSender
	closed     bool
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(RemoteTrack)
	offerGate  chan struct{}
	offerCalls int
	seq        int
}

func (p *fakePeer) record(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
}

func (p *fakePeer) AddTrack(track MediaTrack) (TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: track, active: true}
	p.senders = append(p.senders, s)
	p.ops = append(p.ops, "add_track:"+track.ID())
	return s, nil
}

func (p *fakePeer) RemoveTrack(sender TrackSender) error {
	s := sender.(*fakeSender)
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
	p.record("remove_track:" + s.track.ID())
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.offerCalls++
	p.seq++
	n, gate := p.seq, p.offerGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	p.record("create_offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("local-offer-%d", n)}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.seq++
	n := p.seq
	p.mu.Unlock()
	p.record("create_answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("local-answer-%d", n)}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.record("set_local:" + d.Type.String())
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.record("set_remote:" + d.Type.String() + ":" + d.SDP)
	return nil
}

func (p *fakePeer) Rollback() error {
	p.record("rollback")
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("candidate:" + c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.ops = append(p.ops, "close")
	return nil
}

func (p *fakePeer) emitTrack(t RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePeer) emitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) opsSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePeer) index(op string) int {
	for i, o := range p.opsSnapshot() {
		if o == op {
			return i
		}
	}
	return -1
}

func (p *fakePeer) has(op string) bool {
	return p.index(op) >= 0
}

func (p *fakePeer) count(prefix string) int {
	n := 0
	for _, o := range p.opsSnapshot() {
		if strings.HasPrefix(o, prefix) {
			n++
		}
	}
	return n
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) offerCreations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offerCalls
}

func (p *fakePeer) senderFor(trackID string) *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.senders {
		if s.track.ID() == trackID {
			return s
		}
	}
	return nil
}

type fakeFactory struct {
	mu        sync.Mutex
	peers     []*fakePeer
	offerGate chan struct{}
}

func (f *fakeFactory) NewPeer() (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{offerGate: f.offerGate}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) all() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers...)
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	mu     sync.Mutex
	ended  func(error)
	closed atomic.Bool
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = fn
}

func (t *fakeTrack) Close() error {
	t.closed.Store(true)
	return nil
}

// end simulates the OS stopping the capture.
func (t *fakeTrack) end(err error) {
	t.mu.Lock()
	fn := t.ended
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type fakeSource struct {
	mu           sync.Mutex
	gate         chan struct{}
	releaseOnce  sync.Once
	userErr      error
	displayErr   error
	userCalls    atomic.Int32
	displayCalls atomic.Int32
	issued       []*fakeTrack
}

func (s *fakeSource) hold() {
	s.gate = make(chan struct{})
}

func (s *fakeSource) release() {
	if s.gate == nil {
		return
	}
	s.releaseOnce.Do(func() { close(s.gate) })
}

func (s *fakeSource) UserMedia(ctx context.Context) ([]MediaTrack, error) {
	n := s.userCalls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.userErr != nil {
		return nil, s.userErr
	}
	mic := &fakeTrack{id: fmt.Sprintf("mic-%d", n), kind: webrtc.RTPCodecTypeAudio}
	cam := &fakeTrack{id: fmt.Sprintf("cam-%d", n), kind: webrtc.RTPCodecTypeVideo}
	s.mu.Lock()
	s.issued = append(s.issued, mic, cam)
	s.mu.Unlock()
	return []MediaTrack{mic, cam}, nil
}

func (s *fakeSource) DisplayMedia(context.Context) ([]MediaTrack, error) {
	n := s.displayCalls.Add(1)
	if s.displayErr != nil {
		return nil, s.displayErr
	}
	screen := &fakeTrack{id: fmt.Sprintf("screen-%d", n), kind: webrtc.RTPCodecTypeVideo}
	s.mu.Lock()
	s.issued = append(s.issued, screen)
	s.mu.Unlock()
	return []MediaTrack{screen}, nil
}

func (s *fakeSource) track(id string) *fakeTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.issued {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (s *fakeSource) allClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.issued {
		if !t.closed.Load() {
			return false
		}
	}
	return true
}

type overlayEvent struct {
	overlay Overlay
	visible bool
}

type hookRecorder struct {
	mu           sync.Mutex
	states       []CallState
	statuses     []string
	errs         []error
	captions     []Caption
	overlays     []overlayEvent
	remote       []RemoteTrack
	participants [][]string
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		OnStateChange: func(_, next CallState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, next)
		},
		OnStatus: func(msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, msg)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnParticipants: func(_ string, participants []string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.participants = append(r.participants, participants)
		},
		OnCaption: func(c Caption) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.captions = append(r.captions, c)
		},
		OnOverlay: func(o Overlay, visible bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.overlays = append(r.overlays, overlayEvent{overlay: o, visible: visible})
		},
		OnRemoteTrack: func(t RemoteTrack) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.remote = append(r.remote, t)
		},
	}
}

func (r *hookRecorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *hookRecorder) stateLog() []CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallState(nil), r.states...)
}

func (r *hookRecorder) statusCount(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.statuses {
		if s == msg {
			n++
		}
	}
	return n
}

func (r *hookRecorder) overlayLog() []overlayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]overlayEvent(nil), r.overlays...)
}

func (r *hookRecorder) captionLog() []Caption {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Caption(nil), r.captions...)
}

func (r *hookRecorder) lastParticipants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.participants) == 0 {
		return nil
	}
	return r.participants[len(r.participants)-1]
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	client *Client
	sig    *fakeSignaler
	peers  *fakeFactory
	source *fakeSource
	rec    *hookRecorder
}

const (
	testRoom = "room_t"
	peerID   = "user_peer"
)

func newHarness(t *testing.T, opts ...func(*harness, *Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		sig:    newFakeSignaler(),
		peers:  &fakeFactory{},
		source: &fakeSource{},
		rec:    &hookRecorder{},
	}
	cfg := Config{
		Logger:   shared.NewNopLogger(),
		Signaler: h.sig,
		Peers:    h.peers,
		Media:    h.source,
		Hooks:    h.rec.hooks(),
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}
	c, err := NewClient(h.ctx, cfg)
	require.NoError(t, err)
	h.client = c
	t.Cleanup(func() {
		h.source.release()
		if h.peers.offerGate != nil {
			select {
			case <-h.peers.offerGate:
			default:
				close(h.peers.offerGate)
			}
		}
		_ = c.Close()
	})
	return h
}

func withUserID(id string) func(*harness, *Config) {
	return func(_ *harness, cfg *Config) { cfg.UserID = id }
}

func withHeldMedia() func(*harness, *Config) {
	return func(h *harness, _ *Config) { h.source.hold() }
}

func withHeldOffers() func(*harness, *Config) {
	return func(h *harness, _ *Config) { h.peers.offerGate = make(chan struct{}) }
}

func (h *harness) snap() Snapshot {
	h.t.Helper()
	s, err := h.client.Snapshot(h.ctx)
	require.NoError(h.t, err)
	return s
}

func (h *harness) waitState(want CallState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.client.State() == want }, waitFor, tick,
		"state %s, want %s", h.client.State(), want)
}

func (h *harness) waitSent(event EventName, n int) []sentEvent {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.sig.sentOf(event)) >= n }, waitFor, tick,
		"%s sent %d times, want %d", event, len(h.sig.sentOf(event)), n)
	return h.sig.sentOf(event)
}

func (h *harness) create() {
	h.t.Helper()
	id, err := h.client.CreateRoom(h.ctx, testRoom)
	require.NoError(h.t, err)
	require.Equal(h.t, testRoom, id)
}

func (h *harness) join() {
	h.t.Helper()
	require.NoError(h.t, h.client.JoinRoom(h.ctx, testRoom))
}

func (h *harness) deliverOffer(sdp string, host bool) {
	h.sig.deliver(h.t, EventOffer, &OfferParam{
		Offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp},
		RoomID: testRoom,
		UserID: peerID,
		Host:   host,
	})
}

func (h *harness) deliverAnswer(sdp string) {
	h.sig.deliver(h.t, EventAnswer, &AnswerParam{
		Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp},
		RoomID: testRoom,
		UserID: peerID,
	})
}

func (h *harness) deliverCandidate(cand string) {
	h.sig.deliver(h.t, EventICECandidate, &CandidateParam{
		Candidate: webrtc.ICECandidateInit{Candidate: cand},
		RoomID:    testRoom,
		UserID:    peerID,
	})
}

// connectAsOfferer creates the room, starts a call and answers it.
func (h *harness) connectAsOfferer() *fakePeer {
	h.t.Helper()
	h.create()
	require.NoError(h.t, h.client.StartCall(h.ctx))
	h.waitSent(EventOffer, 1)
	h.deliverAnswer("remote-answer")
	h.waitState(StateConnected)
	return h.peers.last()
}
