package lingocall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/lingocall/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type CallState int32

const (
	StateIdle CallState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("CallState(%d)", int32(s))
	}
}

func (s CallState) Negotiating() bool {
	return s == StateOffering || s == StateAnswering
}

// Hooks report to the host UI. They run on the client event loop and must
// not call back into blocking Client methods.
type Hooks struct {
	OnStateChange  func(prev, next CallState)
	OnStatus       func(msg string)
	OnError        func(err error)
	OnParticipants func(roomID string, participants []string)
	OnCaption      func(c Caption)
	OnOverlay      func(o Overlay, visible bool)
	OnRemoteTrack  func(t RemoteTrack)
}

type Config struct {
	Logger   shared.LoggerAdapter
	Signaler Signaler
	Peers    PeerFactory
	Media    MediaSource
	// Forwarder receives caption audio. Defaults to audio_blob over Signaler.
	Forwarder      AudioForwarder
	Captions       CaptionConfig
	CaptionOptions []CaptionOption
	// UserID is generated when empty.
	UserID string
	Hooks  Hooks
}

// Snapshot is a consistent view of the client taken on the event loop.
type Snapshot struct {
	State            CallState
	UserID           string
	RoomID           string
	Host             bool
	Participants     []string
	InCall           bool
	HasLink          bool
	RemoteTracks     int
	QueuedCandidates int
	MicEnabled       bool
	Sharing          bool
	Generation       uint64
}

var subscribedEvents = []EventName{
	EventOffer,
	EventAnswer,
	EventICECandidate,
	EventTranslationResult,
	EventTranslationError,
	EventOCRResult,
	EventOCRError,
	EventUserJoined,
	EventUserLeft,
	EventRoomCreated,
	EventRoomUpdate,
	EventRoomError,
	EventConnect,
	EventDisconnect,
	EventReconnectFailed,
}

// Client is one participant's call session. Every state change happens on a
// single event loop goroutine; commands, inbound signaling, media callbacks
// and async completions are all queued to it in arrival order.
type Client struct {
	logger   shared.LoggerAdapter
	sig      Signaler
	peers    PeerFactory
	registry *Registry
	media    *MediaController
	captions *CaptionRelay
	hooks    Hooks

	qmu         sync.Mutex
	queue       []func()
	closed      bool
	wake        chan struct{}
	done        chan struct{}
	unsubscribe []func()

	state atomic.Int32

	// owned by the event loop
	gen                uint64
	inCall             bool
	link               *PeerLink
	wantOffer          bool
	pendingOffer       *OfferParam
	pendingAnswer      *AnswerParam
	needsRenegotiation bool
	busy               bool
	mediaPending       bool
	candidates         candidateQueue

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Signaler == nil {
		return nil, shared.ErrNoSignaler
	}
	if cfg.Peers == nil {
		return nil, shared.ErrNoPeerFactory
	}
	registry, err := NewRegistry(cfg.Logger, cfg.Signaler, cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("creating registry: %w", err)
	}
	media, err := NewMediaController(cfg.Logger, cfg.Media)
	if err != nil {
		return nil, fmt.Errorf("creating media controller: %w", err)
	}
	fwd := cfg.Forwarder
	if fwd == nil {
		fwd = NewSignalingForwarder(cfg.Signaler)
	}
	captions, err := NewCaptionRelay(cfg.Logger, fwd, cfg.Captions, cfg.CaptionOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating caption relay: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	c := &Client{
		logger:   cfg.Logger.With(zap.String("component", "client"), zap.String("user_id", registry.UserID())),
		sig:      cfg.Signaler,
		peers:    cfg.Peers,
		registry: registry,
		media:    media,
		captions: captions,
		hooks:    cfg.Hooks,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, name := range subscribedEvents {
		c.unsubscribe = append(c.unsubscribe, c.sig.Subscribe(string(name), c.inbound(name)))
	}
	go c.run()
	return c, nil
}

func (c *Client) inbound(name EventName) func(data []byte) {
	return func(data []byte) {
		param, err := DecodeParam(name, data)
		if err != nil {
			c.logger.Warn("dropping malformed event", zap.Error(shared.NewError(shared.KindProtocol, string(name), err)))
			return
		}
		c.post(func() { c.handleEvent(name, param) })
	}
}

// Close ends any call, unsubscribes from signaling and stops the event loop.
func (c *Client) Close() error {
	c.markClosed()
	c.cancel(shared.ErrClientClosed)
	<-c.done
	c.captions.Close()
	return nil
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) UserID() string {
	return c.registry.UserID()
}

func (c *Client) RoomID() string {
	return c.registry.RoomID()
}

func (c *Client) State() CallState {
	return CallState(c.state.Load())
}

func (c *Client) Transcript() []Caption {
	return c.captions.Transcript()
}

func (c *Client) Overlay() (Overlay, bool) {
	return c.captions.CurrentOverlay()
}

// SetLanguages changes the caption languages used for subsequent chunks.
func (c *Client) SetLanguages(source, target string) {
	c.captions.SetLanguages(source, target)
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, func() error {
		s = Snapshot{
			State:            c.State(),
			UserID:           c.registry.UserID(),
			RoomID:           c.registry.RoomID(),
			Host:             c.registry.IsHost(),
			Participants:     c.registry.Participants(),
			InCall:           c.inCall,
			HasLink:          c.link != nil,
			QueuedCandidates: c.candidates.len(),
			MicEnabled:       c.media.MicEnabled(),
			Sharing:          c.media.Sharing(),
			Generation:       c.gen,
		}
		if c.link != nil {
			s.RemoteTracks = len(c.link.remote)
		}
		return nil
	})
	return s, err
}

func (c *Client) CreateRoom(ctx context.Context, desiredID string) (string, error) {
	var roomID string
	err := c.do(ctx, func() error {
		c.exitRoom("")
		id, err := c.registry.CreateRoom(desiredID)
		if err != nil {
			c.reportError(err)
			return err
		}
		roomID = id
		c.status("Room created: " + id)
		c.participantsChanged()
		return nil
	})
	return roomID, err
}

func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return shared.ErrEmptyRoomID
	}
	return c.do(ctx, func() error {
		c.exitRoom("")
		if err := c.registry.JoinRoom(roomID); err != nil {
			c.reportError(err)
			return err
		}
		c.status("Joined room: " + c.registry.RoomID())
		c.participantsChanged()
		return nil
	})
}

func (c *Client) LeaveRoom(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.exitRoom("Left room") {
			return shared.ErrNotInRoom
		}
		return nil
	})
}

// StartCall begins offering to the room. Media acquisition and negotiation
// continue asynchronously; failures surface through Hooks.OnError and the
// state returning to idle. A call already in progress is torn down first.
func (c *Client) StartCall(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.registry.RoomID() == "" {
			return shared.ErrNotInRoom
		}
		if c.inCall || c.link != nil {
			c.teardown("Restarting call")
		}
		c.inCall = true
		c.wantOffer = true
		c.setState(StateOffering)
		c.status("Starting call...")
		c.advance()
		return nil
	})
}

// EndCall tears the call down from any state. The room membership stays.
func (c *Client) EndCall(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.teardown("Call ended")
		return nil
	})
}

func (c *Client) SetMicEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error {
		return c.setMic(enabled)
	})
}

// ToggleMic flips the mute state and returns the new enabled flag.
func (c *Client) ToggleMic(ctx context.Context) (bool, error) {
	var enabled bool
	err := c.do(ctx, func() error {
		enabled = !c.media.MicEnabled()
		return c.setMic(enabled)
	})
	return enabled, err
}

func (c *Client) setMic(enabled bool) error {
	changed, err := c.media.SetMicEnabled(enabled)
	if err != nil {
		c.logger.Warn("gating microphone", zap.Error(err))
	}
	if changed {
		if enabled {
			c.status("Microphone unmuted")
		} else {
			c.status("Microphone muted")
		}
	}
	return err
}

// ShareScreen acquires a display capture on the calling goroutine and
// attaches it to the session. When a link exists the remote side is offered
// the new tracks.
func (c *Client) ShareScreen(ctx context.Context) error {
	tracks, err := c.media.source.DisplayMedia(ctx)
	if err != nil {
		err = shared.NewError(shared.KindPermission, "display_media", err)
		c.post(func() {
			c.reportError(err)
			c.status("Screen sharing failed")
		})
		return err
	}
	return c.doOrElse(ctx, func() error {
		c.adoptScreen(tracks)
		return nil
	}, func() { releaseTracks(tracks) })
}

func (c *Client) StopScreenShare(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.stopScreenShare("Screen sharing stopped") {
			return shared.ErrNotSharing
		}
		return nil
	})
}

// SubmitScreenFrame sends an encoded frame of the shared screen for OCR and
// translation. The result arrives as an overlay.
func (c *Client) SubmitScreenFrame(ctx context.Context, mimeType string, image []byte) error {
	return c.do(ctx, func() error {
		if !c.media.Sharing() {
			return shared.ErrNotSharing
		}
		roomID := c.registry.RoomID()
		if roomID == "" {
			return shared.ErrNotInRoom
		}
		return c.send(EventProcessOCR, c.captions.ocrRequest(roomID, mimeType, image))
	})
}

// ReceiveTranslation injects a translation produced outside signaling, such
// as by a direct translation backend.
func (c *Client) ReceiveTranslation(p *TranslationResultParam) {
	c.post(func() { c.onTranslation(p) })
}

// --- event loop ---

func (c *Client) run() {
	defer close(c.done)
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			closed := c.closed
			c.qmu.Unlock()
			if closed {
				return
			}
			select {
			case <-c.wake:
			case <-c.ctx.Done():
				c.markClosed()
			}
			continue
		}
		fn := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.qmu.Unlock()
		fn()
	}
}

// post queues fn on the event loop. It reports false once the client is closing.
func (c *Client) post(fn func()) bool {
	c.qmu.Lock()
	if c.closed {
		c.qmu.Unlock()
		return false
	}
	c.queue = append(c.queue, fn)
	c.qmu.Unlock()
	c.signal()
	return true
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) markClosed() {
	c.qmu.Lock()
	if c.closed {
		c.qmu.Unlock()
		return
	}
	c.queue = append(c.queue, c.shutdown)
	c.closed = true
	c.qmu.Unlock()
	c.signal()
}

func (c *Client) shutdown() {
	for _, cancel := range c.unsubscribe {
		cancel()
	}
	c.unsubscribe = nil
	c.teardown("")
}

func (c *Client) do(ctx context.Context, fn func() error) error {
	return c.doOrElse(ctx, fn, nil)
}

// doOrElse runs fn on the event loop and waits for its result. notQueued runs
// instead when the client is already closing.
func (c *Client) doOrElse(ctx context.Context, fn func() error, notQueued func()) error {
	reply := make(chan error, 1)
	if !c.post(func() { reply <- fn() }) {
		if notQueued != nil {
			notQueued()
		}
		return shared.ErrClientClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return shared.ErrClientClosed
		}
	}
}

// --- negotiation ---

// advance starts the next async step when nothing is in flight.
func (c *Client) advance() {
	if !c.inCall || c.busy || c.mediaPending {
		return
	}
	if !c.ensureLocalMediaReady() {
		return
	}
	if p := c.pendingAnswer; p != nil {
		c.pendingAnswer = nil
		if c.link.localOffer {
			c.applyAnswer(p)
			return
		}
		c.logger.Warn("ignoring answer", zap.Error(shared.NewError(shared.KindProtocol, "answer", shared.ErrNoOutstandingOffer)))
	}
	if p := c.pendingOffer; p != nil {
		c.pendingOffer = nil
		c.applyOffer(p)
		return
	}
	if c.wantOffer {
		c.wantOffer = false
		c.createOffer()
		return
	}
	if c.needsRenegotiation && c.State() == StateConnected && !c.link.offerOutstanding() {
		c.needsRenegotiation = false
		c.logger.Info("renegotiating")
		c.createOffer()
	}
}

// ensureLocalMediaReady makes sure call media and a peer link carrying it
// exist before an offer or an answer is produced. It returns false while
// media is still being acquired, in which case advance runs again once it
// arrives, or after the call failed.
func (c *Client) ensureLocalMediaReady() bool {
	if !c.media.Ready() {
		c.acquireMedia()
		return false
	}
	if c.link == nil {
		if err := c.openLink(); err != nil {
			c.fail(err)
			return false
		}
	}
	return true
}

func (c *Client) stale(gen uint64, link *PeerLink) bool {
	return gen != c.gen || link != c.link
}

func (c *Client) acquireMedia() {
	c.mediaPending = true
	gen := c.gen
	go func() {
		tracks, err := c.media.source.UserMedia(c.ctx)
		posted := c.post(func() {
			if gen != c.gen {
				releaseTracks(tracks)
				c.logger.Debug("discarding stale media acquisition")
				return
			}
			c.mediaPending = false
			if err != nil {
				c.fail(shared.NewError(shared.KindPermission, "acquire_media", err))
				return
			}
			c.media.adoptCall(tracks)
			c.advance()
		})
		if !posted {
			releaseTracks(tracks)
		}
	}()
}

func (c *Client) openLink() error {
	conn, err := c.peers.NewPeer()
	if err != nil {
		return shared.NewError(shared.KindTransport, "new_peer", err)
	}
	link := newPeerLink(conn)
	gen := c.gen
	conn.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		c.post(func() { c.sendCandidate(gen, link, cand) })
	})
	conn.OnTrack(func(t RemoteTrack) {
		c.post(func() { c.onRemoteTrack(gen, link, t) })
	})
	c.link = link
	if _, err := c.media.addToLink(link); err != nil {
		c.logger.Warn("adding local tracks", zap.Error(err))
	}
	c.captions.Activate(c.ctx, c.registry.RoomID(), c.media.audioTap(), c.media.MicEnabled)
	return nil
}

func (c *Client) createOffer() {
	gen, link := c.gen, c.link
	c.busy = true
	link.makingOffer = true
	go func() {
		offer, err := link.conn.CreateOffer()
		if err == nil {
			err = link.conn.SetLocalDescription(offer)
		}
		c.post(func() {
			if c.stale(gen, link) {
				return
			}
			c.busy = false
			link.makingOffer = false
			if err != nil {
				c.fail(shared.NewError(shared.KindProtocol, "create_offer", err))
				return
			}
			link.localOffer = true
			if c.pendingOffer != nil {
				// A polite yield is already queued; advance rolls this one back.
				c.logger.Info("local offer superseded before sending")
				c.advance()
				return
			}
			p := &OfferParam{
				Offer:  offer,
				RoomID: c.registry.RoomID(),
				UserID: c.registry.UserID(),
				Host:   c.registry.IsHost(),
			}
			if err := c.send(EventOffer, p); err != nil {
				c.fail(err)
				return
			}
			c.logger.Debug("offer sent")
			c.advance()
		})
	}()
}

func (c *Client) applyOffer(p *OfferParam) {
	gen, link := c.gen, c.link
	rollback := link.localOffer
	link.localOffer = false
	c.busy = true
	go func() {
		var err error
		if rollback {
			err = link.conn.Rollback()
		}
		if err == nil {
			err = link.conn.SetRemoteDescription(p.Offer)
		}
		c.post(func() {
			if c.stale(gen, link) {
				return
			}
			c.busy = false
			if err != nil {
				c.fail(shared.NewError(shared.KindProtocol, "apply_offer", err))
				return
			}
			if rollback {
				c.logger.Info("local offer rolled back for remote offer", zap.String("remote", p.UserID))
			}
			link.remoteSet = true
			c.flushCandidates(link)
			c.createAnswer()
		})
	}()
}

func (c *Client) createAnswer() {
	gen, link := c.gen, c.link
	c.busy = true
	go func() {
		answer, err := link.conn.CreateAnswer()
		if err == nil {
			err = link.conn.SetLocalDescription(answer)
		}
		c.post(func() {
			if c.stale(gen, link) {
				return
			}
			c.busy = false
			if err != nil {
				c.fail(shared.NewError(shared.KindProtocol, "create_answer", err))
				return
			}
			p := &AnswerParam{
				Answer: answer,
				RoomID: c.registry.RoomID(),
				UserID: c.registry.UserID(),
			}
			if err := c.send(EventAnswer, p); err != nil {
				c.fail(err)
				return
			}
			c.logger.Debug("answer sent")
			c.advance()
		})
	}()
}

func (c *Client) applyAnswer(p *AnswerParam) {
	gen, link := c.gen, c.link
	link.localOffer = false
	c.busy = true
	go func() {
		err := link.conn.SetRemoteDescription(p.Answer)
		c.post(func() {
			if c.stale(gen, link) {
				return
			}
			c.busy = false
			if err != nil {
				c.fail(shared.NewError(shared.KindProtocol, "apply_answer", err))
				return
			}
			link.remoteSet = true
			c.flushCandidates(link)
			c.connected()
			c.advance()
		})
	}()
}

func (c *Client) connected() {
	if !c.State().Negotiating() {
		return
	}
	c.setState(StateConnected)
	c.status("Call connected")
}

func (c *Client) flushCandidates(link *PeerLink) {
	queued := c.candidates.drain()
	for _, cand := range queued {
		if err := link.conn.AddICECandidate(cand); err != nil {
			c.logger.Warn("adding queued candidate", zap.Error(shared.NewError(shared.KindProtocol, string(EventICECandidate), err)))
		}
	}
	if len(queued) > 0 {
		c.logger.Debug("flushed queued candidates", zap.Int("count", len(queued)))
	}
}

func (c *Client) sendCandidate(gen uint64, link *PeerLink, cand webrtc.ICECandidateInit) {
	if c.stale(gen, link) {
		return
	}
	p := &CandidateParam{
		Candidate: cand,
		RoomID:    c.registry.RoomID(),
		UserID:    c.registry.UserID(),
	}
	if err := c.send(EventICECandidate, p); err != nil {
		c.logger.Warn("sending candidate", zap.Error(err))
	}
}

func (c *Client) onRemoteTrack(gen uint64, link *PeerLink, t RemoteTrack) {
	if c.stale(gen, link) {
		return
	}
	link.remote = append(link.remote, t)
	c.logger.Info("remote track", zap.String("kind", t.Kind().String()), zap.String("id", t.ID()))
	if c.hooks.OnRemoteTrack != nil {
		c.hooks.OnRemoteTrack(t)
	}
	if c.State().Negotiating() {
		c.connected()
		c.advance()
	}
}

func (c *Client) fail(err error) {
	c.logger.Error("call failed", err, zap.String("kind", shared.KindOf(err).String()))
	c.reportError(err)
	c.teardown("Call failed: " + err.Error())
}

// teardown releases everything the call owns and returns to idle. Completions
// started before it are discarded by the generation bump.
func (c *Client) teardown(reason string) {
	c.gen++
	active := c.inCall || c.link != nil || c.media.Ready() || c.State() != StateIdle
	sharing := c.media.Sharing()

	c.inCall = false
	c.wantOffer = false
	c.pendingOffer = nil
	c.pendingAnswer = nil
	c.needsRenegotiation = false
	c.busy = false
	c.mediaPending = false
	c.candidates.clear()
	c.captions.Deactivate()

	if c.link != nil {
		if err := c.link.conn.Close(); err != nil {
			c.logger.Warn("closing peer connection", zap.Error(err))
		}
		c.link = nil
		c.media.detachLink()
	}
	if err := c.media.Teardown(); err != nil {
		c.logger.Warn("stopping local media", zap.Error(err))
	}
	if sharing {
		c.overlayCleared()
	}
	if c.State() != StateIdle {
		c.setState(StateClosed)
		c.setState(StateIdle)
	}
	if active && reason != "" {
		c.status(reason)
	}
}

func (c *Client) adoptScreen(tracks []MediaTrack) {
	if c.media.Sharing() {
		releaseTracks(tracks)
		return
	}
	stream, shareGen := c.media.attachScreen(tracks)
	for _, t := range stream.tracks {
		t.track.OnEnded(func(error) {
			c.post(func() {
				if c.media.shareGeneration() != shareGen {
					return
				}
				c.stopScreenShare("Screen sharing ended")
			})
		})
	}
	c.status("Screen sharing started")
	if c.link == nil {
		return
	}
	added, err := c.media.addToLink(c.link)
	if err != nil {
		c.logger.Warn("adding screen tracks", zap.Error(err))
	}
	if added > 0 {
		c.needsRenegotiation = true
		c.advance()
	}
}

func (c *Client) stopScreenShare(reason string) bool {
	was, err := c.media.stopScreen(c.link)
	if err != nil {
		c.logger.Warn("stopping screen share", zap.Error(err))
	}
	if !was {
		return false
	}
	c.overlayCleared()
	c.status(reason)
	if c.link != nil {
		c.needsRenegotiation = true
		c.advance()
	}
	return true
}

// exitRoom ends any call and forgets the room. It reports whether a room was left.
func (c *Client) exitRoom(reason string) bool {
	c.teardown("Call ended")
	left := c.registry.LeaveRoom()
	if left == "" {
		return false
	}
	if reason != "" {
		c.status(reason)
	}
	c.participantsChanged()
	return true
}

// --- inbound ---

func (c *Client) handleEvent(name EventName, param EventParam) {
	switch name {
	case EventOffer:
		c.onOffer(param.(*OfferParam))
	case EventAnswer:
		c.onAnswer(param.(*AnswerParam))
	case EventICECandidate:
		c.onCandidate(param.(*CandidateParam))
	case EventTranslationResult:
		c.onTranslation(param.(*TranslationResultParam))
	case EventOCRResult:
		c.onOCR(param.(*OCRResultParam))
	case EventTranslationError, EventOCRError:
		msg := param.(*ErrorParam).Message
		c.logger.Warn("backend error", zap.String("event", string(name)), zap.String("message", msg))
		if name == EventOCRError {
			c.status("OCR error: " + msg)
		} else {
			c.status("Translation error: " + msg)
		}
	case EventUserJoined:
		id := param.(*UserParam).UserID
		if c.registry.userJoined(id) {
			c.status(id + " joined the room")
			c.participantsChanged()
		}
	case EventUserLeft:
		id := param.(*UserParam).UserID
		if c.registry.userLeft(id) {
			c.status(id + " left the room")
			c.participantsChanged()
		}
	case EventRoomCreated, EventRoomUpdate:
		if err := c.registry.roomUpdated(param.(*RoomUpdateParam)); err != nil {
			c.logger.Debug("ignoring room update", zap.Error(err))
			return
		}
		c.participantsChanged()
	case EventRoomError:
		msg := param.(*ErrorParam).Message
		handled, err := c.registry.rejoinRefused(msg)
		if handled {
			if err != nil {
				c.reportError(err)
			}
			return
		}
		c.reportError(shared.NewError(shared.KindProtocol, "room", errors.New(msg)))
		c.status("Room error: " + msg)
	case EventConnect:
		c.status("Connected to signaling server")
		if err := c.registry.Rejoin(); err != nil {
			c.logger.Warn("rejoining room", zap.Error(err))
		}
	case EventDisconnect:
		c.status("Disconnected from signaling server")
	case EventReconnectFailed:
		c.reportError(shared.NewError(shared.KindTransport, "reconnect", shared.ErrTransportClosed))
		c.exitRoom("Connection lost")
	}
}

// fromPeer filters our own echoes and messages for a room we are not in.
func (c *Client) fromPeer(roomID, userID string) bool {
	if userID != "" && userID == c.registry.UserID() {
		return false
	}
	current := c.registry.RoomID()
	if current == "" {
		return false
	}
	return roomID == "" || roomID == current
}

// polite decides who yields in a glare.
func (c *Client) polite(p *OfferParam) bool {
	return c.registry.yieldsTo(p.UserID, p.Host)
}

func (c *Client) onOffer(p *OfferParam) {
	if !c.fromPeer(p.RoomID, p.UserID) {
		c.logger.Debug("ignoring offer", zap.String("room_id", p.RoomID), zap.String("from", p.UserID))
		return
	}
	if c.link != nil && c.link.offerOutstanding() {
		if !c.polite(p) {
			err := shared.NewError(shared.KindStateConflict, string(EventOffer), errors.New("colliding remote offer ignored"))
			c.logger.Warn("offer collision", zap.Error(err), zap.String("from", p.UserID))
			return
		}
		c.logger.Info("offer collision, yielding", zap.String("from", p.UserID))
	}
	if c.pendingOffer != nil {
		c.logger.Debug("superseding pending offer")
	}
	c.pendingOffer = p
	c.wantOffer = false
	c.inCall = true
	if c.State() != StateConnected {
		c.setState(StateAnswering)
	}
	c.advance()
}

func (c *Client) onAnswer(p *AnswerParam) {
	if !c.fromPeer(p.RoomID, p.UserID) {
		return
	}
	if c.link == nil || !c.link.localOffer {
		c.logger.Warn("ignoring answer", zap.Error(shared.NewError(shared.KindProtocol, string(EventAnswer), shared.ErrNoOutstandingOffer)))
		return
	}
	c.pendingAnswer = p
	c.advance()
}

func (c *Client) onCandidate(p *CandidateParam) {
	if !c.fromPeer(p.RoomID, p.UserID) {
		return
	}
	if c.link == nil || !c.link.remoteSet {
		if !c.candidates.push(p.Candidate) {
			c.logger.Warn("candidate queue full, dropping candidate")
		}
		return
	}
	if err := c.link.conn.AddICECandidate(p.Candidate); err != nil {
		c.logger.Warn("adding candidate", zap.Error(shared.NewError(shared.KindProtocol, string(EventICECandidate), err)))
	}
}

func (c *Client) onTranslation(p *TranslationResultParam) {
	caption := c.captions.AddCaption(p)
	if c.hooks.OnCaption != nil {
		c.hooks.OnCaption(caption)
	}
}

func (c *Client) onOCR(p *OCRResultParam) {
	o, visible := c.captions.SetOverlay(p, c.media.Sharing())
	if c.hooks.OnOverlay != nil {
		c.hooks.OnOverlay(o, visible)
	}
}

// --- reporting ---

func (c *Client) send(name EventName, p EventParam) error {
	if err := c.sig.Send(string(name), p.Json()); err != nil {
		return shared.NewError(shared.KindTransport, string(name), err)
	}
	return nil
}

func (c *Client) setState(next CallState) {
	prev := CallState(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.logger.Debug("call state changed", zap.Stringer("prev", prev), zap.Stringer("next", next))
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(prev, next)
	}
}

func (c *Client) status(msg string) {
	c.logger.Info(msg)
	if c.hooks.OnStatus != nil {
		c.hooks.OnStatus(msg)
	}
}

func (c *Client) reportError(err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

func (c *Client) participantsChanged() {
	if c.hooks.OnParticipants != nil {
		c.hooks.OnParticipants(c.registry.RoomID(), c.registry.Participants())
	}
}

func (c *Client) overlayCleared() {
	c.captions.ClearOverlay()
	if c.hooks.OnOverlay != nil {
		c.hooks.OnOverlay(Overlay{}, false)
	}
}
