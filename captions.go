package lingocall

import (
	"context"
	"encoding/base64"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bt-bridge/lingocall/shared"
	"github.com/bt-bridge/lingocall/tools"
	"go.uber.org/zap"
)

// Caption is one translated utterance. It is never modified after creation.
type Caption struct {
	Original   string
	Translated string
	SourceLang string
	TargetLang string
	At         time.Time
}

// Overlay is the single translated-text overlay drawn over a shared screen.
type Overlay struct {
	Original   string
	Translated string
	X, Y       *int
}

// AudioChunk is a slice of the local caption window handed to a forwarder.
type AudioChunk struct {
	Samples    []float32
	SampleRate int
	RoomID     string
	SourceLang string
	TargetLang string
}

// AudioForwarder ships caption audio to whatever produces translations.
type AudioForwarder interface {
	ForwardAudio(ctx context.Context, chunk AudioChunk) error
}

// SignalingForwarder sends chunks as audio_blob events over the relay.
type SignalingForwarder struct {
	sig Signaler
}

func NewSignalingForwarder(sig Signaler) *SignalingForwarder {
	return &SignalingForwarder{sig: sig}
}

func (f *SignalingForwarder) ForwardAudio(_ context.Context, chunk AudioChunk) error {
	p := &AudioBlobParam{
		Audio:      tools.Float32LE(chunk.Samples),
		RoomID:     chunk.RoomID,
		SourceLang: chunk.SourceLang,
		TargetLang: chunk.TargetLang,
	}
	if err := f.sig.Send(string(EventAudioBlob), p.Json()); err != nil {
		return shared.NewError(shared.KindTransport, string(EventAudioBlob), err)
	}
	return nil
}

type CaptionConfig struct {
	SourceLang string
	TargetLang string
	SampleRate int
	// Window bounds how much recent audio a chunk can carry.
	Window time.Duration
	// Interval is the minimum spacing between two sent chunks.
	Interval time.Duration
	// Probability thins sends: each eligible frame triggers a send with this chance.
	Probability   float64
	TranscriptCap int
}

func DefaultCaptionConfig() CaptionConfig {
	return CaptionConfig{
		SourceLang:    "en",
		TargetLang:    "es",
		SampleRate:    48000,
		Window:        3 * time.Second,
		Interval:      3 * time.Second,
		Probability:   0.1,
		TranscriptCap: 200,
	}
}

func (c CaptionConfig) withDefaults() CaptionConfig {
	def := DefaultCaptionConfig()
	if c.SourceLang == "" {
		c.SourceLang = def.SourceLang
	}
	if c.TargetLang == "" {
		c.TargetLang = def.TargetLang
	}
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Probability <= 0 || c.Probability > 1 {
		c.Probability = def.Probability
	}
	if c.TranscriptCap <= 0 {
		c.TranscriptCap = def.TranscriptCap
	}
	return c
}

type CaptionOption func(*CaptionRelay)

// WithCaptionClock replaces time.Now for interval accounting and caption timestamps.
func WithCaptionClock(now func() time.Time) CaptionOption {
	return func(r *CaptionRelay) { r.now = now }
}

// WithCaptionRand replaces the source of the per-frame send probability.
func WithCaptionRand(rnd func() float64) CaptionOption {
	return func(r *CaptionRelay) { r.rand = rnd }
}

type captionSession struct {
	roomID     string
	micEnabled func() bool
	slot       chan AudioChunk
	cancel     context.CancelFunc
}

// CaptionRelay streams local audio to an AudioForwarder and keeps the
// transcript and the screen overlay.
type CaptionRelay struct {
	logger shared.LoggerAdapter
	fwd    AudioForwarder
	now    func() time.Time
	rand   func() float64
	window *tools.AudioBuffer
	wg     sync.WaitGroup

	mu         sync.Mutex
	cfg        CaptionConfig
	session    *captionSession
	lastSent   time.Time
	transcript []Caption
	overlay    *Overlay
}

func NewCaptionRelay(logger shared.LoggerAdapter, fwd AudioForwarder, cfg CaptionConfig, opts ...CaptionOption) (*CaptionRelay, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if fwd == nil {
		return nil, shared.ErrNoSignaler
	}
	cfg = cfg.withDefaults()
	r := &CaptionRelay{
		logger: logger.With(zap.String("component", "captions")),
		fwd:    fwd,
		now:    time.Now,
		rand:   rand.Float64,
		cfg:    cfg,
		window: tools.NewAudioBuffer(max(1, int(cfg.Window.Seconds()*float64(cfg.SampleRate)))),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *CaptionRelay) Languages() (source, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.SourceLang, r.cfg.TargetLang
}

func (r *CaptionRelay) SetLanguages(source, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if source != "" {
		r.cfg.SourceLang = source
	}
	if target != "" {
		r.cfg.TargetLang = target
	}
}

// Activate starts relaying for roomID. tap may be nil when the local track
// cannot be observed; frames can then still be pushed with Feed.
func (r *CaptionRelay) Activate(ctx context.Context, roomID string, tap AudioTapper, micEnabled func() bool) {
	r.Deactivate()
	ctx, cancel := context.WithCancel(ctx)
	s := &captionSession{
		roomID:     roomID,
		micEnabled: micEnabled,
		slot:       make(chan AudioChunk, 1),
		cancel:     cancel,
	}
	r.mu.Lock()
	r.session = s
	r.lastSent = time.Time{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sendLoop(ctx, s.slot)
	}()
	if tap != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := tap.TapAudio(ctx, func(samples []float32) { r.Feed(samples) }); err != nil {
				r.logger.Warn("caption audio tap stopped", zap.Error(err))
			}
		}()
	}
	r.logger.Debug("caption relay active", zap.String("room_id", roomID))
}

// Deactivate stops relaying and discards buffered audio. It does not wait for
// an in-flight forward to return.
func (r *CaptionRelay) Deactivate() {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	r.window.Reset()
	r.logger.Debug("caption relay inactive")
}

func (r *CaptionRelay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Close deactivates and waits for the relay goroutines to exit.
func (r *CaptionRelay) Close() {
	r.Deactivate()
	r.wg.Wait()
}

// Feed accepts one capture frame. It never blocks: when the sender is still
// busy with the previous chunk the new one is dropped. It reports whether a
// chunk was handed off.
func (r *CaptionRelay) Feed(samples []float32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session
	if s == nil {
		return false
	}
	if s.micEnabled != nil && !s.micEnabled() {
		return false
	}
	r.window.Write(samples)
	now := r.now()
	if !r.lastSent.IsZero() && now.Sub(r.lastSent) < r.cfg.Interval {
		return false
	}
	if r.rand() >= r.cfg.Probability {
		return false
	}
	chunk := AudioChunk{
		Samples:    r.window.TakeAll(),
		SampleRate: r.cfg.SampleRate,
		RoomID:     s.roomID,
		SourceLang: r.cfg.SourceLang,
		TargetLang: r.cfg.TargetLang,
	}
	select {
	case s.slot <- chunk:
		r.lastSent = now
		return true
	default:
		r.logger.Debug("caption sender busy, chunk dropped", zap.Int("samples", len(chunk.Samples)))
		return false
	}
}

func (r *CaptionRelay) sendLoop(ctx context.Context, slot <-chan AudioChunk) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-slot:
			if err := r.fwd.ForwardAudio(ctx, chunk); err != nil {
				r.logger.Warn("forwarding caption audio failed", zap.Error(err), zap.Int("samples", len(chunk.Samples)))
			}
		}
	}
}

// AddCaption appends a translation result to the transcript, evicting the
// oldest entry past capacity.
func (r *CaptionRelay) AddCaption(p *TranslationResultParam) Caption {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := Caption{
		Original:   p.Original,
		Translated: p.Translated,
		SourceLang: p.SourceLang,
		TargetLang: p.TargetLang,
		At:         r.now(),
	}
	if c.TargetLang == "" {
		c.TargetLang = r.cfg.TargetLang
	}
	r.transcript = append(r.transcript, c)
	if over := len(r.transcript) - r.cfg.TranscriptCap; over > 0 {
		r.transcript = append(r.transcript[:0], r.transcript[over:]...)
	}
	return c
}

func (r *CaptionRelay) Transcript() []Caption {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Caption(nil), r.transcript...)
}

// SetOverlay replaces the overlay while sharing. Without an active share the
// overlay is cleared instead and false is returned.
func (r *CaptionRelay) SetOverlay(p *OCRResultParam, sharing bool) (Overlay, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !sharing {
		r.overlay = nil
		return Overlay{}, false
	}
	o := Overlay{Original: p.Original, Translated: p.Translated, X: p.X, Y: p.Y}
	r.overlay = &o
	return o, true
}

func (r *CaptionRelay) ClearOverlay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlay = nil
}

func (r *CaptionRelay) CurrentOverlay() (Overlay, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overlay == nil {
		return Overlay{}, false
	}
	return *r.overlay, true
}

// ocrRequest wraps an encoded screen frame as a process_ocr payload.
func (r *CaptionRelay) ocrRequest(roomID, mimeType string, image []byte) *ProcessOCRParam {
	source, target := r.Languages()
	if mimeType == "" {
		mimeType = "image/png"
	}
	return &ProcessOCRParam{
		Image:      "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image),
		RoomID:     roomID,
		SourceLang: source,
		TargetLang: target,
	}
}
