package lingocall

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bt-bridge/lingocall/shared"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
)

type EventName string

// Events exchanged with the signaling relay.
const (
	EventCreateRoom        EventName = "create_room"
	EventJoinRoom          EventName = "join_room"
	EventOffer             EventName = "offer"
	EventAnswer            EventName = "answer"
	EventICECandidate      EventName = "ice_candidate"
	EventAudioBlob         EventName = "audio_blob"
	EventProcessOCR        EventName = "process_ocr"
	EventTranslationResult EventName = "translation_result"
	EventTranslationError  EventName = "translation_error"
	EventOCRResult         EventName = "ocr_result"
	EventOCRError          EventName = "ocr_error"
	EventUserJoined        EventName = "user_joined"
	EventUserLeft          EventName = "user_left"
	EventRoomCreated       EventName = "room_created"
	EventRoomUpdate        EventName = "room_update"
	EventRoomError         EventName = "room_error"
)

// Events raised locally by the transport itself.
const (
	EventConnect         EventName = "connect"
	EventDisconnect      EventName = "disconnect"
	EventReconnectFailed EventName = "reconnect_failed"
)

// EventParam is the payload of one signaling event.
type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// Event pairs a name with its payload. On the wire it is {"event": ..., "data": {...}}.
type Event struct {
	Name  EventName
	Param EventParam
}

func NewEvent(name EventName, param EventParam) *Event {
	return &Event{Name: name, Param: param}
}

func (e *Event) envelope() (map[string]any, error) {
	if e.Name == "" {
		return nil, errors.New("Name is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	return map[string]any{
		"event": string(e.Name),
		"data":  e.Param.Json(),
	}, nil
}

func (e *Event) MarshalJSON() ([]byte, error) {
	env, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(env)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	name, ok := raw["event"].(string)
	if !ok || name == "" {
		return errors.New("missing event")
	}
	payload, _ := raw["data"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	param, err := newParam(EventName(name))
	if err != nil {
		return err
	}
	if err := param.New(payload); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	e.Name = EventName(name)
	e.Param = param
	return nil
}

// MarshalYAML renders the event for diagnostics dumps.
func (e *Event) MarshalYAML() ([]byte, error) {
	env, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(env, yaml.UseJSONMarshaler())
}

// DecodeParam decodes the raw JSON payload delivered by a Signaler subscription.
func DecodeParam(name EventName, data []byte) (EventParam, error) {
	param, err := newParam(name)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if len(data) > 0 {
		if err := sonic.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
	}
	if err := param.New(raw); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return param, nil
}

func newParam(name EventName) (EventParam, error) {
	switch name {
	case EventCreateRoom, EventJoinRoom:
		return new(RoomParam), nil
	case EventOffer:
		return new(OfferParam), nil
	case EventAnswer:
		return new(AnswerParam), nil
	case EventICECandidate:
		return new(CandidateParam), nil
	case EventAudioBlob:
		return new(AudioBlobParam), nil
	case EventProcessOCR:
		return new(ProcessOCRParam), nil
	case EventTranslationResult:
		return new(TranslationResultParam), nil
	case EventOCRResult:
		return new(OCRResultParam), nil
	case EventUserJoined, EventUserLeft:
		return new(UserParam), nil
	case EventRoomCreated, EventRoomUpdate:
		return new(RoomUpdateParam), nil
	case EventRoomError, EventTranslationError, EventOCRError:
		return new(ErrorParam), nil
	case EventConnect, EventDisconnect, EventReconnectFailed:
		return new(EmptyParam), nil
	default:
		return nil, fmt.Errorf("%w: %s", shared.ErrUnknownEvent, name)
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func asString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// senderOf prefers the client-chosen user_id; relays that rewrite it send sender_id.
func senderOf(m map[string]any) string {
	if v := asString(m, "user_id"); v != "" {
		return v
	}
	return asString(m, "sender_id")
}

func requireString(m map[string]any, key string) (string, error) {
	v, ok := m[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing %s", key)
	}
	return v, nil
}

func descriptionFrom(v any, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return webrtc.SessionDescription{}, errors.New("missing session description")
	}
	sdp, err := requireString(m, "sdp")
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	typ := webrtc.NewSDPType(asString(m, "type"))
	if typ == webrtc.SDPTypeUnknown {
		typ = want
	}
	if typ != want {
		return webrtc.SessionDescription{}, fmt.Errorf("expected %s description, got %s", want, typ)
	}
	return webrtc.SessionDescription{Type: typ, SDP: sdp}, nil
}

func descriptionJson(d webrtc.SessionDescription) map[string]any {
	return map[string]any{
		"type": d.Type.String(),
		"sdp":  d.SDP,
	}
}

// create_room, join_room
type RoomParam struct {
	RoomID string
	UserID string
}

func (p *RoomParam) New(m map[string]any) error {
	id, err := requireString(m, "room_id")
	if err != nil {
		return err
	}
	p.RoomID = id
	p.UserID = senderOf(m)
	return nil
}

func (p *RoomParam) Json() map[string]any {
	return map[string]any{
		"room_id": p.RoomID,
		"user_id": p.UserID,
	}
}

// offer
type OfferParam struct {
	Offer  webrtc.SessionDescription
	RoomID string
	UserID string
	// Host is set when the sender created the room. Relays may drop it.
	Host bool
}

func (p *OfferParam) New(m map[string]any) error {
	desc, err := descriptionFrom(m["offer"], webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}
	p.Offer = desc
	p.RoomID = asString(m, "room_id")
	p.UserID = senderOf(m)
	p.Host, _ = m["host"].(bool)
	return nil
}

func (p *OfferParam) Json() map[string]any {
	return map[string]any{
		"offer":   descriptionJson(p.Offer),
		"room_id": p.RoomID,
		"user_id": p.UserID,
		"host":    p.Host,
	}
}

// answer
type AnswerParam struct {
	Answer webrtc.SessionDescription
	RoomID string
	UserID string
}

func (p *AnswerParam) New(m map[string]any) error {
	desc, err := descriptionFrom(m["answer"], webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	p.Answer = desc
	p.RoomID = asString(m, "room_id")
	p.UserID = senderOf(m)
	return nil
}

func (p *AnswerParam) Json() map[string]any {
	return map[string]any{
		"answer":  descriptionJson(p.Answer),
		"room_id": p.RoomID,
		"user_id": p.UserID,
	}
}

// ice_candidate
type CandidateParam struct {
	Candidate webrtc.ICECandidateInit
	RoomID    string
	UserID    string
}

func (p *CandidateParam) New(m map[string]any) error {
	c, ok := m["candidate"].(map[string]any)
	if !ok {
		return errors.New("missing candidate")
	}
	cand, err := requireString(c, "candidate")
	if err != nil {
		return err
	}
	p.Candidate = webrtc.ICECandidateInit{Candidate: cand}
	if mid, ok := c["sdpMid"].(string); ok {
		p.Candidate.SDPMid = &mid
	}
	if idx, ok := asInt(c["sdpMLineIndex"]); ok {
		u := uint16(idx)
		p.Candidate.SDPMLineIndex = &u
	}
	if frag, ok := c["usernameFragment"].(string); ok {
		p.Candidate.UsernameFragment = &frag
	}
	p.RoomID = asString(m, "room_id")
	p.UserID = senderOf(m)
	return nil
}

func (p *CandidateParam) Json() map[string]any {
	c := map[string]any{"candidate": p.Candidate.Candidate}
	if p.Candidate.SDPMid != nil {
		c["sdpMid"] = *p.Candidate.SDPMid
	}
	if p.Candidate.SDPMLineIndex != nil {
		c["sdpMLineIndex"] = *p.Candidate.SDPMLineIndex
	}
	if p.Candidate.UsernameFragment != nil {
		c["usernameFragment"] = *p.Candidate.UsernameFragment
	}
	return map[string]any{
		"candidate": c,
		"room_id":   p.RoomID,
		"user_id":   p.UserID,
	}
}

// audio_blob
type AudioBlobParam struct {
	// Audio is little-endian float32 mono PCM.
	Audio      []byte
	RoomID     string
	SourceLang string
	TargetLang string
}

func (p *AudioBlobParam) New(m map[string]any) error {
	switch a := m["audio"].(type) {
	case []byte:
		p.Audio = a
	case string:
		b, err := base64.StdEncoding.DecodeString(a)
		if err != nil {
			return fmt.Errorf("decoding audio: %w", err)
		}
		p.Audio = b
	default:
		return errors.New("missing audio")
	}
	p.RoomID = asString(m, "room_id")
	p.SourceLang = asString(m, "source_lang")
	p.TargetLang = asString(m, "target_lang")
	return nil
}

func (p *AudioBlobParam) Json() map[string]any {
	return map[string]any{
		"audio":       p.Audio,
		"room_id":     p.RoomID,
		"source_lang": p.SourceLang,
		"target_lang": p.TargetLang,
	}
}

// process_ocr
type ProcessOCRParam struct {
	// Image is a data URL ("data:image/png;base64,...").
	Image      string
	RoomID     string
	SourceLang string
	TargetLang string
}

func (p *ProcessOCRParam) New(m map[string]any) error {
	img, err := requireString(m, "image")
	if err != nil {
		return err
	}
	p.Image = img
	p.RoomID = asString(m, "room_id")
	p.SourceLang = asString(m, "source_lang")
	p.TargetLang = asString(m, "target_lang")
	return nil
}

func (p *ProcessOCRParam) Json() map[string]any {
	return map[string]any{
		"image":       p.Image,
		"room_id":     p.RoomID,
		"source_lang": p.SourceLang,
		"target_lang": p.TargetLang,
	}
}

// translation_result
type TranslationResultParam struct {
	Original   string
	Translated string
	SourceLang string
	TargetLang string
}

func (p *TranslationResultParam) New(m map[string]any) error {
	translated, err := requireString(m, "translated")
	if err != nil {
		return err
	}
	p.Translated = translated
	p.Original = asString(m, "original")
	p.SourceLang = asString(m, "source_lang")
	p.TargetLang = asString(m, "target_lang")
	return nil
}

func (p *TranslationResultParam) Json() map[string]any {
	return map[string]any{
		"original":    p.Original,
		"translated":  p.Translated,
		"source_lang": p.SourceLang,
		"target_lang": p.TargetLang,
	}
}

// ocr_result
type OCRResultParam struct {
	Original   string
	Translated string
	// X and Y are optional overlay coordinates in screen pixels.
	X, Y *int
}

func (p *OCRResultParam) New(m map[string]any) error {
	p.Translated = asString(m, "translated")
	p.Original = asString(m, "original")
	if x, ok := asInt(m["x"]); ok {
		p.X = &x
	}
	if y, ok := asInt(m["y"]); ok {
		p.Y = &y
	}
	return nil
}

func (p *OCRResultParam) Json() map[string]any {
	out := map[string]any{
		"original":   p.Original,
		"translated": p.Translated,
	}
	if p.X != nil {
		out["x"] = *p.X
	}
	if p.Y != nil {
		out["y"] = *p.Y
	}
	return out
}

// user_joined, user_left
type UserParam struct {
	UserID string
}

func (p *UserParam) New(m map[string]any) error {
	p.UserID = senderOf(m)
	if p.UserID == "" {
		return errors.New("missing user_id")
	}
	return nil
}

func (p *UserParam) Json() map[string]any {
	return map[string]any{"user_id": p.UserID}
}

// room_created, room_update
type RoomUpdateParam struct {
	RoomID string
	Users  []string
}

func (p *RoomUpdateParam) New(m map[string]any) error {
	p.RoomID = asString(m, "room_id")
	p.Users = p.Users[:0]
	if users, ok := m["users"].([]any); ok {
		for _, u := range users {
			if s, ok := u.(string); ok {
				p.Users = append(p.Users, s)
			}
		}
	}
	return nil
}

func (p *RoomUpdateParam) Json() map[string]any {
	users := p.Users
	if users == nil {
		users = []string{}
	}
	return map[string]any{
		"room_id": p.RoomID,
		"users":   users,
	}
}

// room_error, translation_error, ocr_error
type ErrorParam struct {
	Message string
}

func (p *ErrorParam) New(m map[string]any) error {
	p.Message = asString(m, "message")
	if p.Message == "" {
		p.Message = asString(m, "error")
	}
	return nil
}

func (p *ErrorParam) Json() map[string]any {
	return map[string]any{"message": p.Message}
}

// connect, disconnect, reconnect_failed
type EmptyParam struct{}

func (p *EmptyParam) New(map[string]any) error { return nil }

func (p *EmptyParam) Json() map[string]any { return map[string]any{} }
