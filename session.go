package lingocall

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/bt-bridge/lingocall/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// tokenByteLimit is the largest multiple of 36 that fits in a byte. Bytes at
// or above it are skipped so every character is equally likely.
const tokenByteLimit = 252

// roomExistsMessage is the relay's room_error text for a duplicate create_room.
const roomExistsMessage = "Room already exists"

// NewParticipantID returns "user_" followed by nine random base36 characters.
func NewParticipantID() string {
	return "user_" + randomToken(9)
}

// NewRoomID returns a short typable room id, "room_" followed by five base36 characters.
// Collisions are not checked.
func NewRoomID() string {
	return "room_" + randomToken(5)
}

func randomToken(n int) string {
	return tokenFrom(n, uuid.New)
}

func tokenFrom(n int, next func() uuid.UUID) string {
	var sb strings.Builder
	for sb.Len() < n {
		u := next()
		for _, b := range u[:] {
			if sb.Len() == n {
				break
			}
			if b >= tokenByteLimit {
				continue
			}
			sb.WriteByte(base36[int(b)%len(base36)])
		}
	}
	return sb.String()
}

// Registry tracks room membership for one participant. It never waits for the
// relay to acknowledge create/join.
type Registry struct {
	logger shared.LoggerAdapter
	sig    Signaler
	userID string

	mu           sync.Mutex
	roomID       string
	host         bool
	creator      string
	rejoining    bool
	participants map[string]struct{}
}

func NewRegistry(logger shared.LoggerAdapter, sig Signaler, userID string) (*Registry, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sig == nil {
		return nil, shared.ErrNoSignaler
	}
	if userID == "" {
		userID = NewParticipantID()
	}
	return &Registry{
		logger:       logger.With(zap.String("component", "registry"), zap.String("user_id", userID)),
		sig:          sig,
		userID:       userID,
		participants: map[string]struct{}{},
	}, nil
}

func (r *Registry) UserID() string {
	return r.userID
}

func (r *Registry) RoomID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

// IsHost reports whether this participant created the current room.
func (r *Registry) IsHost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host
}

// Participants returns the other known members of the room, sorted.
func (r *Registry) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// CreateRoom enters desiredID, or a generated id when empty, as its creator.
func (r *Registry) CreateRoom(desiredID string) (string, error) {
	roomID := strings.TrimSpace(desiredID)
	if roomID == "" {
		roomID = NewRoomID()
	}
	if err := r.enter(EventCreateRoom, roomID, true); err != nil {
		return "", err
	}
	return roomID, nil
}

func (r *Registry) JoinRoom(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return shared.ErrEmptyRoomID
	}
	return r.enter(EventJoinRoom, roomID, false)
}

func (r *Registry) enter(event EventName, roomID string, host bool) error {
	param := &RoomParam{RoomID: roomID, UserID: r.userID}
	if err := r.sig.Send(string(event), param.Json()); err != nil {
		return shared.NewError(shared.KindTransport, string(event), err)
	}
	r.mu.Lock()
	r.roomID = roomID
	r.host = host
	r.creator = ""
	r.rejoining = false
	if host {
		r.creator = r.userID
	}
	clear(r.participants)
	r.mu.Unlock()
	r.logger.Info("entered room", zap.String("event", string(event)), zap.String("room_id", roomID))
	return nil
}

// Rejoin re-announces the current room after the transport reconnected. The
// creator asks to create it again; if the other side kept it alive the relay
// refuses and rejoinRefused falls back to join_room.
func (r *Registry) Rejoin() error {
	r.mu.Lock()
	roomID, host := r.roomID, r.host
	r.rejoining = host
	r.mu.Unlock()
	if roomID == "" {
		return nil
	}
	event := EventJoinRoom
	if host {
		event = EventCreateRoom
	}
	return r.announce(event, roomID)
}

// rejoinRefused handles a room_error that may answer a creator's rejoin. It
// reports whether the error was consumed.
func (r *Registry) rejoinRefused(message string) (bool, error) {
	r.mu.Lock()
	roomID, pending := r.roomID, r.rejoining
	r.rejoining = false
	r.mu.Unlock()
	if !pending || roomID == "" || message != roomExistsMessage {
		return false, nil
	}
	r.logger.Info("room still open, joining it", zap.String("room_id", roomID))
	return true, r.announce(EventJoinRoom, roomID)
}

func (r *Registry) announce(event EventName, roomID string) error {
	param := &RoomParam{RoomID: roomID, UserID: r.userID}
	if err := r.sig.Send(string(event), param.Json()); err != nil {
		return shared.NewError(shared.KindTransport, "rejoin", err)
	}
	return nil
}

// yieldsTo reports whether a colliding offer from remote should win over our
// own. The creator never yields. A joiner yields to the creator, and to anyone
// while the creator is unknown; between two joiners the larger id yields.
func (r *Registry) yieldsTo(remote string, remoteHost bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.host {
		return false
	}
	if remoteHost || remote == "" || r.creator == "" || remote == r.creator {
		return true
	}
	return r.userID > remote
}

// LeaveRoom forgets the current room and returns its id, or "" when not in one.
func (r *Registry) LeaveRoom() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	left := r.roomID
	r.roomID = ""
	r.host = false
	r.creator = ""
	r.rejoining = false
	clear(r.participants)
	if left != "" {
		r.logger.Info("left room", zap.String("room_id", left))
	}
	return left
}

func (r *Registry) userJoined(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roomID == "" || id == r.userID {
		return false
	}
	if _, ok := r.participants[id]; ok {
		return false
	}
	r.participants[id] = struct{}{}
	return true
}

func (r *Registry) userLeft(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[id]; !ok {
		return false
	}
	delete(r.participants, id)
	return true
}

// roomUpdated replaces the participant set from an authoritative member list.
// The relay lists members in arrival order, so the first update names the
// creator.
func (r *Registry) roomUpdated(p *RoomUpdateParam) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roomID == "" {
		return shared.ErrNotInRoom
	}
	if p.RoomID != "" && p.RoomID != r.roomID {
		return fmt.Errorf("update for room %q while in %q", p.RoomID, r.roomID)
	}
	r.rejoining = false
	if r.creator == "" && len(p.Users) > 0 {
		r.creator = p.Users[0]
	}
	clear(r.participants)
	for _, id := range p.Users {
		if id != r.userID {
			r.participants[id] = struct{}{}
		}
	}
	return nil
}
