package transport

import (
	"fmt"
	"sync"

	"github.com/bt-bridge/lingocall/shared"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// BackendFunc answers audio_blob and process_ocr requests for a MemoryRelay.
// It returns the event to broadcast to the room, or ok=false to stay silent.
type BackendFunc func(event string, payload map[string]any) (reply string, result map[string]any, ok bool)

type memoryRoom struct {
	members []*MemoryConn
	users   []string
}

// MemoryRelay is an in-process signaling server with the same room rules as
// the production relay: one creator, joins announced to the whole room, and
// negotiation messages forwarded to everyone but the sender with sender_id set.
type MemoryRelay struct {
	logger shared.LoggerAdapter

	mu      sync.Mutex
	rooms   map[string]*memoryRoom
	backend BackendFunc
	nextSID int
}

func NewMemoryRelay(logger shared.LoggerAdapter) *MemoryRelay {
	return &MemoryRelay{
		logger: logger.With(zap.String("component", "memory_relay")),
		rooms:  map[string]*memoryRoom{},
	}
}

func (r *MemoryRelay) SetBackend(fn BackendFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backend = fn
}

// Connect opens a new connection to the relay.
func (r *MemoryRelay) Connect() *MemoryConn {
	c := &MemoryConn{
		relay: r,
		sid:   r.newSID(),
		inbox: newMailbox(),
	}
	go c.deliverLoop()
	return c
}

func (r *MemoryRelay) newSID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSID++
	return fmt.Sprintf("sid-%d", r.nextSID)
}

// Rooms returns the current member user ids per room.
func (r *MemoryRelay) Rooms() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.rooms))
	for id, room := range r.rooms {
		out[id] = append([]string(nil), room.users...)
	}
	return out
}

func (r *MemoryRelay) handle(from *MemoryConn, event string, payload map[string]any) {
	roomID, _ := payload["room_id"].(string)
	userID, _ := payload["user_id"].(string)
	sid := from.SID()
	if userID == "" {
		userID = sid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch event {
	case "create_room":
		if _, ok := r.rooms[roomID]; ok {
			from.push("room_error", map[string]any{"message": "Room already exists"})
			return
		}
		r.rooms[roomID] = &memoryRoom{members: []*MemoryConn{from}, users: []string{userID}}
		from.push("room_created", map[string]any{"room_id": roomID, "users": []string{userID}})
	case "join_room":
		room, ok := r.rooms[roomID]
		if !ok {
			from.push("room_error", map[string]any{"message": "Room does not exist"})
			return
		}
		for _, u := range room.users {
			if u == userID {
				from.push("room_error", map[string]any{"message": "User already in room"})
				return
			}
		}
		room.members = append(room.members, from)
		room.users = append(room.users, userID)
		r.broadcast(room, nil, "user_joined", map[string]any{"user_id": userID})
		r.broadcast(room, nil, "room_update", map[string]any{"room_id": roomID, "users": append([]string(nil), room.users...)})
	case "offer", "answer", "ice_candidate":
		room, ok := r.rooms[roomID]
		if !ok {
			r.logger.Debug("dropping message for unknown room", zap.String("event", event), zap.String("room_id", roomID))
			return
		}
		relayed := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			relayed[k] = v
		}
		relayed["sender_id"] = sid
		r.broadcast(room, from, event, relayed)
	case "audio_blob", "process_ocr":
		room, ok := r.rooms[roomID]
		if !ok || r.backend == nil {
			return
		}
		if reply, result, ok := r.backend(event, payload); ok {
			r.broadcast(room, nil, reply, result)
		}
	default:
		r.logger.Debug("dropping unknown event", zap.String("event", event))
	}
}

func (r *MemoryRelay) broadcast(room *memoryRoom, skip *MemoryConn, event string, payload map[string]any) {
	for _, m := range room.members {
		if m != skip {
			m.push(event, payload)
		}
	}
}

// leave removes c from every room and tells the remaining members.
func (r *MemoryRelay) leave(c *MemoryConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, room := range r.rooms {
		for i, m := range room.members {
			if m != c {
				continue
			}
			user := room.users[i]
			room.members = append(room.members[:i:i], room.members[i+1:]...)
			room.users = append(room.users[:i:i], room.users[i+1:]...)
			if len(room.members) == 0 {
				delete(r.rooms, id)
			} else {
				r.broadcast(room, nil, "user_left", map[string]any{"user_id": user})
			}
			break
		}
	}
}

// MemoryConn is one client's connection to a MemoryRelay. Inbound events are
// delivered in order on a dedicated goroutine.
type MemoryConn struct {
	relay *MemoryRelay
	subs  handlerSet
	inbox *mailbox

	mu     sync.Mutex
	sid    string
	closed bool
}

func (c *MemoryConn) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

func (c *MemoryConn) Subscribe(event string, handler func(data []byte)) func() {
	return c.subs.add(event, handler)
}

// Send round-trips the payload through JSON so both ends see wire types.
func (c *MemoryConn) Send(event string, payload map[string]any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return shared.ErrTransportClosed
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	decoded := map[string]any{}
	if err := sonic.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decoding %s: %w", event, err)
	}
	c.relay.handle(c, event, decoded)
	return nil
}

// Drop simulates a lost connection that could not be re-established.
func (c *MemoryConn) Drop() {
	c.relay.leave(c)
	c.inbox.put(delivery{event: EventDisconnect})
	c.inbox.put(delivery{event: EventReconnectFailed})
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Reconnect simulates a drop followed by a successful reconnect. The relay
// sees a new session and has forgotten every room the old one was in.
func (c *MemoryConn) Reconnect() {
	c.relay.leave(c)
	sid := c.relay.newSID()
	c.mu.Lock()
	c.sid = sid
	c.mu.Unlock()
	c.inbox.put(delivery{event: EventDisconnect})
	c.inbox.put(delivery{event: EventConnect})
}

func (c *MemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.inbox.close()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.relay.leave(c)
	c.inbox.close()
	return nil
}

func (c *MemoryConn) push(event string, payload map[string]any) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		c.relay.logger.Warn("encoding relayed event", zap.String("event", event), zap.Error(err))
		return
	}
	c.inbox.put(delivery{event: event, data: data})
}

func (c *MemoryConn) deliverLoop() {
	for {
		d, ok := c.inbox.take()
		if !ok {
			return
		}
		c.subs.dispatch(d.event, d.data)
	}
}

type delivery struct {
	event string
	data  []byte
}

// mailbox is an unbounded FIFO so the relay never blocks on a slow reader.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []delivery
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) put(d delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.items = append(m.items, d)
	m.cond.Signal()
}

func (m *mailbox) take() (delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.items) == 0 {
		return delivery{}, false
	}
	d := m.items[0]
	m.items = m.items[1:]
	return d, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}
