package notifier

import (
	"log"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultRoomMemberLimit = 1000
	writeDeadline          = 10 * time.Second
	pongWait               = 60 * time.Second
	pingPeriod             = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is one connected websocket client (spec §4.6): connection id,
// creation time, the rooms it has joined, and remote/user-agent metadata.
type session struct {
	id         string
	conn       *websocket.Conn
	createdAt  time.Time
	remoteAddr string
	userAgent  string

	writeMu sync.Mutex
	rooms   map[string]bool
	done    chan struct{}
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteJSON(v)
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// pingLoop keeps the connection's read deadline alive while the client is
// idle: the pong handler resets it on every pong, so a healthy-but-silent
// subscriber survives past pongWait instead of being dropped for timing out.
func (s *session) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

// room groups sessions under a shared filter predicate (spec §4.6). A
// room is created on first join and removed on last leave.
type room struct {
	name         string
	filters      map[string]any
	members      map[string]struct{}
	lastActivity time.Time
}

// Hub is the Notifier's in-process session/room registry and fan-out
// engine. Session and room state is per-instance (spec §5); the Adapter
// is what makes fan-out visible across instances.
type Hub struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	rooms     map[string]*room
	roomLimit int
	adapter   Adapter
	nextID    func() string
}

// Option configures a Hub.
type Option func(*Hub)

// WithRoomMemberLimit overrides the default backpressure threshold (1000).
func WithRoomMemberLimit(n int) Option {
	return func(h *Hub) { h.roomLimit = n }
}

// WithIDGenerator overrides the session ID generator (tests use this for
// determinism).
func WithIDGenerator(f func() string) Option {
	return func(h *Hub) { h.nextID = f }
}

// NewHub creates a Hub. If adapter is nil, NoopAdapter is used: single
// instance, in-process only.
func NewHub(adapter Adapter, opts ...Option) *Hub {
	if adapter == nil {
		adapter = &NoopAdapter{}
	}
	h := &Hub{
		sessions:  make(map[string]*session),
		rooms:     make(map[string]*room),
		roomLimit: defaultRoomMemberLimit,
		adapter:   adapter,
		nextID:    newSessionID,
	}
	for _, opt := range opts {
		opt(h)
	}
	adapter.Bind(h)
	return h
}

// ServeHTTP upgrades the connection and runs its read loop until the
// client disconnects or a send error tears the session down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("notifier: websocket upgrade: %v", err)
		return
	}

	sess := &session{
		id:         h.nextID(),
		conn:       conn,
		createdAt:  time.Now().UTC(),
		remoteAddr: r.RemoteAddr,
		userAgent:  r.UserAgent(),
		rooms:      make(map[string]bool),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()

	_ = sess.writeJSON(ServerMessage{Type: "welcome", Timestamp: time.Now().UTC(), Data: map[string]string{"sessionId": sess.id}})

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go sess.pingLoop()

	defer h.removeSession(sess.id)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("notifier: websocket read: %v", err)
			}
			return
		}

		var msg ClientMessage
		if err := decodeClientMessage(raw, &msg); err != nil {
			_ = sess.writeJSON(ServerMessage{Type: "error", Timestamp: time.Now().UTC(), Error: "invalid message format"})
			continue
		}

		switch msg.Type {
		case "join-room":
			h.joinRoom(sess, msg.Room, msg.Filters)
		case "leave-room":
			h.leaveRoom(sess, msg.Room)
		default:
			_ = sess.writeJSON(ServerMessage{Type: "error", Timestamp: time.Now().UTC(), Error: "unknown message type: " + msg.Type})
		}
	}
}

func (h *Hub) joinRoom(sess *session, roomName string, filters map[string]any) {
	if roomName == "" {
		_ = sess.writeJSON(ServerMessage{Type: "error", Timestamp: time.Now().UTC(), Error: "room is required"})
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[roomName]
	if !ok {
		r = &room{name: roomName, filters: filters, members: make(map[string]struct{})}
		h.rooms[roomName] = r
	}
	r.members[sess.id] = struct{}{}
	r.lastActivity = time.Now().UTC()
	sess.rooms[roomName] = true
	count := len(r.members)
	effectiveFilters := r.filters
	h.mu.Unlock()

	_ = sess.writeJSON(ServerMessage{
		Type:        "room-joined",
		Room:        roomName,
		Timestamp:   time.Now().UTC(),
		MemberCount: count,
		Filters:     effectiveFilters,
	})
}

func (h *Hub) leaveRoom(sess *session, roomName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(sess.rooms, roomName)
	r, ok := h.rooms[roomName]
	if !ok {
		return
	}
	delete(r.members, sess.id)
	if len(r.members) == 0 {
		delete(h.rooms, roomName)
	}
}

// removeSession tears a session out of every room it had joined and
// closes its connection, per the per-socket-error cleanup policy (spec
// §4.6).
func (h *Hub) removeSession(id string) {
	h.mu.Lock()
	sess, ok := h.sessions[id]
	if ok {
		for roomName := range sess.rooms {
			if r, ok := h.rooms[roomName]; ok {
				delete(r.members, id)
				if len(r.members) == 0 {
					delete(h.rooms, roomName)
				}
			}
		}
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	if ok {
		close(sess.done)
		_ = sess.conn.Close()
	}
}

// Dispatch fans an outcome event out to this instance and, via the
// configured Adapter, to every other instance sharing this cluster
// (spec §4.6's horizontal-scaling property).
func (h *Hub) Dispatch(eventType string, fields map[string]any, payload any) {
	h.adapter.Broadcast(eventType, fields, payload)
}

// dispatchLocal delivers an event to this instance's own rooms only. It
// is what Adapter implementations call once an event is known to have
// arrived (locally produced, or relayed from another instance).
func (h *Hub) dispatchLocal(eventType string, fields map[string]any, payload any) {
	h.mu.RLock()
	type delivery struct {
		sess *session
		room string
	}
	var targets []delivery
	for name, r := range h.rooms {
		if len(r.members) > h.roomLimit {
			// Backpressure load-shed: this room is skipped for this event;
			// later events are still evaluated against it.
			continue
		}
		if !matchesFilter(r.filters, fields) {
			continue
		}
		for sessID := range r.members {
			if sess, ok := h.sessions[sessID]; ok {
				targets = append(targets, delivery{sess: sess, room: name})
			}
		}
	}
	h.mu.RUnlock()

	msg := ServerMessage{Type: eventType, Timestamp: time.Now().UTC(), Data: payload}
	for _, t := range targets {
		m := msg
		m.Room = t.room
		if err := t.sess.writeJSON(m); err != nil {
			log.Printf("notifier: websocket write to session %s: %v", t.sess.id, err)
			h.removeSession(t.sess.id)
		}
	}
}

// matchesFilter implements the room-match semantics from spec §4.6: each
// filter key must match the corresponding event field; array filter
// values match by set membership.
func matchesFilter(filters map[string]any, fields map[string]any) bool {
	for k, want := range filters {
		got, ok := fields[k]
		if !ok {
			return false
		}
		if arr, isArr := want.([]any); isArr {
			if !containsValue(arr, got) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func containsValue(arr []any, v any) bool {
	for _, item := range arr {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}
