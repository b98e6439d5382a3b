// Package hub is the process's single piece of shared ephemeral state
// (spec.md §4.1): per-room subscriber fan-out, the user→sessions index used
// for multi-tab detection, and the timer wheel backing game-end and
// disconnect-grace scheduling. It is grounded on the teacher's
// TimerManager (map[string]*time.Timer keyed callbacks) and ws.Hub
// (per-room client sets with non-blocking fan-out), generalized from
// "rooms of websocket clients" to "topics of priority-aware outboxes" plus
// the two additional timer kinds the game domain needs.
package hub

import (
	"sync"
	"time"
)

// Event is one outbound message, as described in spec.md §6.1: a name plus
// a JSON-serializable payload. The transport (EventGateway) owns encoding;
// Hub only ever moves Events by value.
type Event struct {
	Name    string
	Payload any
}

// criticalEvents must never be dropped by outbox backpressure (spec.md §5):
// they carry unique-fact information that can't be reconstructed from a
// later event of the same name.
var criticalEvents = map[string]bool{
	"problem-solved": true,
	"game-started":   true,
}

const outboxCapacity = 64

// Hub is the single process-wide instance; construct with New.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[string]*subscriber // topic -> sessionId -> subscriber

	sessionsByUser map[string]map[string]bool // userId -> sessionIds
	userBySession  map[string]string          // sessionId -> userId

	runtimes map[string]*gameRuntime // roomCode -> active game timer
	graces   map[graceKey]*graceTimer

	syncMu    sync.Mutex
	syncRooms map[string]bool // rooms currently in started state, for timer-sync
	stopSync  chan struct{}

	emptyMu    sync.Mutex
	emptySince map[string]time.Time // topic -> when its last subscriber left
}

type graceKey struct {
	roomCode string
	userID   string
}

type gameRuntime struct {
	timer *time.Timer
}

type graceTimer struct {
	timer *time.Timer
}

// New builds an empty Hub and starts its periodic timer-sync goroutine.
func New() *Hub {
	h := &Hub{
		topics:         make(map[string]map[string]*subscriber),
		sessionsByUser: make(map[string]map[string]bool),
		userBySession:  make(map[string]string),
		runtimes:       make(map[string]*gameRuntime),
		graces:         make(map[graceKey]*graceTimer),
		syncRooms:      make(map[string]bool),
		stopSync:       make(chan struct{}),
		emptySince:     make(map[string]time.Time),
	}
	go h.runTimerSync()
	return h
}

// Shutdown cancels every outstanding timer and stops the sync tick.
func (h *Hub) Shutdown() {
	close(h.stopSync)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rt := range h.runtimes {
		rt.timer.Stop()
	}
	for _, g := range h.graces {
		g.timer.Stop()
	}
}

// --- subscribe / unsubscribe / publish ---

// Subscribe registers sessionID to receive Events published to topic and
// returns the outbox to read them from. Calling Subscribe again for the
// same (topic, sessionID) replaces the previous subscriber.
func (h *Hub) Subscribe(topic, sessionID string) *Outbox {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := newSubscriber()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]*subscriber)
	}
	h.topics[topic][sessionID] = sub

	h.emptyMu.Lock()
	delete(h.emptySince, topic)
	h.emptyMu.Unlock()

	return sub.outbox
}

// Unsubscribe removes sessionID from topic. Once this returns, no future
// Publish call will deliver to that subscriber (spec.md §4.1's observable
// property).
func (h *Hub) Unsubscribe(topic, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.topics[topic]
	if subs == nil {
		return
	}
	if sub, ok := subs[sessionID]; ok {
		sub.close()
		delete(subs, sessionID)
	}
	if len(subs) == 0 {
		delete(h.topics, topic)
		h.emptyMu.Lock()
		h.emptySince[topic] = time.Now()
		h.emptyMu.Unlock()
	}
}

// StaleEmptyTopics returns every topic that has had zero subscribers for at
// least maxAge, for the periodic abandoned-room sweep (spec.md §9's
// stale-room cleanup): a room with live Hub traffic is never a candidate,
// only one whose sessions vanished without a clean leave.
func (h *Hub) StaleEmptyTopics(maxAge time.Duration) []string {
	h.emptyMu.Lock()
	defer h.emptyMu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	stale := make([]string, 0)
	for topic, since := range h.emptySince {
		if since.Before(cutoff) {
			stale = append(stale, topic)
		}
	}
	return stale
}

// ForgetEmptyTopic clears topic's empty-since tracking, once a caller has
// acted on it (e.g. deleted the underlying room).
func (h *Hub) ForgetEmptyTopic(topic string) {
	h.emptyMu.Lock()
	delete(h.emptySince, topic)
	h.emptyMu.Unlock()
}

// Publish fans e out to every session currently subscribed to topic.
// Non-blocking on the publisher: each subscriber's outbox applies its own
// backpressure policy independently.
func (h *Hub) Publish(topic string, e Event) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.topics[topic]))
	for _, s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.push(e)
	}
}

// PublishToSession delivers e only to sessionID's subscription on topic, if
// one exists, reporting whether it did. This is the private-delivery path
// spec.md §6.1 requires for events like `error` and `problem-not-solved`
// ("private to requester"): the topic's other subscribers never see it.
func (h *Hub) PublishToSession(topic, sessionID string, e Event) bool {
	h.mu.Lock()
	subs := h.topics[topic]
	var sub *subscriber
	if subs != nil {
		sub = subs[sessionID]
	}
	h.mu.Unlock()

	if sub == nil {
		return false
	}
	sub.push(e)
	return true
}

// --- session registry ---

// RegisterSession records sessionID as belonging to userID.
func (h *Hub) RegisterSession(userID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionsByUser[userID] == nil {
		h.sessionsByUser[userID] = make(map[string]bool)
	}
	h.sessionsByUser[userID][sessionID] = true
	h.userBySession[sessionID] = userID
}

// UnregisterSession removes sessionID and reports whether userID has any
// remaining sessions after removal.
func (h *Hub) UnregisterSession(sessionID string) (userID string, hasOtherSessions bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID, ok := h.userBySession[sessionID]
	if !ok {
		return "", false
	}
	delete(h.userBySession, sessionID)
	if set := h.sessionsByUser[userID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.sessionsByUser, userID)
		}
	}
	_, remaining := h.sessionsByUser[userID]
	return userID, remaining
}

// --- game runtime timer ---

// StartGameRuntime arms a one-shot callback at startInstant+duration for
// roomCode, replacing any previously armed runtime for that room.
func (h *Hub) StartGameRuntime(roomCode string, startInstant time.Time, duration time.Duration, onEnd func(roomCode string)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.runtimes[roomCode]; ok {
		old.timer.Stop()
	}

	delay := time.Until(startInstant.Add(duration))
	if delay < 0 {
		delay = 0
	}
	h.runtimes[roomCode] = &gameRuntime{
		timer: time.AfterFunc(delay, func() { onEnd(roomCode) }),
	}
	h.syncMu.Lock()
	h.syncRooms[roomCode] = true
	h.syncMu.Unlock()
}

// CancelGameRuntime stops roomCode's end timer, if any.
func (h *Hub) CancelGameRuntime(roomCode string) {
	h.mu.Lock()
	if rt, ok := h.runtimes[roomCode]; ok {
		rt.timer.Stop()
		delete(h.runtimes, roomCode)
	}
	h.mu.Unlock()

	h.syncMu.Lock()
	delete(h.syncRooms, roomCode)
	h.syncMu.Unlock()
}

// --- grace tickets ---

// OpenGrace arms onExpire after period for (roomCode, userID), replacing
// any existing ticket for the same pair.
func (h *Hub) OpenGrace(roomCode, userID, handle string, period time.Duration, onExpire func(roomCode, userID, handle string)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := graceKey{roomCode: roomCode, userID: userID}
	if old, ok := h.graces[key]; ok {
		old.timer.Stop()
	}
	h.graces[key] = &graceTimer{
		timer: time.AfterFunc(period, func() { onExpire(roomCode, userID, handle) }),
	}
}

// CancelGrace cancels the ticket for (roomCode, userID) if one exists,
// reporting whether it did.
func (h *Hub) CancelGrace(roomCode, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := graceKey{roomCode: roomCode, userID: userID}
	g, ok := h.graces[key]
	if !ok {
		return false
	}
	g.timer.Stop()
	delete(h.graces, key)
	return true
}

// --- periodic timer-sync ---

func (h *Hub) runTimerSync() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopSync:
			return
		case <-ticker.C:
			h.syncMu.Lock()
			rooms := make([]string, 0, len(h.syncRooms))
			for code := range h.syncRooms {
				rooms = append(rooms, code)
			}
			h.syncMu.Unlock()

			now := time.Now()
			for _, code := range rooms {
				h.Publish(code, Event{Name: "timer-sync", Payload: map[string]any{"serverTime": now.UnixMilli()}})
			}
		}
	}
}
