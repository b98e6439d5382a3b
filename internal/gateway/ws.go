package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jpeterson-cpduel/cpduel/internal/apperr"
	"github.com/jpeterson-cpduel/cpduel/internal/hub"
	"github.com/jpeterson-cpduel/cpduel/internal/model"
)

// inboundEvent is the shape of every message a client sends over the
// duplex channel (spec.md §6.1): a name plus a JSON payload, dispatched
// through dispatchInbound below exactly like the REST handlers dispatch
// through chi's router.
type inboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type checkProblemPayload struct {
	ContestID int    `json:"contestId"`
	Index     string `json:"index"`
}

// wsSession is one live connection: one user, one room, one outbox. A user
// may hold more than one session (multiple tabs); the Hub's session
// registry is what decides whether a disconnect should open a grace
// ticket.
type wsSession struct {
	id       string
	userID   string
	handle   string
	roomCode string
	conn     *websocket.Conn
	gw       *Gateway

	// checking guards check-problem against concurrent duplicate submits
	// from the same session; it is not a correctness requirement for
	// InsertScore (Store already dedupes), just a way to avoid hammering
	// the judge twice for one click.
	checking atomic.Bool
}

// handleWebSocket upgrades the connection, grounded on the teacher's
// HandleWebSocket (query-param room lookup, then Upgrade, then register
// before spawning the read/write pumps), generalized to also cancel any
// outstanding disconnect-grace ticket on (re)connect.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	code := r.URL.Query().Get("roomCode")
	if code == "" {
		http.Error(w, "roomCode required", http.StatusBadRequest)
		return
	}

	rm, err := g.store.FindRoom(r.Context(), code)
	if err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	// A dropped mid-game player whose grace ticket already expired is no
	// longer a participant; they must re-add themselves via the REST
	// join path (room.Service.JoinRoom never gates on room status) before
	// reconnecting here. The inbound "join-room" event in dispatch covers
	// the same re-add over the duplex channel for an already-upgraded
	// session that finds itself absent.
	if !rm.Participant(userID) {
		http.Error(w, "not a participant of this room", http.StatusForbidden)
		return
	}

	user, err := g.store.GetUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	hadGraceTicket := g.hub.CancelGrace(code, userID)

	sess := &wsSession{
		id:       uuid.NewString(),
		userID:   userID,
		handle:   user.Handle,
		roomCode: code,
		conn:     conn,
		gw:       g,
	}
	g.hub.RegisterSession(userID, sess.id)
	outbox := g.hub.Subscribe(code, sess.id)

	if hadGraceTicket {
		g.hub.Publish(code, hub.Event{
			Name:    "player-reconnected",
			Payload: map[string]any{"userId": userID, "handle": user.Handle},
		})
	}
	g.hub.PublishToSession(code, sess.id, hub.Event{
		Name:    "connection-success",
		Payload: map[string]any{"userId": userID, "roomCode": code},
	})

	done := make(chan struct{})
	go sess.writePump(outbox, done)
	sess.readPump()
	close(done)

	g.handleSessionClosed(sess)
}

// writePump drains the outbox and forwards each Event as a JSON text
// frame, stopping when readPump's exit signals done.
func (s *wsSession) writePump(outbox *hub.Outbox, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-outbox.Recv():
			for _, e := range outbox.Drain() {
				data, err := json.Marshal(map[string]any{"type": e.Name, "payload": e.Payload})
				if err != nil {
					continue
				}
				if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}
}

// readPump reads inbound events until the connection closes or errors,
// dispatching each to the matching handler. A malformed payload is
// dropped rather than closing the connection.
func (s *wsSession) readPump() {
	defer s.conn.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var evt inboundEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.dispatch(evt)
	}
}

func (s *wsSession) dispatch(evt inboundEvent) {
	ctx := context.Background()
	switch evt.Type {
	case "join-room":
		if _, err := s.gw.rooms.JoinRoom(ctx, s.roomCode, s.userID); err != nil {
			s.publishPrivateError(err)
		}
	case "leave-room":
		s.gw.rooms.LeaveRoom(ctx, s.roomCode, s.userID)
	case "start-game":
		if err := s.gw.games.StartGame(ctx, s.roomCode, s.userID); err != nil {
			s.publishPrivateError(err)
		}
	case "check-problem":
		s.handleCheckProblem(ctx, evt.Payload)
	}
}

func (s *wsSession) handleCheckProblem(ctx context.Context, raw json.RawMessage) {
	if !s.checking.CompareAndSwap(false, true) {
		return
	}
	defer s.checking.Store(false)

	var p checkProblemPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if err := s.gw.games.CheckSubmission(ctx, s.roomCode, s.userID, s.handle, s.id, p.ContestID, p.Index); err != nil {
		s.publishPrivateError(err)
	}
}

// publishPrivateError delivers an "error" event to this session alone via
// Hub.PublishToSession. Spec.md §6.1 and §7 mark error "private to
// requester"; the other participants in the room must never see it.
func (s *wsSession) publishPrivateError(err error) {
	s.gw.hub.PublishToSession(s.roomCode, s.id, hub.Event{
		Name: "error",
		Payload: map[string]any{
			"code":    string(apperr.CodeOf(err)),
			"message": errMessage(err),
		},
	})
}

// handleSessionClosed unregisters the session and, if this was the user's
// last open session, arms a disconnect-grace ticket instead of removing
// them immediately — spec.md §4.8's tolerance for a dropped wifi link or a
// page refresh.
func (g *Gateway) handleSessionClosed(s *wsSession) {
	_, hasOther := g.hub.UnregisterSession(s.id)
	g.hub.Unsubscribe(s.roomCode, s.id)
	if hasOther {
		return
	}

	rm, err := g.store.FindRoom(context.Background(), s.roomCode)
	if err != nil {
		return
	}

	period := g.cfg.GraceWaitingRoom
	if rm.Status != model.RoomWaiting {
		period = g.cfg.GraceStartedGame
	}

	g.hub.OpenGrace(s.roomCode, s.userID, s.handle, period, func(roomCode, userID, handle string) {
		g.rooms.LeaveRoom(context.Background(), roomCode, userID)
	})
	g.hub.Publish(s.roomCode, hub.Event{
		Name: "player-disconnected",
		Payload: map[string]any{
			"userId":      s.userID,
			"handle":      s.handle,
			"gracePeriod": int(period.Seconds()),
		},
	})
}
