// Package room implements RoomService (spec.md §4.6): room creation,
// joining, leaving, and host-gated settings updates. It is grounded on the
// teacher's RoomService facade — a thin layer over a repository plus a
// signal-driven broadcast step — generalized from the teacher's
// sealed-Signal/BroadcastEvent dispatch to direct, typed Hub.Publish calls,
// since this domain's wire events are already a closed set of named
// payload structs (spec.md §6.1) rather than something requiring a second
// translation layer.
package room

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jpeterson-cpduel/cpduel/internal/apperr"
	"github.com/jpeterson-cpduel/cpduel/internal/hub"
	"github.com/jpeterson-cpduel/cpduel/internal/model"
	"github.com/jpeterson-cpduel/cpduel/internal/store"
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const roomCodeLen = 6

// Default server-fixed settings (spec.md §4.6): updates to questionCount
// and duration are silently coerced to these values.
const (
	DefaultQuestionCount = 2
	DefaultDuration      = 15 * time.Minute
)

// Service is RoomService. Construct with New.
type Service struct {
	store store.Store
	hub   *hub.Hub
}

func New(st store.Store, h *hub.Hub) *Service {
	return &Service{store: st, hub: h}
}

// ParticipantView is the wire shape of a room participant (spec.md §6.1
// room-update payload).
type ParticipantView struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
	Avatar string `json:"avatar"`
	Rating int    `json:"rating"`
}

func (s *Service) participantViews(ctx context.Context, r model.Room) ([]ParticipantView, error) {
	users, err := s.store.GetUsers(ctx, r.Participants)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "resolve participants")
	}
	views := make([]ParticipantView, 0, len(r.Participants))
	for _, id := range r.Participants {
		u := users[id]
		views = append(views, ParticipantView{ID: u.ID, Handle: u.Handle, Avatar: u.AvatarURL, Rating: u.Rating})
	}
	return views, nil
}

func (s *Service) publishRoomUpdate(ctx context.Context, r model.Room) {
	views, err := s.participantViews(ctx, r)
	if err != nil {
		return
	}
	s.hub.Publish(r.Code, hub.Event{
		Name: "room-update",
		Payload: map[string]any{
			"roomCode":     r.Code,
			"participants": views,
		},
	})
}

func generateRoomCode() string {
	b := make([]byte, roomCodeLen)
	for i := range b {
		b[i] = roomCodeAlphabet[rand.IntN(len(roomCodeAlphabet))]
	}
	return string(b)
}

// CreateRoom generates a code by rejection sampling until Store reports no
// collision, persists the room with status=waiting and the host as sole
// participant, and returns it. It gives up with an Internal error after 25
// colliding attempts.
func (s *Service) CreateRoom(ctx context.Context, hostID string, settings model.RoomSettings) (model.Room, error) {
	settings.QuestionCount = DefaultQuestionCount
	settings.Duration = DefaultDuration

	const maxAttempts = 25
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code := generateRoomCode()
		room, err := s.store.CreateRoom(ctx, code, hostID, settings)
		if err == nil {
			return room, nil
		}
		// store.ErrCodeCollision is the expected retry signal; anything
		// else is a genuine failure.
		if !isCodeCollision(err) {
			return model.Room{}, apperr.Wrap(apperr.Internal, err, "create room")
		}
	}
	return model.Room{}, apperr.New(apperr.Internal, "exhausted room code attempts")
}

func isCodeCollision(err error) bool {
	return err != nil && errIs(err, store.ErrCodeCollision)
}

// errIs is a tiny indirection so this file doesn't need to import errors
// twice for the same purpose elsewhere; kept local since it's only used
// here.
func errIs(err, target error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// JoinRoom adds userID to the room's participants (idempotent) and fans
// out room-update.
func (s *Service) JoinRoom(ctx context.Context, code, userID string) (model.Room, error) {
	if _, err := s.store.FindRoom(ctx, code); err != nil {
		return model.Room{}, notFoundOrInternal(err, code)
	}
	r, err := s.store.AddParticipant(ctx, code, userID)
	if err != nil {
		return model.Room{}, apperr.Wrap(apperr.Internal, err, "add participant")
	}
	s.publishRoomUpdate(ctx, r)
	return r, nil
}

// LeaveRoom removes userID from the room. If this empties the room it is
// cascade-deleted. If the leaver was host of a still-waiting room, host
// transfers to the first remaining participant. Always fans out
// player-left (and room-update/host-changed as applicable).
func (s *Service) LeaveRoom(ctx context.Context, code, userID string) error {
	before, err := s.store.FindRoom(ctx, code)
	if err != nil {
		return notFoundOrInternal(err, code)
	}
	handle := s.handleOf(ctx, userID)

	r, deleted, err := s.store.RemoveParticipant(ctx, code, userID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "remove participant")
	}

	if deleted {
		s.hub.CancelGameRuntime(code)
		s.hub.Publish(code, hub.Event{
			Name:    "player-left",
			Payload: map[string]any{"userId": userID, "handle": handle},
		})
		return nil
	}

	if before.HostID == userID && r.Status == model.RoomWaiting && len(r.Participants) > 0 {
		newHostID := r.Participants[0]
		r, err = s.store.SetHost(ctx, code, newHostID)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "transfer host")
		}
		newHost, herr := s.store.GetUser(ctx, newHostID)
		if herr == nil {
			s.hub.Publish(code, hub.Event{
				Name: "host-changed",
				Payload: map[string]any{
					"roomCode": code,
					"newHost": ParticipantView{
						ID: newHost.ID, Handle: newHost.Handle, Avatar: newHost.AvatarURL, Rating: newHost.Rating,
					},
					"previousHost": handle,
				},
			})
		}
	}

	// host-changed, then room-update, then player-left last (spec.md
	// scenario S4's event order).
	s.publishRoomUpdate(ctx, r)
	s.hub.Publish(code, hub.Event{
		Name:    "player-left",
		Payload: map[string]any{"userId": userID, "handle": handle},
	})
	return nil
}

func (s *Service) handleOf(ctx context.Context, userID string) string {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return ""
	}
	return u.Handle
}

// UpdateSettings applies minRating/maxRating. Only the host may call this,
// and only while the room is waiting; questionCount and duration are
// server-fixed regardless of what the caller asked for.
func (s *Service) UpdateSettings(ctx context.Context, code, byUserID string, minRating, maxRating int) (model.Room, error) {
	r, err := s.store.FindRoom(ctx, code)
	if err != nil {
		return model.Room{}, notFoundOrInternal(err, code)
	}
	if r.HostID != byUserID {
		return model.Room{}, apperr.New(apperr.Forbidden, "only the host may change settings")
	}
	if r.Status != model.RoomWaiting {
		return model.Room{}, apperr.New(apperr.Conflict, "room is not waiting")
	}

	updated, err := s.store.UpdateSettings(ctx, code, minRating, maxRating)
	if err != nil {
		if errIs(err, store.ErrConflict) {
			return model.Room{}, apperr.New(apperr.Conflict, "room is not waiting")
		}
		return model.Room{}, apperr.Wrap(apperr.Internal, err, "update settings")
	}
	s.publishRoomUpdate(ctx, updated)
	return updated, nil
}

func notFoundOrInternal(err error, code string) error {
	if errIs(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, fmt.Sprintf("room %s not found", code))
	}
	return apperr.Wrap(apperr.Internal, err, "lookup room")
}
