// Package store defines the persistence port used by the core (spec.md
// §4.2): typed operations on Users, Rooms, RoomProblems, and Scores, with
// the uniqueness and referential invariants of spec.md §3 enforced by the
// implementation rather than by callers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jpeterson-cpduel/cpduel/internal/model"
)

// Sentinel errors every Store implementation must return for the named
// conditions, so services can branch with errors.Is regardless of backend.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrCodeCollision = errors.New("store: room code collision")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrConflict      = errors.New("store: conflict")
)

// Store is the persistence port. Every operation either succeeds and
// returns the stated result or fails with an error wrapping one of the
// sentinels above (or a backend-specific error for anything else, which
// callers map to apperr.Internal).
type Store interface {
	// UpsertUserByHandle creates or updates a User by external handle,
	// case-preserving and idempotent.
	UpsertUserByHandle(ctx context.Context, handle string, rating int, avatarURL string) (model.User, error)

	GetUser(ctx context.Context, userID string) (model.User, error)
	GetUsers(ctx context.Context, userIDs []string) (map[string]model.User, error)

	// CreateRoom rejects with ErrCodeCollision if code is already in use.
	CreateRoom(ctx context.Context, code, hostID string, settings model.RoomSettings) (model.Room, error)

	FindRoom(ctx context.Context, code string) (model.Room, error)

	// FindRoomByParticipantAndStatus finds the room userID currently
	// participates in with the given status, if any.
	FindRoomByParticipantAndStatus(ctx context.Context, userID string, status model.RoomStatus) (model.Room, error)

	// AddParticipant is idempotent: adding an existing participant is a
	// no-op that still returns the current room.
	AddParticipant(ctx context.Context, code, userID string) (model.Room, error)

	// RemoveParticipant returns the updated room. If removal empties the
	// participant set, the room (and its RoomProblems and Scores) is
	// cascade-deleted transactionally and roomDeleted is true.
	RemoveParticipant(ctx context.Context, code, userID string) (room model.Room, roomDeleted bool, err error)

	SetHost(ctx context.Context, code, userID string) (model.Room, error)

	// SetStatus transitions Room.Status. startInstant is only applied when
	// transitioning into RoomStarted; it is ignored otherwise.
	SetStatus(ctx context.Context, code string, status model.RoomStatus, startInstant *time.Time) (model.Room, error)

	// UpdateSettings rejects with ErrConflict if the room's status is not
	// waiting.
	UpdateSettings(ctx context.Context, code string, minRating, maxRating int) (model.Room, error)

	// PutRoomProblems atomically replaces the room's problem set.
	PutRoomProblems(ctx context.Context, code string, problems []model.RoomProblem) error

	ListRoomProblems(ctx context.Context, code string) ([]model.RoomProblem, error)

	// InsertScore enforces uniqueness on (room, user, contestId, index).
	// If a Score already exists for that key, it returns ErrAlreadyExists
	// along with the existing Score so the caller can short-circuit.
	InsertScore(ctx context.Context, s model.Score) (existing model.Score, err error)

	ListScores(ctx context.Context, code string) ([]model.Score, error)
	ListScoresOf(ctx context.Context, code, userID string) ([]model.Score, error)

	// ListStartedRooms returns every room in status=started, for
	// the boot-time game-timer recovery pass described in spec.md §9.
	ListStartedRooms(ctx context.Context) ([]model.Room, error)
}
