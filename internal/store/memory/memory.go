// Package memory is an in-process Store implementation: the reference
// backend for tests and for single-instance deployments that don't need a
// durable store. It is grounded on the teacher's RoomRepository
// (per-room-lock CRUD) generalized to the full User/Room/RoomProblem/Score
// port.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpeterson-cpduel/cpduel/internal/model"
	"github.com/jpeterson-cpduel/cpduel/internal/store"
)

type roomEntry struct {
	mu       sync.Mutex
	room     model.Room
	problems []model.RoomProblem
	scores   []model.Score
	// scoreIndex mirrors the database uniqueness constraint on
	// (room,user,contestId,index) — the single source of truth for
	// "already solved" per spec.md §5.
	scoreIndex map[scoreKey]int // index into scores
}

type scoreKey struct {
	userID    string
	contestID int
	index     string
}

// Store is the in-memory Store implementation.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry
	users map[string]*model.User
	byHandle map[string]string // handle -> userID
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		rooms:    make(map[string]*roomEntry),
		users:    make(map[string]*model.User),
		byHandle: make(map[string]string),
	}
}

func (s *Store) UpsertUserByHandle(_ context.Context, handle string, rating int, avatarURL string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHandle[handle]; ok {
		u := s.users[id]
		u.Rating = rating
		u.AvatarURL = avatarURL
		return *u, nil
	}

	u := &model.User{
		ID:        uuid.NewString(),
		Handle:    handle,
		Rating:    rating,
		AvatarURL: avatarURL,
	}
	s.users[u.ID] = u
	s.byHandle[handle] = u.ID
	return *u, nil
}

func (s *Store) GetUser(_ context.Context, userID string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	return *u, nil
}

func (s *Store) GetUsers(_ context.Context, userIDs []string) (map[string]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.User, len(userIDs))
	for _, id := range userIDs {
		if u, ok := s.users[id]; ok {
			out[id] = *u
		}
	}
	return out, nil
}

func (s *Store) findRoomEntry(code string) *roomEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[code]
}

func (s *Store) CreateRoom(_ context.Context, code, hostID string, settings model.RoomSettings) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[code]; exists {
		return model.Room{}, fmt.Errorf("room %s: %w", code, store.ErrCodeCollision)
	}

	room := model.Room{
		Code:         code,
		HostID:       hostID,
		Participants: []string{hostID},
		Settings:     settings,
		Status:       model.RoomWaiting,
	}
	s.rooms[code] = &roomEntry{
		room:       room,
		scoreIndex: make(map[scoreKey]int),
	}
	return room, nil
}

func (s *Store) FindRoom(_ context.Context, code string) (model.Room, error) {
	e := s.findRoomEntry(code)
	if e == nil {
		return model.Room{}, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room, nil
}

func (s *Store) FindRoomByParticipantAndStatus(_ context.Context, userID string, status model.RoomStatus) (model.Room, error) {
	s.mu.RLock()
	entries := make([]*roomEntry, 0, len(s.rooms))
	for _, e := range s.rooms {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		r := e.room
		e.mu.Unlock()
		if r.Status == status && r.Participant(userID) {
			return r, nil
		}
	}
	return model.Room{}, fmt.Errorf("no room for user %s with status %s: %w", userID, status, store.ErrNotFound)
}

func (s *Store) AddParticipant(_ context.Context, code, userID string) (model.Room, error) {
	e := s.findRoomEntry(code)
	if e == nil {
		return model.Room{}, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.room.Participant(userID) {
		e.room.Participants = append(e.room.Participants, userID)
	}
	return e.room, nil
}

func (s *Store) RemoveParticipant(_ context.Context, code, userID string) (model.Room, bool, error) {
	e := s.findRoomEntry(code)
	if e == nil {
		return model.Room{}, false, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}

	e.mu.Lock()
	idx := e.room.IndexOfParticipant(userID)
	if idx == -1 {
		room := e.room
		e.mu.Unlock()
		return room, false, nil
	}
	e.room.Participants = append(e.room.Participants[:idx], e.room.Participants[idx+1:]...)
	roomEmpty := len(e.room.Participants) == 0
	room := e.room
	e.mu.Unlock()

	if roomEmpty {
		// Cascade delete: room, RoomProblems, and Scores all disappear
		// atomically (spec.md §3 invariant 8).
		s.mu.Lock()
		delete(s.rooms, code)
		s.mu.Unlock()
		return room, true, nil
	}

	return room, false, nil
}

func (s *Store) SetHost(_ context.Context, code, userID string) (model.Room, error) {
	e := s.findRoomEntry(code)
	if e == nil {
		return model.Room{}, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.room.HostID = userID
	return e.room, nil
}

func (s *Store) SetStatus(_ context.Context, code string, status model.RoomStatus, startInstant *time.Time) (model.Room, error) {
	e := s.findRoomEntry(code)
	if e == nil {
		return model.Room{}, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.room.Status = status
	if status == model.RoomStarted && startInstant != nil {
		t := *startInstant
		e.room.StartInstant = &t
	}
	return e.room, nil
}

func (s *Store) UpdateSettings(_ context.Context, code string, minRating, maxRating int) (model.Room, error) {
	e := s.findRoomEntry(code)
	if e == nil {
		return model.Room{}, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.room.Status != model.RoomWaiting {
		return model.Room{}, fmt.Errorf("room %s not waiting: %w", code, store.ErrConflict)
	}
	e.room.Settings.MinRating = minRating
	e.room.Settings.MaxRating = maxRating
	return e.room, nil
}

func (s *Store) PutRoomProblems(_ context.Context, code string, problems []model.RoomProblem) error {
	e := s.findRoomEntry(code)
	if e == nil {
		return fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.problems = append([]model.RoomProblem(nil), problems...)
	return nil
}

func (s *Store) ListRoomProblems(_ context.Context, code string) ([]model.RoomProblem, error) {
	e := s.findRoomEntry(code)
	if e == nil {
		return nil, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.RoomProblem(nil), e.problems...), nil
}

func (s *Store) InsertScore(_ context.Context, sc model.Score) (model.Score, error) {
	e := s.findRoomEntry(sc.RoomCode)
	if e == nil {
		return model.Score{}, fmt.Errorf("room %s: %w", sc.RoomCode, store.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key := scoreKey{userID: sc.UserID, contestID: sc.ContestID, index: sc.Index}
	if idx, exists := e.scoreIndex[key]; exists {
		return e.scores[idx], fmt.Errorf("score for %s %d%s: %w", sc.UserID, sc.ContestID, sc.Index, store.ErrAlreadyExists)
	}

	e.scores = append(e.scores, sc)
	e.scoreIndex[key] = len(e.scores) - 1
	return sc, nil
}

func (s *Store) ListScores(_ context.Context, code string) ([]model.Score, error) {
	e := s.findRoomEntry(code)
	if e == nil {
		return nil, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Score(nil), e.scores...), nil
}

func (s *Store) ListScoresOf(ctx context.Context, code, userID string) ([]model.Score, error) {
	all, err := s.ListScores(ctx, code)
	if err != nil {
		return nil, err
	}
	out := make([]model.Score, 0, len(all))
	for _, sc := range all {
		if sc.UserID == userID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *Store) ListStartedRooms(_ context.Context) ([]model.Room, error) {
	s.mu.RLock()
	entries := make([]*roomEntry, 0, len(s.rooms))
	for _, e := range s.rooms {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]model.Room, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.room.Status == model.RoomStarted {
			out = append(out, e.room)
		}
		e.mu.Unlock()
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
