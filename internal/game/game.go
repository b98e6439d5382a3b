// Package game implements GameService (spec.md §4.7): provisioning a
// problem set from the judge at game start, verifying individual solve
// attempts against the judge's submission history, and the timer-driven
// finalization sweep. It is grounded on the teacher's GameLifecycle
// (StartGame/EndGame) shape for the provisioning half, and on
// RogueLearn.CodeBattle's submit -> verify -> score -> broadcast pipeline
// for the verification half, since bouncebot has no external-judge
// analog.
package game

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/jpeterson-cpduel/cpduel/internal/apperr"
	"github.com/jpeterson-cpduel/cpduel/internal/hub"
	"github.com/jpeterson-cpduel/cpduel/internal/judge"
	"github.com/jpeterson-cpduel/cpduel/internal/leaderboard"
	"github.com/jpeterson-cpduel/cpduel/internal/model"
	"github.com/jpeterson-cpduel/cpduel/internal/scoring"
	"github.com/jpeterson-cpduel/cpduel/internal/store"
)

// Scoring constants selected per rating half (spec.md §4.7 step 5): the
// lower-rated problem always scores as problem 1, the upper-rated problem
// as problem 2, regardless of solve order.
const (
	lowerBasePoints = 500
	lowerMinPoints  = 250
	upperBasePoints = 1000
	upperMinPoints  = 500

	recentSubmissionWindow = 50
)

// Service is GameService. Construct with New.
type Service struct {
	store  store.Store
	judge  *judge.Client
	hub    *hub.Hub
	logger *slog.Logger
}

func New(st store.Store, j *judge.Client, h *hub.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, judge: j, hub: h, logger: logger}
}

// StartGame provisions a room's problem set and transitions it into play.
func (s *Service) StartGame(ctx context.Context, code, byUserID string) error {
	r, err := s.store.FindRoom(ctx, code)
	if err != nil {
		return apperr.New(apperr.NotFound, "room not found")
	}
	if r.HostID != byUserID {
		return apperr.New(apperr.Forbidden, "only the host may start the game")
	}
	if len(r.Participants) < 2 {
		return apperr.New(apperr.Conflict, "need at least 2 participants")
	}
	if r.Status != model.RoomWaiting {
		return apperr.New(apperr.Conflict, "room is not waiting")
	}

	s.hub.Publish(code, hub.Event{Name: "game-starting", Payload: map[string]any{"roomCode": code}})

	problems, err := s.judge.ListAllProblems(ctx)
	if err != nil {
		return err
	}

	mid := (r.Settings.MinRating + r.Settings.MaxRating) / 2
	var lower, upper []judge.Problem
	for _, p := range problems {
		if p.Rating == 0 {
			continue
		}
		switch {
		case p.Rating >= r.Settings.MinRating && p.Rating <= mid:
			lower = append(lower, p)
		case p.Rating > mid && p.Rating <= r.Settings.MaxRating:
			upper = append(upper, p)
		}
	}
	if len(lower) == 0 || len(upper) == 0 {
		return apperr.New(apperr.InsufficientProblems, "not enough problems in the configured rating range")
	}

	chosenLower := lower[rand.IntN(len(lower))]
	chosenUpper := upper[rand.IntN(len(upper))]

	roomProblems := []model.RoomProblem{
		{RoomCode: code, ContestID: chosenLower.ContestID, Index: chosenLower.Index, Rating: chosenLower.Rating, BasePoints: lowerBasePoints, MinPoints: lowerMinPoints},
		{RoomCode: code, ContestID: chosenUpper.ContestID, Index: chosenUpper.Index, Rating: chosenUpper.Rating, BasePoints: upperBasePoints, MinPoints: upperMinPoints},
	}

	if err := s.store.PutRoomProblems(ctx, code, roomProblems); err != nil {
		return apperr.Wrap(apperr.Internal, err, "persist room problems")
	}
	startInstant := time.Now()
	if _, err := s.store.SetStatus(ctx, code, model.RoomStarted, &startInstant); err != nil {
		return apperr.Wrap(apperr.Internal, err, "transition room to started")
	}

	s.hub.StartGameRuntime(code, startInstant, r.Settings.Duration, func(roomCode string) {
		s.AutoFinalize(context.Background(), roomCode)
	})

	s.hub.Publish(code, hub.Event{
		Name: "game-started",
		Payload: map[string]any{
			"roomCode":  code,
			"problems":  roomProblems,
			"startTime": startInstant.UTC().Format(time.RFC3339),
			"duration":  r.Settings.Duration.Minutes(),
		},
	})
	return nil
}

// CheckSubmission verifies whether userId has solved (contestId, index)
// since the room's game started, scoring and recording the solve if so.
// sessionID identifies the requesting connection, so a negative result
// (problem-not-solved) is delivered only to that session (spec.md §6.1,
// §7: "private to requester"), never broadcast to the rest of the room.
func (s *Service) CheckSubmission(ctx context.Context, code, userID, handle, sessionID string, contestID int, index string) error {
	r, err := s.store.FindRoom(ctx, code)
	if err != nil {
		return apperr.New(apperr.NotFound, "room not found")
	}
	if r.Status != model.RoomStarted {
		s.notSolved(code, sessionID, contestID, index, "game is not in progress")
		return nil
	}

	problems, err := s.store.ListRoomProblems(ctx, code)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "list room problems")
	}
	rp, ok := findProblem(problems, contestID, index)
	if !ok {
		s.notSolved(code, sessionID, contestID, index, "problem is not part of this room")
		return nil
	}

	existing, err := s.store.ListScoresOf(ctx, code, userID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "list existing scores")
	}
	for _, sc := range existing {
		if sc.ContestID == contestID && sc.Index == index {
			s.notSolved(code, sessionID, contestID, index, "already solved")
			return nil
		}
	}

	subs, err := s.judge.ListRecentSubmissions(ctx, handle, recentSubmissionWindow)
	if err != nil {
		return err
	}

	startInstant := *r.StartInstant
	solveInstant, found := earliestAccepted(subs, contestID, index, startInstant)
	if !found {
		s.notSolved(code, sessionID, contestID, index, "no accepted submission found")
		return nil
	}

	points := scoring.Points(rp.BasePoints, rp.MinPoints, startInstant, solveInstant)
	sc := model.Score{RoomCode: code, UserID: userID, ContestID: contestID, Index: index, SolveInstant: solveInstant, Points: points}

	inserted, err := s.store.InsertScore(ctx, sc)
	if err != nil && !errIsAlreadyExists(err) {
		return apperr.Wrap(apperr.Internal, err, "insert score")
	}
	// On a uniqueness collision, inserted already holds the existing,
	// previously-scored Score (spec.md §4.7 step 6: "treat as AlreadySolved
	// and return the stored points").

	s.hub.Publish(code, hub.Event{
		Name: "problem-solved",
		Payload: map[string]any{
			"userId":    userID,
			"handle":    handle,
			"contestId": contestID,
			"index":     index,
			"points":    inserted.Points,
		},
	})
	s.publishLeaderboard(ctx, code)
	return nil
}

func (s *Service) notSolved(code, sessionID string, contestID int, index string, message string) {
	s.hub.PublishToSession(code, sessionID, hub.Event{
		Name:    "problem-not-solved",
		Payload: map[string]any{"contestId": contestID, "index": index, "message": message},
	})
}

func (s *Service) publishLeaderboard(ctx context.Context, code string) {
	entries, err := s.projectLeaderboard(ctx, code)
	if err != nil {
		s.logger.Error("project leaderboard failed", "room", code, "error", err)
		return
	}
	s.hub.Publish(code, hub.Event{Name: "leaderboard-update", Payload: entries})
}

func (s *Service) projectLeaderboard(ctx context.Context, code string) ([]leaderboard.Entry, error) {
	scores, err := s.store.ListScores(ctx, code)
	if err != nil {
		return nil, err
	}
	room, err := s.store.FindRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	users, err := s.store.GetUsers(ctx, room.Participants)
	if err != nil {
		return nil, err
	}
	return leaderboard.Project(scores, users), nil
}

// AutoFinalize is the game-end sweep (spec.md §4.7): idempotent, safe to
// re-run after a crash. Triggered by the Hub's end timer or by boot-time
// recovery.
func (s *Service) AutoFinalize(ctx context.Context, code string) {
	r, err := s.store.FindRoom(ctx, code)
	if err != nil {
		s.logger.Error("autoFinalize: room not found", "room", code, "error", err)
		return
	}

	if r.Status != model.RoomEnded {
		s.sweepParticipants(ctx, r)
		now := time.Now()
		if _, err := s.store.SetStatus(ctx, code, model.RoomEnded, &now); err != nil {
			s.logger.Error("autoFinalize: transition to ended failed", "room", code, "error", err)
		}
	}

	entries, err := s.projectLeaderboard(ctx, code)
	if err != nil {
		s.logger.Error("autoFinalize: project leaderboard failed", "room", code, "error", err)
		entries = nil
	}
	winner := leaderboard.Winner(entries)

	s.hub.Publish(code, hub.Event{
		Name:    "game-ended",
		Payload: map[string]any{"roomCode": code, "leaderboard": entries, "winner": winner},
	})
	s.hub.CancelGameRuntime(code)
}

func (s *Service) sweepParticipants(ctx context.Context, r model.Room) {
	problems, err := s.store.ListRoomProblems(ctx, r.Code)
	if err != nil {
		s.logger.Error("autoFinalize: list room problems failed", "room", r.Code, "error", err)
		return
	}
	users, err := s.store.GetUsers(ctx, r.Participants)
	if err != nil {
		s.logger.Error("autoFinalize: resolve participants failed", "room", r.Code, "error", err)
		return
	}

	startInstant := *r.StartInstant
	endInstant := startInstant.Add(r.Settings.Duration)

	pacer := judge.NewPacer(rate.Every(time.Second))
	for _, userID := range r.Participants {
		if err := pacer.Wait(ctx); err != nil {
			return
		}

		u, ok := users[userID]
		if !ok {
			continue
		}
		if err := s.sweepOneParticipant(ctx, r.Code, u, problems, startInstant, endInstant); err != nil {
			// Per-participant failures are logged and skipped; one
			// participant's judge error must not stop the others.
			s.logger.Warn("autoFinalize: participant sweep failed", "room", r.Code, "user", u.Handle, "error", err)
		}
	}
}

func (s *Service) sweepOneParticipant(ctx context.Context, code string, u model.User, problems []model.RoomProblem, startInstant, endInstant time.Time) error {
	existing, err := s.store.ListScoresOf(ctx, code, u.ID)
	if err != nil {
		return err
	}
	solved := make(map[model.ProblemKey]bool, len(existing))
	for _, sc := range existing {
		solved[sc.Key()] = true
	}

	var missing []model.RoomProblem
	for _, p := range problems {
		if !solved[p.Key()] {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	subs, err := s.judge.ListRecentSubmissions(ctx, u.Handle, recentSubmissionWindow)
	if err != nil {
		return err
	}

	for _, p := range missing {
		solveInstant, found := earliestAcceptedInWindow(subs, p.ContestID, p.Index, startInstant, endInstant)
		if !found {
			continue
		}
		points := scoring.Points(p.BasePoints, p.MinPoints, startInstant, solveInstant)
		sc := model.Score{RoomCode: code, UserID: u.ID, ContestID: p.ContestID, Index: p.Index, SolveInstant: solveInstant, Points: points}
		if _, err := s.store.InsertScore(ctx, sc); err != nil && !errIsAlreadyExists(err) {
			return err
		}
	}
	return nil
}

func findProblem(problems []model.RoomProblem, contestID int, index string) (model.RoomProblem, bool) {
	for _, p := range problems {
		if p.ContestID == contestID && p.Index == index {
			return p, true
		}
	}
	return model.RoomProblem{}, false
}

func earliestAccepted(subs []judge.Submission, contestID int, index string, after time.Time) (time.Time, bool) {
	return earliestAcceptedInWindow(subs, contestID, index, after, time.Time{})
}

// earliestAcceptedInWindow finds the earliest Accepted submission for
// (contestID, index) with creationInstant strictly after `after`, and (if
// until is non-zero) no later than `until`.
func earliestAcceptedInWindow(subs []judge.Submission, contestID int, index string, after, until time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, sub := range subs {
		if sub.ContestID != contestID || sub.Index != index || sub.Verdict != judge.VerdictAccepted {
			continue
		}
		if !sub.CreationInstant.After(after) {
			continue
		}
		if !until.IsZero() && sub.CreationInstant.After(until) {
			continue
		}
		if !found || sub.CreationInstant.Before(best) {
			best = sub.CreationInstant
			found = true
		}
	}
	return best, found
}

func errIsAlreadyExists(err error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if err == store.ErrAlreadyExists {
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
