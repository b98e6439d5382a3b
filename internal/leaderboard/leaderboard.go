// Package leaderboard derives the ordered leaderboard view from a room's
// persisted Scores and Users, on demand (spec.md §4.5). Nothing here is
// stored; Project is a pure function of its inputs.
package leaderboard

import (
	"sort"
	"time"

	"github.com/jpeterson-cpduel/cpduel/internal/model"
)

// ProblemScore is one solved-problem line within an Entry.
type ProblemScore struct {
	ContestID    int       `json:"contestId"`
	Index        string    `json:"index"`
	Points       int       `json:"points"`
	SolveInstant time.Time `json:"solveInstant"`
}

// Entry is one player's row in the leaderboard.
type Entry struct {
	UserID        string         `json:"userId"`
	Handle        string         `json:"handle"`
	AvatarURL     string         `json:"avatar"`
	TotalPoints   int            `json:"totalPoints"`
	SolvedCount   int            `json:"solvedCount"`
	ProblemScores []ProblemScore `json:"problemScores"`

	earliestSolve time.Time
}

// Project derives the ordered leaderboard for a room from its scores and the
// resolved users that produced them. users must contain every participant in
// the room, not just those with a score — a participant with zero solves
// still ranks, last, with zero points (spec.md §4.5, scenario S1).
//
// Ordering: primary descending totalPoints; secondary ascending earliest
// solveInstant across the user's scores; tertiary ascending handle.
// ProblemScores within an entry are sorted ascending by solveInstant.
func Project(scores []model.Score, users map[string]model.User) []Entry {
	byUser := make(map[string]*Entry, len(users))
	order := make([]string, 0, len(users))

	seed := func(userID string) *Entry {
		if e, ok := byUser[userID]; ok {
			return e
		}
		u := users[userID]
		e := &Entry{
			UserID:    userID,
			Handle:    u.Handle,
			AvatarURL: u.AvatarURL,
		}
		byUser[userID] = e
		order = append(order, userID)
		return e
	}

	seededUsers := make([]string, 0, len(users))
	for id := range users {
		seededUsers = append(seededUsers, id)
	}
	sort.Strings(seededUsers)
	for _, id := range seededUsers {
		seed(id)
	}

	for _, s := range scores {
		e := seed(s.UserID)
		e.TotalPoints += s.Points
		e.SolvedCount++
		e.ProblemScores = append(e.ProblemScores, ProblemScore{
			ContestID:    s.ContestID,
			Index:        s.Index,
			Points:       s.Points,
			SolveInstant: s.SolveInstant,
		})
		if e.earliestSolve.IsZero() || s.SolveInstant.Before(e.earliestSolve) {
			e.earliestSolve = s.SolveInstant
		}
	}

	entries := make([]Entry, 0, len(order))
	for _, id := range order {
		e := byUser[id]
		sort.Slice(e.ProblemScores, func(i, j int) bool {
			return e.ProblemScores[i].SolveInstant.Before(e.ProblemScores[j].SolveInstant)
		})
		entries = append(entries, *e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.TotalPoints != b.TotalPoints {
			return a.TotalPoints > b.TotalPoints
		}
		if !a.earliestSolve.Equal(b.earliestSolve) {
			return a.earliestSolve.Before(b.earliestSolve)
		}
		return a.Handle < b.Handle
	})

	return entries
}

// Winner returns the first entry, or nil if the leaderboard is empty.
func Winner(entries []Entry) *Entry {
	if len(entries) == 0 {
		return nil
	}
	return &entries[0]
}
