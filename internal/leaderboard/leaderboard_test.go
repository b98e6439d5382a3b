package leaderboard

import (
	"testing"
	"time"

	"github.com/jpeterson-cpduel/cpduel/internal/model"
)

func TestProjectOrdering(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	users := map[string]model.User{
		"a": {ID: "a", Handle: "alice"},
		"b": {ID: "b", Handle: "bob"},
		"c": {ID: "c", Handle: "carol"},
	}

	scores := []model.Score{
		{RoomCode: "K3X9Q0", UserID: "a", ContestID: 100, Index: "A", SolveInstant: start.Add(3 * time.Minute), Points: 485},
		{RoomCode: "K3X9Q0", UserID: "b", ContestID: 100, Index: "C", SolveInstant: start.Add(14 * time.Minute), Points: 930},
		{RoomCode: "K3X9Q0", UserID: "c", ContestID: 100, Index: "A", SolveInstant: start.Add(2 * time.Minute), Points: 485},
	}

	entries := Project(scores, users)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	// b has the most points, ranks first.
	if entries[0].Handle != "bob" || entries[0].TotalPoints != 930 {
		t.Errorf("expected bob first with 930, got %+v", entries[0])
	}

	// a and c tie on points (485); c solved earlier, so c ranks above a.
	if entries[1].Handle != "carol" {
		t.Errorf("expected carol second (earlier tiebreak), got %+v", entries[1])
	}
	if entries[2].Handle != "alice" {
		t.Errorf("expected alice third, got %+v", entries[2])
	}
}

func TestProjectHandleTiebreak(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	users := map[string]model.User{
		"z": {ID: "z", Handle: "zed"},
		"a": {ID: "a", Handle: "amy"},
	}
	same := start.Add(time.Minute)
	scores := []model.Score{
		{UserID: "z", ContestID: 1, Index: "A", SolveInstant: same, Points: 100},
		{UserID: "a", ContestID: 1, Index: "A", SolveInstant: same, Points: 100},
	}

	entries := Project(scores, users)
	if entries[0].Handle != "amy" || entries[1].Handle != "zed" {
		t.Errorf("expected amy before zed on handle tiebreak, got %+v then %+v", entries[0], entries[1])
	}
}

func TestProjectIncludesNonScoringParticipant(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	users := map[string]model.User{
		"a": {ID: "a", Handle: "A"},
		"b": {ID: "b", Handle: "B"},
	}
	scores := []model.Score{
		{UserID: "a", ContestID: 100, Index: "A", SolveInstant: start.Add(3 * time.Minute), Points: 485},
	}

	entries := Project(scores, users)
	if len(entries) != 2 {
		t.Fatalf("expected both participants to appear, got %+v", entries)
	}
	if entries[0].Handle != "A" || entries[0].TotalPoints != 485 {
		t.Errorf("expected A first with 485, got %+v", entries[0])
	}
	if entries[1].Handle != "B" || entries[1].TotalPoints != 0 || entries[1].SolvedCount != 0 {
		t.Errorf("expected B last with zero points and zero solves, got %+v", entries[1])
	}
}

func TestProjectEmpty(t *testing.T) {
	entries := Project(nil, nil)
	if len(entries) != 0 {
		t.Errorf("expected empty leaderboard, got %+v", entries)
	}
	if Winner(entries) != nil {
		t.Errorf("expected nil winner for empty leaderboard")
	}
}

func TestProjectProblemScoresSortedBySolveTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	users := map[string]model.User{"a": {ID: "a", Handle: "alice"}}
	scores := []model.Score{
		{UserID: "a", ContestID: 100, Index: "C", SolveInstant: start.Add(10 * time.Minute), Points: 500},
		{UserID: "a", ContestID: 100, Index: "A", SolveInstant: start.Add(2 * time.Minute), Points: 485},
	}

	entries := Project(scores, users)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	ps := entries[0].ProblemScores
	if ps[0].Index != "A" || ps[1].Index != "C" {
		t.Errorf("expected problem scores sorted by solve time, got %+v", ps)
	}
}
