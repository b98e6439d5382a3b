package game

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jpeterson-cpduel/cpduel/internal/apperr"
	"github.com/jpeterson-cpduel/cpduel/internal/hub"
	"github.com/jpeterson-cpduel/cpduel/internal/judge"
	"github.com/jpeterson-cpduel/cpduel/internal/model"
	"github.com/jpeterson-cpduel/cpduel/internal/store/memory"
)

type judgeFixture struct {
	problems    []map[string]any
	submissions map[string][]map[string]any
}

func newJudgeServer(t *testing.T, fx *judgeFixture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/problemset.problems":
			json.NewEncoder(w).Encode(map[string]any{
				"status": "OK",
				"result": map[string]any{"problems": fx.problems},
			})
		case "/user.status":
			handle := r.URL.Query().Get("handle")
			json.NewEncoder(w).Encode(map[string]any{
				"status": "OK",
				"result": fx.submissions[handle],
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{"status": "OK", "result": []any{}})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGame(t *testing.T, fx *judgeFixture) (*Service, *memory.Store, *hub.Hub) {
	t.Helper()
	srv := newJudgeServer(t, fx)
	st := memory.New()
	h := hub.New()
	t.Cleanup(h.Shutdown)
	jc := judge.New(srv.URL, srv.Client())
	return New(st, jc, h, slog.Default()), st, h
}

func setupRoom(t *testing.T, ctx context.Context, st *memory.Store, minR, maxR int) (model.Room, model.User, model.User) {
	t.Helper()
	host, _ := st.UpsertUserByHandle(ctx, "alice", 1400, "")
	other, _ := st.UpsertUserByHandle(ctx, "bob", 1600, "")
	r, err := st.CreateRoom(ctx, "AAAAAA", host.ID, model.RoomSettings{MinRating: minR, MaxRating: maxR, QuestionCount: 2, Duration: 15 * time.Minute})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	r, err = st.AddParticipant(ctx, r.Code, other.ID)
	if err != nil {
		t.Fatalf("add participant: %v", err)
	}
	return r, host, other
}

func TestStartGamePartitionsAndProvisions(t *testing.T) {
	ctx := context.Background()
	fx := &judgeFixture{problems: []map[string]any{
		{"contestId": 1, "index": "A", "rating": 900},
		{"contestId": 1, "index": "B", "rating": 1400},
		{"contestId": 2, "index": "C", "rating": 1800},
		{"contestId": 2, "index": "D"}, // unrated, ignored
	}}
	svc, st, _ := newTestGame(t, fx)
	r, host, _ := setupRoom(t, ctx, st, 1000, 2000)

	if err := svc.StartGame(ctx, r.Code, host.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, _ := st.FindRoom(ctx, r.Code)
	if updated.Status != model.RoomStarted {
		t.Fatalf("expected room started, got %s", updated.Status)
	}
	problems, _ := st.ListRoomProblems(ctx, r.Code)
	if len(problems) != 2 {
		t.Fatalf("expected 2 room problems, got %d", len(problems))
	}
	if problems[0].BasePoints != lowerBasePoints || problems[1].BasePoints != upperBasePoints {
		t.Fatalf("expected lower/upper scoring constants, got %+v", problems)
	}
}

func TestStartGameInsufficientProblems(t *testing.T) {
	ctx := context.Background()
	fx := &judgeFixture{problems: []map[string]any{
		{"contestId": 1, "index": "A", "rating": 900},
	}}
	svc, st, _ := newTestGame(t, fx)
	r, host, _ := setupRoom(t, ctx, st, 1000, 2000)

	err := svc.StartGame(ctx, r.Code, host.ID)
	if apperr.CodeOf(err) != apperr.InsufficientProblems {
		t.Fatalf("expected InsufficientProblems, got %v", err)
	}

	after, _ := st.FindRoom(ctx, r.Code)
	if after.Status != model.RoomWaiting {
		t.Fatalf("expected status to remain waiting on abort, got %s", after.Status)
	}
}

func TestStartGameRejectsNonHost(t *testing.T) {
	ctx := context.Background()
	fx := &judgeFixture{}
	svc, st, _ := newTestGame(t, fx)
	r, _, other := setupRoom(t, ctx, st, 1000, 2000)

	err := svc.StartGame(ctx, r.Code, other.ID)
	if apperr.CodeOf(err) != apperr.Forbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestCheckSubmissionScoresAndPreventsDoubleScoring(t *testing.T) {
	ctx := context.Background()
	fx := &judgeFixture{
		problems: []map[string]any{
			{"contestId": 1, "index": "A", "rating": 1200},
			{"contestId": 2, "index": "B", "rating": 1800},
		},
		submissions: map[string][]map[string]any{},
	}
	svc, st, _ := newTestGame(t, fx)
	r, host, _ := setupRoom(t, ctx, st, 1000, 2000)
	if err := svc.StartGame(ctx, r.Code, host.ID); err != nil {
		t.Fatalf("start game: %v", err)
	}

	updated, _ := st.FindRoom(ctx, r.Code)
	problems, _ := st.ListRoomProblems(ctx, r.Code)
	p := problems[0]

	// The judge reports whole seconds; the extra 30s keeps the truncated
	// creation time inside the third minute whatever StartInstant's
	// sub-second part is.
	solveTime := updated.StartInstant.Add(2*time.Minute + 30*time.Second).Unix()
	fx.submissions["alice"] = []map[string]any{
		{"problem": map[string]any{"contestId": p.ContestID, "index": p.Index}, "verdict": "OK", "creationTimeSeconds": solveTime},
	}

	if err := svc.CheckSubmission(ctx, r.Code, host.ID, "alice", "sess1", p.ContestID, p.Index); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	scores, _ := st.ListScoresOf(ctx, r.Code, host.ID)
	if len(scores) != 1 {
		t.Fatalf("expected 1 score recorded, got %d", len(scores))
	}
	if scores[0].Points != p.BasePoints-5*2 {
		t.Fatalf("expected decayed points, got %d", scores[0].Points)
	}

	// Checking again must not add a second score.
	if err := svc.CheckSubmission(ctx, r.Code, host.ID, "alice", "sess1", p.ContestID, p.Index); err != nil {
		t.Fatalf("unexpected error on re-check: %v", err)
	}
	scores, _ = st.ListScoresOf(ctx, r.Code, host.ID)
	if len(scores) != 1 {
		t.Fatalf("expected score count to stay at 1, got %d", len(scores))
	}
}

func TestAutoFinalizeSweepsAndEnds(t *testing.T) {
	ctx := context.Background()
	fx := &judgeFixture{
		problems: []map[string]any{
			{"contestId": 1, "index": "A", "rating": 1200},
			{"contestId": 2, "index": "B", "rating": 1800},
		},
		submissions: map[string][]map[string]any{},
	}
	svc, st, _ := newTestGame(t, fx)
	r, host, other := setupRoom(t, ctx, st, 1000, 2000)
	if err := svc.StartGame(ctx, r.Code, host.ID); err != nil {
		t.Fatalf("start game: %v", err)
	}

	updated, _ := st.FindRoom(ctx, r.Code)
	problems, _ := st.ListRoomProblems(ctx, r.Code)

	fx.submissions["alice"] = []map[string]any{
		{"problem": map[string]any{"contestId": problems[0].ContestID, "index": problems[0].Index}, "verdict": "OK", "creationTimeSeconds": updated.StartInstant.Add(time.Minute).Unix()},
	}
	fx.submissions["bob"] = []map[string]any{
		{"problem": map[string]any{"contestId": problems[1].ContestID, "index": problems[1].Index}, "verdict": "OK", "creationTimeSeconds": updated.StartInstant.Add(3 * time.Minute).Unix()},
	}

	svc.AutoFinalize(ctx, r.Code)

	ended, _ := st.FindRoom(ctx, r.Code)
	if ended.Status != model.RoomEnded {
		t.Fatalf("expected room ended, got %s", ended.Status)
	}

	aliceScores, _ := st.ListScoresOf(ctx, r.Code, host.ID)
	bobScores, _ := st.ListScoresOf(ctx, r.Code, other.ID)
	if len(aliceScores) != 1 || len(bobScores) != 1 {
		t.Fatalf("expected both participants credited, got alice=%d bob=%d", len(aliceScores), len(bobScores))
	}

	// Idempotence: running again must not duplicate scores or error out.
	svc.AutoFinalize(ctx, r.Code)
	aliceScores, _ = st.ListScoresOf(ctx, r.Code, host.ID)
	if len(aliceScores) != 1 {
		t.Fatalf("expected autoFinalize re-run to stay idempotent, got %d scores", len(aliceScores))
	}
}
