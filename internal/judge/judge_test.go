package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jpeterson-cpduel/cpduel/internal/apperr"
)

func TestResolveUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user.info":
			json.NewEncoder(w).Encode(map[string]any{
				"status": "OK",
				"result": []map[string]any{{"handle": "tourist", "rating": 3800, "avatar": "https://x/a.png"}},
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{"status": "OK", "result": []any{}})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	u, err := c.ResolveUser(context.Background(), "tourist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Handle != "tourist" || u.Rating != 3800 {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestResolveUserUnknownHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "FAILED", "comment": "handle: User with handle nobody not found"})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.ResolveUser(context.Background(), "nobody")
	if apperr.CodeOf(err) != apperr.UnknownHandle {
		t.Fatalf("expected UnknownHandle, got %v", err)
	}
}

func TestListAllProblems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"result": map[string]any{
				"problems": []map[string]any{
					{"contestId": 100, "index": "A", "rating": 800},
					{"contestId": 100, "index": "B"},
				},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	problems, err := c.ListAllProblems(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %d", len(problems))
	}
	if problems[1].Rating != 0 {
		t.Errorf("expected unrated problem to have Rating 0, got %d", problems[1].Rating)
	}
}

func TestListRecentSubmissions(t *testing.T) {
	creation := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"result": []map[string]any{
				{"problem": map[string]any{"contestId": 100, "index": "A"}, "verdict": "OK", "creationTimeSeconds": creation},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	subs, err := c.ListRecentSubmissions(context.Background(), "tourist", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs) != 1 || subs[0].Verdict != VerdictAccepted {
		t.Fatalf("unexpected submissions: %+v", subs)
	}
	if !subs[0].CreationInstant.Equal(time.Unix(creation, 0).UTC()) {
		t.Errorf("unexpected creation instant: %v", subs[0].CreationInstant)
	}
}

func TestJudgeUnavailableOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.ListAllProblems(context.Background())
	if apperr.CodeOf(err) != apperr.JudgeUnavailable {
		t.Fatalf("expected JudgeUnavailable, got %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	for i := 0; i < 5; i++ {
		if _, err := c.ListAllProblems(context.Background()); apperr.CodeOf(err) != apperr.JudgeUnavailable {
			t.Fatalf("call %d: expected JudgeUnavailable, got %v", i, err)
		}
	}

	// The breaker should now be open and fast-failing without hitting the
	// server at all; still surfaces as JudgeUnavailable to callers.
	_, err := c.ListAllProblems(context.Background())
	if apperr.CodeOf(err) != apperr.JudgeUnavailable {
		t.Fatalf("expected JudgeUnavailable once breaker is open, got %v", err)
	}
}
