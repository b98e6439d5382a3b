// Package judge is the typed facade over the external competitive-judge
// endpoints (spec.md §4.3): resolving a handle, listing the full problem
// set, and listing a user's recent submissions. It wraps outbound calls in
// a probe-style circuit breaker (grounded on
// GVCUTV-NRG-CHAMP/circuit_breaker's HTTPClient) and exposes a Pacer for
// the ≥1s inter-call gap the finalization sweep must honor.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jpeterson-cpduel/cpduel/internal/apperr"
)

const callTimeout = 20 * time.Second

// Problem is one entry from the judge's full problem set.
type Problem struct {
	ContestID int
	Index     string
	Rating    int // 0 if the judge didn't report one
}

// Submission is one entry from a user's recent submission history.
type Submission struct {
	ContestID      int
	Index          string
	Verdict        string
	CreationInstant time.Time
}

// Verdict strings the judge reports. Only Accepted is meaningful to the
// scoring path; others are passed through for logging.
const VerdictAccepted = "OK"

// ResolvedUser is the result of resolving a handle against the judge.
type ResolvedUser struct {
	Handle    string
	Rating    int
	AvatarURL string
}

// Client is the judge facade. The zero value is not usable; construct with
// New.
type Client struct {
	baseURL string
	http    breakerDoer
}

type breakerDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// New builds a Client against baseURL (e.g. "https://codeforces.com/api"),
// wrapping httpClient in a breaker that probes baseURL+"/problemset.problems"
// when open.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callTimeout}
	}
	probeURL := baseURL + "/problemset.problems"
	brk := newBreakerClient("judge", breakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second}, probeURL, httpClient)
	return &Client{baseURL: baseURL, http: brk}
}

// judge API envelope shared by all three read endpoints.
type apiResponse struct {
	Status  string          `json:"status"`
	Comment string          `json:"comment"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build judge request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.JudgeUnavailable, err, "judge call timed out")
		}
		return nil, apperr.Wrap(apperr.JudgeUnavailable, err, "judge call failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.JudgeUnavailable, err, "read judge response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.JudgeUnavailable, fmt.Sprintf("judge returned status %d", resp.StatusCode))
	}

	var env apiResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Wrap(apperr.JudgeUnavailable, err, "decode judge response")
	}
	if env.Status != "OK" {
		if isHandleNotFound(env.Comment) {
			return nil, apperr.New(apperr.UnknownHandle, env.Comment)
		}
		return nil, apperr.New(apperr.JudgeUnavailable, "judge: "+env.Comment)
	}
	return env.Result, nil
}

func isHandleNotFound(comment string) bool {
	// The judge reports this family of comments when a handle doesn't
	// resolve to any user; matched loosely since the exact wording isn't
	// part of any documented contract.
	return len(comment) > 0 && (contains(comment, "not found") || contains(comment, "handle"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if eqFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ResolveUser resolves handle to a {handle, rating, avatar} tuple.
func (c *Client) ResolveUser(ctx context.Context, handle string) (ResolvedUser, error) {
	raw, err := c.get(ctx, "/user.info", url.Values{"handles": {handle}})
	if err != nil {
		return ResolvedUser{}, err
	}

	var users []struct {
		Handle    string `json:"handle"`
		Rating    int    `json:"rating"`
		AvatarURL string `json:"avatar"`
	}
	if err := json.Unmarshal(raw, &users); err != nil {
		return ResolvedUser{}, apperr.Wrap(apperr.JudgeUnavailable, err, "decode user.info result")
	}
	if len(users) == 0 {
		return ResolvedUser{}, apperr.New(apperr.UnknownHandle, "no such handle: "+handle)
	}
	u := users[0]
	return ResolvedUser{Handle: u.Handle, Rating: u.Rating, AvatarURL: u.AvatarURL}, nil
}

// ListAllProblems returns the judge's full problem set.
func (c *Client) ListAllProblems(ctx context.Context) ([]Problem, error) {
	raw, err := c.get(ctx, "/problemset.problems", nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Problems []struct {
			ContestID int    `json:"contestId"`
			Index     string `json:"index"`
			Rating    int    `json:"rating"`
		} `json:"problems"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperr.Wrap(apperr.JudgeUnavailable, err, "decode problemset.problems result")
	}

	out := make([]Problem, 0, len(payload.Problems))
	for _, p := range payload.Problems {
		out = append(out, Problem{ContestID: p.ContestID, Index: p.Index, Rating: p.Rating})
	}
	return out, nil
}

// ListRecentSubmissions returns the user's most recent `count` submissions,
// newest first, as reported by the judge.
func (c *Client) ListRecentSubmissions(ctx context.Context, handle string, count int) ([]Submission, error) {
	raw, err := c.get(ctx, "/user.status", url.Values{
		"handle": {handle},
		"from":   {"1"},
		"count":  {fmt.Sprint(count)},
	})
	if err != nil {
		return nil, err
	}

	var payload []struct {
		Problem struct {
			ContestID int    `json:"contestId"`
			Index     string `json:"index"`
		} `json:"problem"`
		Verdict        string `json:"verdict"`
		CreationTimeSec int64  `json:"creationTimeSeconds"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperr.Wrap(apperr.JudgeUnavailable, err, "decode user.status result")
	}

	out := make([]Submission, 0, len(payload))
	for _, s := range payload {
		out = append(out, Submission{
			ContestID:       s.Problem.ContestID,
			Index:           s.Problem.Index,
			Verdict:         s.Verdict,
			CreationInstant: time.Unix(s.CreationTimeSec, 0).UTC(),
		})
	}
	return out, nil
}
