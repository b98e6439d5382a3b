// Package postgres is the durable Store implementation, backed by
// jackc/pgx/v5. It is grounded on the competitive-programming battle
// platform's pgx-based persistence pattern (other_examples' EventHub, which
// drives a generated store.Queries over a pgx pool); we hand-write the SQL
// here since the sqlc generator that produces Queries isn't part of this
// module's dependency surface.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jpeterson-cpduel/cpduel/internal/model"
	"github.com/jpeterson-cpduel/cpduel/internal/store"
)

const uniqueViolation = "23505"

// Store is the pgx-backed Store implementation.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pool. Callers own the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool against dsn and verifies connectivity with a ping.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(pool), nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) UpsertUserByHandle(ctx context.Context, handle string, rating int, avatarURL string) (model.User, error) {
	const q = `
		INSERT INTO users (id, handle, rating, avatar_url)
		VALUES (gen_random_uuid(), $1, $2, $3)
		ON CONFLICT (handle) DO UPDATE SET rating = EXCLUDED.rating, avatar_url = EXCLUDED.avatar_url
		RETURNING id, handle, rating, avatar_url`

	var u model.User
	err := s.pool.QueryRow(ctx, q, handle, rating, avatarURL).Scan(&u.ID, &u.Handle, &u.Rating, &u.AvatarURL)
	if err != nil {
		return model.User{}, fmt.Errorf("postgres: upsert user %s: %w", handle, err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (model.User, error) {
	const q = `SELECT id, handle, rating, avatar_url FROM users WHERE id = $1`
	var u model.User
	err := s.pool.QueryRow(ctx, q, userID).Scan(&u.ID, &u.Handle, &u.Rating, &u.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("postgres: get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUsers(ctx context.Context, userIDs []string) (map[string]model.User, error) {
	const q = `SELECT id, handle, rating, avatar_url FROM users WHERE id = ANY($1)`
	rows, err := s.pool.Query(ctx, q, userIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: get users: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.User, len(userIDs))
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Handle, &u.Rating, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

func (s *Store) CreateRoom(ctx context.Context, code, hostID string, settings model.RoomSettings) (model.Room, error) {
	const q = `
		INSERT INTO rooms (code, host_id, participants, min_rating, max_rating, question_count, duration_seconds, status)
		VALUES ($1, $2, ARRAY[$2]::text[], $3, $4, $5, $6, 'waiting')`

	_, err := s.pool.Exec(ctx, q, code, hostID, settings.MinRating, settings.MaxRating, settings.QuestionCount, int(settings.Duration.Seconds()))
	if isUniqueViolation(err) {
		return model.Room{}, fmt.Errorf("room %s: %w", code, store.ErrCodeCollision)
	}
	if err != nil {
		return model.Room{}, fmt.Errorf("postgres: create room: %w", err)
	}
	return s.FindRoom(ctx, code)
}

func scanRoom(row pgx.Row) (model.Room, error) {
	var (
		r             model.Room
		durationSecs  int
		startInstant  *time.Time
	)
	err := row.Scan(&r.Code, &r.HostID, &r.Participants, &r.Settings.MinRating, &r.Settings.MaxRating,
		&r.Settings.QuestionCount, &durationSecs, &r.Status, &startInstant)
	if err != nil {
		return model.Room{}, err
	}
	r.Settings.Duration = time.Duration(durationSecs) * time.Second
	r.StartInstant = startInstant
	return r, nil
}

const roomColumns = `code, host_id, participants, min_rating, max_rating, question_count, duration_seconds, status, start_instant`

func (s *Store) FindRoom(ctx context.Context, code string) (model.Room, error) {
	q := fmt.Sprintf(`SELECT %s FROM rooms WHERE code = $1`, roomColumns)
	r, err := scanRoom(s.pool.QueryRow(ctx, q, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Room{}, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	if err != nil {
		return model.Room{}, fmt.Errorf("postgres: find room: %w", err)
	}
	return r, nil
}

func (s *Store) FindRoomByParticipantAndStatus(ctx context.Context, userID string, status model.RoomStatus) (model.Room, error) {
	q := fmt.Sprintf(`SELECT %s FROM rooms WHERE $1 = ANY(participants) AND status = $2 LIMIT 1`, roomColumns)
	r, err := scanRoom(s.pool.QueryRow(ctx, q, userID, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Room{}, fmt.Errorf("no room for user %s with status %s: %w", userID, status, store.ErrNotFound)
	}
	if err != nil {
		return model.Room{}, fmt.Errorf("postgres: find room by participant: %w", err)
	}
	return r, nil
}

func (s *Store) AddParticipant(ctx context.Context, code, userID string) (model.Room, error) {
	const q = `
		UPDATE rooms SET participants = array_append(participants, $2)
		WHERE code = $1 AND NOT ($2 = ANY(participants))`
	if _, err := s.pool.Exec(ctx, q, code, userID); err != nil {
		return model.Room{}, fmt.Errorf("postgres: add participant: %w", err)
	}
	return s.FindRoom(ctx, code)
}

func (s *Store) RemoveParticipant(ctx context.Context, code, userID string) (model.Room, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Room{}, false, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const upd = `
		UPDATE rooms SET participants = array_remove(participants, $2)
		WHERE code = $1
		RETURNING cardinality(participants)`
	var remaining int
	if err := tx.QueryRow(ctx, upd, code, userID).Scan(&remaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Room{}, false, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
		}
		return model.Room{}, false, fmt.Errorf("postgres: remove participant: %w", err)
	}

	if remaining == 0 {
		// Cascade delete relies on ON DELETE CASCADE foreign keys from
		// room_problems and scores onto rooms(code).
		if _, err := tx.Exec(ctx, `DELETE FROM rooms WHERE code = $1`, code); err != nil {
			return model.Room{}, false, fmt.Errorf("postgres: cascade delete room: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return model.Room{}, false, fmt.Errorf("postgres: commit: %w", err)
		}
		return model.Room{Code: code}, true, nil
	}

	q := fmt.Sprintf(`SELECT %s FROM rooms WHERE code = $1`, roomColumns)
	r, err := scanRoom(tx.QueryRow(ctx, q, code))
	if err != nil {
		return model.Room{}, false, fmt.Errorf("postgres: reload room: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Room{}, false, fmt.Errorf("postgres: commit: %w", err)
	}
	return r, false, nil
}

func (s *Store) SetHost(ctx context.Context, code, userID string) (model.Room, error) {
	res, err := s.pool.Exec(ctx, `UPDATE rooms SET host_id = $2 WHERE code = $1`, code, userID)
	if err != nil {
		return model.Room{}, fmt.Errorf("postgres: set host: %w", err)
	}
	if res.RowsAffected() == 0 {
		return model.Room{}, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	return s.FindRoom(ctx, code)
}

func (s *Store) SetStatus(ctx context.Context, code string, status model.RoomStatus, startInstant *time.Time) (model.Room, error) {
	var res pgconn.CommandTag
	var err error
	if status == model.RoomStarted && startInstant != nil {
		res, err = s.pool.Exec(ctx, `UPDATE rooms SET status = $2, start_instant = $3 WHERE code = $1`, code, status, *startInstant)
	} else {
		res, err = s.pool.Exec(ctx, `UPDATE rooms SET status = $2 WHERE code = $1`, code, status)
	}
	if err != nil {
		return model.Room{}, fmt.Errorf("postgres: set status: %w", err)
	}
	if res.RowsAffected() == 0 {
		return model.Room{}, fmt.Errorf("room %s: %w", code, store.ErrNotFound)
	}
	return s.FindRoom(ctx, code)
}

func (s *Store) UpdateSettings(ctx context.Context, code string, minRating, maxRating int) (model.Room, error) {
	const q = `
		UPDATE rooms SET min_rating = $2, max_rating = $3
		WHERE code = $1 AND status = 'waiting'`
	res, err := s.pool.Exec(ctx, q, code, minRating, maxRating)
	if err != nil {
		return model.Room{}, fmt.Errorf("postgres: update settings: %w", err)
	}
	if res.RowsAffected() == 0 {
		if _, ferr := s.FindRoom(ctx, code); ferr != nil {
			return model.Room{}, ferr
		}
		return model.Room{}, fmt.Errorf("room %s not waiting: %w", code, store.ErrConflict)
	}
	return s.FindRoom(ctx, code)
}

func (s *Store) PutRoomProblems(ctx context.Context, code string, problems []model.RoomProblem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM room_problems WHERE room_code = $1`, code); err != nil {
		return fmt.Errorf("postgres: clear room problems: %w", err)
	}

	const ins = `
		INSERT INTO room_problems (room_code, contest_id, index, rating, base_points, min_points)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, p := range problems {
		if _, err := tx.Exec(ctx, ins, code, p.ContestID, p.Index, p.Rating, p.BasePoints, p.MinPoints); err != nil {
			return fmt.Errorf("postgres: insert room problem: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListRoomProblems(ctx context.Context, code string) ([]model.RoomProblem, error) {
	const q = `SELECT room_code, contest_id, index, rating, base_points, min_points FROM room_problems WHERE room_code = $1`
	rows, err := s.pool.Query(ctx, q, code)
	if err != nil {
		return nil, fmt.Errorf("postgres: list room problems: %w", err)
	}
	defer rows.Close()

	var out []model.RoomProblem
	for rows.Next() {
		var p model.RoomProblem
		if err := rows.Scan(&p.RoomCode, &p.ContestID, &p.Index, &p.Rating, &p.BasePoints, &p.MinPoints); err != nil {
			return nil, fmt.Errorf("postgres: scan room problem: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertScore(ctx context.Context, sc model.Score) (model.Score, error) {
	const q = `
		INSERT INTO scores (room_code, user_id, contest_id, index, solve_instant, points)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, q, sc.RoomCode, sc.UserID, sc.ContestID, sc.Index, sc.SolveInstant, sc.Points)
	if isUniqueViolation(err) {
		existing, ferr := s.findScore(ctx, sc.RoomCode, sc.UserID, sc.ContestID, sc.Index)
		if ferr != nil {
			return model.Score{}, ferr
		}
		return existing, fmt.Errorf("score for %s %d%s: %w", sc.UserID, sc.ContestID, sc.Index, store.ErrAlreadyExists)
	}
	if err != nil {
		return model.Score{}, fmt.Errorf("postgres: insert score: %w", err)
	}
	return sc, nil
}

func (s *Store) findScore(ctx context.Context, roomCode, userID string, contestID int, index string) (model.Score, error) {
	const q = `
		SELECT room_code, user_id, contest_id, index, solve_instant, points
		FROM scores WHERE room_code = $1 AND user_id = $2 AND contest_id = $3 AND index = $4`
	var sc model.Score
	err := s.pool.QueryRow(ctx, q, roomCode, userID, contestID, index).
		Scan(&sc.RoomCode, &sc.UserID, &sc.ContestID, &sc.Index, &sc.SolveInstant, &sc.Points)
	if err != nil {
		return model.Score{}, fmt.Errorf("postgres: find score: %w", err)
	}
	return sc, nil
}

func (s *Store) ListScores(ctx context.Context, code string) ([]model.Score, error) {
	return s.listScores(ctx, `SELECT room_code, user_id, contest_id, index, solve_instant, points FROM scores WHERE room_code = $1`, code)
}

func (s *Store) ListScoresOf(ctx context.Context, code, userID string) ([]model.Score, error) {
	return s.listScores(ctx, `SELECT room_code, user_id, contest_id, index, solve_instant, points FROM scores WHERE room_code = $1 AND user_id = $2`, code, userID)
}

func (s *Store) listScores(ctx context.Context, q string, args ...any) ([]model.Score, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list scores: %w", err)
	}
	defer rows.Close()

	var out []model.Score
	for rows.Next() {
		var sc model.Score
		if err := rows.Scan(&sc.RoomCode, &sc.UserID, &sc.ContestID, &sc.Index, &sc.SolveInstant, &sc.Points); err != nil {
			return nil, fmt.Errorf("postgres: scan score: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) ListStartedRooms(ctx context.Context) ([]model.Room, error) {
	q := fmt.Sprintf(`SELECT %s FROM rooms WHERE status = 'started'`, roomColumns)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: list started rooms: %w", err)
	}
	defer rows.Close()

	var out []model.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan started room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ store.Store = (*Store)(nil)
