// Package sqlite persists climbs, votes, sessions and route attempts in a
// single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/NeilCic/nappatzim-sub001/internal/domain"
	_ "modernc.org/sqlite"
)

// Store implements the service's persistence needs on SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database directory if needed, opens the file and applies
// the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db path: %w", err)
	}

	// WAL with NORMAL sync; foreign keys are per-connection in SQLite so they
	// are enabled in the DSN.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", filepath.Clean(dbPath))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS climbs (
			id             TEXT    PRIMARY KEY,
			name           TEXT    NOT NULL,
			grading_system TEXT    NOT NULL,
			grade          TEXT    NOT NULL,
			created_at     INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS votes (
			climb_id    TEXT    NOT NULL REFERENCES climbs(id) ON DELETE CASCADE,
			user_id     TEXT    NOT NULL,
			grade       TEXT    NOT NULL,
			height_cm   INTEGER,
			descriptors TEXT    NOT NULL DEFAULT '[]',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (climb_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT    PRIMARY KEY,
			user_id    TEXT    NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at   INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user
			ON sessions (user_id, started_at);

		CREATE TABLE IF NOT EXISTS route_attempts (
			id             TEXT    PRIMARY KEY,
			session_id     TEXT    NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			climb_id       TEXT    REFERENCES climbs(id) ON DELETE SET NULL,
			status         TEXT    NOT NULL,
			attempts       INTEGER NOT NULL CHECK (attempts >= 1),
			proposed_grade TEXT    NOT NULL,
			grade_system   TEXT    NOT NULL,
			voter_grade    TEXT,
			descriptors    TEXT    NOT NULL DEFAULT '[]',
			created_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_route_attempts_session
			ON route_attempts (session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_route_attempts_climb
			ON route_attempts (climb_id);
	`)
	return err
}

// CreateClimb inserts a new climb.
func (s *Store) CreateClimb(ctx context.Context, c domain.Climb) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO climbs (id, name, grading_system, grade, created_at)
		VALUES (?,?,?,?,?)
	`, c.ID, c.Name, string(c.GradingSystem), c.Grade, c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert climb: %w", err)
	}
	return nil
}

// Climb returns the climb with the given ID or domain.ErrNotFound.
func (s *Store) Climb(ctx context.Context, id string) (domain.Climb, error) {
	var (
		c       domain.Climb
		system  string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, grading_system, grade, created_at FROM climbs WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &system, &c.Grade, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Climb{}, fmt.Errorf("climb %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Climb{}, fmt.Errorf("query climb: %w", err)
	}
	c.GradingSystem = domain.GradingSystem(system)
	c.CreatedAt = fromMillis(created)
	return c, nil
}

// DeleteClimb removes a climb and its votes in one transaction. Every route
// attempt on the climb is passed through detach and stored with the returned
// snapshot and no climb reference. It returns the number of detached attempts.
func (s *Store) DeleteClimb(ctx context.Context, id string, detach func(domain.RouteAttempt) domain.RouteAttempt) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete climb: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, routeSelect+` WHERE climb_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("query climb routes: %w", err)
	}
	var attempts []domain.RouteAttempt
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		attempts = append(attempts, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("query climb routes: %w", err)
	}

	for _, r := range attempts {
		r = detach(r)
		descriptors, err := encodeDescriptors(r.Descriptors)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE route_attempts SET voter_grade = ?, descriptors = ?, climb_id = NULL
			WHERE id = ?
		`, nullString(r.VoterGrade), descriptors, r.ID); err != nil {
			return 0, fmt.Errorf("detach route %s: %w", r.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE climb_id = ?`, id); err != nil {
		return 0, fmt.Errorf("delete votes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM climbs WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete climb: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("climb %s: %w", id, domain.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete climb: %w", err)
	}
	return int64(len(attempts)), nil
}

// UpsertVote stores a vote, replacing any earlier vote by the same user on the
// same climb. The original created_at is preserved.
func (s *Store) UpsertVote(ctx context.Context, v domain.Vote) error {
	descriptors, err := encodeDescriptors(v.Descriptors)
	if err != nil {
		return err
	}
	var height sql.NullInt64
	if v.HeightCM != nil {
		height = sql.NullInt64{Int64: int64(*v.HeightCM), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO votes (climb_id, user_id, grade, height_cm, descriptors, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (climb_id, user_id) DO UPDATE SET
			grade       = excluded.grade,
			height_cm   = excluded.height_cm,
			descriptors = excluded.descriptors,
			updated_at  = excluded.updated_at
	`, v.ClimbID, v.UserID, v.Grade, height, descriptors, v.CreatedAt.UnixMilli(), v.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

// VotesForClimb lists a climb's votes in submission order.
func (s *Store) VotesForClimb(ctx context.Context, climbID string) ([]domain.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT climb_id, user_id, grade, height_cm, descriptors, created_at, updated_at
		FROM votes
		WHERE climb_id = ?
		ORDER BY created_at, user_id
	`, climbID)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()

	var out []domain.Vote
	for rows.Next() {
		var (
			v                domain.Vote
			height           sql.NullInt64
			descriptors      string
			created, updated int64
		)
		if err := rows.Scan(&v.ClimbID, &v.UserID, &v.Grade, &height, &descriptors, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		if height.Valid {
			h := int(height.Int64)
			v.HeightCM = &h
		}
		if v.Descriptors, err = decodeDescriptors(descriptors); err != nil {
			return nil, err
		}
		v.CreatedAt = fromMillis(created)
		v.UpdatedAt = fromMillis(updated)
		out = append(out, v)
	}
	return out, rows.Err()
}

// CreateSession inserts a session. Routes on the value are ignored.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	var ended sql.NullInt64
	if sess.EndedAt != nil {
		ended = sql.NullInt64{Int64: sess.EndedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, started_at, ended_at) VALUES (?,?,?,?)
	`, sess.ID, sess.UserID, sess.StartedAt.UnixMilli(), ended)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession stamps the session's end time. Ending twice returns
// domain.ErrSessionClosed.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL
	`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Session(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("session %s: %w", id, domain.ErrSessionClosed)
}

// Session returns a session with its routes in logging order.
func (s *Store) Session(ctx context.Context, id string) (domain.Session, error) {
	var (
		sess    domain.Session
		started int64
		ended   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, started_at, ended_at FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.UserID, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("query session: %w", err)
	}
	sess.StartedAt = fromMillis(started)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		sess.EndedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, routeSelect+` WHERE session_id = ? ORDER BY created_at, rowid`, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return domain.Session{}, err
		}
		sess.Routes = append(sess.Routes, r)
	}
	return sess, rows.Err()
}

// SessionsForUser returns all of a user's sessions, oldest first, with routes.
func (s *Store) SessionsForUser(ctx context.Context, userID string) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, ended_at FROM sessions WHERE user_id = ? ORDER BY started_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	var sessions []domain.Session
	index := make(map[string]int)
	for rows.Next() {
		var (
			sess    = domain.Session{UserID: userID}
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &started, &ended); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt = fromMillis(started)
		if ended.Valid {
			t := fromMillis(ended.Int64)
			sess.EndedAt = &t
		}
		index[sess.ID] = len(sessions)
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	routeRows, err := s.db.QueryContext(ctx, routeSelect+`
		WHERE session_id IN (SELECT id FROM sessions WHERE user_id = ?)
		ORDER BY created_at, rowid
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer routeRows.Close()
	for routeRows.Next() {
		r, err := scanRoute(routeRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[r.SessionID]; ok {
			sessions[i].Routes = append(sessions[i].Routes, r)
		}
	}
	return sessions, routeRows.Err()
}

// AddRouteAttempt logs a route on an existing session.
func (s *Store) AddRouteAttempt(ctx context.Context, r domain.RouteAttempt) error {
	descriptors, err := encodeDescriptors(r.Descriptors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO route_attempts
			(id, session_id, climb_id, status, attempts, proposed_grade, grade_system, voter_grade, descriptors, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`, r.ID, r.SessionID, nullString(r.ClimbID), string(r.Status), r.Attempts, r.ProposedGrade,
		string(r.GradeSystem), nullString(r.VoterGrade), descriptors, r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert route attempt: %w", err)
	}
	return nil
}

// RouteAttempt returns a single logged route.
func (s *Store) RouteAttempt(ctx context.Context, id string) (domain.RouteAttempt, error) {
	r, err := scanRoute(s.db.QueryRowContext(ctx, routeSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RouteAttempt{}, fmt.Errorf("route attempt %s: %w", id, domain.ErrNotFound)
	}
	return r, err
}

// UpdateRouteSnapshot rewrites the voter grade and descriptor snapshot.
func (s *Store) UpdateRouteSnapshot(ctx context.Context, r domain.RouteAttempt) error {
	descriptors, err := encodeDescriptors(r.Descriptors)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE route_attempts SET voter_grade = ?, descriptors = ? WHERE id = ?
	`, nullString(r.VoterGrade), descriptors, r.ID)
	if err != nil {
		return fmt.Errorf("update route snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("route attempt %s: %w", r.ID, domain.ErrNotFound)
	}
	return nil
}

const routeSelect = `
	SELECT id, session_id, climb_id, status, attempts, proposed_grade, grade_system, voter_grade, descriptors, created_at
	FROM route_attempts`

type scanner interface {
	Scan(dest ...any) error
}

func scanRoute(row scanner) (domain.RouteAttempt, error) {
	var (
		r                   domain.RouteAttempt
		climbID, voterGrade sql.NullString
		status, system      string
		descriptors         string
		created             int64
	)
	if err := row.Scan(&r.ID, &r.SessionID, &climbID, &status, &r.Attempts, &r.ProposedGrade,
		&system, &voterGrade, &descriptors, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan route attempt: %w", err)
	}
	r.ClimbID = climbID.String
	r.VoterGrade = voterGrade.String
	r.Status = domain.AttemptStatus(status)
	r.GradeSystem = domain.GradingSystem(system)
	r.CreatedAt = fromMillis(created)
	var err error
	r.Descriptors, err = decodeDescriptors(descriptors)
	return r, err
}

func encodeDescriptors(ds []string) (string, error) {
	if len(ds) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ds)
	if err != nil {
		return "", fmt.Errorf("encode descriptors: %w", err)
	}
	return string(b), nil
}

func decodeDescriptors(s string) ([]string, error) {
	var ds []string
	if err := json.Unmarshal([]byte(s), &ds); err != nil {
		return nil, fmt.Errorf("decode descriptors: %w", err)
	}
	if len(ds) == 0 {
		return nil, nil
	}
	return ds, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
