// Package records holds the privileged operations executed against the
// hosted store with the elevated (service role) connection. The
// operations are stateless request/response functions; the only state
// lives in the remote tables.
package records

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/samezzz/church-attendance-check-in/internal/db"
	"github.com/samezzz/church-attendance-check-in/internal/model"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrAlreadyExists    = errors.New("record already exists")
	ErrAlreadyCheckedIn = errors.New("already checked in for this event")
)

// RoleResult distinguishes a confirmed role from a defaulted one.
// Defaulted is true when the lookup failed or found no row and MEMBER
// was applied.
type RoleResult struct {
	Role      model.Role
	Defaulted bool
}

type Metrics interface {
	RecordRoleDefaulted()
}

type Store struct {
	store        *db.Store
	queryTimeout time.Duration
	metrics      Metrics
}

func NewStore(store *db.Store, queryTimeout time.Duration, metrics Metrics) *Store {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Store{store: store, queryTimeout: queryTimeout, metrics: metrics}
}

// CreateUserRecord inserts one profile row with role defaulted to
// MEMBER and store-set timestamps. The id must equal the session
// subject id.
func (s *Store) CreateUserRecord(ctx context.Context, id, email, name, phone string) (model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var user model.User
	row := s.store.Pool.QueryRow(ctx, `
		INSERT INTO users (id, email, name, phone_number, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'MEMBER', now(), now())
		RETURNING id, email, name, phone_number, role, created_at, updated_at
	`, id, email, name, phone)
	if err := scanUser(row, &user); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.User{}, ErrAlreadyExists
		}
		return model.User{}, err
	}
	return user, nil
}

// FetchUserRole reads the role column for one id. It never returns an
// error: a missing row or any store failure yields MEMBER with the
// Defaulted marker set. Favors availability over strict correctness.
func (s *Store) FetchUserRole(ctx context.Context, id string) RoleResult {
	var role model.Role
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.store.Pool.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, id)
		return row.Scan(&role)
	})
	if err != nil || !role.Valid() {
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			slog.Warn("role lookup failed, defaulting to MEMBER", "user_id", id, "error", err)
		}
		if s.metrics != nil {
			s.metrics.RecordRoleDefaulted()
		}
		return RoleResult{Role: model.RoleMember, Defaulted: true}
	}
	return RoleResult{Role: role}
}

// FetchUserData reads the full profile row for one id. Unlike the role
// lookup it reports failures explicitly: ErrNotFound for an absent row,
// the transport error otherwise.
func (s *Store) FetchUserData(ctx context.Context, id string) (model.User, error) {
	var user model.User
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.store.Pool.QueryRow(ctx, `
			SELECT id, email, name, phone_number, role, created_at, updated_at
			FROM users
			WHERE id = $1
		`, id)
		return scanUser(row, &user)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	return user, nil
}

// CreateAttendance records one check-in. The unique constraint on
// (user_id, event_id) is the arbiter for concurrent duplicates; a
// conflict surfaces as ErrAlreadyCheckedIn. Writes are never retried.
func (s *Store) CreateAttendance(ctx context.Context, userID, eventID string) (model.Attendance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	record := model.Attendance{
		ID:      uuid.New().String(),
		UserID:  userID,
		EventID: eventID,
	}
	row := s.store.Pool.QueryRow(ctx, `
		INSERT INTO attendance (id, user_id, event_id, checked_in)
		VALUES ($1, $2, $3, now())
		RETURNING checked_in
	`, record.ID, userID, eventID)
	if err := row.Scan(&record.CheckedIn); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Attendance{}, ErrAlreadyCheckedIn
		}
		return model.Attendance{}, err
	}
	return record, nil
}

func (s *Store) ListAttendanceByEvent(ctx context.Context, eventID string, limit int32) ([]model.Attendance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.store.Pool.Query(ctx, `
		SELECT id, user_id, event_id, checked_in
		FROM attendance
		WHERE event_id = $1
		ORDER BY checked_in DESC
		LIMIT $2
	`, eventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Attendance
	for rows.Next() {
		var record model.Attendance
		if err := rows.Scan(&record.ID, &record.UserID, &record.EventID, &record.CheckedIn); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// withRetry runs an idempotent read with a bounded timeout and a single
// retry. ErrNoRows is a result, not a transient failure.
func (s *Store) withRetry(ctx context.Context, fn func(context.Context) error) error {
	run := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
		return fn(attemptCtx)
	}
	err := run()
	if err == nil || errors.Is(err, pgx.ErrNoRows) || ctx.Err() != nil {
		return err
	}
	return run()
}

func scanUser(row pgx.Row, user *model.User) error {
	return row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PhoneNumber,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
}
