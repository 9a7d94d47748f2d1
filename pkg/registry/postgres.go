package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teslashibe/safewalk/pkg/geo"
)

const schema = `
CREATE TABLE IF NOT EXISTS registry_users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL,
	phone      TEXT NOT NULL DEFAULT '',
	rating     DOUBLE PRECISION,
	lat        DOUBLE PRECISION,
	lng        DOUBLE PRECISION,
	verified   BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS help_requests (
	id                 TEXT PRIMARY KEY,
	requester_id       TEXT NOT NULL,
	lat                DOUBLE PRECISION NOT NULL,
	lng                DOUBLE PRECISION NOT NULL,
	status             TEXT NOT NULL,
	assigned_helper_id TEXT,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS help_requests_status_created ON help_requests (status, created_at);
`

const requestColumns = `id, requester_id, lat, lng, status, assigned_helper_id, created_at`
const userColumns = `id, name, role, phone, rating, lat, lng, verified, updated_at`

// PostgresStore keeps users and help requests in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req HelpRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO help_requests (`+requestColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.RequesterID, req.Location.Latitude, req.Location.Longitude,
		string(req.Status), nullable(req.AssignedHelperID), req.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert help request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (HelpRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM help_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return HelpRequest{}, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return req, err
}

func (s *PostgresStore) ListRequests(ctx context.Context, status Status) ([]HelpRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM help_requests
		 WHERE $1 = '' OR status = $1
		 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list help requests: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (HelpRequest, error) {
		return scanRequest(row)
	})
}

// AcceptRequest relies on the conditional UPDATE so that concurrent accepts
// across any number of registry instances have a single winner.
func (s *PostgresStore) AcceptRequest(ctx context.Context, id, helperID string) (HelpRequest, error) {
	return s.transition(ctx, id,
		`UPDATE help_requests SET status = 'accepted', assigned_helper_id = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+requestColumns, id, helperID)
}

func (s *PostgresStore) CancelRequest(ctx context.Context, id string) (HelpRequest, error) {
	return s.transition(ctx, id,
		`UPDATE help_requests SET status = 'cancelled'
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+requestColumns, id)
}

func (s *PostgresStore) transition(ctx context.Context, id, query string, args ...any) (HelpRequest, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return HelpRequest{}, fmt.Errorf("update help request: %w", err)
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM help_requests WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return HelpRequest{}, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	if err != nil {
		return HelpRequest{}, fmt.Errorf("read help request: %w", err)
	}
	return HelpRequest{}, fmt.Errorf("%w: request %s is %s", ErrAlreadyAccepted, id, status)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM registry_users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context, role string) ([]User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM registry_users WHERE $1 = '' OR role = $1 ORDER BY id`, role)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		return scanUser(row)
	})
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	var lat, lng *float64
	if u.Location != nil {
		lat, lng = &u.Location.Latitude, &u.Location.Longitude
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registry_users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, role = EXCLUDED.role, phone = EXCLUDED.phone,
			rating = EXCLUDED.rating, lat = EXCLUDED.lat, lng = EXCLUDED.lng,
			verified = EXCLUDED.verified, updated_at = EXCLUDED.updated_at`,
		u.ID, u.Name, u.Role, u.Phone, u.Rating, lat, lng, u.Verified, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRequest(row pgx.Row) (HelpRequest, error) {
	var (
		req    HelpRequest
		status string
		helper *string
	)
	err := row.Scan(&req.ID, &req.RequesterID, &req.Location.Latitude, &req.Location.Longitude,
		&status, &helper, &req.CreatedAt)
	if err != nil {
		return HelpRequest{}, err
	}
	req.Status = Status(status)
	if helper != nil {
		req.AssignedHelperID = *helper
	}
	return req, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		u        User
		lat, lng *float64
	)
	err := row.Scan(&u.ID, &u.Name, &u.Role, &u.Phone, &u.Rating, &lat, &lng, &u.Verified, &u.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	if lat != nil && lng != nil {
		u.Location = &geo.Coordinate{Latitude: *lat, Longitude: *lng}
	}
	return u, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
