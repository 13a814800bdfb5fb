package trip

import (
	"context"
	"errors"
	"fmt"

	"backend-fieldtrack/internal/db"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

const uniqueViolation = "23505"

const tripColumns = `id, subject_id, start_time, end_time, status, path, distance, stopped_time, stops`

// PostgresStore persists trips in a single table with JSONB path and stops.
// Appends use `path = path || $2`, so the row lock taken by UPDATE
// serializes concurrent writers on one trip.
type PostgresStore struct {
	db db.Querier
}

func NewPostgresStore(q db.Querier) *PostgresStore {
	return &PostgresStore{db: q}
}

// EnsureSchema creates the trips table and the index that enforces one
// active trip per subject.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trips (
			id           TEXT PRIMARY KEY,
			subject_id   TEXT NOT NULL,
			start_time   TIMESTAMPTZ NOT NULL,
			end_time     TIMESTAMPTZ,
			status       TEXT NOT NULL DEFAULT 'active',
			path         JSONB NOT NULL DEFAULT '[]'::jsonb,
			distance     DOUBLE PRECISION NOT NULL DEFAULT 0,
			stopped_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			stops        JSONB NOT NULL DEFAULT '[]'::jsonb
		)
	`); err != nil {
		return fmt.Errorf("create trips table: %w", err)
	}
	if _, err := s.db.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS trips_one_active_per_subject
		ON trips (subject_id) WHERE status = 'active'
	`); err != nil {
		return fmt.Errorf("create active trip index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, t Trip) (string, error) {
	path, stops, err := encodeCollections(t.Path, t.Stops)
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO trips (id, subject_id, start_time, status, path, distance, stopped_time, stops)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7,$8::jsonb)
	`, t.ID, t.SubjectID, t.StartTime, string(t.Status), path, t.Distance, t.StoppedTime, stops)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", ErrActiveTripExists
		}
		return "", transient("create trip", err)
	}
	return t.ID, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Trip, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Trip{}, ErrNotFound
	}
	if err != nil {
		return Trip{}, transient("get trip", err)
	}
	return t, nil
}

func (s *PostgresStore) AppendPathPoint(ctx context.Context, id string, p PathPoint) error {
	point, err := json.Marshal([]PathPoint{p})
	if err != nil {
		return fmt.Errorf("encode path point: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE trips SET path = path || $2::jsonb
		WHERE id=$1 AND status='active'
	`, id, string(point))
	if err != nil {
		return transient("append path point", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Finalize(ctx context.Context, id string, f Finalization) (Trip, error) {
	path, stops, err := encodeCollections(f.Path, f.Stops)
	if err != nil {
		return Trip{}, err
	}
	row := s.db.QueryRow(ctx, `
		UPDATE trips
		SET end_time=$2, status='completed', path=$3::jsonb, distance=$4, stopped_time=$5, stops=$6::jsonb
		WHERE id=$1 AND status='active'
		RETURNING `+tripColumns, id, f.EndTime, path, f.Distance, f.StoppedTime, stops)
	t, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Trip{}, ErrNotFound
	}
	if err != nil {
		return Trip{}, transient("finalize trip", err)
	}
	return t, nil
}

func (s *PostgresStore) FindActiveBySubject(ctx context.Context, subjectID string) (Trip, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE subject_id=$1 AND status='active'
		LIMIT 1
	`, subjectID)
	t, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Trip{}, false, nil
	}
	if err != nil {
		return Trip{}, false, transient("find active trip", err)
	}
	return t, true, nil
}

func (s *PostgresStore) ListCompletedBySubject(ctx context.Context, subjectID string) ([]Trip, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE subject_id=$1 AND status='completed'
		ORDER BY start_time DESC
	`, subjectID)
	if err != nil {
		return nil, transient("list trips", err)
	}
	defer rows.Close()

	var trips []Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, transient("scan trip", err)
		}
		trips = append(trips, t)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("iterate trips", err)
	}
	return trips, nil
}

func scanTrip(row pgx.Row) (Trip, error) {
	var (
		t           Trip
		end         pgtype.Timestamptz
		status      string
		path, stops []byte
	)
	if err := row.Scan(&t.ID, &t.SubjectID, &t.StartTime, &end, &status, &path, &t.Distance, &t.StoppedTime, &stops); err != nil {
		return Trip{}, err
	}
	t.Status = Status(status)
	if end.Valid {
		endTime := end.Time
		t.EndTime = &endTime
	}
	if err := decodeJSON(path, &t.Path); err != nil {
		return Trip{}, fmt.Errorf("decode path: %w", err)
	}
	if err := decodeJSON(stops, &t.Stops); err != nil {
		return Trip{}, fmt.Errorf("decode stops: %w", err)
	}
	return t, nil
}

func encodeCollections(path []PathPoint, stops []Stop) (string, string, error) {
	if path == nil {
		path = []PathPoint{}
	}
	if stops == nil {
		stops = []Stop{}
	}
	p, err := json.Marshal(path)
	if err != nil {
		return "", "", fmt.Errorf("encode path: %w", err)
	}
	st, err := json.Marshal(stops)
	if err != nil {
		return "", "", fmt.Errorf("encode stops: %w", err)
	}
	return string(p), string(st), nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
