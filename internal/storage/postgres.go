package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sensorwatch/internal/config"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const alertColumns = `id, channel, condition, value, ts, status`

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres connects to cfg.DSN, pings it and optionally applies the schema.
func NewPostgres(ctx context.Context, cfg config.StorageConfig) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Postgres{Pool: pool}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	logger.WithComponent("storage").Info().Msg("postgres schema applied")
	return nil
}

func (s *Postgres) SaveReading(ctx context.Context, r models.Reading) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO readings (channel, value, ts) VALUES ($1, $2, $3)`,
		r.Channel, r.Value, r.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save reading: %w", err)
	}
	return nil
}

func (s *Postgres) ReadingsSince(ctx context.Context, channel string, since time.Time) ([]models.Reading, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT channel, value, ts FROM readings
		WHERE ts >= $1 AND ($2 = '' OR channel = $2)
		ORDER BY ts ASC, id ASC`, since.UTC(), channel)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	return scanReadings(rows)
}

func (s *Postgres) RecentReadings(ctx context.Context, channel string, limit int) ([]models.Reading, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT channel, value, ts FROM readings
		WHERE channel = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent readings: %w", err)
	}
	return scanReadings(rows)
}

func (s *Postgres) LatestReadings(ctx context.Context) (map[string]models.Reading, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT ON (channel) channel, value, ts FROM readings
		ORDER BY channel, ts DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query latest readings: %w", err)
	}
	rs, err := scanReadings(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Reading, len(rs))
	for _, r := range rs {
		out[r.Channel] = r
	}
	return out, nil
}

func (s *Postgres) CreateAlert(ctx context.Context, a *models.Alert) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO alerts (id, channel, condition, value, ts, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Channel, a.Condition, a.Value, a.Timestamp.UTC(), string(a.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateActive
		}
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *Postgres) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *Postgres) UpdateAlertStatus(ctx context.Context, id string, from, to models.AlertStatus) (*models.Alert, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE alerts SET status = $1
		WHERE id = $2 AND status = $3
		RETURNING `+alertColumns, string(to), id, string(from))
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetAlert(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update alert status: %w", err)
	}
	return a, nil
}

func (s *Postgres) ActiveAlerts(ctx context.Context, channel string) ([]*models.Alert, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE channel = $1 AND status = 'Active'
		ORDER BY ts DESC`, channel)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	return scanAlerts(rows)
}

func (s *Postgres) ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Channel != "" {
		args = append(args, f.Channel)
		where = append(where, fmt.Sprintf("channel = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since.UTC())
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}

	q := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ts DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return scanAlerts(rows)
}

func (s *Postgres) CountAlerts(ctx context.Context, status models.AlertStatus) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM alerts WHERE ($1 = '' OR status = $1)`, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return n, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	if s.Pool != nil {
		s.Pool.Close()
	}
	return nil
}

func scanReadings(rows pgx.Rows) ([]models.Reading, error) {
	defer rows.Close()
	results := []models.Reading{}
	for rows.Next() {
		var r models.Reading
		if err := rows.Scan(&r.Channel, &r.Value, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return results, nil
}

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var (
		a      models.Alert
		status string
	)
	if err := row.Scan(&a.ID, &a.Channel, &a.Condition, &a.Value, &a.Timestamp, &status); err != nil {
		return nil, err
	}
	a.Status = models.AlertStatus(status)
	a.Timestamp = a.Timestamp.UTC()
	return &a, nil
}

func scanAlerts(rows pgx.Rows) ([]*models.Alert, error) {
	defer rows.Close()
	results := []*models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return results, nil
}
