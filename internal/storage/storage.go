// Package storage persists users and harvested activities in a SQL database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" driver
	_ "github.com/lib/pq"              // "postgres" driver
	_ "modernc.org/sqlite"             // "sqlite" driver (pure Go)

	"activityharvest/internal/config"
	"activityharvest/pkg/types"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
	DriverSQLite   = "sqlite"
)

// SQLStore is the relational repository backing a harvest run. One store is
// shared by every concurrent task of a process.
type SQLStore struct {
	db          *sql.DB
	driver      string
	autoMigrate bool
}

// Open initialises a SQLStore from configuration.
func Open(ctx context.Context, cfg config.SQLConfig) (*SQLStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	switch cfg.Driver {
	case DriverPostgres, DriverPGX, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}

	timeout := cfg.ConnectTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	if cfg.ConnMaxIdleTime.Duration > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime.Duration)
	}

	store := NewSQLStore(db, cfg.Driver, cfg.AutoMigrate)
	if cfg.AutoMigrate {
		if err := store.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewSQLStore wraps an existing handle.
func NewSQLStore(db *sql.DB, driver string, autoMigrate bool) *SQLStore {
	return &SQLStore{db: db, driver: driver, autoMigrate: autoMigrate}
}

// GetUsers returns one page of harvestable users, newest first, together
// with the total number of harvestable users.
func (s *SQLStore) GetUsers(ctx context.Context, limit, offset int64) ([]types.User, int64, error) {
	var (
		users []types.User
		total int64
	)
	err := s.withSchema(ctx, func() error {
		var err error
		users, total, err = s.getUsers(ctx, limit, offset)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("get users: %w", err)
	}
	return users, total, nil
}

func (s *SQLStore) getUsers(ctx context.Context, limit, offset int64) ([]types.User, int64, error) {
	if limit < 0 {
		limit = 0
	}
	var total int64
	countQuery := s.rebind(`SELECT COUNT(*) FROM users WHERE strava_id <> ? AND strava_id <> ?`)
	if err := s.db.QueryRowContext(ctx, countQuery, "", "-").Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := s.rebind(`
        SELECT id, name, email, strava_id
        FROM users
        WHERE strava_id <> ? AND strava_id <> ?
        ORDER BY created_at DESC, id DESC
        LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, listQuery, "", "-", limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users := make([]types.User, 0, limit)
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.ExternalID); err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// ActivityExists reports whether an activity id is already stored.
func (s *SQLStore) ActivityExists(ctx context.Context, activityID int64) (bool, error) {
	var exists bool
	err := s.withSchema(ctx, func() error {
		var n int64
		query := s.rebind(`SELECT COUNT(*) FROM strava_activities WHERE activity_id = ?`)
		if err := s.db.QueryRowContext(ctx, query, activityID).Scan(&n); err != nil {
			return err
		}
		exists = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("activity exists: %w", err)
	}
	return exists, nil
}

// CreateActivities inserts the records, ignoring ids that already exist, and
// returns the number of rows actually inserted.
func (s *SQLStore) CreateActivities(ctx context.Context, records []types.NormalizedActivity) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	var inserted int
	err := s.withSchema(ctx, func() error {
		var err error
		inserted, err = s.insertActivities(ctx, records)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create activities: %w", err)
	}
	return inserted, nil
}

func (s *SQLStore) insertActivities(ctx context.Context, records []types.NormalizedActivity) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
        INSERT INTO strava_activities (
            activity_id, strava_id, distance_m, elev_gain_m, moving_time_s, elapsed_time_s,
            pace_sec_per_km, pace_text, calories, avg_cadence, trainer, sport_type,
            athlete_name, payload, scraped_at, activity_date
        ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT (activity_id) DO NOTHING`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range records {
		res, err := stmt.ExecContext(ctx,
			r.ActivityID,
			r.AthleteID,
			nullInt(r.DistanceM),
			nullInt(r.ElevGainM),
			nullInt(r.MovingTimeS),
			nullInt(r.ElapsedTimeS),
			nullInt(r.PaceSecPerKm),
			nullString(r.PaceText),
			nullFloat(r.Calories),
			nullFloat(r.AvgCadence),
			trainerFlag(r.Trainer),
			nullString(r.SportType),
			nullString(r.AthleteName),
			r.Payload,
			r.ScrapedAt.UTC(),
			r.ActivityDate,
		)
		if err != nil {
			return 0, fmt.Errorf("insert activity %d: %w", r.ActivityID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func nullInt[T int16 | int32](v *T) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float32) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: float64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func trainerFlag(v *bool) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	var flag int64
	if *v {
		flag = 1
	}
	return sql.NullInt64{Int64: flag, Valid: true}
}

// withSchema runs op and, when auto-migration is on and the tables are
// missing, creates them and runs op once more.
func (s *SQLStore) withSchema(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !s.autoMigrate || !isUndefinedTableErr(err) {
		return err
	}
	if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
		return fmt.Errorf("ensure schema: %w", schemaErr)
	}
	return op()
}

// rebind rewrites ? placeholders into $N for the postgres drivers.
func (s *SQLStore) rebind(query string) string {
	if s.driver == DriverSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB exposes the pool for health checks.
func (s *SQLStore) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
