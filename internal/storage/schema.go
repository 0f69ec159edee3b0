package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pq "github.com/lib/pq"
)

const undefinedTableCode = "42P01"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	    id BIGSERIAL PRIMARY KEY,
	    name TEXT NOT NULL,
	    email TEXT NOT NULL,
	    strava_id TEXT NOT NULL DEFAULT '',
	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_created_at ON users (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS strava_activities (
	    activity_id BIGINT PRIMARY KEY,
	    strava_id TEXT NOT NULL,
	    distance_m INTEGER,
	    elev_gain_m INTEGER,
	    moving_time_s INTEGER,
	    elapsed_time_s INTEGER,
	    pace_sec_per_km SMALLINT,
	    pace_text TEXT,
	    calories REAL,
	    avg_cadence REAL,
	    trainer SMALLINT,
	    sport_type TEXT,
	    athlete_name TEXT,
	    payload TEXT NOT NULL,
	    scraped_at TIMESTAMPTZ NOT NULL,
	    activity_date TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strava_activities_strava_id ON strava_activities (strava_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	    id INTEGER PRIMARY KEY AUTOINCREMENT,
	    name TEXT NOT NULL,
	    email TEXT NOT NULL,
	    strava_id TEXT NOT NULL DEFAULT '',
	    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_created_at ON users (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS strava_activities (
	    activity_id INTEGER PRIMARY KEY,
	    strava_id TEXT NOT NULL,
	    distance_m INTEGER,
	    elev_gain_m INTEGER,
	    moving_time_s INTEGER,
	    elapsed_time_s INTEGER,
	    pace_sec_per_km INTEGER,
	    pace_text TEXT,
	    calories REAL,
	    avg_cadence REAL,
	    trainer INTEGER,
	    sport_type TEXT,
	    athlete_name TEXT,
	    payload TEXT NOT NULL,
	    scraped_at TIMESTAMP NOT NULL,
	    activity_date TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strava_activities_strava_id ON strava_activities (strava_id)`,
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := postgresSchema
	if s.driver == DriverSQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == undefinedTableCode
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == undefinedTableCode
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "no such table") {
		return true
	}
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
