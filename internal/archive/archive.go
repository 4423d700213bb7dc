// Package archive is the durable Postgres mirror of the telemetry
// backlog: flushes, rescore reports and submissions dispatched through
// the asynq task handlers (telemetry.NewMux) are written here in
// addition to the timestamped archive file on disk, so a run's history
// survives the session and is queryable. Direct, queue-less dispatch
// does not write here.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store owns the Postgres connection and schema for archived
// telemetry. A nil *Store is a valid zero value: every method on it is
// a no-op, so archival can be disabled without branching at call
// sites.
type Store struct {
	db *sql.DB
}

// Open connects to postgresURL and ensures the archive schema exists.
// Archival is optional: callers should log Open's error and fall back
// to a nil *Store rather than treat a missing or unreachable Postgres
// as fatal.
func Open(postgresURL string) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("archive: connecting to postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: pinging postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE SCHEMA IF NOT EXISTS somhunter;

	CREATE TABLE IF NOT EXISTS somhunter.interaction_flushes (
		id BIGSERIAL PRIMARY KEY,
		team_id INT NOT NULL,
		member_id INT NOT NULL,
		flushed_at TIMESTAMP NOT NULL,
		events JSONB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS somhunter.rescore_reports (
		id BIGSERIAL PRIMARY KEY,
		team_id INT NOT NULL,
		member_id INT NOT NULL,
		reported_at TIMESTAMP NOT NULL,
		used_categories JSONB,
		used_types JSONB,
		sort_type JSONB,
		results JSONB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS somhunter.submissions (
		id BIGSERIAL PRIMARY KEY,
		team_id INT NOT NULL,
		member_id INT NOT NULL,
		video INT NOT NULL,
		frame INT NOT NULL,
		submitted_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StoreFlush mirrors one interaction-backlog flush.
func (s *Store) StoreFlush(ctx context.Context, teamID, memberID int, flushedAt time.Time, events interface{}) error {
	if s == nil {
		return nil
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("archive: marshaling events: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO somhunter.interaction_flushes (team_id, member_id, flushed_at, events) VALUES ($1, $2, $3, $4)`,
		teamID, memberID, flushedAt, payload,
	)
	return err
}

// StoreRescoreReport mirrors one rescore-style telemetry report.
func (s *Store) StoreRescoreReport(ctx context.Context, teamID, memberID int, reportedAt time.Time, usedCategories, usedTypes, sortType []string, results interface{}) error {
	if s == nil {
		return nil
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("archive: marshaling results: %w", err)
	}
	catJSON, _ := json.Marshal(usedCategories)
	typesJSON, _ := json.Marshal(usedTypes)
	sortJSON, _ := json.Marshal(sortType)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO somhunter.rescore_reports (team_id, member_id, reported_at, used_categories, used_types, sort_type, results)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		teamID, memberID, reportedAt, catJSON, typesJSON, sortJSON, resultsJSON,
	)
	return err
}

// StoreSubmission mirrors one known-item submission.
func (s *Store) StoreSubmission(ctx context.Context, teamID, memberID, video, frame int, submittedAt time.Time) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO somhunter.submissions (team_id, member_id, video, frame, submitted_at) VALUES ($1, $2, $3, $4, $5)`,
		teamID, memberID, video, frame, submittedAt,
	)
	return err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
