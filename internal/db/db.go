// Package db is the artifact catalog: an index of the toolpath files the
// service has produced and still keeps on disk for download.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// pragmas are applied to every pooled connection through the DSN.
const pragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)"

// Mode records which operation produced an artifact.
type Mode string

const (
	ModeSlice         Mode = "slice"
	ModeSliceAndPrint Mode = "slice_and_print"
)

// Artifact is one catalog row.
type Artifact struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	Mode        Mode      `json:"mode"`
	SourceName  string    `json:"source_name"`
	LayerHeight string    `json:"layer_height"`
	Infill      string    `json:"infill"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// ErrNotFound is returned when no artifact matches.
var ErrNotFound = errors.New("artifact not found")

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if needed) the catalog at path and migrates it to
// the latest schema.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the catalog was opened from.
func (db *DB) Path() string { return db.path }

// RecordArtifact inserts a and fills in its ID. A zero CreatedAt is set to
// the current time.
func (db *DB) RecordArtifact(ctx context.Context, a *Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO artifacts (filename, mode, source_name, layer_height, infill, size_bytes, created_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Filename, string(a.Mode), a.SourceName, a.LayerHeight, a.Infill, a.SizeBytes, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record artifact %s: %w", a.Filename, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read artifact id: %w", err)
	}
	a.ID = id
	return nil
}

// ListArtifacts returns up to limit artifacts, newest first.
func (db *DB) ListArtifacts(ctx context.Context, limit int) ([]Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, filename, mode, source_name, layer_height, infill, size_bytes, created_unix_nanos
		FROM artifacts
		ORDER BY created_unix_nanos DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return artifacts, nil
}

// GetArtifact looks up an artifact by file name.
func (db *DB) GetArtifact(ctx context.Context, filename string) (*Artifact, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, filename, mode, source_name, layer_height, infill, size_bytes, created_unix_nanos
		FROM artifacts
		WHERE filename = ?`, filename)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(s scanner) (*Artifact, error) {
	var (
		a       Artifact
		mode    string
		created int64
	)
	if err := s.Scan(&a.ID, &a.Filename, &mode, &a.SourceName, &a.LayerHeight, &a.Infill, &a.SizeBytes, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}
	a.Mode = Mode(mode)
	a.CreatedAt = time.Unix(0, created)
	return &a, nil
}
