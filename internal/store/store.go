// Package store is the durable-store collaborator: project records and
// snapshot blobs keyed by project id, with a server-observable updated-at
// used for cross-tab conflict detection.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildpad/workroom/internal/provider"
	_ "modernc.org/sqlite"
)

// ProjectRecord is the per-project durable session record.
type ProjectRecord struct {
	ProjectID    string
	SandboxID    string
	ProviderKind provider.Kind
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// SnapshotRecord is the "latest snapshot" blob for a project.
type SnapshotRecord struct {
	ProjectID        string
	Blob             []byte
	RemoteSnapshotID string
	UpdatedAt        time.Time
}

// Store persists project and snapshot records in sqlite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Options configure Open.
type Options struct {
	Path string
	Now  func() time.Time
}

func Open(opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("missing store path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory for %q: %w", path, err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc", path))
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{db: db, now: now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS projects (
	project_id    TEXT PRIMARY KEY,
	sandbox_id    TEXT NOT NULL DEFAULT '',
	provider_kind TEXT NOT NULL DEFAULT '',
	expires_at    INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	project_id         TEXT PRIMARY KEY,
	blob               BLOB NOT NULL,
	remote_snapshot_id TEXT NOT NULL DEFAULT '',
	updated_at         INTEGER NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("migrate store schema: %w", err)
	}
	return nil
}

// GetProject loads the durable record for a project.
func (s *Store) GetProject(ctx context.Context, projectID string) (ProjectRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT sandbox_id, provider_kind, expires_at, updated_at
FROM projects WHERE project_id = ?`, projectID)

	var record ProjectRecord
	var expiresAt, updatedAt int64
	var kind string
	err := row.Scan(&record.SandboxID, &kind, &expiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectRecord{}, false, nil
	}
	if err != nil {
		return ProjectRecord{}, false, fmt.Errorf("load project %q: %w", projectID, err)
	}

	record.ProjectID = projectID
	record.ProviderKind = provider.Kind(kind)
	if expiresAt > 0 {
		record.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	}
	record.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return record, true, nil
}

// PutProject upserts the durable record for a project.
func (s *Store) PutProject(ctx context.Context, record ProjectRecord) error {
	if strings.TrimSpace(record.ProjectID) == "" {
		return errors.New("missing project id")
	}
	var expiresAt int64
	if !record.ExpiresAt.IsZero() {
		expiresAt = record.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO projects (project_id, sandbox_id, provider_kind, expires_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET
	sandbox_id = excluded.sandbox_id,
	provider_kind = excluded.provider_kind,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at`,
		record.ProjectID, record.SandboxID, string(record.ProviderKind), expiresAt, s.now().Unix())
	if err != nil {
		return fmt.Errorf("save project %q: %w", record.ProjectID, err)
	}
	return nil
}

// GetSnapshot loads the latest snapshot blob for a project.
func (s *Store) GetSnapshot(ctx context.Context, projectID string) (SnapshotRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT blob, remote_snapshot_id, updated_at
FROM snapshots WHERE project_id = ?`, projectID)

	record := SnapshotRecord{ProjectID: projectID}
	var updatedAt int64
	err := row.Scan(&record.Blob, &record.RemoteSnapshotID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, false, nil
	}
	if err != nil {
		return SnapshotRecord{}, false, fmt.Errorf("load snapshot for %q: %w", projectID, err)
	}
	record.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return record, true, nil
}

// PutSnapshot overwrites the latest snapshot for a project.
//
// lastKnown is the caller's cached updated-at from its previous read. When
// the stored record is newer, another writer (typically another tab) got
// there first; the write still proceeds last-write-wins, and the conflict
// flag is returned so the caller can surface a warning. No lock is taken.
func (s *Store) PutSnapshot(ctx context.Context, projectID string, blob []byte, remoteSnapshotID string, lastKnown time.Time) (SnapshotRecord, bool, error) {
	if strings.TrimSpace(projectID) == "" {
		return SnapshotRecord{}, false, errors.New("missing project id")
	}

	conflict := false
	existing, found, err := s.GetSnapshot(ctx, projectID)
	if err != nil {
		return SnapshotRecord{}, false, err
	}
	if found && !lastKnown.IsZero() && existing.UpdatedAt.After(lastKnown) {
		conflict = true
	}

	updatedAt := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO snapshots (project_id, blob, remote_snapshot_id, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET
	blob = excluded.blob,
	remote_snapshot_id = excluded.remote_snapshot_id,
	updated_at = excluded.updated_at`,
		projectID, blob, remoteSnapshotID, updatedAt.Unix())
	if err != nil {
		return SnapshotRecord{}, false, fmt.Errorf("save snapshot for %q: %w", projectID, err)
	}

	return SnapshotRecord{
		ProjectID:        projectID,
		Blob:             blob,
		RemoteSnapshotID: remoteSnapshotID,
		UpdatedAt:        updatedAt.Truncate(time.Second),
	}, conflict, nil
}
