package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) ListDatabases(ctx context.Context) ([]Database, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, format_version, entity_count, content_hash, commit_hash, updated_by, created_at, updated_at
		FROM databases
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer rows.Close()

	items := make([]Database, 0)
	for rows.Next() {
		var item Database
		if err := rows.Scan(&item.ID, &item.Name, &item.Slug, &item.FormatVersion, &item.EntityCount, &item.ContentHash, &item.CommitHash, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan database: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate databases: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDatabase(ctx context.Context, name string) (Database, error) {
	var item Database
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, format_version, entity_count, content_hash, commit_hash, updated_by, created_at, updated_at
		FROM databases
		WHERE name=$1
	`, name).Scan(&item.ID, &item.Name, &item.Slug, &item.FormatVersion, &item.EntityCount, &item.ContentHash, &item.CommitHash, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Database{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetDatabaseByID(ctx context.Context, id string) (Database, error) {
	var item Database
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, format_version, entity_count, content_hash, commit_hash, updated_by, created_at, updated_at
		FROM databases
		WHERE id=$1
	`, id).Scan(&item.ID, &item.Name, &item.Slug, &item.FormatVersion, &item.EntityCount, &item.ContentHash, &item.CommitHash, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Database{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertDatabase(ctx context.Context, item Database) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO databases (id, name, slug, format_version, entity_count, content_hash, commit_hash, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.Name, item.Slug, item.FormatVersion, item.EntityCount, item.ContentHash, item.CommitHash, item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert database: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDatabaseState(ctx context.Context, id string, formatVersion, entityCount int, contentHash, commitHash, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE databases
		SET format_version=$2, entity_count=$3, content_hash=$4, commit_hash=$5, updated_by=$6, updated_at=NOW()
		WHERE id=$1
	`, id, formatVersion, entityCount, contentHash, commitHash, updatedBy)
	if err != nil {
		return fmt.Errorf("update database state: %w", err)
	}
	return nil
}

func (s *PostgresStore) RenameDatabase(ctx context.Context, id, name, slug string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE databases
		SET name=$2, slug=$3, updated_at=NOW()
		WHERE id=$1
	`, id, name, slug)
	if err != nil {
		return fmt.Errorf("rename database: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDatabase(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM databases WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete database: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountDatabases(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM databases`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count databases: %w", err)
	}
	return count, nil
}

// =============================================================================
// Backup settings
// =============================================================================

func (s *PostgresStore) GetBackupSettings(ctx context.Context, databaseID string) (BackupSettings, error) {
	var item BackupSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT database_id, enabled, interval_minutes, keep_auto, encrypt, passphrase_hash, updated_at
		FROM backup_settings
		WHERE database_id=$1
	`, databaseID).Scan(&item.DatabaseID, &item.Enabled, &item.IntervalMinutes, &item.KeepAuto, &item.Encrypt, &item.PassphraseHash, &item.UpdatedAt)
	if err != nil {
		return BackupSettings{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpsertBackupSettings(ctx context.Context, item BackupSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_settings (database_id, enabled, interval_minutes, keep_auto, encrypt, passphrase_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (database_id) DO UPDATE
		SET enabled=EXCLUDED.enabled, interval_minutes=EXCLUDED.interval_minutes, keep_auto=EXCLUDED.keep_auto,
			encrypt=EXCLUDED.encrypt, passphrase_hash=EXCLUDED.passphrase_hash, updated_at=NOW()
	`, item.DatabaseID, item.Enabled, item.IntervalMinutes, item.KeepAuto, item.Encrypt, item.PassphraseHash)
	if err != nil {
		return fmt.Errorf("upsert backup settings: %w", err)
	}
	return nil
}

// ListBackupSchedules returns every enabled database with the timestamp of
// its newest automatic backup. The scheduler rehydrates from this on boot.
func (s *PostgresStore) ListBackupSchedules(ctx context.Context) ([]BackupSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bs.database_id, d.name, bs.interval_minutes, bs.keep_auto, bs.encrypt, bs.passphrase_hash,
			(SELECT MAX(b.created_at) FROM backups b WHERE b.database_id=bs.database_id AND b.kind='auto')
		FROM backup_settings bs
		JOIN databases d ON d.id = bs.database_id
		WHERE bs.enabled
		ORDER BY d.name
	`)
	if err != nil {
		return nil, fmt.Errorf("list backup schedules: %w", err)
	}
	defer rows.Close()

	items := make([]BackupSchedule, 0)
	for rows.Next() {
		var item BackupSchedule
		if err := rows.Scan(&item.DatabaseID, &item.DatabaseName, &item.IntervalMinutes, &item.KeepAuto, &item.Encrypt, &item.PassphraseHash, &item.LastAutoAt); err != nil {
			return nil, fmt.Errorf("scan backup schedule: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup schedules: %w", err)
	}
	return items, nil
}

// =============================================================================
// Backups
// =============================================================================

func (s *PostgresStore) InsertBackup(ctx context.Context, item Backup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (id, database_id, kind, file_name, size_bytes, content_hash, encrypted, replicated, commit_hash, note, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.DatabaseID, item.Kind, item.FileName, item.SizeBytes, item.ContentHash, item.Encrypted, item.Replicated, item.CommitHash, item.Note, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBackup(ctx context.Context, id string) (Backup, error) {
	var item Backup
	err := s.db.QueryRowContext(ctx, `
		SELECT id, database_id, kind, file_name, size_bytes, content_hash, encrypted, replicated, commit_hash, note, created_by, created_at
		FROM backups
		WHERE id=$1
	`, id).Scan(&item.ID, &item.DatabaseID, &item.Kind, &item.FileName, &item.SizeBytes, &item.ContentHash, &item.Encrypted, &item.Replicated, &item.CommitHash, &item.Note, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Backup{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListBackups(ctx context.Context, databaseID string, limit int) ([]Backup, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, database_id, kind, file_name, size_bytes, content_hash, encrypted, replicated, commit_hash, note, created_by, created_at
		FROM backups
		WHERE database_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, databaseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	items := make([]Backup, 0)
	for rows.Next() {
		var item Backup
		if err := rows.Scan(&item.ID, &item.DatabaseID, &item.Kind, &item.FileName, &item.SizeBytes, &item.ContentHash, &item.Encrypted, &item.Replicated, &item.CommitHash, &item.Note, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backups: %w", err)
	}
	return items, nil
}

// LatestBackup returns the newest backup of the given kind, or of any
// kind when kind is empty. Nil when the database has none.
func (s *PostgresStore) LatestBackup(ctx context.Context, databaseID, kind string) (*Backup, error) {
	var item Backup
	err := s.db.QueryRowContext(ctx, `
		SELECT id, database_id, kind, file_name, size_bytes, content_hash, encrypted, replicated, commit_hash, note, created_by, created_at
		FROM backups
		WHERE database_id=$1 AND ($2 = '' OR kind=$2)
		ORDER BY created_at DESC
		LIMIT 1
	`, databaseID, kind).Scan(&item.ID, &item.DatabaseID, &item.Kind, &item.FileName, &item.SizeBytes, &item.ContentHash, &item.Encrypted, &item.Replicated, &item.CommitHash, &item.Note, &item.CreatedBy, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest backup: %w", err)
	}
	return &item, nil
}

// ListPrunableBackups returns automatic backups beyond the newest keep.
func (s *PostgresStore) ListPrunableBackups(ctx context.Context, databaseID string, keep int) ([]Backup, error) {
	if keep < 0 {
		keep = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, database_id, kind, file_name, size_bytes, content_hash, encrypted, replicated, commit_hash, note, created_by, created_at
		FROM backups
		WHERE database_id=$1 AND kind='auto'
		ORDER BY created_at DESC
		OFFSET $2
	`, databaseID, keep)
	if err != nil {
		return nil, fmt.Errorf("list prunable backups: %w", err)
	}
	defer rows.Close()

	items := make([]Backup, 0)
	for rows.Next() {
		var item Backup
		if err := rows.Scan(&item.ID, &item.DatabaseID, &item.Kind, &item.FileName, &item.SizeBytes, &item.ContentHash, &item.Encrypted, &item.Replicated, &item.CommitHash, &item.Note, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prunable backup: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prunable backups: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteBackup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkBackupReplicated(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE backups SET replicated=TRUE WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("mark backup replicated: %w", err)
	}
	return nil
}

// =============================================================================
// Events
// =============================================================================

// UpsertEvent records an event, collapsing repeats: when a row with the
// same dedup key was seen within the window its count is bumped instead of
// inserting a duplicate. Returns the stored row.
func (s *PostgresStore) UpsertEvent(ctx context.Context, item Event, window time.Duration) (Event, error) {
	seconds := int(window.Seconds())
	var out Event
	err := s.db.QueryRowContext(ctx, `
		UPDATE events
		SET count=count+1, last_seen=NOW()
		WHERE dedup_key=$1 AND last_seen > NOW() - $2 * INTERVAL '1 second'
		RETURNING id, level, code, message, database_name, dedup_key, count, first_seen, last_seen
	`, item.DedupKey, seconds).Scan(&out.ID, &out.Level, &out.Code, &out.Message, &out.Database, &out.DedupKey, &out.Count, &out.FirstSeen, &out.LastSeen)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("bump event: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO events (id, level, code, message, database_name, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, level, code, message, database_name, dedup_key, count, first_seen, last_seen
	`, item.ID, item.Level, item.Code, item.Message, item.Database, item.DedupKey).Scan(&out.ID, &out.Level, &out.Code, &out.Message, &out.Database, &out.DedupKey, &out.Count, &out.FirstSeen, &out.LastSeen)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, database string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, code, message, database_name, dedup_key, count, first_seen, last_seen
		FROM events
		WHERE ($1 = '' OR database_name = $1)
		ORDER BY last_seen DESC
		LIMIT $2
	`, database, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0)
	for rows.Next() {
		var item Event
		if err := rows.Scan(&item.ID, &item.Level, &item.Code, &item.Message, &item.Database, &item.DedupKey, &item.Count, &item.FirstSeen, &item.LastSeen); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return items, nil
}

// =============================================================================
// Analysis reports
// =============================================================================

func (s *PostgresStore) InsertAnalysisReport(ctx context.Context, item AnalysisReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_reports (id, database_id, source_name, stats, candidates)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.DatabaseID, item.SourceName, []byte(item.Stats), []byte(item.Candidates))
	if err != nil {
		return fmt.Errorf("insert analysis report: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnalysisReport(ctx context.Context, id string) (AnalysisReport, error) {
	var item AnalysisReport
	var stats, candidates []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, database_id, source_name, stats, candidates, created_at
		FROM analysis_reports
		WHERE id=$1
	`, id).Scan(&item.ID, &item.DatabaseID, &item.SourceName, &stats, &candidates, &item.CreatedAt)
	if err != nil {
		return AnalysisReport{}, err
	}
	item.Stats = stats
	item.Candidates = candidates
	return item, nil
}

func (s *PostgresStore) ListAnalysisReports(ctx context.Context, databaseID string, limit int) ([]AnalysisReport, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, database_id, source_name, stats, candidates, created_at
		FROM analysis_reports
		WHERE database_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, databaseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list analysis reports: %w", err)
	}
	defer rows.Close()

	items := make([]AnalysisReport, 0)
	for rows.Next() {
		var item AnalysisReport
		var stats, candidates []byte
		if err := rows.Scan(&item.ID, &item.DatabaseID, &item.SourceName, &stats, &candidates, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis report: %w", err)
		}
		item.Stats = stats
		item.Candidates = candidates
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analysis reports: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
