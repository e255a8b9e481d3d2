package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/balor48/storyguard-sub004/internal/analysis"
	"github.com/balor48/storyguard-sub004/internal/backup"
	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/export"
	"github.com/balor48/storyguard-sub004/internal/notify"
	"github.com/balor48/storyguard-sub004/internal/search"
	"github.com/balor48/storyguard-sub004/internal/store"
	"github.com/balor48/storyguard-sub004/internal/util"
)

// =============================================================================
// Backups
// =============================================================================

func (s *Service) ListBackups(ctx context.Context, name string, limit int) ([]store.Backup, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListBackups(ctx, db.ID, limit)
}

type CreateBackupInput struct {
	Kind       string `json:"kind"`
	Passphrase string `json:"passphrase"`
	Force      bool   `json:"force"`
	Note       string `json:"note"`
	By         string `json:"by"`
}

// CreateBackup runs a backup now. A true skipped return means the
// content has not changed since the newest backup and nothing was
// written.
func (s *Service) CreateBackup(ctx context.Context, name string, in CreateBackupInput) (store.Backup, bool, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return store.Backup{}, false, err
	}
	keep := 0
	if settings, err := s.store.GetBackupSettings(ctx, db.ID); err == nil {
		keep = settings.KeepAuto
	}
	item, err := s.backups.Create(ctx, db.Name, backup.Options{
		Kind:       in.Kind,
		Passphrase: in.Passphrase,
		Force:      in.Force,
		Note:       in.Note,
		By:         authorOrDefault(in.By),
		Keep:       keep,
	})
	if errors.Is(err, backup.ErrSkipped) {
		return store.Backup{}, true, nil
	}
	if err != nil {
		return store.Backup{}, false, err
	}
	return item, false, nil
}

// RestoreBackup restores and then refreshes the mirror and search index
// for the restored database.
func (s *Service) RestoreBackup(ctx context.Context, backupID, passphrase, by string) (backup.RestoreResult, error) {
	result, err := s.backups.Restore(ctx, backupID, passphrase, authorOrDefault(by))
	if err != nil {
		return backup.RestoreResult{}, err
	}
	s.mirrorPut(ctx, result.Database.Slug, result.Snapshot)
	s.search.IndexDatabase(result.Database.Slug, result.Snapshot)
	return result, nil
}

func (s *Service) VerifyBackup(ctx context.Context, backupID string) (backup.Verification, error) {
	return s.backups.Verify(ctx, backupID)
}

// =============================================================================
// Backup settings
// =============================================================================

func (s *Service) GetBackupSettings(ctx context.Context, name string) (store.BackupSettings, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return store.BackupSettings{}, err
	}
	settings, err := s.store.GetBackupSettings(ctx, db.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.BackupSettings{
			DatabaseID:      db.ID,
			IntervalMinutes: s.cfg.BackupIntervalMinutes,
			KeepAuto:        s.cfg.BackupKeep,
		}, nil
	}
	return settings, err
}

type BackupSettingsInput struct {
	Enabled         bool   `json:"enabled"`
	IntervalMinutes int    `json:"intervalMinutes"`
	KeepAuto        int    `json:"keepAuto"`
	Encrypt         bool   `json:"encrypt"`
	Passphrase      string `json:"passphrase"`
}

// UpdateBackupSettings stores the settings and applies them to the
// running scheduler. The passphrase is bcrypt-hashed for the catalog;
// the plaintext goes only to the scheduler's in-memory cache.
func (s *Service) UpdateBackupSettings(ctx context.Context, name string, in BackupSettingsInput) (store.BackupSettings, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return store.BackupSettings{}, err
	}

	if in.IntervalMinutes <= 0 {
		in.IntervalMinutes = s.cfg.BackupIntervalMinutes
	}
	if in.KeepAuto <= 0 {
		in.KeepAuto = s.cfg.BackupKeep
	}

	passphraseHash := ""
	if existing, err := s.store.GetBackupSettings(ctx, db.ID); err == nil {
		passphraseHash = existing.PassphraseHash
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.BackupSettings{}, err
	}
	if in.Passphrase != "" {
		passphraseHash, err = backup.HashPassphrase(in.Passphrase)
		if err != nil {
			return store.BackupSettings{}, fmt.Errorf("hash passphrase: %w", err)
		}
	}
	if in.Encrypt && passphraseHash == "" {
		return store.BackupSettings{}, domainError(http.StatusUnprocessableEntity, "PASSPHRASE_REQUIRED",
			"encryption needs a passphrase", nil)
	}

	settings := store.BackupSettings{
		DatabaseID:      db.ID,
		Enabled:         in.Enabled,
		IntervalMinutes: in.IntervalMinutes,
		KeepAuto:        in.KeepAuto,
		Encrypt:         in.Encrypt,
		PassphraseHash:  passphraseHash,
	}
	if err := s.store.UpsertBackupSettings(ctx, settings); err != nil {
		return store.BackupSettings{}, err
	}

	s.scheduler.Apply(backup.Settings{
		DatabaseName: db.Name,
		Enabled:      in.Enabled,
		Interval:     time.Duration(in.IntervalMinutes) * time.Minute,
		Keep:         in.KeepAuto,
		Encrypt:      in.Encrypt,
		Passphrase:   in.Passphrase,
	})
	s.events.Emit(ctx, notify.LevelInfo, "backup_settings_updated", "backup settings updated", db.Name)
	return settings, nil
}

// =============================================================================
// Search
// =============================================================================

func (s *Service) Search(ctx context.Context, text, database, kind string, limit int) (search.Response, error) {
	slug := ""
	if database != "" {
		db, err := s.store.GetDatabase(ctx, database)
		if err != nil {
			return search.Response{}, err
		}
		slug = db.Slug
	}
	if kind != "" && !entity.ValidKind(kind) {
		return search.Response{}, unknownKind(kind)
	}
	return s.search.Search(search.Query{Text: text, Database: slug, Type: kind, Limit: limit}), nil
}

// =============================================================================
// Book analysis
// =============================================================================

type AnalyzeInput struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	By    string `json:"by"`
}

// AnalyzeBook runs the extraction pass against a manuscript, matches
// candidates against the database's characters, and persists the report.
func (s *Service) AnalyzeBook(ctx context.Context, name string, in AnalyzeInput) (store.AnalysisReport, analysis.Report, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return store.AnalysisReport{}, analysis.Report{}, err
	}
	if strings.TrimSpace(in.Text) == "" {
		return store.AnalysisReport{}, analysis.Report{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	snap, _, err := s.loadSnapshot(ctx, db)
	if err != nil {
		return store.AnalysisReport{}, analysis.Report{}, err
	}

	report := analysis.Analyze(in.Text, snap.Characters, analysis.Options{
		MinMentions: s.cfg.AnalysisMinMentions,
		MaxBytes:    s.cfg.AnalysisMaxBytes,
	})

	statsJSON, err := json.Marshal(report.Stats)
	if err != nil {
		return store.AnalysisReport{}, analysis.Report{}, fmt.Errorf("marshal stats: %w", err)
	}
	candidatesJSON, err := json.Marshal(report.Candidates)
	if err != nil {
		return store.AnalysisReport{}, analysis.Report{}, fmt.Errorf("marshal candidates: %w", err)
	}

	row := store.AnalysisReport{
		ID:         util.NewID("ana"),
		DatabaseID: db.ID,
		SourceName: strings.TrimSpace(in.Title),
		Stats:      statsJSON,
		Candidates: candidatesJSON,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.InsertAnalysisReport(ctx, row); err != nil {
		return store.AnalysisReport{}, analysis.Report{}, err
	}
	s.events.Emit(ctx, notify.LevelInfo, "analysis_completed",
		fmt.Sprintf("analysis of %q found %d candidate(s)", row.SourceName, len(report.Candidates)), db.Name)
	return row, report, nil
}

func (s *Service) ListAnalysisReports(ctx context.Context, name string, limit int) ([]store.AnalysisReport, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListAnalysisReports(ctx, db.ID, limit)
}

// ImportResult reports what an analysis import actually created.
type ImportResult struct {
	Created []entity.Character
	Skipped []string
	Commit  store.CommitInfo
}

// ImportCandidates creates characters from a report's candidates.
// Names already present in the database (or unknown to the report) are
// skipped, not errors: the shell sends the user's whole selection.
func (s *Service) ImportCandidates(ctx context.Context, name, reportID string, names []string, by string) (ImportResult, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return ImportResult{}, err
	}
	report, err := s.store.GetAnalysisReport(ctx, reportID)
	if err != nil {
		return ImportResult{}, err
	}
	if report.DatabaseID != db.ID {
		return ImportResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "report does not belong to this database", nil)
	}
	if len(names) == 0 {
		return ImportResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "names is required", nil)
	}

	var candidates []analysis.Candidate
	if err := json.Unmarshal(report.Candidates, &candidates); err != nil {
		return ImportResult{}, fmt.Errorf("decode report candidates: %w", err)
	}
	byName := make(map[string]analysis.Candidate, len(candidates))
	for _, c := range candidates {
		byName[strings.ToLower(c.Name)] = c
	}

	snap, _, err := s.snapshots.Head(db.Slug)
	if err != nil {
		return ImportResult{}, fmt.Errorf("load snapshot head: %w", err)
	}
	taken := map[string]bool{}
	for _, c := range snap.Characters {
		taken[strings.ToLower(strings.TrimSpace(c.Name))] = true
		for _, alias := range c.Aliases {
			taken[strings.ToLower(strings.TrimSpace(alias))] = true
		}
	}

	result := ImportResult{}
	for _, want := range names {
		key := strings.ToLower(strings.TrimSpace(want))
		candidate, ok := byName[key]
		if !ok || taken[key] {
			result.Skipped = append(result.Skipped, want)
			continue
		}
		created := entity.Character{
			ID:      util.NewID("chr"),
			Name:    candidate.Name,
			Aliases: candidate.Aliases,
		}
		snap.Put(entity.KindCharacters, created)
		taken[key] = true
		result.Created = append(result.Created, created)
	}
	if len(result.Created) == 0 {
		return result, nil
	}

	commit, err := s.commitSnapshot(ctx, db, snap, authorOrDefault(by),
		fmt.Sprintf("import %d character(s) from analysis of %q", len(result.Created), report.SourceName))
	if err != nil {
		return ImportResult{}, err
	}
	result.Commit = commit
	s.events.Emit(ctx, notify.LevelInfo, "analysis_imported",
		fmt.Sprintf("imported %d character(s) from analysis", len(result.Created)), db.Name)
	return result, nil
}

// =============================================================================
// Export
// =============================================================================

// ExportDatabase builds a zip archive of the database's canonical state
// and returns a signed, short-lived download URL.
func (s *Service) ExportDatabase(ctx context.Context, name string) (export.Archive, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return export.Archive{}, err
	}
	snap, commit, err := s.snapshots.Head(db.Slug)
	if err != nil {
		return export.Archive{}, fmt.Errorf("load snapshot head: %w", err)
	}
	backups, err := s.store.ListBackups(ctx, db.ID, 10)
	if err != nil {
		return export.Archive{}, err
	}
	archive, err := s.exporter.Export(export.Input{
		Database: db,
		Snapshot: snap,
		Commit:   commit,
		Backups:  backups,
	})
	if err != nil {
		return export.Archive{}, err
	}
	s.events.Emit(ctx, notify.LevelInfo, "export_created",
		fmt.Sprintf("export %s written (%d bytes)", archive.FileName, archive.SizeBytes), db.Name)
	return archive, nil
}

// OpenExport checks the download token and opens the archive for
// streaming. The caller closes the file.
func (s *Service) OpenExport(fileName, token string) (*os.File, error) {
	if err := s.exporter.Authorize(fileName, token); err != nil {
		return nil, err
	}
	return s.exporter.Open(fileName)
}

// =============================================================================
// Events
// =============================================================================

func (s *Service) RecentEvents(ctx context.Context, database string, limit int) ([]store.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.events.Recent(ctx, database, limit)
}
