package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/balor48/storyguard-sub004/internal/backup"
	"github.com/balor48/storyguard-sub004/internal/config"
	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/export"
	"github.com/balor48/storyguard-sub004/internal/mirror"
	"github.com/balor48/storyguard-sub004/internal/notify"
	"github.com/balor48/storyguard-sub004/internal/search"
	"github.com/balor48/storyguard-sub004/internal/snapshot"
	"github.com/balor48/storyguard-sub004/internal/store"
	"github.com/balor48/storyguard-sub004/internal/util"
)

const defaultAuthor = "desktop-shell"

type dataStore interface {
	ListDatabases(ctx context.Context) ([]store.Database, error)
	GetDatabase(ctx context.Context, name string) (store.Database, error)
	GetDatabaseByID(ctx context.Context, id string) (store.Database, error)
	InsertDatabase(ctx context.Context, item store.Database) error
	UpdateDatabaseState(ctx context.Context, id string, formatVersion, entityCount int, contentHash, commitHash, updatedBy string) error
	RenameDatabase(ctx context.Context, id, name, slug string) error
	DeleteDatabase(ctx context.Context, id string) error
	CountDatabases(ctx context.Context) (int, error)
	GetBackupSettings(ctx context.Context, databaseID string) (store.BackupSettings, error)
	UpsertBackupSettings(ctx context.Context, item store.BackupSettings) error
	GetBackup(ctx context.Context, id string) (store.Backup, error)
	ListBackups(ctx context.Context, databaseID string, limit int) ([]store.Backup, error)
	InsertAnalysisReport(ctx context.Context, item store.AnalysisReport) error
	GetAnalysisReport(ctx context.Context, id string) (store.AnalysisReport, error)
	ListAnalysisReports(ctx context.Context, databaseID string, limit int) ([]store.AnalysisReport, error)
	Ping(ctx context.Context) error
}

type snapshotService interface {
	EnsureRepo(slug string, initial *entity.Snapshot, author string) error
	Commit(slug string, snap *entity.Snapshot, author, message string) (store.CommitInfo, error)
	Head(slug string) (*entity.Snapshot, store.CommitInfo, error)
	AtCommit(slug, hash string) (*entity.Snapshot, store.CommitInfo, error)
	History(slug string, limit int) ([]store.CommitInfo, error)
	Rename(oldSlug, newSlug string) error
	Remove(slug string) error
	List() ([]string, error)
}

type mirrorStore interface {
	Put(ctx context.Context, slug string, snap *entity.Snapshot) error
	Get(ctx context.Context, slug string) (*entity.Snapshot, error)
	Invalidate(ctx context.Context, slug string) error
	Ping(ctx context.Context) error
}

type backupEngine interface {
	Create(ctx context.Context, databaseName string, opts backup.Options) (store.Backup, error)
	Restore(ctx context.Context, backupID, passphrase, by string) (backup.RestoreResult, error)
	Verify(ctx context.Context, backupID string) (backup.Verification, error)
}

type backupScheduler interface {
	Apply(settings backup.Settings)
	Trigger(databaseName string)
	Remove(databaseName string)
	Rename(oldName, newName string)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDatabase(slug string, snap *entity.Snapshot)
	RemoveDatabase(slug string)
	ReindexAll()
	Backend() string
}

type eventService interface {
	Emit(ctx context.Context, level, code, message, database string)
	Recent(ctx context.Context, database string, limit int) ([]store.Event, error)
}

type exportService interface {
	Export(in export.Input) (export.Archive, error)
	Authorize(fileName, token string) error
	Open(fileName string) (*os.File, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	snapshots snapshotService
	mirror    mirrorStore // nil when Redis is not configured
	backups   backupEngine
	scheduler backupScheduler
	search    searchService
	events    eventService
	exporter  exportService
}

func New(cfg config.Config, dataStore *store.PostgresStore, snapshots *snapshot.Service, mirrorStore *mirror.Store, engine *backup.Engine, scheduler *backup.Scheduler, searchSvc *search.Service, events *notify.Service, exporter *export.Service) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		snapshots: snapshots,
		backups:   engine,
		scheduler: scheduler,
		search:    searchSvc,
		events:    events,
		exporter:  exporter,
	}
	if mirrorStore != nil {
		s.mirror = mirrorStore
	}
	return s
}

// Bootstrap reconciles the catalog with the snapshot repos on disk and
// seeds a starter database when the catalog is empty. Repos without a
// catalog row are re-adopted from their head commit; rows without a repo
// get a fresh repo so the database is usable again.
func (s *Service) Bootstrap(ctx context.Context) error {
	databases, err := s.store.ListDatabases(ctx)
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}
	slugs, err := s.snapshots.List()
	if err != nil {
		return fmt.Errorf("list snapshot repos: %w", err)
	}

	bySlug := make(map[string]store.Database, len(databases))
	for _, db := range databases {
		bySlug[db.Slug] = db
	}

	for _, slug := range slugs {
		if _, ok := bySlug[slug]; ok {
			continue
		}
		snap, commit, err := s.snapshots.Head(slug)
		if err != nil {
			log.Printf("app: WARNING: orphan repo %s has no readable head: %v", slug, err)
			continue
		}
		name := strings.TrimSpace(snap.Name)
		if name == "" {
			name = slug
		}
		row := store.Database{
			ID:            util.NewID("db"),
			Name:          name,
			Slug:          slug,
			FormatVersion: snap.FormatVersion,
			EntityCount:   snap.Total(),
			ContentHash:   snap.Hash(),
			CommitHash:    commit.Hash,
			UpdatedBy:     commit.Author,
		}
		if err := s.store.InsertDatabase(ctx, row); err != nil {
			return fmt.Errorf("adopt repo %s: %w", slug, err)
		}
		log.Printf("app: adopted orphan snapshot repo %s as %q", slug, name)
		s.events.Emit(ctx, notify.LevelWarning, "database_recovered",
			"catalog row rebuilt from snapshot repo on disk", name)
	}

	for _, db := range databases {
		if containsString(slugs, db.Slug) {
			continue
		}
		snap := entity.New(db.Name)
		if err := s.snapshots.EnsureRepo(db.Slug, snap, defaultAuthor); err != nil {
			return fmt.Errorf("recreate repo %s: %w", db.Slug, err)
		}
		_, commit, err := s.snapshots.Head(db.Slug)
		if err != nil {
			return fmt.Errorf("head of recreated repo %s: %w", db.Slug, err)
		}
		if err := s.store.UpdateDatabaseState(ctx, db.ID, snap.FormatVersion, 0, snap.Hash(), commit.Hash, defaultAuthor); err != nil {
			return err
		}
		log.Printf("app: WARNING: snapshot repo for %q was missing, recreated empty", db.Name)
		s.events.Emit(ctx, notify.LevelWarning, "repo_recreated",
			"snapshot repo was missing on disk and has been recreated empty", db.Name)
	}

	count, err := s.store.CountDatabases(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.CreateDatabase(ctx, "My Story", defaultAuthor); err != nil {
			return fmt.Errorf("seed starter database: %w", err)
		}
		log.Printf("app: seeded starter database")
	}

	s.search.ReindexAll()
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready reports per-dependency health. The service is not ready without
// Postgres; mirror and search degrade gracefully and only annotate.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	ready := true
	if err := s.store.Ping(ctx); err != nil {
		ready = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if s.mirror != nil {
		if err := s.mirror.Ping(ctx); err != nil {
			checks["mirror"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["mirror"] = map[string]any{"status": "ok"}
		}
	}
	checks["search"] = map[string]any{"status": "ok", "backend": s.search.Backend()}
	return ready, checks
}

func (s *Service) ListDatabases(ctx context.Context) ([]store.Database, error) {
	return s.store.ListDatabases(ctx)
}

func (s *Service) CreateDatabase(ctx context.Context, name, by string) (store.Database, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Database{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if len(name) > 80 {
		return store.Database{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is too long (80 characters max)", nil)
	}
	slug := util.Slugify(name)
	if slug == "" {
		return store.Database{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must contain letters or digits", nil)
	}

	if _, err := s.store.GetDatabase(ctx, name); err == nil {
		return store.Database{}, domainError(http.StatusConflict, "DATABASE_EXISTS", "a database with this name already exists", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Database{}, err
	}
	existing, err := s.store.ListDatabases(ctx)
	if err != nil {
		return store.Database{}, err
	}
	for _, db := range existing {
		if db.Slug == slug {
			return store.Database{}, domainError(http.StatusConflict, "DATABASE_EXISTS", "a database with this name already exists", nil)
		}
	}

	by = authorOrDefault(by)
	snap := entity.New(name)
	if err := s.snapshots.EnsureRepo(slug, snap, by); err != nil {
		return store.Database{}, fmt.Errorf("create snapshot repo: %w", err)
	}
	_, commit, err := s.snapshots.Head(slug)
	if err != nil {
		return store.Database{}, fmt.Errorf("head of new repo: %w", err)
	}

	row := store.Database{
		ID:            util.NewID("db"),
		Name:          name,
		Slug:          slug,
		FormatVersion: snap.FormatVersion,
		EntityCount:   0,
		ContentHash:   snap.Hash(),
		CommitHash:    commit.Hash,
		UpdatedBy:     by,
	}
	if err := s.store.InsertDatabase(ctx, row); err != nil {
		return store.Database{}, err
	}

	settings := store.BackupSettings{
		DatabaseID:      row.ID,
		Enabled:         true,
		IntervalMinutes: s.cfg.BackupIntervalMinutes,
		KeepAuto:        s.cfg.BackupKeep,
	}
	if err := s.store.UpsertBackupSettings(ctx, settings); err != nil {
		return store.Database{}, err
	}
	s.scheduler.Apply(backup.Settings{
		DatabaseName: name,
		Enabled:      true,
		Interval:     time.Duration(settings.IntervalMinutes) * time.Minute,
		Keep:         settings.KeepAuto,
	})

	s.mirrorPut(ctx, slug, snap)
	s.search.IndexDatabase(slug, snap)
	s.events.Emit(ctx, notify.LevelInfo, "database_created", "database created", name)
	return row, nil
}

// DatabaseDetail is one database with its live entity counts.
type DatabaseDetail struct {
	Database store.Database
	Counts   map[string]int
	Commit   store.CommitInfo
}

func (s *Service) GetDatabase(ctx context.Context, name string) (DatabaseDetail, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return DatabaseDetail{}, err
	}
	snap, commit, err := s.loadSnapshot(ctx, db)
	if err != nil {
		return DatabaseDetail{}, err
	}
	return DatabaseDetail{Database: db, Counts: snap.Counts(), Commit: commit}, nil
}

func (s *Service) RenameDatabase(ctx context.Context, oldName, newName, by string) (store.Database, error) {
	db, err := s.store.GetDatabase(ctx, oldName)
	if err != nil {
		return store.Database{}, err
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return store.Database{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if newName == db.Name {
		return db, nil
	}
	newSlug := util.Slugify(newName)
	if newSlug == "" {
		return store.Database{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must contain letters or digits", nil)
	}
	if other, err := s.store.GetDatabase(ctx, newName); err == nil && other.ID != db.ID {
		return store.Database{}, domainError(http.StatusConflict, "DATABASE_EXISTS", "a database with this name already exists", nil)
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.Database{}, err
	}

	by = authorOrDefault(by)
	oldSlug := db.Slug
	if newSlug != oldSlug {
		if err := s.snapshots.Rename(oldSlug, newSlug); err != nil {
			return store.Database{}, fmt.Errorf("rename snapshot repo: %w", err)
		}
	}
	if err := s.store.RenameDatabase(ctx, db.ID, newName, newSlug); err != nil {
		// Put the repo back where the catalog row still points, or the
		// database looks wiped on the next boot.
		if newSlug != oldSlug {
			if rbErr := s.snapshots.Rename(newSlug, oldSlug); rbErr != nil {
				log.Printf("app: WARNING: roll back repo rename %s -> %s: %v", newSlug, oldSlug, rbErr)
			}
		}
		return store.Database{}, err
	}

	snap, _, err := s.snapshots.Head(newSlug)
	if err != nil {
		return store.Database{}, fmt.Errorf("head after rename: %w", err)
	}
	snap.Name = newName
	snap.UpdatedAt = time.Now().UTC()
	commit, err := s.snapshots.Commit(newSlug, snap, by, fmt.Sprintf("rename database to %q", newName))
	if err != nil {
		return store.Database{}, fmt.Errorf("commit rename: %w", err)
	}
	if err := s.store.UpdateDatabaseState(ctx, db.ID, snap.FormatVersion, snap.Total(), snap.Hash(), commit.Hash, by); err != nil {
		return store.Database{}, err
	}

	if newSlug != oldSlug {
		s.mirrorInvalidate(ctx, oldSlug)
		s.search.RemoveDatabase(oldSlug)
	}
	s.mirrorPut(ctx, newSlug, snap)
	s.search.IndexDatabase(newSlug, snap)
	s.scheduler.Rename(db.Name, newName)
	s.events.Emit(ctx, notify.LevelInfo, "database_renamed",
		fmt.Sprintf("renamed from %q to %q", db.Name, newName), newName)

	return s.store.GetDatabase(ctx, newName)
}

func (s *Service) DeleteDatabase(ctx context.Context, name string) error {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return err
	}
	s.scheduler.Remove(db.Name)
	if err := s.store.DeleteDatabase(ctx, db.ID); err != nil {
		return err
	}
	if err := s.snapshots.Remove(db.Slug); err != nil {
		log.Printf("app: WARNING: delete snapshot repo %s: %v", db.Slug, err)
	}
	s.mirrorInvalidate(ctx, db.Slug)
	s.search.RemoveDatabase(db.Slug)
	s.events.Emit(ctx, notify.LevelInfo, "database_deleted", "database deleted", db.Name)
	return nil
}

// GetSnapshot returns the current snapshot, or a historical one when a
// commit hash is given.
func (s *Service) GetSnapshot(ctx context.Context, name, at string) (*entity.Snapshot, store.CommitInfo, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return nil, store.CommitInfo{}, err
	}
	if at != "" {
		snap, commit, err := s.snapshots.AtCommit(db.Slug, at)
		if err != nil {
			return nil, store.CommitInfo{}, domainError(http.StatusNotFound, "COMMIT_NOT_FOUND", "no snapshot at this commit", nil)
		}
		return snap, commit, nil
	}
	return s.loadSnapshot(ctx, db)
}

// SaveResult reports what a snapshot save changed.
type SaveResult struct {
	Commit        store.CommitInfo
	RepairChanges []entity.RepairChange
	Unchanged     bool
	EntityCount   int
	ContentHash   string
}

// SaveSnapshot is the whole-blob save path: normalize, dedup on content
// hash, commit, update the catalog, refresh mirror and search, and kick
// the auto-backup timer.
func (s *Service) SaveSnapshot(ctx context.Context, name string, snap *entity.Snapshot, by string) (SaveResult, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return SaveResult{}, err
	}
	if snap == nil {
		return SaveResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "snapshot body is required", nil)
	}

	changes := entity.Normalize(snap)
	snap.Name = db.Name
	hash := snap.Hash()
	if hash == db.ContentHash {
		return SaveResult{
			Commit:      store.CommitInfo{Hash: db.CommitHash},
			Unchanged:   true,
			EntityCount: snap.Total(),
			ContentHash: hash,
		}, nil
	}

	commit, err := s.commitSnapshot(ctx, db, snap, authorOrDefault(by), "save snapshot")
	if err != nil {
		return SaveResult{}, err
	}
	if len(changes) > 0 {
		s.events.Emit(ctx, notify.LevelInfo, "snapshot_repaired",
			fmt.Sprintf("%d repair(s) applied during save", len(changes)), db.Name)
	}
	return SaveResult{
		Commit:        commit,
		RepairChanges: changes,
		EntityCount:   snap.Total(),
		ContentHash:   hash,
	}, nil
}

func (s *Service) History(ctx context.Context, name string, limit int) ([]store.CommitInfo, error) {
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.snapshots.History(db.Slug, limit)
}

// commitSnapshot is the single write path behind every snapshot
// mutation: commit, catalog row, mirror, search index, backup kick.
func (s *Service) commitSnapshot(ctx context.Context, db store.Database, snap *entity.Snapshot, by, message string) (store.CommitInfo, error) {
	snap.UpdatedAt = time.Now().UTC()
	commit, err := s.snapshots.Commit(db.Slug, snap, by, message)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}
	if err := s.store.UpdateDatabaseState(ctx, db.ID, snap.FormatVersion, snap.Total(), snap.Hash(), commit.Hash, by); err != nil {
		return store.CommitInfo{}, err
	}
	s.mirrorPut(ctx, db.Slug, snap)
	s.search.IndexDatabase(db.Slug, snap)
	s.scheduler.Trigger(db.Name)
	return commit, nil
}

// loadSnapshot prefers the mirror and falls back to the canonical git
// head, repopulating the mirror on a miss.
func (s *Service) loadSnapshot(ctx context.Context, db store.Database) (*entity.Snapshot, store.CommitInfo, error) {
	if s.mirror != nil {
		snap, err := s.mirror.Get(ctx, db.Slug)
		if err == nil {
			return snap, store.CommitInfo{Hash: db.CommitHash}, nil
		}
		if !errors.Is(err, mirror.ErrMiss) {
			log.Printf("app: mirror read for %s failed, using snapshot store: %v", db.Slug, err)
		}
	}
	snap, commit, err := s.snapshots.Head(db.Slug)
	if err != nil {
		return nil, store.CommitInfo{}, fmt.Errorf("load snapshot head: %w", err)
	}
	s.mirrorPut(ctx, db.Slug, snap)
	return snap, commit, nil
}

func (s *Service) mirrorPut(ctx context.Context, slug string, snap *entity.Snapshot) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Put(ctx, slug, snap); err != nil {
		log.Printf("app: mirror update for %s failed: %v", slug, err)
	}
}

func (s *Service) mirrorInvalidate(ctx context.Context, slug string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Invalidate(ctx, slug); err != nil {
		log.Printf("app: mirror invalidate for %s failed: %v", slug, err)
	}
}

func authorOrDefault(by string) string {
	by = strings.TrimSpace(by)
	if by == "" {
		return defaultAuthor
	}
	return by
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
