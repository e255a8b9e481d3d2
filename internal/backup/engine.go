// Package backup owns backup files end to end: creation with content-hash
// dedup, optional encryption, replication to object storage, retention
// pruning, integrity verification and restore. Files are written with a
// temp-file + rename so a crash never leaves a torn backup behind.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/notify"
	"github.com/balor48/storyguard-sub004/internal/store"
	"github.com/balor48/storyguard-sub004/internal/util"
)

// ErrHashMismatch is returned when a backup file no longer matches the
// hash recorded at creation time.
var ErrHashMismatch = errors.New("backup content hash mismatch")

// ErrSkipped is returned by Create when the current snapshot is identical
// to the newest backup and force was not set.
var ErrSkipped = errors.New("backup skipped: content unchanged")

const failureAlertThreshold = 3

type catalogStore interface {
	GetDatabase(ctx context.Context, name string) (store.Database, error)
	GetDatabaseByID(ctx context.Context, id string) (store.Database, error)
	GetBackupSettings(ctx context.Context, databaseID string) (store.BackupSettings, error)
	InsertBackup(ctx context.Context, item store.Backup) error
	GetBackup(ctx context.Context, id string) (store.Backup, error)
	LatestBackup(ctx context.Context, databaseID, kind string) (*store.Backup, error)
	ListPrunableBackups(ctx context.Context, databaseID string, keep int) ([]store.Backup, error)
	DeleteBackup(ctx context.Context, id string) error
	MarkBackupReplicated(ctx context.Context, id string) error
	UpdateDatabaseState(ctx context.Context, id string, formatVersion, entityCount int, contentHash, commitHash, updatedBy string) error
}

type snapshotStore interface {
	Head(slug string) (*entity.Snapshot, store.CommitInfo, error)
	Commit(slug string, snap *entity.Snapshot, author, message string) (store.CommitInfo, error)
}

// Replicator pushes backup files to off-machine storage.
type Replicator interface {
	Upload(ctx context.Context, objectName, filePath string) error
	Remove(ctx context.Context, objectName string) error
}

type alerter interface {
	IsConfigured() bool
	SendBackupFailureAlert(to, database, reason string, consecutive int) error
	SendRestoreNotice(to, database, backupFile string) error
}

type eventSink interface {
	Emit(ctx context.Context, level, code, message, database string)
}

// Engine creates, verifies and restores backup files.
type Engine struct {
	dir        string
	catalog    catalogStore
	snapshots  snapshotStore
	replicator Replicator // nil disables replication
	events     eventSink
	alerts     alerter
	alertTo    string

	failMu   sync.Mutex
	failures map[string]int
}

func NewEngine(dir string, catalog catalogStore, snapshots snapshotStore, replicator Replicator, events eventSink, alerts alerter, alertTo string) *Engine {
	return &Engine{
		dir:        dir,
		catalog:    catalog,
		snapshots:  snapshots,
		replicator: replicator,
		events:     events,
		alerts:     alerts,
		alertTo:    alertTo,
		failures:   make(map[string]int),
	}
}

// Options control one backup run.
type Options struct {
	Kind       string // manual, auto or pre_restore; defaults to manual
	Passphrase string // non-empty encrypts the file
	Force      bool   // write even when content is unchanged
	Note       string
	By         string
	Keep       int // auto backups to retain; <=0 means no pruning
}

// Create backs up the current snapshot of a database. When the content
// hash matches the newest recorded backup and Force is unset, nothing is
// written and ErrSkipped is returned.
func (e *Engine) Create(ctx context.Context, databaseName string, opts Options) (store.Backup, error) {
	kind := opts.Kind
	if kind == "" {
		kind = store.BackupKindManual
	}
	if kind != store.BackupKindManual && kind != store.BackupKindAuto && kind != store.BackupKindPreRestore {
		return store.Backup{}, fmt.Errorf("invalid backup kind %q", kind)
	}

	item, err := e.create(ctx, databaseName, kind, opts)
	if errors.Is(err, ErrSkipped) {
		e.events.Emit(ctx, notify.LevelInfo, "backup_skipped", "backup skipped: content unchanged since last backup", databaseName)
		return store.Backup{}, err
	}
	if err != nil {
		e.recordFailure(ctx, databaseName, err)
		return store.Backup{}, err
	}

	e.resetFailures(databaseName)
	e.events.Emit(ctx, notify.LevelInfo, "backup_created",
		fmt.Sprintf("%s backup %s written (%d bytes)", kind, item.FileName, item.SizeBytes), databaseName)
	return item, nil
}

func (e *Engine) create(ctx context.Context, databaseName, kind string, opts Options) (store.Backup, error) {
	db, err := e.catalog.GetDatabase(ctx, databaseName)
	if err != nil {
		return store.Backup{}, fmt.Errorf("load database: %w", err)
	}

	snap, head, err := e.snapshots.Head(db.Slug)
	if err != nil {
		return store.Backup{}, fmt.Errorf("load snapshot: %w", err)
	}
	contentHash := snap.Hash()

	if !opts.Force {
		latest, err := e.catalog.LatestBackup(ctx, db.ID, "")
		if err != nil {
			return store.Backup{}, err
		}
		if latest != nil && latest.ContentHash == contentHash {
			return store.Backup{}, ErrSkipped
		}
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return store.Backup{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	payload = append(payload, '\n')

	encrypted := opts.Passphrase != ""
	if encrypted {
		payload, err = encryptSnapshot(payload, opts.Passphrase)
		if err != nil {
			return store.Backup{}, err
		}
	}

	fileName := backupFileName(db.Slug, encrypted, time.Now().UTC())
	if err := writeFileAtomic(filepath.Join(e.dir, fileName), payload); err != nil {
		return store.Backup{}, err
	}

	item := store.Backup{
		ID:          util.NewID("bak"),
		DatabaseID:  db.ID,
		Kind:        kind,
		FileName:    fileName,
		SizeBytes:   int64(len(payload)),
		ContentHash: contentHash,
		Encrypted:   encrypted,
		CommitHash:  head.Hash,
		Note:        opts.Note,
		CreatedBy:   opts.By,
	}
	if err := e.catalog.InsertBackup(ctx, item); err != nil {
		// The file exists but the row does not; remove the orphan so the
		// retention math stays honest.
		_ = os.Remove(filepath.Join(e.dir, fileName))
		return store.Backup{}, err
	}

	e.replicate(ctx, db.Name, item)
	e.prune(ctx, db, opts.Keep)
	return item, nil
}

func (e *Engine) replicate(ctx context.Context, databaseName string, item store.Backup) {
	if e.replicator == nil {
		return
	}
	if err := e.replicator.Upload(ctx, item.FileName, filepath.Join(e.dir, item.FileName)); err != nil {
		log.Printf("backup: replicate %s failed: %v", item.FileName, err)
		e.events.Emit(ctx, notify.LevelWarning, "backup_replication_failed",
			fmt.Sprintf("could not replicate %s to object storage: %v", item.FileName, err), databaseName)
		return
	}
	if err := e.catalog.MarkBackupReplicated(ctx, item.ID); err != nil {
		log.Printf("backup: mark %s replicated failed: %v", item.ID, err)
	}
}

func (e *Engine) prune(ctx context.Context, db store.Database, keep int) {
	if keep <= 0 {
		return
	}
	prunable, err := e.catalog.ListPrunableBackups(ctx, db.ID, keep)
	if err != nil {
		log.Printf("backup: list prunable for %s failed: %v", db.Name, err)
		return
	}
	for _, old := range prunable {
		if err := os.Remove(filepath.Join(e.dir, old.FileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("backup: prune file %s failed: %v", old.FileName, err)
			continue
		}
		if e.replicator != nil && old.Replicated {
			if err := e.replicator.Remove(ctx, old.FileName); err != nil {
				log.Printf("backup: prune remote %s failed: %v", old.FileName, err)
			}
		}
		if err := e.catalog.DeleteBackup(ctx, old.ID); err != nil {
			log.Printf("backup: prune row %s failed: %v", old.ID, err)
		}
	}
}

// RestoreResult reports what a restore changed.
type RestoreResult struct {
	Database      store.Database
	Snapshot      *entity.Snapshot
	Commit        store.CommitInfo
	RepairChanges []entity.RepairChange
	PreRestoreID  string
}

// Restore replaces a database's current state with the content of a
// backup. The current state is backed up first (pre_restore), and the
// restored snapshot lands as a new commit: history is never rewritten.
func (e *Engine) Restore(ctx context.Context, backupID, passphrase, by string) (RestoreResult, error) {
	item, err := e.catalog.GetBackup(ctx, backupID)
	if err != nil {
		return RestoreResult{}, err
	}
	db, err := e.catalog.GetDatabaseByID(ctx, item.DatabaseID)
	if err != nil {
		return RestoreResult{}, err
	}

	payload, err := os.ReadFile(filepath.Join(e.dir, item.FileName))
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read backup file: %w", err)
	}

	if item.Encrypted {
		settings, err := e.catalog.GetBackupSettings(ctx, db.ID)
		if err == nil && settings.PassphraseHash != "" && passphrase != "" && !VerifyPassphrase(settings.PassphraseHash, passphrase) {
			return RestoreResult{}, ErrBadPassphrase
		}
		payload, err = decryptSnapshot(payload, passphrase)
		if err != nil {
			return RestoreResult{}, err
		}
	}

	var snap entity.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return RestoreResult{}, fmt.Errorf("decode backup snapshot: %w", err)
	}
	if snap.Hash() != item.ContentHash {
		return RestoreResult{}, ErrHashMismatch
	}
	changes := entity.Normalize(&snap)
	snap.Name = db.Name
	snap.UpdatedAt = time.Now().UTC()

	pre, err := e.Create(ctx, db.Name, Options{
		Kind:  store.BackupKindPreRestore,
		Force: true,
		Note:  "state before restoring " + item.FileName,
		By:    by,
	})
	if err != nil && !errors.Is(err, ErrSkipped) {
		return RestoreResult{}, fmt.Errorf("pre-restore backup: %w", err)
	}

	commit, err := e.snapshots.Commit(db.Slug, &snap, by, "restore from backup "+item.FileName)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("commit restored snapshot: %w", err)
	}
	if err := e.catalog.UpdateDatabaseState(ctx, db.ID, snap.FormatVersion, snap.Total(), snap.Hash(), commit.Hash, by); err != nil {
		return RestoreResult{}, err
	}

	e.events.Emit(ctx, notify.LevelInfo, "backup_restored",
		fmt.Sprintf("restored from %s (%d repairs applied)", item.FileName, len(changes)), db.Name)
	if e.alerts != nil && e.alerts.IsConfigured() && e.alertTo != "" {
		if err := e.alerts.SendRestoreNotice(e.alertTo, db.Name, item.FileName); err != nil {
			log.Printf("backup: restore notice email failed: %v", err)
		}
	}

	return RestoreResult{
		Database:      db,
		Snapshot:      &snap,
		Commit:        commit,
		RepairChanges: changes,
		PreRestoreID:  pre.ID,
	}, nil
}

// Verification reports the integrity of one backup file.
type Verification struct {
	BackupID  string `json:"backupId"`
	FileName  string `json:"fileName"`
	SizeBytes int64  `json:"sizeBytes"`
	Intact    bool   `json:"intact"`
	Detail    string `json:"detail,omitempty"`
}

// Verify re-reads a backup file and checks it against the recorded state.
// Encrypted backups are verified structurally (envelope decodes); their
// content hash can only be checked with the passphrase at restore time.
func (e *Engine) Verify(ctx context.Context, backupID string) (Verification, error) {
	item, err := e.catalog.GetBackup(ctx, backupID)
	if err != nil {
		return Verification{}, err
	}
	result := Verification{BackupID: item.ID, FileName: item.FileName}

	payload, err := os.ReadFile(filepath.Join(e.dir, item.FileName))
	if err != nil {
		result.Detail = "backup file missing or unreadable"
		return result, nil
	}
	result.SizeBytes = int64(len(payload))
	if result.SizeBytes != item.SizeBytes {
		result.Detail = fmt.Sprintf("size changed: recorded %d, found %d", item.SizeBytes, result.SizeBytes)
		return result, nil
	}

	if item.Encrypted {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Format != envelopeFormat {
			result.Detail = "encrypted envelope is damaged"
			return result, nil
		}
		result.Intact = true
		return result, nil
	}

	var snap entity.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		result.Detail = "snapshot payload does not decode"
		return result, nil
	}
	if snap.Hash() != item.ContentHash {
		result.Detail = "content hash mismatch"
		return result, nil
	}
	result.Intact = true
	return result, nil
}

// ConsecutiveFailures reports the current failure streak for a database.
func (e *Engine) ConsecutiveFailures(databaseName string) int {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.failures[databaseName]
}

func (e *Engine) recordFailure(ctx context.Context, databaseName string, cause error) {
	e.failMu.Lock()
	e.failures[databaseName]++
	count := e.failures[databaseName]
	e.failMu.Unlock()

	if count >= failureAlertThreshold {
		log.Printf("WARNING: backup: %d consecutive failures for %s: %v", count, databaseName, cause)
	} else {
		log.Printf("backup: failure %d for %s: %v", count, databaseName, cause)
	}
	e.events.Emit(ctx, notify.LevelError, "backup_failed",
		fmt.Sprintf("backup failed (attempt %d): %v", count, cause), databaseName)

	if count == failureAlertThreshold && e.alerts != nil && e.alerts.IsConfigured() && e.alertTo != "" {
		if err := e.alerts.SendBackupFailureAlert(e.alertTo, databaseName, cause.Error(), count); err != nil {
			log.Printf("backup: failure alert email failed: %v", err)
		}
	}
}

func (e *Engine) resetFailures(databaseName string) {
	e.failMu.Lock()
	delete(e.failures, databaseName)
	e.failMu.Unlock()
}

func backupFileName(slug string, encrypted bool, at time.Time) string {
	name := fmt.Sprintf("%s-%s.json", slug, at.Format("20060102T150405Z"))
	if encrypted {
		name += ".enc"
	}
	return name
}

// writeFileAtomic writes to a unique temp file in the same directory and
// renames it into place, so readers never see a partial backup.
func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		return fmt.Errorf("chmod backup file: %w", err)
	}
	return nil
}
