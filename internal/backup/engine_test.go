package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/store"
)

type fakeCatalog struct {
	mu        sync.Mutex
	dbs       map[string]store.Database // by name
	settings  map[string]store.BackupSettings
	backups   []store.Backup
	schedules []store.BackupSchedule
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		dbs:      make(map[string]store.Database),
		settings: make(map[string]store.BackupSettings),
	}
}

func (f *fakeCatalog) GetDatabase(_ context.Context, name string) (store.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.dbs[name]
	if !ok {
		return store.Database{}, fmt.Errorf("database %s not found", name)
	}
	return db, nil
}

func (f *fakeCatalog) GetDatabaseByID(_ context.Context, id string) (store.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, db := range f.dbs {
		if db.ID == id {
			return db, nil
		}
	}
	return store.Database{}, fmt.Errorf("database id %s not found", id)
}

func (f *fakeCatalog) GetBackupSettings(_ context.Context, databaseID string) (store.BackupSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings[databaseID], nil
}

func (f *fakeCatalog) InsertBackup(_ context.Context, item store.Backup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = time.Now()
	f.backups = append(f.backups, item)
	return nil
}

func (f *fakeCatalog) GetBackup(_ context.Context, id string) (store.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.backups {
		if b.ID == id {
			return b, nil
		}
	}
	return store.Backup{}, fmt.Errorf("backup %s not found", id)
}

func (f *fakeCatalog) LatestBackup(_ context.Context, databaseID, kind string) (*store.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *store.Backup
	for i := range f.backups {
		b := f.backups[i]
		if b.DatabaseID != databaseID {
			continue
		}
		if kind != "" && b.Kind != kind {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = &b
		}
	}
	return latest, nil
}

func (f *fakeCatalog) ListPrunableBackups(_ context.Context, databaseID string, keep int) ([]store.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	auto := make([]store.Backup, 0)
	for _, b := range f.backups {
		if b.DatabaseID == databaseID && b.Kind == store.BackupKindAuto {
			auto = append(auto, b)
		}
	}
	sort.Slice(auto, func(i, j int) bool { return auto[i].CreatedAt.After(auto[j].CreatedAt) })
	if len(auto) <= keep {
		return nil, nil
	}
	return auto[keep:], nil
}

func (f *fakeCatalog) DeleteBackup(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.backups[:0]
	for _, b := range f.backups {
		if b.ID == id {
			continue
		}
		kept = append(kept, b)
	}
	f.backups = kept
	return nil
}

func (f *fakeCatalog) MarkBackupReplicated(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.backups {
		if f.backups[i].ID == id {
			f.backups[i].Replicated = true
		}
	}
	return nil
}

func (f *fakeCatalog) UpdateDatabaseState(_ context.Context, id string, formatVersion, entityCount int, contentHash, commitHash, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, db := range f.dbs {
		if db.ID == id {
			db.FormatVersion = formatVersion
			db.EntityCount = entityCount
			db.ContentHash = contentHash
			db.CommitHash = commitHash
			db.UpdatedBy = updatedBy
			f.dbs[name] = db
		}
	}
	return nil
}

func (f *fakeCatalog) ListBackupSchedules(_ context.Context) ([]store.BackupSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.BackupSchedule{}, f.schedules...), nil
}

func (f *fakeCatalog) backupCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, b := range f.backups {
		if kind == "" || b.Kind == kind {
			count++
		}
	}
	return count
}

type fakeSnapshotStore struct {
	mu      sync.Mutex
	snaps   map[string]*entity.Snapshot
	commits int
	headErr error
}

func (f *fakeSnapshotStore) Head(slug string) (*entity.Snapshot, store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, store.CommitInfo{}, f.headErr
	}
	snap, ok := f.snaps[slug]
	if !ok {
		return nil, store.CommitInfo{}, fmt.Errorf("no repo %s", slug)
	}
	return snap.Clone(), store.CommitInfo{Hash: fmt.Sprintf("head-%d", f.commits)}, nil
}

func (f *fakeSnapshotStore) Commit(slug string, snap *entity.Snapshot, author, message string) (store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	f.snaps[slug] = snap.Clone()
	return store.CommitInfo{Hash: fmt.Sprintf("commit-%d", f.commits), Author: author, Message: message}, nil
}

type fakeEvents struct {
	mu    sync.Mutex
	codes []string
}

func (f *fakeEvents) Emit(_ context.Context, level, code, message, database string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
}

func (f *fakeEvents) has(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c == code {
			return true
		}
	}
	return false
}

type fakeAlerter struct {
	mu       sync.Mutex
	failures int
	restores int
}

func (f *fakeAlerter) IsConfigured() bool { return true }

func (f *fakeAlerter) SendBackupFailureAlert(to, database, reason string, consecutive int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	return nil
}

func (f *fakeAlerter) SendRestoreNotice(to, database, backupFile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	return nil
}

func testEngine(t *testing.T) (*Engine, *fakeCatalog, *fakeSnapshotStore, *fakeEvents, *fakeAlerter) {
	t.Helper()
	catalog := newFakeCatalog()
	snap := entity.New("Winter Crown")
	snap.Characters = []entity.Character{{ID: "chr_1", Name: "Mira Voss"}}
	catalog.dbs["Winter Crown"] = store.Database{ID: "db_1", Name: "Winter Crown", Slug: "winter-crown"}
	snapshots := &fakeSnapshotStore{snaps: map[string]*entity.Snapshot{"winter-crown": snap}}
	events := &fakeEvents{}
	alerts := &fakeAlerter{}
	engine := NewEngine(t.TempDir(), catalog, snapshots, nil, events, alerts, "writer@example.com")
	return engine, catalog, snapshots, events, alerts
}

func TestCreateWritesFileAndRow(t *testing.T) {
	engine, catalog, _, events, _ := testEngine(t)

	item, err := engine.Create(context.Background(), "Winter Crown", Options{By: "tester", Note: "first"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if item.Kind != store.BackupKindManual {
		t.Errorf("expected manual kind, got %s", item.Kind)
	}

	payload, err := os.ReadFile(filepath.Join(engine.dir, item.FileName))
	if err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if int64(len(payload)) != item.SizeBytes {
		t.Errorf("size mismatch: file %d, row %d", len(payload), item.SizeBytes)
	}
	if catalog.backupCount("") != 1 {
		t.Errorf("expected 1 backup row, got %d", catalog.backupCount(""))
	}
	if !events.has("backup_created") {
		t.Error("expected backup_created event")
	}
}

func TestCreateDedupsUnchangedContent(t *testing.T) {
	engine, catalog, _, events, _ := testEngine(t)
	ctx := context.Background()

	if _, err := engine.Create(ctx, "Winter Crown", Options{}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := engine.Create(ctx, "Winter Crown", Options{}); !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
	if catalog.backupCount("") != 1 {
		t.Errorf("dedup should not add a row, got %d", catalog.backupCount(""))
	}
	if !events.has("backup_skipped") {
		t.Error("expected backup_skipped event")
	}

	if _, err := engine.Create(ctx, "Winter Crown", Options{Force: true}); err != nil {
		t.Fatalf("forced create failed: %v", err)
	}
	if catalog.backupCount("") != 2 {
		t.Errorf("forced create should add a row, got %d", catalog.backupCount(""))
	}
}

func TestEncryptedRestoreRoundtrip(t *testing.T) {
	engine, _, snapshots, _, alerts := testEngine(t)
	ctx := context.Background()

	item, err := engine.Create(ctx, "Winter Crown", Options{Passphrase: "hush", By: "tester"})
	if err != nil {
		t.Fatalf("encrypted create failed: %v", err)
	}
	if !item.Encrypted {
		t.Fatal("backup should be marked encrypted")
	}

	// Move the database on: the restore must bring the old state back.
	changed := entity.New("Winter Crown")
	changed.Characters = []entity.Character{{ID: "chr_2", Name: "Aldous Crane"}}
	if _, err := snapshots.Commit("winter-crown", changed, "tester", "later state"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if _, err := engine.Restore(ctx, item.ID, "wrong", "tester"); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("expected ErrBadPassphrase, got %v", err)
	}

	result, err := engine.Restore(ctx, item.ID, "hush", "tester")
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(result.Snapshot.Characters) != 1 || result.Snapshot.Characters[0].Name != "Mira Voss" {
		t.Errorf("restored snapshot wrong: %+v", result.Snapshot.Characters)
	}
	if result.PreRestoreID == "" {
		t.Error("expected a pre_restore backup of the replaced state")
	}
	if alerts.restores != 1 {
		t.Errorf("expected one restore notice, got %d", alerts.restores)
	}

	head, _, err := snapshots.Head("winter-crown")
	if err != nil {
		t.Fatalf("head failed: %v", err)
	}
	if len(head.Characters) != 1 || head.Characters[0].Name != "Mira Voss" {
		t.Errorf("head not restored: %+v", head.Characters)
	}
}

func TestPruneKeepsNewestAutoBackups(t *testing.T) {
	engine, catalog, snapshots, _, _ := testEngine(t)
	ctx := context.Background()

	var files []string
	for i := 0; i < 4; i++ {
		snap, _, _ := snapshots.Head("winter-crown")
		snap.Characters = append(snap.Characters, entity.Character{ID: fmt.Sprintf("chr_x%d", i), Name: fmt.Sprintf("Extra %d", i)})
		if _, err := snapshots.Commit("winter-crown", snap, "tester", "grow"); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		item, err := engine.Create(ctx, "Winter Crown", Options{Kind: store.BackupKindAuto, Keep: 2})
		if err != nil {
			t.Fatalf("auto create %d failed: %v", i, err)
		}
		files = append(files, item.FileName)
		time.Sleep(10 * time.Millisecond) // distinct CreatedAt ordering
	}

	if got := catalog.backupCount(store.BackupKindAuto); got != 2 {
		t.Fatalf("expected 2 auto backups kept, got %d", got)
	}
	if _, err := os.Stat(filepath.Join(engine.dir, files[0])); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("oldest backup file should be pruned: %v", err)
	}
	if _, err := os.Stat(filepath.Join(engine.dir, files[3])); err != nil {
		t.Errorf("newest backup file should remain: %v", err)
	}
}

func TestVerifyDetectsDamage(t *testing.T) {
	engine, _, _, _, _ := testEngine(t)
	ctx := context.Background()

	item, err := engine.Create(ctx, "Winter Crown", Options{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ok, err := engine.Verify(ctx, item.ID)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !ok.Intact {
		t.Fatalf("fresh backup should verify: %+v", ok)
	}

	path := filepath.Join(engine.dir, item.FileName)
	payload, _ := os.ReadFile(path)
	payload = bytes.Replace(payload, []byte("Mira Voss"), []byte("Mirz Voss"), 1)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("corrupt failed: %v", err)
	}

	bad, err := engine.Verify(ctx, item.ID)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if bad.Intact {
		t.Error("corrupted backup should not verify")
	}
}

func TestFailureCounterEscalates(t *testing.T) {
	engine, _, snapshots, events, alerts := testEngine(t)
	ctx := context.Background()
	snapshots.headErr = errors.New("disk on fire")

	for i := 0; i < 3; i++ {
		if _, err := engine.Create(ctx, "Winter Crown", Options{}); err == nil {
			t.Fatal("expected create to fail")
		}
	}
	if got := engine.ConsecutiveFailures("Winter Crown"); got != 3 {
		t.Errorf("expected 3 consecutive failures, got %d", got)
	}
	if alerts.failures != 1 {
		t.Errorf("expected exactly one failure alert at the threshold, got %d", alerts.failures)
	}
	if !events.has("backup_failed") {
		t.Error("expected backup_failed events")
	}

	snapshots.headErr = nil
	if _, err := engine.Create(ctx, "Winter Crown", Options{}); err != nil {
		t.Fatalf("recovery create failed: %v", err)
	}
	if got := engine.ConsecutiveFailures("Winter Crown"); got != 0 {
		t.Errorf("success should reset the counter, got %d", got)
	}
}
