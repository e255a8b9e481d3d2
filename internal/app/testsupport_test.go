package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/balor48/storyguard-sub004/internal/backup"
	"github.com/balor48/storyguard-sub004/internal/config"
	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/export"
	"github.com/balor48/storyguard-sub004/internal/notify"
	"github.com/balor48/storyguard-sub004/internal/search"
	"github.com/balor48/storyguard-sub004/internal/snapshot"
	"github.com/balor48/storyguard-sub004/internal/store"
	"github.com/balor48/storyguard-sub004/internal/util"
)

// fakeCatalog is an in-memory stand-in for the Postgres catalog. It also
// implements the event store so the real notify service can run on it.
type fakeCatalog struct {
	mu        sync.Mutex
	databases map[string]store.Database // by id
	settings  map[string]store.BackupSettings
	backups   []store.Backup
	reports   map[string]store.AnalysisReport
	events    []store.Event
	pingErr   error
	renameErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		databases: map[string]store.Database{},
		settings:  map[string]store.BackupSettings{},
		reports:   map[string]store.AnalysisReport{},
	}
}

func (f *fakeCatalog) ListDatabases(ctx context.Context) ([]store.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Database, 0, len(f.databases))
	for _, db := range f.databases {
		items = append(items, db)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (f *fakeCatalog) GetDatabase(ctx context.Context, name string) (store.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, db := range f.databases {
		if db.Name == name {
			return db, nil
		}
	}
	return store.Database{}, sql.ErrNoRows
}

func (f *fakeCatalog) GetDatabaseByID(ctx context.Context, id string) (store.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if db, ok := f.databases[id]; ok {
		return db, nil
	}
	return store.Database{}, sql.ErrNoRows
}

func (f *fakeCatalog) InsertDatabase(ctx context.Context, item store.Database) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.databases[item.ID] = item
	return nil
}

func (f *fakeCatalog) UpdateDatabaseState(ctx context.Context, id string, formatVersion, entityCount int, contentHash, commitHash, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.databases[id]
	if !ok {
		return sql.ErrNoRows
	}
	db.FormatVersion = formatVersion
	db.EntityCount = entityCount
	db.ContentHash = contentHash
	db.CommitHash = commitHash
	db.UpdatedBy = updatedBy
	db.UpdatedAt = time.Now()
	f.databases[id] = db
	return nil
}

func (f *fakeCatalog) RenameDatabase(ctx context.Context, id, name, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renameErr != nil {
		return f.renameErr
	}
	db, ok := f.databases[id]
	if !ok {
		return sql.ErrNoRows
	}
	db.Name = name
	db.Slug = slug
	f.databases[id] = db
	return nil
}

func (f *fakeCatalog) DeleteDatabase(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.databases, id)
	delete(f.settings, id)
	kept := f.backups[:0]
	for _, b := range f.backups {
		if b.DatabaseID != id {
			kept = append(kept, b)
		}
	}
	f.backups = kept
	return nil
}

func (f *fakeCatalog) CountDatabases(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.databases), nil
}

func (f *fakeCatalog) GetBackupSettings(ctx context.Context, databaseID string) (store.BackupSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if settings, ok := f.settings[databaseID]; ok {
		return settings, nil
	}
	return store.BackupSettings{}, sql.ErrNoRows
}

func (f *fakeCatalog) UpsertBackupSettings(ctx context.Context, item store.BackupSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.UpdatedAt = time.Now()
	f.settings[item.DatabaseID] = item
	return nil
}

func (f *fakeCatalog) GetBackup(ctx context.Context, id string) (store.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.backups {
		if b.ID == id {
			return b, nil
		}
	}
	return store.Backup{}, sql.ErrNoRows
}

func (f *fakeCatalog) ListBackups(ctx context.Context, databaseID string, limit int) ([]store.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.Backup{}
	for i := len(f.backups) - 1; i >= 0 && len(items) < limit; i-- {
		if f.backups[i].DatabaseID == databaseID {
			items = append(items, f.backups[i])
		}
	}
	return items, nil
}

func (f *fakeCatalog) InsertBackup(ctx context.Context, item store.Backup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = time.Now()
	f.backups = append(f.backups, item)
	return nil
}

func (f *fakeCatalog) InsertAnalysisReport(ctx context.Context, item store.AnalysisReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[item.ID] = item
	return nil
}

func (f *fakeCatalog) GetAnalysisReport(ctx context.Context, id string) (store.AnalysisReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if report, ok := f.reports[id]; ok {
		return report, nil
	}
	return store.AnalysisReport{}, sql.ErrNoRows
}

func (f *fakeCatalog) ListAnalysisReports(ctx context.Context, databaseID string, limit int) ([]store.AnalysisReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.AnalysisReport{}
	for _, report := range f.reports {
		if report.DatabaseID == databaseID {
			items = append(items, report)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeCatalog) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeCatalog) UpsertEvent(ctx context.Context, item store.Event, window time.Duration) (store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for i := range f.events {
		if f.events[i].DedupKey == item.DedupKey && now.Sub(f.events[i].LastSeen) < window {
			f.events[i].Count++
			f.events[i].LastSeen = now
			return f.events[i], nil
		}
	}
	item.Count = 1
	item.FirstSeen = now
	item.LastSeen = now
	f.events = append(f.events, item)
	return item, nil
}

func (f *fakeCatalog) ListEvents(ctx context.Context, database string, limit int) ([]store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.Event{}
	for i := len(f.events) - 1; i >= 0 && len(items) < limit; i-- {
		if database == "" || f.events[i].Database == database {
			items = append(items, f.events[i])
		}
	}
	return items, nil
}

func (f *fakeCatalog) hasEvent(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, event := range f.events {
		if event.Code == code {
			return true
		}
	}
	return false
}

type fakeEngine struct {
	mu       sync.Mutex
	created  []backup.Options
	createFn func(databaseName string, opts backup.Options) (store.Backup, error)
	restore  backup.RestoreResult
	verify   backup.Verification
}

func (f *fakeEngine) Create(ctx context.Context, databaseName string, opts backup.Options) (store.Backup, error) {
	f.mu.Lock()
	f.created = append(f.created, opts)
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(databaseName, opts)
	}
	return store.Backup{ID: util.NewID("bak"), Kind: opts.Kind, FileName: databaseName + ".json"}, nil
}

func (f *fakeEngine) Restore(ctx context.Context, backupID, passphrase, by string) (backup.RestoreResult, error) {
	return f.restore, nil
}

func (f *fakeEngine) Verify(ctx context.Context, backupID string) (backup.Verification, error) {
	return f.verify, nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	applied   []backup.Settings
	triggered []string
	removed   []string
	renamed   [][2]string
}

func (f *fakeScheduler) Apply(settings backup.Settings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, settings)
}

func (f *fakeScheduler) Trigger(databaseName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, databaseName)
}

func (f *fakeScheduler) Remove(databaseName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, databaseName)
}

func (f *fakeScheduler) Rename(oldName, newName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renamed = append(f.renamed, [2]string{oldName, newName})
}

func (f *fakeScheduler) lastApplied(t *testing.T) backup.Settings {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		t.Fatal("scheduler was never applied")
	}
	return f.applied[len(f.applied)-1]
}

type fakeSearch struct {
	mu       sync.Mutex
	indexed  []string
	removed  []string
	queries  []search.Query
	response search.Response
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{response: search.Response{Results: []search.Result{}}}
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	response := f.response
	response.Query = q.Text
	return response
}

func (f *fakeSearch) IndexDatabase(slug string, snap *entity.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, slug)
}

func (f *fakeSearch) RemoveDatabase(slug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, slug)
}

func (f *fakeSearch) ReindexAll() {}

func (f *fakeSearch) Backend() string { return "scan" }

func (f *fakeSearch) lastQuery(t *testing.T) search.Query {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		t.Fatal("search was never queried")
	}
	return f.queries[len(f.queries)-1]
}

type testEnv struct {
	catalog   *fakeCatalog
	engine    *fakeEngine
	scheduler *fakeScheduler
	search    *fakeSearch
}

// newTestService wires a Service over the fakes, with a real git-backed
// snapshot store and a real exporter in temp directories.
func newTestService(t *testing.T) (*Service, *testEnv) {
	t.Helper()
	env := &testEnv{
		catalog:   newFakeCatalog(),
		engine:    &fakeEngine{},
		scheduler: &fakeScheduler{},
		search:    newFakeSearch(),
	}
	cfg := config.Config{
		BackupIntervalMinutes: 30,
		BackupKeep:            5,
		AnalysisMinMentions:   2,
		AnalysisMaxBytes:      1 << 20,
		DownloadSecret:        "test-secret",
		DownloadTTL:           time.Minute,
	}
	service := &Service{
		cfg:       cfg,
		store:     env.catalog,
		snapshots: snapshot.New(t.TempDir()),
		backups:   env.engine,
		scheduler: env.scheduler,
		search:    env.search,
		events:    notify.NewService(env.catalog),
		exporter:  export.NewService(t.TempDir(), []byte("test-secret"), time.Minute),
	}
	return service, env
}

func newTestServer(t *testing.T) (http.Handler, *Service, *testEnv) {
	t.Helper()
	service, env := newTestService(t)
	return NewHTTPServer(service, "*").Handler(), service, env
}

// doJSON runs one request through the full handler stack and decodes the
// JSON response into a generic map.
func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, bytes.NewReader(payload))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not a JSON object: %v\n%s", err, recorder.Body.String())
		}
	}
	return recorder.Code, decoded
}

func mustCreateDatabase(t *testing.T, handler http.Handler, name string) {
	t.Helper()
	status, body := doJSON(t, handler, http.MethodPost, "/api/databases", map[string]any{"name": name})
	if status != http.StatusCreated {
		t.Fatalf("create database %q: status %d body %v", name, status, body)
	}
}

func errorCode(body map[string]any) string {
	code, _ := body["code"].(string)
	return code
}
