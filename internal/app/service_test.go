package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/mirror"
	"github.com/balor48/storyguard-sub004/internal/store"
)

func TestBootstrapSeedsStarterDatabase(t *testing.T) {
	service, env := newTestService(t)
	ctx := context.Background()

	if err := service.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	db, err := env.catalog.GetDatabase(ctx, "My Story")
	if err != nil {
		t.Fatalf("starter database missing: %v", err)
	}
	if db.Slug != "my-story" || db.CommitHash == "" {
		t.Errorf("starter database not fully initialized: %+v", db)
	}
	if _, _, err := service.snapshots.Head("my-story"); err != nil {
		t.Errorf("starter repo missing: %v", err)
	}

	// A second bootstrap must not seed again.
	if err := service.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	count, _ := env.catalog.CountDatabases(ctx)
	if count != 1 {
		t.Errorf("expected 1 database after re-bootstrap, got %d", count)
	}
}

func TestBootstrapAdoptsOrphanRepo(t *testing.T) {
	service, env := newTestService(t)
	ctx := context.Background()

	// A repo on disk with no catalog row, as after a lost Postgres volume.
	snap := entity.New("Old Tales")
	snap.Characters = append(snap.Characters, entity.Character{ID: "chr_1", Name: "Edran"})
	if err := service.snapshots.EnsureRepo("old-tales", snap, "tester"); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	if err := service.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	db, err := env.catalog.GetDatabase(ctx, "Old Tales")
	if err != nil {
		t.Fatalf("orphan repo not adopted: %v", err)
	}
	if db.Slug != "old-tales" || db.EntityCount != 1 {
		t.Errorf("adopted row incomplete: %+v", db)
	}
	if !env.catalog.hasEvent("database_recovered") {
		t.Error("adoption should emit a recovery event")
	}
}

func TestBootstrapRecreatesMissingRepo(t *testing.T) {
	service, env := newTestService(t)
	ctx := context.Background()

	// A catalog row whose repo vanished from disk.
	row := store.Database{ID: "db_1", Name: "Winter Crown", Slug: "winter-crown", FormatVersion: entity.CurrentFormatVersion}
	if err := env.catalog.InsertDatabase(ctx, row); err != nil {
		t.Fatalf("insert row: %v", err)
	}

	if err := service.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	snap, commit, err := service.snapshots.Head("winter-crown")
	if err != nil {
		t.Fatalf("repo not recreated: %v", err)
	}
	if snap.Name != "Winter Crown" || snap.Total() != 0 {
		t.Errorf("recreated snapshot should be empty: %+v", snap)
	}
	db, _ := env.catalog.GetDatabaseByID(ctx, "db_1")
	if db.CommitHash != commit.Hash {
		t.Errorf("catalog row not pointed at the new head")
	}
	if !env.catalog.hasEvent("repo_recreated") {
		t.Error("recreation should emit a warning event")
	}
}

func TestLoadSnapshotRepopulatesMirror(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	mirrorStore := mirror.NewStoreWithClient(client, time.Minute)
	service.mirror = mirrorStore

	db, err := service.CreateDatabase(ctx, "Winter Crown", "tester")
	if err != nil {
		t.Fatalf("create database: %v", err)
	}

	// Wipe the mirror; the next read must fall back to git and refill it.
	if err := mirrorStore.Invalidate(ctx, db.Slug); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := mirrorStore.Get(ctx, db.Slug); err != mirror.ErrMiss {
		t.Fatalf("expected mirror miss, got %v", err)
	}

	detail, err := service.GetDatabase(ctx, "Winter Crown")
	if err != nil {
		t.Fatalf("get database: %v", err)
	}
	if detail.Database.Slug != db.Slug {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	cached, err := mirrorStore.Get(ctx, db.Slug)
	if err != nil {
		t.Fatalf("mirror not repopulated: %v", err)
	}
	if cached.Name != "Winter Crown" {
		t.Errorf("cached snapshot name %q", cached.Name)
	}

	// With the mirror gone entirely, reads still work off git.
	service.mirror = nil
	if _, err := service.GetDatabase(ctx, "Winter Crown"); err != nil {
		t.Fatalf("read without mirror: %v", err)
	}
}

func TestRenameRollsBackRepoOnCatalogError(t *testing.T) {
	service, env := newTestService(t)
	ctx := context.Background()

	if _, err := service.CreateDatabase(ctx, "Winter Crown", "tester"); err != nil {
		t.Fatalf("create database: %v", err)
	}

	env.catalog.renameErr = errors.New("connection reset")
	if _, err := service.RenameDatabase(ctx, "Winter Crown", "Spring Crown", "tester"); err == nil {
		t.Fatal("expected rename to fail")
	}

	// The repo must still sit where the catalog row points.
	if _, _, err := service.snapshots.Head("winter-crown"); err != nil {
		t.Fatalf("repo not rolled back to the old slug: %v", err)
	}
	if _, _, err := service.snapshots.Head("spring-crown"); err == nil {
		t.Fatal("repo left behind at the new slug")
	}

	// And the database keeps working under its old name.
	env.catalog.renameErr = nil
	detail, err := service.GetDatabase(ctx, "Winter Crown")
	if err != nil {
		t.Fatalf("database unusable after failed rename: %v", err)
	}
	if detail.Database.Slug != "winter-crown" {
		t.Errorf("unexpected slug %q", detail.Database.Slug)
	}
}
