package export

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/balor48/storyguard-sub004/internal/auth"
	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/store"
)

func testInput() Input {
	return Input{
		Database: store.Database{ID: "db_1", Name: "Winter Crown", Slug: "winter-crown"},
		Snapshot: &entity.Snapshot{
			FormatVersion: entity.CurrentFormatVersion,
			Name:          "Winter Crown",
			Characters: []entity.Character{
				{ID: "chr_1", Name: "Mira Voss"},
				{ID: "chr_2", Name: "Aldous Pike"},
			},
			Tags: []entity.Tag{{ID: "tag_1", Name: "spy-ring"}},
		},
		Commit: store.CommitInfo{Hash: "abc123", Message: "save"},
		Backups: []store.Backup{
			{ID: "bak_1", Kind: store.BackupKindManual, FileName: "winter-crown-20260101T000000Z.json", SizeBytes: 512},
		},
	}
}

func TestExportWritesReadableArchive(t *testing.T) {
	service := NewService(t.TempDir(), []byte("secret"), time.Minute)

	archive, err := service.Export(testInput())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.HasPrefix(archive.FileName, "winter-crown-export-") || !strings.HasSuffix(archive.FileName, ".zip") {
		t.Errorf("unexpected archive name %q", archive.FileName)
	}
	if archive.SizeBytes == 0 || archive.ContentHash == "" {
		t.Errorf("archive metadata incomplete: %+v", archive)
	}

	f, err := service.Open(archive.FileName)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	reader, err := zip.NewReader(f, info.Size())
	if err != nil {
		t.Fatalf("archive is not a zip: %v", err)
	}

	names := map[string]bool{}
	for _, zf := range reader.File {
		names[zf.Name] = true
	}
	for _, want := range []string{"manifest.json", "database.json", "backups.json"} {
		if !names[want] {
			t.Errorf("archive missing %s, has %v", want, names)
		}
	}

	mf, err := reader.Open("manifest.json")
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	defer mf.Close()
	raw, err := io.ReadAll(mf)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.Name != "Winter Crown" || m.Commit != "abc123" {
		t.Errorf("manifest content wrong: %+v", m)
	}
	if m.EntityCounts[entity.KindCharacters] != 2 {
		t.Errorf("expected 2 characters in manifest counts, got %+v", m.EntityCounts)
	}
}

func TestDownloadTokenRoundtrip(t *testing.T) {
	service := NewService(t.TempDir(), []byte("secret"), time.Minute)

	archive, err := service.Export(testInput())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	// The signed URL carries the token as a query parameter.
	parts := strings.SplitN(archive.URL, "?token=", 2)
	if len(parts) != 2 {
		t.Fatalf("url carries no token: %s", archive.URL)
	}
	token := parts[1]

	if err := service.Authorize(archive.FileName, token); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := service.Authorize("other-file.zip", token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("token for one archive must not open another, got %v", err)
	}
	if err := service.Authorize(archive.FileName, token+"x"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("tampered token accepted, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	service := NewService(t.TempDir(), []byte("secret"), time.Minute)
	token, err := auth.IssueToken([]byte("secret"), auth.Claims{
		Sub: "some.zip", JTI: "tok_1", Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := service.Authorize("some.zip", token); !errors.Is(err, auth.ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestOpenRejectsPathTraversal(t *testing.T) {
	service := NewService(t.TempDir(), []byte("secret"), time.Minute)
	for _, name := range []string{"../../etc/passwd", "a/b.zip", "..", ""} {
		if _, err := service.Open(name); !errors.Is(err, ErrNotFound) {
			t.Errorf("Open(%q) should refuse, got %v", name, err)
		}
	}
	if _, err := service.Open("missing.zip"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing archive should be ErrNotFound, got %v", err)
	}
}
