// Package export builds downloadable zip archives of a story database:
// a manifest, the full snapshot, and recent backup metadata. Downloads
// are authorized by short-lived signed tokens so the shell can hand the
// URL straight to the browser.
package export

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/balor48/storyguard-sub004/internal/auth"
	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/store"
	"github.com/balor48/storyguard-sub004/internal/util"
)

var ErrNotFound = errors.New("export archive not found")

type Service struct {
	dir    string
	secret []byte
	ttl    time.Duration
}

func NewService(dir string, secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{dir: dir, secret: secret, ttl: ttl}
}

// Input is everything the archive records about one database.
type Input struct {
	Database store.Database
	Snapshot *entity.Snapshot
	Commit   store.CommitInfo
	Backups  []store.Backup
}

// Archive describes a written export: the file on disk plus a signed
// download URL that expires.
type Archive struct {
	FileName    string    `json:"fileName"`
	SizeBytes   int64     `json:"sizeBytes"`
	ContentHash string    `json:"contentHash"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type manifest struct {
	Name          string         `json:"name"`
	ExportedAt    time.Time      `json:"exportedAt"`
	FormatVersion int            `json:"formatVersion"`
	EntityCounts  map[string]int `json:"entityCounts"`
	SnapshotHash  string         `json:"snapshotHash"`
	Commit        string         `json:"commit"`
}

type backupEntry struct {
	Kind      string    `json:"kind"`
	FileName  string    `json:"fileName"`
	SizeBytes int64     `json:"sizeBytes"`
	Encrypted bool      `json:"encrypted"`
	CreatedAt time.Time `json:"createdAt"`
}

// Export builds the archive in memory, writes it atomically under the
// export dir, and returns its metadata with a signed download URL.
func (s *Service) Export(in Input) (Archive, error) {
	payload, err := buildZip(in)
	if err != nil {
		return Archive{}, err
	}

	fileName := fmt.Sprintf("%s-export-%s.zip", in.Database.Slug, time.Now().UTC().Format("20060102T150405Z"))
	if err := writeFileAtomic(filepath.Join(s.dir, fileName), payload); err != nil {
		return Archive{}, fmt.Errorf("write archive: %w", err)
	}

	sum := sha256.Sum256(payload)
	archive := Archive{
		FileName:    fileName,
		SizeBytes:   int64(len(payload)),
		ContentHash: hex.EncodeToString(sum[:]),
		ExpiresAt:   time.Now().Add(s.ttl),
	}
	archive.URL, err = s.signURL(fileName, archive.ExpiresAt)
	if err != nil {
		return Archive{}, err
	}
	return archive, nil
}

func buildZip(in Input) ([]byte, error) {
	counts := in.Snapshot.Counts()
	m := manifest{
		Name:          in.Database.Name,
		ExportedAt:    time.Now().UTC(),
		FormatVersion: in.Snapshot.FormatVersion,
		EntityCounts:  counts,
		SnapshotHash:  in.Snapshot.Hash(),
		Commit:        in.Commit.Hash,
	}

	entries := make([]backupEntry, 0, len(in.Backups))
	for _, b := range in.Backups {
		entries = append(entries, backupEntry{
			Kind:      b.Kind,
			FileName:  b.FileName,
			SizeBytes: b.SizeBytes,
			Encrypted: b.Encrypted,
			CreatedAt: b.CreatedAt,
		})
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	files := []struct {
		name string
		body any
	}{
		{"manifest.json", m},
		{"database.json", in.Snapshot},
		{"backups.json", entries},
	}
	for _, f := range files {
		data, err := json.MarshalIndent(f.body, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.name, err)
		}
		entry, err := w.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", f.name, err)
		}
		if _, err := entry.Write(append(data, '\n')); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) signURL(fileName string, expiresAt time.Time) (string, error) {
	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub: fileName,
		JTI: util.NewID("tok"),
		Exp: expiresAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("issue download token: %w", err)
	}
	return "/api/exports/" + url.PathEscape(fileName) + "?token=" + url.QueryEscape(token), nil
}

// Authorize checks a download token against the requested archive file.
func (s *Service) Authorize(fileName, token string) error {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return err
	}
	if claims.Sub != fileName {
		return auth.ErrInvalidToken
	}
	return nil
}

// Open streams a previously written archive. File names are checked
// against path traversal before touching the filesystem.
func (s *Service) Open(fileName string) (*os.File, error) {
	if fileName == "" || fileName != filepath.Base(fileName) || strings.Contains(fileName, "..") {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, fileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return f, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o644)
}
