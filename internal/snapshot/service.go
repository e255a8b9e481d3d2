package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "database.json"

// Service keeps one git repository per story database, each holding a
// single database.json. Every save is a commit, so history and recovery
// come from the repository itself.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureRepo initializes the repository for a database if it does not
// exist yet, committing the initial snapshot on main.
func (s *Service) EnsureRepo(slug string, initial *entity.Snapshot, author string) error {
	lock := s.databaseLock(slug)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(slug)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	hash, err := s.commit(repo, initial, author, "create database")
	if err != nil {
		return err
	}

	mainRef := plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)
	if err := repo.Storer.SetReference(mainRef); err != nil {
		return fmt.Errorf("set main ref: %w", err)
	}
	headRef := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))
	if err := repo.Storer.SetReference(headRef); err != nil {
		return fmt.Errorf("set head ref: %w", err)
	}
	return nil
}

// Commit writes the snapshot as a new commit on main. Committing content
// identical to the head is a no-op that returns the head commit.
func (s *Service) Commit(slug string, snap *entity.Snapshot, author, message string) (store.CommitInfo, error) {
	lock := s.databaseLock(slug)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(slug))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	hash, err := s.commit(repo, snap, author, message)
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return s.headInfo(repo)
		}
		return store.CommitInfo{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("load commit: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Head returns the current snapshot and its commit.
func (s *Service) Head(slug string) (*entity.Snapshot, store.CommitInfo, error) {
	lock := s.databaseLock(slug)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(slug))
	if err != nil {
		return nil, store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, store.CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, store.CommitInfo{}, fmt.Errorf("load head commit: %w", err)
	}
	snap, err := readSnapshotFromCommit(commitObj)
	if err != nil {
		return nil, store.CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

// AtCommit returns the snapshot as of the given commit. Short hashes and
// revision expressions are resolved.
func (s *Service) AtCommit(slug, hash string) (*entity.Snapshot, store.CommitInfo, error) {
	lock := s.databaseLock(slug)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(slug))
	if err != nil {
		return nil, store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, store.CommitInfo{}, fmt.Errorf("load commit %s: %w", hash, err)
	}
	snap, err := readSnapshotFromCommit(commitObj)
	if err != nil {
		return nil, store.CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

// History lists commits from the head backwards, newest first.
func (s *Service) History(slug string, limit int) ([]store.CommitInfo, error) {
	lock := s.databaseLock(slug)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(slug))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("log repo: %w", err)
	}

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	items := make([]store.CommitInfo, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

// Rename moves a database repository to a new slug. Both locks are taken
// in sorted order so concurrent renames cannot deadlock.
func (s *Service) Rename(oldSlug, newSlug string) error {
	if oldSlug == newSlug {
		return nil
	}
	first, second := oldSlug, newSlug
	if first > second {
		first, second = second, first
	}
	firstLock := s.databaseLock(first)
	secondLock := s.databaseLock(second)
	firstLock.Lock()
	defer firstLock.Unlock()
	secondLock.Lock()
	defer secondLock.Unlock()

	oldPath := s.repoPath(oldSlug)
	newPath := s.repoPath(newSlug)
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("repo %s already exists", newSlug)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat new repo path: %w", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename repo: %w", err)
	}
	return nil
}

// Remove deletes the repository directory.
func (s *Service) Remove(slug string) error {
	lock := s.databaseLock(slug)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(slug)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

// List returns the slugs of every repository on disk. The filesystem is
// the source of truth when reconciling the catalog after a crash.
func (s *Service) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read repos dir: %w", err)
	}
	slugs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		slugs = append(slugs, entry.Name())
	}
	sort.Strings(slugs)
	return slugs, nil
}

// HasChanges reports whether two snapshots differ in content.
func HasChanges(from, to *entity.Snapshot) bool {
	if from == nil || to == nil {
		return from != to
	}
	return from.Hash() != to.Hash()
}

func (s *Service) repoPath(slug string) string {
	return filepath.Join(s.baseDir, slug)
}

func (s *Service) databaseLock(slug string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[slug]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[slug] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, snap *entity.Snapshot, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal snapshot: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", snapshotFile, err)
	}

	if _, err := worktree.Add(snapshotFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add snapshot: %w", err)
	}

	name := author
	if name == "" {
		name = "StoryGuard"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  name,
			Email: fmt.Sprintf("%s@local.storyguard.dev", sanitizeEmail(name)),
			When:  time.Now(),
		},
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return plumbing.ZeroHash, err
		}
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func (s *Service) headInfo(repo *git.Repository) (store.CommitInfo, error) {
	head, err := repo.Head()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("load head commit: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func readSnapshotFromCommit(commitObj *object.Commit) (*entity.Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("open %s in commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", snapshotFile, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot payload: %w", err)
	}
	var snap entity.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
