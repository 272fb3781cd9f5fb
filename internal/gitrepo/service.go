// Package gitrepo archives every state a proposal passes through as a commit
// in a per-record git repository, independent of the in-record history that
// restore-then-edit truncates.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	contentFile = "proposal.md"
	mainBranch  = "main"
)

var (
	ErrNoArchive     = errors.New("no archive for record")
	ErrUnknownCommit = errors.New("commit not found in archive")
)

// Commit describes one archived snapshot.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Snapshot commits content as the new head of the record's archive, creating
// the repository on first use. Content equal to the head is not committed
// and changed is false.
func (s *Service) Snapshot(recordID, content, author, message string) (commit Commit, changed bool, err error) {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(recordID)
	if err != nil {
		return Commit{}, false, err
	}

	if head, err := headCommit(repo); err == nil {
		current, err := readContent(head)
		if err != nil {
			return Commit{}, false, err
		}
		if current == content {
			return toCommit(head), false, nil
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return Commit{}, false, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, false, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.repoPath(recordID), contentFile), []byte(content), 0o644); err != nil {
		return Commit{}, false, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return Commit{}, false, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@archive.freely.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return Commit{}, false, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return withStats(commitObj), true, nil
}

// Log lists archived snapshots newest first. limit <= 0 means all.
func (s *Service) Log(recordID string, limit int) ([]Commit, error) {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(recordID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, withStats(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the proposal text stored at hash, which may be
// abbreviated.
func (s *Service) ContentAt(recordID, hash string) (string, error) {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(recordID)
	if err != nil {
		return "", err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownCommit, err)
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommit, hash)
	}
	return readContent(commitObj)
}

// Remove deletes the record's archive. A missing archive is not an error.
func (s *Service) Remove(recordID string) error {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(recordID)); err != nil {
		return fmt.Errorf("remove archive: %w", err)
	}
	return nil
}

func (s *Service) repoPath(recordID string) string {
	return filepath.Join(s.baseDir, recordID)
}

func (s *Service) recordLock(recordID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[recordID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[recordID] = lock
	return lock
}

func (s *Service) open(recordID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(recordID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoArchive
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(recordID string) (*git.Repository, error) {
	repo, err := s.open(recordID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoArchive) {
		return nil, err
	}

	path := s.repoPath(recordID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(mainBranch)},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return commitObj, nil
}

func readContent(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return content, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

// withStats adds line counts against the parent commit. Stats failures leave
// the counts at zero.
func withStats(commitObj *object.Commit) Commit {
	c := toCommit(commitObj)
	stats, err := commitObj.Stats()
	if err != nil {
		return c
	}
	for _, st := range stats {
		c.Added += st.Addition
		c.Removed += st.Deletion
	}
	return c
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' || r == '.' {
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
