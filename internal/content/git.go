package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const revisionFile = "revision.bin"

// GitStore keeps one git repository per document; every revision is a commit and
// the durable reference is the full commit hash.
type GitStore struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewGitStore(baseDir string) *GitStore {
	return &GitStore{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *GitStore) Put(_ context.Context, documentID, name string, r io.Reader) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return "", err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	file, err := os.Create(filepath.Join(worktree.Filesystem.Root(), revisionFile))
	if err != nil {
		return "", fmt.Errorf("create revision file: %w", err)
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("write revision file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close revision file: %w", err)
	}

	if _, err := worktree.Add(revisionFile); err != nil {
		return "", fmt.Errorf("git add revision: %w", err)
	}
	hash, err := worktree.Commit("Revision "+name, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "markup",
			Email: "markup@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit revision: %w", err)
	}
	return hash.String(), nil
}

func (s *GitStore) Get(_ context.Context, documentID, ref string) (io.ReadCloser, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: no repository for %s", ErrBlobNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if !plumbing.IsHash(ref) {
		return nil, fmt.Errorf("%w: malformed ref %q", ErrBlobNotFound, ref)
	}
	commitObj, err := repo.CommitObject(plumbing.NewHash(ref))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", ref, err)
	}
	file, err := commitObj.File(revisionFile)
	if err != nil {
		return nil, fmt.Errorf("load revision from commit %s: %w", ref, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open revision reader: %w", err)
	}
	return reader, nil
}

func (s *GitStore) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *GitStore) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, sanitizeKey(documentID))
}

func (s *GitStore) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}
