// Package snapshot persists the final document state of each collaboration
// session as a git commit in a per-report repository.
package snapshot

import (
	"encoding/json"
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

// State is what gets committed to the repo after a session ends.
type State struct {
	SessionID   string          `json:"sessionId"`
	ChangeCount int             `json:"changeCount"`
	Actors      []string        `json:"actors"`
	Doc         json.RawMessage `json:"doc,omitempty"`
}

// CommitInfo describes one snapshot commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service manages per-report snapshot repositories under a base directory.
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

// CommitSession records a finished collaboration session. The repo is
// created lazily on the first session of a report.
func (s *Service) CommitSession(reportID string, state State, actor string) (CommitInfo, error) {
	lock := s.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(reportID)
	if err != nil {
		return CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, "snapshot.json"), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write snapshot.json: %w", err)
	}
	if _, err := worktree.Add("snapshot.json"); err != nil {
		return CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	message := fmt.Sprintf("Session %s: %d changes by %d participants",
		state.SessionID, state.ChangeCount, len(state.Actors))

	hash, err := worktree.Commit(message, &git.CommitOptions{
		// Sessions with identical final state still get their own commit.
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  actor,
			Email: fmt.Sprintf("%s@local.pulseboard.dev", sanitizeEmail(actor)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists snapshot commits for a report, newest first. A report with
// no sessions yet yields an empty history, not an error.
func (s *Service) History(reportID string, limit int) ([]CommitInfo, error) {
	lock := s.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(reportID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// GetState reads the snapshot committed at a given hash.
func (s *Service) GetState(reportID, hash string) (State, error) {
	lock := s.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(reportID))
	if err != nil {
		return State{}, fmt.Errorf("open repo: %w", err)
	}

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return State{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return State{}, fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File("snapshot.json")
	if err != nil {
		return State{}, fmt.Errorf("load snapshot.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return State{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return State{}, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return state, nil
}

func (s *Service) openOrInit(reportID string) (*git.Repository, error) {
	path := s.repoPath(reportID)

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
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(reportID string) string {
	return filepath.Join(s.baseDir, reportID)
}

func (s *Service) reportLock(reportID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[reportID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[reportID] = lock
	return lock
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
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
