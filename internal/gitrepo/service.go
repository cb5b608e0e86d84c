// Package gitrepo archives room snapshots in one git repository per room, so
// every compaction leaves a browsable history entry.
package gitrepo

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/mahmoud661/Collaborative-editor/internal/store"
)

const snapshotFile = "snapshot.json"

// ErrNoRepo is returned for rooms that were never archived.
var ErrNoRepo = errors.New("gitrepo: room has no history")

// Content is what gets committed for a room.
type Content struct {
	Room        string                     `json:"room"`
	Texts       map[string]string          `json:"texts"`
	Blocks      map[string]json.RawMessage `json:"blocks,omitempty"`
	UpdateCount int                        `json:"updateCount"`
}

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

// EnsureRoomRepo creates the repository with an empty baseline commit.
func (s *Service) EnsureRoomRepo(room, author string) error {
	lock := s.roomLock(room)
	lock.Lock()
	defer lock.Unlock()
	return s.ensureRepo(room, author)
}

func (s *Service) ensureRepo(room, author string) error {
	path := s.repoPath(room)
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
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	if _, err := s.commit(repo, Content{Room: room, Texts: map[string]string{}}, author, "Create room "+room); err != nil {
		return err
	}
	return nil
}

// Commit records content as the new head. When nothing changed since the
// current head no commit is made and changed is false.
func (s *Service) Commit(room string, content Content, author, message string) (info store.CommitInfo, changed bool, err error) {
	lock := s.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureRepo(room, author); err != nil {
		return store.CommitInfo{}, false, err
	}
	repo, err := git.PlainOpen(s.repoPath(room))
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("open repo: %w", err)
	}

	head, err := headCommit(repo)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	previous, err := readContentFromCommit(head)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	if !HasChanges(previous, content) {
		return toCommitInfo(head), false, nil
	}

	hash, err := s.commit(repo, content, author, message)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// Head returns the latest archived content of room.
func (s *Service) Head(room string) (Content, store.CommitInfo, error) {
	lock := s.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(room)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

// ContentByHash returns the content committed at hash, short or full.
func (s *Service) ContentByHash(room, hash string) (Content, error) {
	lock := s.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(room)
	if err != nil {
		return Content{}, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// History lists commits newest first. limit <= 0 means all.
func (s *Service) History(room string, limit int) ([]store.CommitInfo, error) {
	lock := s.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(room)
	if err != nil {
		return nil, err
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

	items := make([]store.CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
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

func (s *Service) open(room string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(room))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoRepo
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

// repoPath maps a room name to a directory. Names that are not plain slugs
// get a hash suffix so distinct rooms never share a directory.
func (s *Service) repoPath(room string) string {
	slug := slugify(room)
	if slug != room {
		sum := sha1.Sum([]byte(room))
		slug = slug + "-" + hex.EncodeToString(sum[:4])
	}
	return filepath.Join(s.baseDir, slug)
}

func (s *Service) roomLock(room string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[room]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[room] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	if content.Texts == nil {
		content.Texts = map[string]string{}
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@rooms.collab.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

// DiffFields names the texts and blocks that differ between two snapshots.
func DiffFields(from, to Content) []map[string]string {
	result := make([]map[string]string, 0)
	for _, name := range unionKeys(from.Texts, to.Texts) {
		before, after := from.Texts[name], to.Texts[name]
		if before == after {
			continue
		}
		result = append(result, map[string]string{"field": "text:" + name, "before": before, "after": after})
	}
	for _, id := range unionKeys(from.Blocks, to.Blocks) {
		if bytes.Equal(normalizeJSON(from.Blocks[id]), normalizeJSON(to.Blocks[id])) {
			continue
		}
		result = append(result, map[string]string{
			"field":  "block:" + id,
			"before": string(normalizeJSON(from.Blocks[id])),
			"after":  string(normalizeJSON(to.Blocks[id])),
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i]["field"] < result[j]["field"]
	})
	return result
}

func HasChanges(from, to Content) bool {
	return len(DiffFields(from, to)) > 0
}

func unionKeys[V any](a, b map[string]V) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func slugify(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
			continue
		}
		out = append(out, '_')
	}
	if len(out) == 0 {
		return "room"
	}
	return string(out)
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

func normalizeJSON(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
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
