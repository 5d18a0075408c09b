// Package buffer owns the authoritative in-memory state of files under
// edit. Every mutation goes through Commit, which writes the file to disk
// before installing the new state, pushes the prior state onto a bounded
// undo history and appends to the buffer's commit log. Revisions are
// strictly monotonic per path, including across undo.
package buffer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codeward/internal/config"
	"codeward/internal/logging"
)

var (
	ErrNotFound      = errors.New("file does not exist")
	ErrAlreadyExists = errors.New("file already exists")
	ErrNotOpened     = errors.New("file is not opened in a buffer")
	ErrNothingToUndo = errors.New("no edits to undo")
	ErrStaleBuffer   = errors.New("buffer is stale: file changed on disk")
)

// OpKind names the operation that produced a commit.
type OpKind string

const (
	OpCreate     OpKind = "create"
	OpInsert     OpKind = "insert"
	OpReplace    OpKind = "replace_range"
	OpStrReplace OpKind = "str_replace"
	OpHunks      OpKind = "apply_hunks"
	OpUndo       OpKind = "undo"
	OpReload     OpKind = "reload"
)

// CommitRecord is one entry in a buffer's commit log.
type CommitRecord struct {
	ID        string
	Path      string
	Revision  int
	Op        OpKind
	Summary   string
	Timestamp time.Time
}

// snapshot is a full copy of buffer state prior to a mutation.
type snapshot struct {
	lines []string
	op    OpKind
}

// FileBuffer is the live state of one file. All access goes through the
// Store, which serializes mutations per path.
type FileBuffer struct {
	mu       sync.Mutex
	path     string // workspace-relative, slash-separated
	lines    []string
	revision int
	stale    bool
	history  []snapshot
	log      []CommitRecord
}

// Path returns the workspace-relative path.
func (b *FileBuffer) Path() string { return b.path }

// Lines returns a copy of the current content lines.
func (b *FileBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// Content renders the buffer as file text. Non-empty buffers end with a
// newline.
func (b *FileBuffer) Content() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return joinLines(b.lines)
}

// Revision returns the current revision number. A freshly opened buffer is
// at revision 1.
func (b *FileBuffer) Revision() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revision
}

// Stale reports whether the file changed on disk underneath the buffer.
func (b *FileBuffer) Stale() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stale
}

// Log returns a copy of the commit log, oldest first.
func (b *FileBuffer) Log() []CommitRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CommitRecord(nil), b.log...)
}

// Store manages all open buffers for one workspace.
type Store struct {
	workspace string
	maxDepth  int // snapshots kept per buffer, 0 means unbounded

	mu      sync.RWMutex
	buffers map[string]*FileBuffer

	writeMu    sync.Mutex
	selfWrites map[string]time.Time
}

// selfWriteWindow is how long after one of our own disk writes a watcher
// event for that path is attributed to us rather than an external editor.
const selfWriteWindow = 500 * time.Millisecond

// NewStore builds a Store rooted at workspace.
func NewStore(workspace string, cfg *config.Config) *Store {
	return &Store{
		workspace:  workspace,
		maxDepth:   cfg.History.MaxDepth,
		buffers:    make(map[string]*FileBuffer),
		selfWrites: make(map[string]time.Time),
	}
}

// Workspace returns the store's root directory.
func (s *Store) Workspace() string { return s.workspace }

// Open loads path from disk into a buffer. Opening an already-open path
// returns the existing buffer unchanged.
func (s *Store) Open(path string) (*FileBuffer, error) {
	rel, err := s.normalize(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if buf, ok := s.buffers[rel]; ok {
		return buf, nil
	}

	data, err := os.ReadFile(s.abs(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	buf := &FileBuffer{
		path:     rel,
		lines:    splitLines(string(data)),
		revision: 1,
	}
	s.buffers[rel] = buf
	logging.BufferDebug("open %s: %d lines at revision 1", rel, len(buf.lines))
	return buf, nil
}

// Create writes a new file with the given content and opens it at revision
// 1. The path must not already exist on disk or in a buffer.
func (s *Store) Create(path, content string) (*FileBuffer, error) {
	rel, err := s.normalize(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buffers[rel]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, rel)
	}
	absPath := s.abs(rel)
	if _, err := os.Stat(absPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, rel)
	}

	if err := s.writeFile(absPath, content); err != nil {
		return nil, err
	}

	buf := &FileBuffer{
		path:     rel,
		lines:    splitLines(content),
		revision: 1,
	}
	buf.log = append(buf.log, newRecord(rel, 1, OpCreate, fmt.Sprintf("created with %d lines", len(buf.lines))))
	s.buffers[rel] = buf
	logging.Buffer("create %s: %d lines", rel, len(buf.lines))
	return buf, nil
}

// Get returns the buffer for path, which must already be open.
func (s *Store) Get(path string) (*FileBuffer, error) {
	rel, err := s.normalize(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.buffers[rel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOpened, rel)
	}
	return buf, nil
}

// Commit installs newLines as the buffer's next revision. The file is
// written to disk first; if the write fails the buffer is unchanged. A
// stale buffer refuses commits until Reload.
func (s *Store) Commit(path string, newLines []string, op OpKind, summary string) (CommitRecord, error) {
	buf, err := s.Get(path)
	if err != nil {
		return CommitRecord{}, err
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.stale {
		return CommitRecord{}, fmt.Errorf("%w: %s", ErrStaleBuffer, buf.path)
	}

	if err := s.writeFile(s.abs(buf.path), joinLines(newLines)); err != nil {
		return CommitRecord{}, err
	}

	buf.pushSnapshot(op, s.maxDepth)
	buf.lines = append([]string(nil), newLines...)
	buf.revision++

	rec := newRecord(buf.path, buf.revision, op, summary)
	buf.log = append(buf.log, rec)
	logging.Buffer("commit %s: %s -> revision %d", buf.path, op, buf.revision)
	return rec, nil
}

// Undo restores the most recent snapshot as a new revision. The restored
// content is written to disk; revisions stay monotonic so downstream chunk
// identifiers are never reused.
func (s *Store) Undo(path string) (CommitRecord, error) {
	buf, err := s.Get(path)
	if err != nil {
		return CommitRecord{}, err
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.stale {
		return CommitRecord{}, fmt.Errorf("%w: %s", ErrStaleBuffer, buf.path)
	}
	if len(buf.history) == 0 {
		return CommitRecord{}, fmt.Errorf("%w: %s", ErrNothingToUndo, buf.path)
	}

	snap := buf.history[len(buf.history)-1]
	if err := s.writeFile(s.abs(buf.path), joinLines(snap.lines)); err != nil {
		return CommitRecord{}, err
	}

	buf.history = buf.history[:len(buf.history)-1]
	buf.lines = snap.lines
	buf.revision++

	rec := newRecord(buf.path, buf.revision, OpUndo, fmt.Sprintf("undid %s", snap.op))
	buf.log = append(buf.log, rec)
	logging.Buffer("undo %s: restored pre-%s state as revision %d", buf.path, snap.op, buf.revision)
	return rec, nil
}

// Reload re-reads the file from disk, clears the stale flag and drops the
// undo history, which described states of the superseded content.
func (s *Store) Reload(path string) (CommitRecord, error) {
	buf, err := s.Get(path)
	if err != nil {
		return CommitRecord{}, err
	}

	data, err := os.ReadFile(s.abs(buf.path))
	if err != nil {
		if os.IsNotExist(err) {
			return CommitRecord{}, fmt.Errorf("%w: %s", ErrNotFound, buf.path)
		}
		return CommitRecord{}, fmt.Errorf("failed to read %s: %w", buf.path, err)
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	buf.lines = splitLines(string(data))
	buf.revision++
	buf.stale = false
	buf.history = nil

	rec := newRecord(buf.path, buf.revision, OpReload, "reloaded from disk")
	buf.log = append(buf.log, rec)
	logging.Buffer("reload %s: revision %d", buf.path, buf.revision)
	return rec, nil
}

// MarkStale flags an open buffer whose file changed on disk. Unknown paths
// are ignored.
func (s *Store) MarkStale(path string) {
	rel, err := s.normalize(path)
	if err != nil {
		return
	}
	s.mu.RLock()
	buf, ok := s.buffers[rel]
	s.mu.RUnlock()
	if !ok {
		return
	}
	buf.mu.Lock()
	buf.stale = true
	buf.mu.Unlock()
	logging.BufferDebug("mark stale: %s", rel)
}

// OpenPaths returns the workspace-relative paths of all open buffers.
func (s *Store) OpenPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.buffers))
	for p := range s.buffers {
		paths = append(paths, p)
	}
	return paths
}

// IsSelfWrite reports whether a recent disk write to path came from this
// store. The watcher uses it to ignore events caused by our own commits.
func (s *Store) IsSelfWrite(path string) bool {
	rel, err := s.normalize(path)
	if err != nil {
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	at, ok := s.selfWrites[rel]
	if !ok {
		return false
	}
	if time.Since(at) > selfWriteWindow {
		delete(s.selfWrites, rel)
		return false
	}
	return true
}

func (s *Store) writeFile(absPath, content string) error {
	rel, err := filepath.Rel(s.workspace, absPath)
	if err == nil {
		s.writeMu.Lock()
		s.selfWrites[filepath.ToSlash(rel)] = time.Now()
		s.writeMu.Unlock()
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", absPath, err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", absPath, err)
	}
	return nil
}

// pushSnapshot records the current state, evicting the oldest snapshot when
// the bounded history is full. Called with b.mu held.
func (b *FileBuffer) pushSnapshot(op OpKind, maxDepth int) {
	snap := snapshot{lines: append([]string(nil), b.lines...), op: op}
	b.history = append(b.history, snap)
	if maxDepth > 0 && len(b.history) > maxDepth {
		b.history = b.history[len(b.history)-maxDepth:]
	}
}

// normalize converts path to the workspace-relative slash form used as the
// buffer key. Absolute paths must fall inside the workspace.
func (s *Store) normalize(path string) (string, error) {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(s.workspace, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("path %s is outside workspace %s", path, s.workspace)
		}
		path = rel
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid path: %s", path)
	}
	return clean, nil
}

func (s *Store) abs(rel string) string {
	return filepath.Join(s.workspace, filepath.FromSlash(rel))
}

func newRecord(path string, revision int, op OpKind, summary string) CommitRecord {
	return CommitRecord{
		ID:        uuid.NewString(),
		Path:      path,
		Revision:  revision,
		Op:        op,
		Summary:   summary,
		Timestamp: time.Now(),
	}
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
