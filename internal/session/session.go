// Package session coordinates the buffer store, validator, chunker and
// retrieval index behind one façade. Its ordering guarantee: when a mutating
// call returns successfully, the file's chunks in the index already reflect
// the committed revision, so a search issued afterwards never sees stale
// content for that file.
package session

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"codeward/internal/buffer"
	"codeward/internal/chunk"
	"codeward/internal/config"
	"codeward/internal/diff"
	"codeward/internal/editor"
	"codeward/internal/index"
	"codeward/internal/logging"
	"codeward/internal/validate"
)

// maxIndexFileSize skips huge files during workspace indexing.
const maxIndexFileSize = 1 << 20

// Session is one editing session over a workspace.
type Session struct {
	ID string

	cfg       *config.Config
	store     *buffer.Store
	validator *validate.Validator
	chunker   *chunk.Chunker
	idx       *index.Index
	editor    *editor.Editor

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds a session over workspace. When file watching is enabled,
// external modifications mark the affected buffers stale.
func New(workspace string, cfg *config.Config) (*Session, error) {
	validator, err := validate.New(cfg)
	if err != nil {
		return nil, err
	}

	store := buffer.NewStore(workspace, cfg)
	s := &Session{
		ID:        uuid.NewString(),
		cfg:       cfg,
		store:     store,
		validator: validator,
		chunker:   chunk.New(cfg),
		idx:       index.New(cfg),
		editor:    editor.New(store, validator, cfg),
	}

	if cfg.Session.WatchFiles {
		if err := s.startWatcher(); err != nil {
			return nil, err
		}
	}

	logging.Session("session %s opened on %s", s.ID, workspace)
	return s, nil
}

// Close stops the watcher and waits for its goroutine to drain.
func (s *Session) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	logging.Session("session %s closed", s.ID)
	return err
}

// Store exposes the underlying buffer store.
func (s *Session) Store() *buffer.Store { return s.store }

// Open loads a file into a buffer and indexes its current content.
func (s *Session) Open(path string) (*buffer.FileBuffer, error) {
	buf, err := s.store.Open(path)
	if err != nil {
		return nil, err
	}
	s.reindex(buf.Path())
	return buf, nil
}

// View renders numbered file content, opening the buffer on demand.
func (s *Session) View(path string, start, end int) (string, error) {
	out, err := s.editor.View(path, start, end)
	if err != nil {
		return "", err
	}
	s.reindex(path)
	return out, nil
}

// Create makes a new validated file and indexes it before returning.
func (s *Session) Create(ctx context.Context, path, content string) (*editor.EditResult, error) {
	res, err := s.editor.Create(ctx, path, content)
	if err != nil {
		return nil, err
	}
	s.reindex(res.Path)
	return res, nil
}

// Insert adds text after a line and reindexes the file.
func (s *Session) Insert(ctx context.Context, path string, line int, text string) (*editor.EditResult, error) {
	return s.afterEdit(s.editor.Insert(ctx, path, line, text))
}

// ReplaceRange replaces a line range and reindexes the file.
func (s *Session) ReplaceRange(ctx context.Context, path string, start, end int, text string) (*editor.EditResult, error) {
	return s.afterEdit(s.editor.ReplaceRange(ctx, path, start, end, text))
}

// StrReplace substitutes a unique string occurrence and reindexes the file.
func (s *Session) StrReplace(ctx context.Context, path, oldStr, newStr string) (*editor.EditResult, error) {
	return s.afterEdit(s.editor.StrReplace(ctx, path, oldStr, newStr))
}

// ApplyHunks applies a hunk batch atomically and reindexes the file.
func (s *Session) ApplyHunks(ctx context.Context, path string, hunks []diff.Hunk) (*editor.EditResult, error) {
	return s.afterEdit(s.editor.ApplyHunks(ctx, path, hunks))
}

// Undo restores the previous buffer state and reindexes the file.
func (s *Session) Undo(path string) (*editor.EditResult, error) {
	return s.afterEdit(s.editor.Undo(path))
}

// Reload refreshes a stale buffer from disk and reindexes it.
func (s *Session) Reload(path string) (buffer.CommitRecord, error) {
	rec, err := s.store.Reload(path)
	if err != nil {
		return buffer.CommitRecord{}, err
	}
	s.reindex(rec.Path)
	return rec, nil
}

// Search ranks indexed spans for the query. limit <= 0 uses the configured
// default.
func (s *Session) Search(query string, limit int) []index.SearchResult {
	if limit <= 0 {
		limit = s.cfg.Index.DefaultLimit
	}
	return s.idx.Search(query, limit)
}

// IndexWorkspace walks the workspace and indexes every regular text file
// with a bounded worker pool. Open buffers are indexed from buffer content
// rather than disk.
func (s *Session) IndexWorkspace(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategorySession, "index workspace")
	defer timer.Stop()

	ws := s.store.Workspace()
	g, ctx := errgroup.WithContext(ctx)
	workers := s.cfg.Session.IndexWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	err := filepath.WalkDir(ws, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDir(d.Name()) && path != ws {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(ws, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		g.Go(func() error {
			s.indexPath(rel, path)
			return nil
		})
		return nil
	})

	if gErr := g.Wait(); gErr != nil && err == nil {
		err = gErr
	}
	logging.Session("workspace indexed: %d chunks", s.idx.Size())
	return err
}

// indexPath indexes one file, preferring live buffer content.
func (s *Session) indexPath(rel, abs string) {
	if buf, err := s.store.Get(rel); err == nil {
		s.idx.IndexFile(rel, s.chunker.ChunkFile(rel, buf.Content(), buf.Revision()))
		return
	}

	info, err := os.Stat(abs)
	if err != nil || info.Size() > maxIndexFileSize {
		return
	}
	data, err := os.ReadFile(abs)
	if err != nil || bytes.IndexByte(data, 0) >= 0 {
		return
	}
	// Disk-scanned content sits at revision 0, below any buffer revision.
	s.idx.IndexFile(rel, s.chunker.ChunkFile(rel, string(data), 0))
}

// afterEdit reindexes the edited file before handing the result back, which
// is what makes the commit visible to the next search.
func (s *Session) afterEdit(res *editor.EditResult, err error) (*editor.EditResult, error) {
	if err != nil {
		return nil, err
	}
	s.reindex(res.Path)
	return res, nil
}

func (s *Session) reindex(path string) {
	buf, err := s.store.Get(path)
	if err != nil {
		return
	}
	s.idx.IndexFile(buf.Path(), s.chunker.ChunkFile(buf.Path(), buf.Content(), buf.Revision()))
}

// =============================================================================
// FILE WATCHING
// =============================================================================

func (s *Session) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher
	s.done = make(chan struct{})

	ws := s.store.Workspace()
	walkErr := filepath.WalkDir(ws, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) && path != ws {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
	if walkErr != nil {
		watcher.Close()
		return walkErr
	}

	s.wg.Add(1)
	go s.watchLoop()
	return nil
}

func (s *Session) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.WatcherWarn("watch error: %v", err)
		}
	}
}

func (s *Session) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directories need their own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !skipDir(filepath.Base(event.Name)) {
				_ = s.watcher.Add(event.Name)
			}
			return
		}
	}

	if s.store.IsSelfWrite(event.Name) {
		logging.WatcherDebug("ignoring own write: %s", event.Name)
		return
	}

	s.store.MarkStale(event.Name)
	logging.Watcher("external change: %s (%s)", event.Name, event.Op)
}

// skipDir filters directories that never hold indexable sources.
func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	case "node_modules", "vendor", "target", "dist", "__pycache__":
		return true
	}
	return false
}
