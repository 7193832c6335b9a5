package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/pkg/exchange"
)

const (
	indexFileName   = "index.json"
	entriesDirName  = "entries"
	lockStripes     = 32
	defaultFlushGap = 200 * time.Millisecond
)

// fileMeta is what index.json remembers per entry
type fileMeta struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	File      string    `json:"file"`
	Seq       uint64    `json:"seq"`
}

type indexDocument struct {
	Version int        `json:"version"`
	Entries []fileMeta `json:"entries"`
}

// fileBackend stores one JSON file per entry plus an index file.
//
// The in-memory index is the source of truth while the process runs; it is
// mutated synchronously under idxMu. Entry files are written outside idxMu
// under a per-ID stripe lock so that two writes of the same ID land in
// order. index.json is flushed asynchronously by a single goroutine that
// coalesces bursts of mutations.
type fileBackend struct {
	dir        string
	entriesDir string
	opts       Options
	log        logger.Logger

	idxMu sync.RWMutex
	index *orderedIndex[fileMeta]
	seq   uint64

	stripes [lockStripes]sync.Mutex
	flushMu sync.Mutex

	kick      chan struct{}
	stop      chan struct{}
	flushDone chan struct{}
	stopSweep func()
	closeOnce sync.Once
}

// NewFile opens (or creates) a file backend rooted at opts.Path.
func NewFile(opts Options, log logger.Logger) (Backend, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("file storage path cannot be empty")
	}
	dir, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	entriesDir := filepath.Join(dir, entriesDirName)
	if err := os.MkdirAll(entriesDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare storage directory: %w", err)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushGap
	}

	b := &fileBackend{
		dir:        dir,
		entriesDir: entriesDir,
		opts:       opts,
		log:        log,
		index:      newOrderedIndex[fileMeta](),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		flushDone:  make(chan struct{}),
	}
	if err := b.loadIndex(); err != nil {
		return nil, err
	}
	go b.flushLoop()
	if opts.MaxAge > 0 {
		b.stopSweep = startSweeper(opts.sweepInterval(), b.sweep)
	}
	return b, nil
}

func (b *fileBackend) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &b.stripes[h.Sum32()%lockStripes]
}

func (b *fileBackend) entryPath(file string) string {
	return filepath.Join(b.entriesDir, file)
}

func (b *fileBackend) Store(entry *exchange.Entry) error {
	if entry == nil || entry.ID() == "" {
		return nil
	}
	id := entry.ID()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", id, err)
	}
	file := fileNameFor(id)

	mu := b.stripe(id)
	mu.Lock()
	if err := writeFileAtomic(b.entryPath(file), data); err != nil {
		mu.Unlock()
		b.log.Warn("Storage write failed", "id", id, "error", err)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	b.idxMu.Lock()
	meta, existed := b.index.get(id)
	if !existed {
		b.seq++
		meta = fileMeta{ID: id, File: file, Seq: b.seq}
	}
	meta.Timestamp = entry.Exchange.Timestamp
	b.index.put(id, meta)
	evicted := b.index.trim(b.opts.MaxEntries)
	b.idxMu.Unlock()
	mu.Unlock()

	b.removeFiles(evicted)
	b.scheduleFlush()
	return nil
}

func (b *fileBackend) Get(id string) (*exchange.Entry, error) {
	b.idxMu.RLock()
	meta, ok := b.index.get(id)
	b.idxMu.RUnlock()
	if !ok || b.opts.expired(meta.Timestamp) {
		return nil, nil
	}
	return b.load(meta)
}

// load reads an entry file. A missing file means the index is stale; the
// entry is dropped from the index and reported as absent.
func (b *fileBackend) load(meta fileMeta) (*exchange.Entry, error) {
	data, err := os.ReadFile(b.entryPath(meta.File))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.pruneMissing(meta)
			return nil, nil
		}
		return nil, fmt.Errorf("read entry %s: %w", meta.ID, err)
	}
	var entry exchange.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", meta.ID, err)
	}
	return &entry, nil
}

func (b *fileBackend) pruneMissing(meta fileMeta) {
	mu := b.stripe(meta.ID)
	mu.Lock()
	defer mu.Unlock()
	// Re-check under the stripe lock; a concurrent Store may have just written it.
	if _, err := os.Stat(b.entryPath(meta.File)); err == nil {
		return
	}
	b.idxMu.Lock()
	if current, ok := b.index.get(meta.ID); ok && current.Seq == meta.Seq {
		b.index.remove(meta.ID)
	}
	b.idxMu.Unlock()
	b.log.Debug("Pruned index entry with missing file", "id", meta.ID)
	b.scheduleFlush()
}

func (b *fileBackend) List() ([]*exchange.Entry, error) {
	return b.Recent(0)
}

func (b *fileBackend) Recent(limit int) ([]*exchange.Entry, error) {
	b.idxMu.RLock()
	metas := make([]fileMeta, 0, b.index.len())
	b.index.newestFirst(func(_ string, meta fileMeta) bool {
		if !b.opts.expired(meta.Timestamp) {
			metas = append(metas, meta)
		}
		return true
	})
	b.idxMu.RUnlock()

	result := make([]*exchange.Entry, 0, len(metas))
	for _, meta := range metas {
		entry, err := b.load(meta)
		if err != nil {
			b.log.Warn("Skipping unreadable entry", "id", meta.ID, "error", err)
			continue
		}
		if entry == nil {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (b *fileBackend) Delete(id string) (bool, error) {
	mu := b.stripe(id)
	mu.Lock()
	b.idxMu.Lock()
	meta, ok := b.index.get(id)
	if ok {
		b.index.remove(id)
	}
	b.idxMu.Unlock()
	var err error
	if ok {
		if rmErr := os.Remove(b.entryPath(meta.File)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = fmt.Errorf("%w: %v", ErrWriteFailed, rmErr)
		}
	}
	mu.Unlock()

	if ok {
		b.scheduleFlush()
	}
	return ok, err
}

func (b *fileBackend) Clear() error {
	b.idxMu.Lock()
	var files []string
	b.index.oldestFirst(func(id string, _ fileMeta) {
		files = append(files, id)
	})
	b.index.reset()
	b.idxMu.Unlock()

	b.removeFiles(files)
	return b.flush()
}

func (b *fileBackend) Count() int {
	b.idxMu.RLock()
	defer b.idxMu.RUnlock()
	if b.opts.MaxAge <= 0 {
		return b.index.len()
	}
	count := 0
	b.index.newestFirst(func(_ string, meta fileMeta) bool {
		if !b.opts.expired(meta.Timestamp) {
			count++
		}
		return true
	})
	return count
}

func (b *fileBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.stopSweep != nil {
			b.stopSweep()
		}
		close(b.stop)
		<-b.flushDone
		err = b.flush()
	})
	return err
}

func (b *fileBackend) sweep() {
	b.idxMu.Lock()
	removed := b.index.removeIf(func(meta fileMeta) bool {
		return b.opts.expired(meta.Timestamp)
	})
	b.idxMu.Unlock()
	if len(removed) > 0 {
		b.removeFiles(removed)
		b.scheduleFlush()
	}
}

// removeFiles deletes entry files for ids that are no longer indexed.
func (b *fileBackend) removeFiles(ids []string) {
	for _, id := range ids {
		mu := b.stripe(id)
		mu.Lock()
		b.idxMu.RLock()
		_, back := b.index.get(id)
		b.idxMu.RUnlock()
		if !back {
			if err := os.Remove(b.entryPath(fileNameFor(id))); err != nil && !errors.Is(err, os.ErrNotExist) {
				b.log.Warn("Failed to remove entry file", "id", id, "error", err)
			}
		}
		mu.Unlock()
	}
}

func (b *fileBackend) scheduleFlush() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *fileBackend) flushLoop() {
	defer close(b.flushDone)
	for {
		select {
		case <-b.stop:
			return
		case <-b.kick:
		}

		// Let a burst of writes pile up before touching the disk.
		timer := time.NewTimer(b.opts.FlushInterval)
		select {
		case <-b.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := b.flush(); err != nil {
			b.log.Warn("Storage index flush failed", "path", b.dir, "error", err)
		}
	}
}

func (b *fileBackend) flush() error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.idxMu.RLock()
	doc := indexDocument{Version: 1, Entries: make([]fileMeta, 0, b.index.len())}
	b.index.oldestFirst(func(_ string, meta fileMeta) {
		doc.Entries = append(doc.Entries, meta)
	})
	b.idxMu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(b.dir, indexFileName), data); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// loadIndex restores the index from disk, rebuilding it from the entry
// files when index.json is missing or unreadable.
func (b *fileBackend) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(b.dir, indexFileName))
	if err == nil {
		var doc indexDocument
		if jsonErr := json.Unmarshal(data, &doc); jsonErr == nil {
			sort.Slice(doc.Entries, func(i, j int) bool { return doc.Entries[i].Seq < doc.Entries[j].Seq })
			for _, meta := range doc.Entries {
				b.index.put(meta.ID, meta)
				if meta.Seq > b.seq {
					b.seq = meta.Seq
				}
			}
			b.index.trim(b.opts.MaxEntries)
			return nil
		}
		b.log.Warn("Storage index unreadable, rebuilding", "path", b.dir)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read storage index: %w", err)
	}
	return b.rebuildIndex()
}

func (b *fileBackend) rebuildIndex() error {
	files, err := os.ReadDir(b.entriesDir)
	if err != nil {
		return fmt.Errorf("scan storage directory: %w", err)
	}
	var metas []fileMeta
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(b.entryPath(f.Name()))
		if err != nil {
			continue
		}
		var entry exchange.Entry
		if err := json.Unmarshal(data, &entry); err != nil || entry.ID() == "" {
			continue
		}
		metas = append(metas, fileMeta{ID: entry.ID(), Timestamp: entry.Exchange.Timestamp, File: f.Name()})
	}
	sort.SliceStable(metas, func(i, j int) bool { return metas[i].Timestamp.Before(metas[j].Timestamp) })
	for _, meta := range metas {
		b.seq++
		meta.Seq = b.seq
		b.index.put(meta.ID, meta)
	}
	b.index.trim(b.opts.MaxEntries)
	if len(metas) > 0 {
		return b.flush()
	}
	return nil
}

// fileNameFor maps an ID to a file name safe on every platform.
func fileNameFor(id string) string {
	safe := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			safe = append(safe, r)
		default:
			safe = append(safe, '_')
		}
	}
	name := string(safe)
	if name != id {
		h := fnv.New32a()
		_, _ = h.Write([]byte(id))
		name = fmt.Sprintf("%s-%08x", name, h.Sum32())
	}
	return name + ".json"
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
