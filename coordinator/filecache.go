package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/internal/fileutil"
	"pkt.systems/maintd/internal/svcfields"
)

// FileCacheOptions tunes NewFileCache.
type FileCacheOptions struct {
	Logger pslog.Logger
	// DisableWatch turns off cross-process change notification. Writes made
	// through this FileCache are still broadcast in-process.
	DisableWatch bool
	// Perm is the file mode for the cache file. Defaults to 0o600.
	Perm os.FileMode
	// Channel receives cache events. Defaults to a private Hub.
	Channel Channel
}

// FileCache is a Cache backed by a JSON file that several processes on the
// device can share. Writes are serialized with an advisory lock and replace
// the file atomically. Changes made by other processes are picked up through
// fsnotify and published on the local channel.
type FileCache struct {
	path     string
	lockPath string
	perm     os.FileMode
	ch       Channel
	logger   pslog.Logger

	pubMu  sync.Mutex
	mu     sync.Mutex
	seen   []byte
	last   Entry
	hasOne bool
	closed bool

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

type fileRecord struct {
	State     api.StateResponse `json:"state"`
	Origin    string            `json:"origin,omitempty"`
	ConfirmBy string            `json:"confirmBy,omitempty"`
}

func newFileRecord(entry Entry) fileRecord {
	rec := fileRecord{State: api.NewStateResponse(entry.State), Origin: entry.Origin}
	if !entry.ConfirmBy.IsZero() {
		rec.ConfirmBy = api.FormatTime(entry.ConfirmBy)
	}
	return rec
}

// NewFileCache opens (or prepares) the cache file at path.
func NewFileCache(path string, opts FileCacheOptions) (*FileCache, error) {
	if path == "" {
		return nil, fmt.Errorf("coordinator: file cache path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("coordinator: resolve cache path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: prepare cache dir: %w", err)
	}
	perm := opts.Perm
	if perm == 0 {
		perm = 0o600
	}
	c := &FileCache{
		path:     abs,
		lockPath: abs + ".lock",
		perm:     perm,
		ch:       opts.Channel,
		logger:   svcfields.WithSubsystem(opts.Logger, "coordinator.cache.file"),
		stop:     make(chan struct{}),
	}
	if c.ch == nil {
		c.ch = NewHub()
	}
	if data, entry, ok := c.load(); ok {
		c.seen, c.last, c.hasOne = data, entry, true
	}
	if opts.DisableWatch {
		return c, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("coordinator: create cache watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("coordinator: watch cache dir: %w", err)
	}
	c.watcher = watcher
	c.wg.Add(1)
	go c.run()
	return c, nil
}

// Path returns the absolute path of the cache file.
func (c *FileCache) Path() string {
	return c.path
}

// Get reads the cache file.
func (c *FileCache) Get() (Entry, bool) {
	_, entry, ok := c.load()
	return entry, ok
}

// Set writes entry to the file and publishes it locally.
func (c *FileCache) Set(entry Entry) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrCacheClosed
	}
	payload, err := json.Marshal(newFileRecord(entry))
	if err != nil {
		return err
	}
	lock, err := fileutil.Acquire(c.lockPath)
	if err != nil {
		return fmt.Errorf("coordinator: lock cache: %w", err)
	}
	_, prev, had := c.load()
	werr := fileutil.WriteAtomic(c.path, payload, c.perm)
	if rerr := lock.Release(); rerr != nil && werr == nil {
		werr = rerr
	}
	if werr != nil {
		return fmt.Errorf("coordinator: write cache: %w", werr)
	}
	c.mu.Lock()
	c.seen, c.last, c.hasOne = payload, entry, true
	c.mu.Unlock()
	c.ch.Publish(Event{Entry: entry, Previous: prev.State, HasPrevious: had})
	return nil
}

// Subscribe registers fn for local writes and for changes written by other
// processes.
func (c *FileCache) Subscribe(fn func(Event)) func() {
	return c.ch.Subscribe(fn)
}

// Close stops the watcher. The file is left in place.
func (c *FileCache) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stop)
		if c.watcher != nil {
			err = c.watcher.Close()
		}
		c.wg.Wait()
	})
	return err
}

func (c *FileCache) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != c.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				c.refresh()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("coordinator.cache.watch_error", "path", c.path, "error", err)
			c.refresh()
		}
	}
}

// refresh publishes the file content when it differs from what this process
// last wrote or observed.
func (c *FileCache) refresh() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	entry, err := decodeFileRecord(data)
	if err != nil {
		c.logger.Debug("coordinator.cache.partial_read", "path", c.path, "error", err)
		return
	}
	c.mu.Lock()
	if c.closed || bytes.Equal(data, c.seen) {
		c.mu.Unlock()
		return
	}
	prev, had := c.last, c.hasOne
	c.seen, c.last, c.hasOne = data, entry, true
	c.mu.Unlock()
	c.logger.Trace("coordinator.cache.external_change", "mode", entry.State.Mode, "origin", entry.Origin)
	c.ch.Publish(Event{Entry: entry, Previous: prev.State, HasPrevious: had})
}

func (c *FileCache) load() ([]byte, Entry, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("coordinator.cache.read_error", "path", c.path, "error", err)
		}
		return nil, Entry{}, false
	}
	entry, err := decodeFileRecord(data)
	if err != nil {
		c.logger.Warn("coordinator.cache.corrupt", "path", c.path, "error", err)
		return nil, Entry{}, false
	}
	return data, entry, true
}

func decodeFileRecord(data []byte) (Entry, error) {
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry{}, err
	}
	state, err := rec.State.Decode()
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{State: state, Origin: rec.Origin}
	if rec.ConfirmBy != "" {
		if entry.ConfirmBy, err = api.ParseTime(rec.ConfirmBy); err != nil {
			return Entry{}, fmt.Errorf("confirmBy: %w", err)
		}
	}
	return entry, nil
}
