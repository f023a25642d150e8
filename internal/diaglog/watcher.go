package diaglog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sevir/capataz/internal/logging"
)

// ErrAlreadyStarted is returned by Start on a running watcher.
var ErrAlreadyStarted = errors.New("diagnostic watcher already started")

const recordBuffer = 64

// FileWatcher tails the newest *.log file in a directory and emits error
// records. Existing content is skipped: only lines written after Start count.
// When the agent rotates to a new log file the watcher follows it.
type FileWatcher struct {
	dir string
	log *logging.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	current string
	offset  int64
	partial []byte
	records chan Record
	stopCh  chan struct{}
	done    chan struct{}
}

// NewFileWatcher creates a watcher for dir. Nothing happens until Start.
func NewFileWatcher(dir string, log *logging.Logger) *FileWatcher {
	if log == nil {
		log = logging.Component("diaglog")
	}
	return &FileWatcher{
		dir:     dir,
		log:     log,
		records: make(chan Record, recordBuffer),
	}
}

// Records returns the channel records are delivered on. It is closed after Stop.
func (w *FileWatcher) Records() <-chan Record {
	return w.records
}

// Start begins watching. It returns once the directory watch is registered.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return ErrAlreadyStarted
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("creating diagnostic log dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	if latest := newestLog(w.dir); latest != "" {
		w.current = latest
		if info, err := os.Stat(latest); err == nil {
			w.offset = info.Size()
		}
	}

	go w.loop(ctx)
	return nil
}

// Stop ends the watch and closes the records channel.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if w.watcher == nil || w.stopCh == nil {
		w.mu.Unlock()
		return nil
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	done := w.done
	w.mu.Unlock()

	<-done
	return nil
}

func (w *FileWatcher) loop(ctx context.Context) {
	defer func() {
		_ = w.watcher.Close()
		close(w.records)
		close(w.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".log") {
				continue
			}
			if w.current == "" || (event.Op&fsnotify.Create != 0 && event.Name != w.current) {
				w.log.Debugf("following new log file %s", filepath.Base(event.Name))
				w.current = event.Name
				w.offset = 0
				w.partial = nil
			}
			if event.Name == w.current && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.readNew()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnf("diagnostic watcher error: %v", err)
		}
	}
}

func (w *FileWatcher) readNew() {
	f, err := os.Open(w.current)
	if err != nil {
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < w.offset {
		// Truncated in place.
		w.offset = 0
		w.partial = nil
	}
	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return
	}
	w.offset += int64(len(data))

	data = append(w.partial, data...)
	lines := bytes.Split(data, []byte("\n"))
	w.partial = append([]byte(nil), lines[len(lines)-1]...)

	for _, line := range lines[:len(lines)-1] {
		rec, ok := ParseLine(string(line))
		if !ok {
			continue
		}
		select {
		case w.records <- rec:
		default:
			w.log.Warnf("dropping diagnostic record, consumer is behind: %s", rec)
		}
	}
}

func newestLog(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	type candidate struct {
		path string
		mod  int64
	}
	var logs []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, candidate{filepath.Join(dir, e.Name()), info.ModTime().UnixNano()})
	}
	if len(logs) == 0 {
		return ""
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].mod > logs[j].mod })
	return logs[0].path
}
