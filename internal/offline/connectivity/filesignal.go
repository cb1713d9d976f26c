package connectivity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Status file contents understood by FileSignal.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// FileSignal is a manual offline switch backed by a status file. Writing
// "offline" to the file forces the network offline; "online", an empty file
// or no file at all leave the decision to the other probers.
//
// FileSignal is a Prober, and Watch re-probes the Monitor whenever the file
// changes so the switch takes effect without waiting for the next poll.
type FileSignal struct {
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileSignal returns a FileSignal for path. Nothing is watched until Watch.
func NewFileSignal(path string) *FileSignal {
	return &FileSignal{path: path}
}

// Path returns the status file path.
func (fs *FileSignal) Path() string {
	return fs.path
}

// Probe implements Prober by reading the status file.
func (fs *FileSignal) Probe(ctx context.Context) bool {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return true
	}
	return strings.ToLower(strings.TrimSpace(string(data))) != StatusOffline
}

// Write stores status in the file, creating its directory if needed.
func (fs *FileSignal) Write(online bool) error {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	if err := os.WriteFile(fs.path, []byte(status+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}

// Watch starts watching the status file and calls m.Refresh after every
// change to it. The parent directory is watched so the file may be created,
// replaced or removed at any time.
func (fs *FileSignal) Watch(ctx context.Context, m *Monitor) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.running {
		return fmt.Errorf("file signal already running")
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch status directory %s: %w", dir, err)
	}

	fs.watcher = watcher
	fs.done = make(chan struct{})
	fs.running = true

	fs.wg.Add(1)
	go fs.processEvents(ctx, m)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (fs *FileSignal) Stop() error {
	fs.mu.Lock()
	if !fs.running {
		fs.mu.Unlock()
		return nil
	}
	fs.running = false
	fs.mu.Unlock()

	close(fs.done)
	if err := fs.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	fs.wg.Wait()
	return nil
}

func (fs *FileSignal) processEvents(ctx context.Context, m *Monitor) {
	defer fs.wg.Done()

	target, _ := filepath.Abs(fs.path)

	for {
		select {
		case <-fs.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			name, _ := filepath.Abs(event.Name)
			if name != target || (event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write)) {
				continue
			}
			m.Refresh(ctx)

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			m.config.Logger.Printf("WARNING: status file watcher: %v", err)
		}
	}
}
