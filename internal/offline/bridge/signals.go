package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// signalFiles maps marker file names dropped by the platform layer to the
// wake message each one raises.
var signalFiles = map[string]MessageType{
	"online":     MessageConnectivityRestored,
	"wake":       MessagePeriodicWake,
	"foreground": MessageForegroundRegained,
}

// resultFile is where drain results are written for platforms that poll
// instead of holding a socket.
const resultFile = "last_result.json"

// SignalWatcher is the file-based bus: the platform drops marker files into
// a signals directory to wake the sync engine, and reads drain results back
// from a JSON file in the same directory.
type SignalWatcher struct {
	dir     string
	watcher *fsnotify.Watcher

	handlers   []func(Message)
	handlersMu sync.RWMutex

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	logger *log.Logger
}

var _ Bus = (*SignalWatcher)(nil)

// NewSignalWatcher creates a watcher over the given signals directory,
// creating it if needed. Errors here mean the transport is unavailable on
// this platform; callers should degrade to no wake signals, not fail.
func NewSignalWatcher(dir string, logger *log.Logger) (*SignalWatcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create signals directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &SignalWatcher{
		dir:     dir,
		watcher: watcher,
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start begins watching for marker files. Markers already present at start
// are consumed immediately, so a signal raised while the daemon was down is
// not lost.
func (sw *SignalWatcher) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("signal watcher already running")
	}
	if err := sw.watcher.Add(sw.dir); err != nil {
		return fmt.Errorf("failed to watch signals directory %s: %w", sw.dir, err)
	}

	for name := range signalFiles {
		sw.consume(filepath.Join(sw.dir, name))
	}

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop exits.
func (sw *SignalWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return sw.watcher.Close()
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	if err := sw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	sw.wg.Wait()
	return nil
}

// Send writes the message to the result file, overwriting the previous one.
// The platform polls this file; only the latest result matters.
func (sw *SignalWatcher) Send(msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	path := filepath.Join(sw.dir, resultFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish result file: %w", err)
	}
	return nil
}

// OnMessage registers a handler for marker-file signals.
func (sw *SignalWatcher) OnMessage(fn func(Message)) {
	sw.handlersMu.Lock()
	sw.handlers = append(sw.handlers, fn)
	sw.handlersMu.Unlock()
}

// Capabilities reports file-drop wake support without live broadcast.
func (sw *SignalWatcher) Capabilities() Capabilities {
	return Capabilities{Broadcast: false, WakeSignals: true}
}

func (sw *SignalWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				sw.consume(event.Name)
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Printf("Signal watcher error: %v", err)
		}
	}
}

// consume turns one marker file into a message and removes it. Non-marker
// files (including the result file) are ignored.
func (sw *SignalWatcher) consume(path string) {
	msgType, ok := signalFiles[filepath.Base(path)]
	if !ok {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		sw.logger.Printf("Failed to remove signal file %s: %v", path, err)
		return
	}

	sw.logger.Printf("Signal received: %s", msgType)
	msg := Message{Type: msgType, Timestamp: time.Now()}

	sw.handlersMu.RLock()
	handlers := make([]func(Message), len(sw.handlers))
	copy(handlers, sw.handlers)
	sw.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
}
