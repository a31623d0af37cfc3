package pollsync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// hiddenMarker is what the UI shell writes into the presence file when its
// window goes to the background. Any other content, or a missing file,
// counts as visible so a crashed shell never strands the pollers paused.
const hiddenMarker = "hidden"

// FileVisibilitySource derives visibility from a presence file maintained by
// the UI shell. The shell writes "hidden" when backgrounded and "visible"
// when focused; this source watches the file with fsnotify and fans the
// transitions out to any number of bindings.
type FileVisibilitySource struct {
	path    string
	watcher *fsnotify.Watcher
	state   *ManualVisibility
	logger  Logger
	done    chan struct{}
}

func NewFileVisibilitySource(path string, logger Logger) (*FileVisibilitySource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("presence file path is required")
	}
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors and shells replace the
	// file by rename, which would otherwise drop the watch.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	src := &FileVisibilitySource{
		path:    path,
		watcher: watcher,
		state:   NewManualVisibility(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	src.state.Set(readPresenceFile(path))
	go src.run()
	return src, nil
}

func (s *FileVisibilitySource) Subscribe(fn func(visible bool)) func() {
	return s.state.Subscribe(fn)
}

func (s *FileVisibilitySource) Visible() bool {
	return s.state.Visible()
}

// Close stops watching. The last delivered state is left as is.
func (s *FileVisibilitySource) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	return s.watcher.Close()
}

func (s *FileVisibilitySource) run() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			s.state.Set(readPresenceFile(s.path))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if s.logger != nil {
				s.logger.Printf("presence watcher error: %v", err)
			}
		}
	}
}

func readPresenceFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	return strings.TrimSpace(strings.ToLower(string(data))) != hiddenMarker
}
