package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const llmProvidersFile = "llm-providers.yaml"

// LLMWatcher hot-reloads llm-providers.yaml. Edits are debounced (editors
// produce bursts of WRITE events), then the file is re-parsed and
// revalidated; only a clean snapshot reaches the callback.
type LLMWatcher struct {
	configDir string
	onReload  func(*LLMConfig)
	debounce  time.Duration

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLLMWatcher creates a watcher that invokes onReload with each valid new
// snapshot of llm-providers.yaml.
func NewLLMWatcher(configDir string, onReload func(*LLMConfig)) (*LLMWatcher, error) {
	if onReload == nil {
		panic("NewLLMWatcher: onReload must not be nil")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &LLMWatcher{
		configDir: configDir,
		onReload:  onReload,
		debounce:  500 * time.Millisecond,
		watcher:   fsw,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins watching the config directory.
//
// The directory is watched rather than the file itself: most editors and
// config rollouts replace the file (rename over), which drops a file-level
// watch silently.
func (w *LLMWatcher) Start() error {
	if err := w.watcher.Add(w.configDir); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.processEvents()

	slog.Info("LLM provider hot reload enabled",
		"file", filepath.Join(w.configDir, llmProvidersFile),
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *LLMWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *LLMWatcher) processEvents() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != llmProvidersFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// restart the debounce window
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", "error", err)

		case <-timerC:
			w.reload()
		}
	}
}

func (w *LLMWatcher) reload() {
	llm, err := LoadLLMConfig(w.configDir)
	if err != nil {
		slog.Error("Ignoring invalid LLM provider config update", "error", err)
		return
	}
	slog.Info("LLM provider configuration reloaded",
		"endpoints", len(llm.Endpoints),
		"models", len(llm.Models))
	w.onReload(llm)
}
