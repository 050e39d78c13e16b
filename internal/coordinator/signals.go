package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal file names recognized under the signals directory.
const (
	signalStop   = "stop"
	signalPause  = "pause"
	signalResume = "resume"
)

// SignalManager handles out-of-band control through files in the
// .nerve/signals directory. Another process (or an operator with touch)
// drops a file named stop, pause, or resume; the watcher picks it up
// immediately, and the Should* accessors double-check the filesystem in
// case an event was missed.
type SignalManager struct {
	signalsDir string

	mu          sync.RWMutex
	stopSignal  bool
	pauseSignal bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSignalManager creates the signals directory under baseDir/.nerve
// and starts watching it. A watcher setup failure is not fatal; the
// accessors fall back to stat polling.
func NewSignalManager(baseDir string) (*SignalManager, error) {
	signalsDir := filepath.Join(baseDir, ".nerve", "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}

	sm := &SignalManager{
		signalsDir: signalsDir,
		done:       make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return sm, nil
	}
	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		return sm, nil
	}
	sm.watcher = watcher
	go sm.watch()

	return sm, nil
}

// watch applies signal files as they appear.
func (sm *SignalManager) watch() {
	for {
		select {
		case <-sm.done:
			return
		case event, ok := <-sm.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			sm.apply(filepath.Base(event.Name))
		case <-sm.watcher.Errors:
			// Keep watching; accessors stat the files anyway.
		}
	}
}

// apply updates signal state for one signal file.
func (sm *SignalManager) apply(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	switch name {
	case signalStop:
		sm.stopSignal = true
	case signalPause:
		sm.pauseSignal = true
	case signalResume:
		sm.pauseSignal = false
		os.Remove(filepath.Join(sm.signalsDir, signalPause))
		os.Remove(filepath.Join(sm.signalsDir, signalResume))
	}
}

// ShouldStop returns true once a stop signal has been received. Stop is
// sticky; only ClearSignals resets it.
func (sm *SignalManager) ShouldStop() bool {
	if _, err := os.Stat(filepath.Join(sm.signalsDir, signalStop)); err == nil {
		sm.mu.Lock()
		sm.stopSignal = true
		sm.mu.Unlock()
	}
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stopSignal
}

// ShouldPause returns true while a pause signal is in effect. The pause
// file is authoritative: a pause lasts exactly as long as the file
// exists, so a watcher event arriving out of order cannot revive a
// lifted pause.
func (sm *SignalManager) ShouldPause() bool {
	if _, err := os.Stat(filepath.Join(sm.signalsDir, signalPause)); err == nil {
		sm.mu.Lock()
		sm.pauseSignal = true
		sm.mu.Unlock()
		return true
	}
	sm.mu.Lock()
	sm.pauseSignal = false
	sm.mu.Unlock()
	return false
}

// SendStop drops a stop signal file.
func (sm *SignalManager) SendStop() error {
	return sm.write(signalStop)
}

// SendPause drops a pause signal file.
func (sm *SignalManager) SendPause() error {
	return sm.write(signalPause)
}

// SendResume drops a resume signal file, lifting a pause.
func (sm *SignalManager) SendResume() error {
	if err := sm.write(signalResume); err != nil {
		return err
	}
	// Apply locally too; the watcher may not be running.
	sm.apply(signalResume)
	return nil
}

func (sm *SignalManager) write(name string) error {
	path := filepath.Join(sm.signalsDir, name)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearSignals removes all signal files and resets state.
func (sm *SignalManager) ClearSignals() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stopSignal = false
	sm.pauseSignal = false
	for _, name := range []string{signalStop, signalPause, signalResume} {
		os.Remove(filepath.Join(sm.signalsDir, name))
	}
}

// Close stops the watcher.
func (sm *SignalManager) Close() {
	close(sm.done)
	if sm.watcher != nil {
		sm.watcher.Close()
	}
}
