// Package observer provides read-only views of a running workdir: a
// debounced watcher on the RECORD file and progress snapshots joining
// the plan, the record and the stage history.
package observer

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/qcloop/qcloop/internal/domain"
	"github.com/qcloop/qcloop/internal/record"
)

// RecordChangeCallback is called after RECORD changes settle, with the
// freshly parsed entries. A parse failure is reported with nil entries
// so the UI can surface it.
type RecordChangeCallback func(entries []domain.StageID, err error)

// RecordWatcher monitors a workdir's RECORD file for appends.
type RecordWatcher struct {
	watcher  *fsnotify.Watcher
	workdir  string
	callback RecordChangeCallback
	debounce time.Duration

	timer  *time.Timer
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRecordWatcher creates a watcher for the workdir's RECORD file. The
// workdir itself is watched so the callback also fires when the file
// first appears.
func NewRecordWatcher(workdir string, callback RecordChangeCallback) (*RecordWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(workdir); err != nil {
		watcher.Close()
		return nil, err
	}

	return &RecordWatcher{
		watcher:  watcher,
		workdir:  workdir,
		callback: callback,
		debounce: 200 * time.Millisecond, // Batch rapid appends
	}, nil
}

// SetDebounce sets the debounce duration for batching record appends.
func (rw *RecordWatcher) SetDebounce(d time.Duration) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.debounce = d
}

// Start begins watching for record changes.
func (rw *RecordWatcher) Start(ctx context.Context) {
	ctx, rw.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-rw.watcher.Events:
				if !ok {
					return
				}
				rw.handleEvent(event)
			case _, ok := <-rw.watcher.Errors:
				if !ok {
					return
				}
				// Keep watching
			}
		}
	}()
}

// Stop stops watching.
func (rw *RecordWatcher) Stop() {
	if rw.cancel != nil {
		rw.cancel()
	}
	rw.watcher.Close()
}

func (rw *RecordWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != record.FileName {
		return
	}
	// Only care about writes and creates
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.timer != nil {
		rw.timer.Stop()
	}
	rw.timer = time.AfterFunc(rw.debounce, rw.flush)
}

func (rw *RecordWatcher) flush() {
	if rw.callback == nil {
		return
	}
	rec, err := record.Load(rw.workdir)
	if err != nil {
		rw.callback(nil, err)
		return
	}
	rw.callback(rec.Entries(), nil)
}
