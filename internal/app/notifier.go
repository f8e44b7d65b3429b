package app

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fluxora/streamledger/internal/domain"
)

const (
	defaultDebounceMs   = 200
	defaultPollInterval = 10 * time.Second

	// StreamUpdateMethod is the notification method pushed to clients.
	StreamUpdateMethod = "notifications/stream_update"
)

// StreamUpdateParams is the payload for notifications/stream_update.
type StreamUpdateParams struct {
	Event  domain.StreamEvent `json:"event"`
	Stream *domain.Stream     `json:"stream,omitempty"`
}

// Notifier publishes committed stream changes. As an Observer it writes each
// event to the signal file; its watcher (fsnotify with a poll fallback)
// pushes stream_update notifications for every new revision, including
// revisions written by other processes sharing the same state directory.
type Notifier struct {
	signalPath   string
	store        StreamStore
	pushFunc     func(method string, params any) error
	logger       *zap.Logger
	debounceMs   int
	pollInterval time.Duration

	mu            sync.Mutex
	lastPushedRev string
	debounceTimer *time.Timer
	watcher       *fsnotify.Watcher
	stopCh        chan struct{}
	doneCh        chan struct{}
	stopOnce      sync.Once
	pushMu        sync.Mutex // serializes checkAndPush to prevent duplicate pushes
}

// NotifierOption configures the notifier.
type NotifierOption func(*Notifier)

// WithPollInterval sets the fallback poll interval (default 10s).
func WithPollInterval(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.pollInterval = d
	}
}

// NewNotifier creates a notifier. store is used to attach the current stream
// record to each push and may be nil.
func NewNotifier(signalPath string, store StreamStore, pushFunc func(method string, params any) error, logger *zap.Logger, opts ...NotifierOption) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		signalPath:   signalPath,
		store:        store,
		pushFunc:     pushFunc,
		logger:       logger,
		debounceMs:   defaultDebounceMs,
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// StreamChanged implements Observer.
func (n *Notifier) StreamChanged(ev domain.StreamEvent) {
	if err := TouchNotifySignal(n.signalPath, ev); err != nil {
		n.logger.Warn("notifier: write signal failed", zap.Error(err))
		return
	}
	n.triggerDebounced()
}

// Start starts the file watcher and fallback poll. Returns when ctx is
// cancelled or Stop is called. If fsnotify fails to initialize, falls back
// to poll-only mode.
func (n *Notifier) Start(ctx context.Context) {
	defer close(n.doneCh)

	// The current revision predates this process; do not replay it.
	if rec, ok := readNotifySignal(n.signalPath); ok {
		n.mu.Lock()
		n.lastPushedRev = rec.Rev
		n.mu.Unlock()
	}

	watchDir := filepath.Dir(n.signalPath)
	signalName := filepath.Base(n.signalPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		n.logger.Warn("notifier: fsnotify init failed, using poll-only", zap.Error(err))
	} else if err := watcher.Add(watchDir); err != nil {
		n.logger.Warn("notifier: fsnotify add failed, using poll-only", zap.String("dir", watchDir), zap.Error(err))
		_ = watcher.Close()
	} else {
		n.watcher = watcher
		defer n.watcher.Close()
		go n.watchLoop(ctx, signalName)
	}

	n.pollLoop(ctx)
}

// Stop signals the notifier to stop and waits for Start to return.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	<-n.doneCh
}

// CheckOnce runs one check-and-push cycle (for testing or manual trigger).
func (n *Notifier) CheckOnce() {
	n.checkAndPush()
}

func (n *Notifier) watchLoop(ctx context.Context, signalName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != signalName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			n.triggerDebounced()
		case _, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (n *Notifier) triggerDebounced() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.debounceTimer = time.AfterFunc(time.Duration(n.debounceMs)*time.Millisecond, func() {
		n.checkAndPush()
	})
}

func (n *Notifier) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.checkAndPush()
		}
	}
}

func (n *Notifier) checkAndPush() {
	n.pushMu.Lock()
	defer n.pushMu.Unlock()

	rec, ok := readNotifySignal(n.signalPath)
	if !ok {
		return
	}
	n.mu.Lock()
	if rec.Rev == n.lastPushedRev {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	params := StreamUpdateParams{Event: rec.Event}
	if n.store != nil {
		_ = n.store.View(context.Background(), func(tx StreamTx) error {
			s, err := tx.Get(rec.Event.StreamID)
			if err == nil {
				params.Stream = s
			}
			return nil
		})
	}
	if err := n.pushFunc(StreamUpdateMethod, params); err != nil {
		n.logger.Warn("notifier: push failed", zap.Error(err))
		return
	}
	n.mu.Lock()
	n.lastPushedRev = rec.Rev
	n.mu.Unlock()
}
