package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vistiles/server/pkg/core"
)

const (
	linkQueueSize    = 64
	linkWriteTimeout = 5 * time.Second
)

// linkWriter saves marker links on its own goroutine so a slow database
// never stalls the event loop. Writes are applied in the order they were
// queued.
type linkWriter struct {
	store  LinkStore
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan core.MarkerLink
	done   chan struct{}
}

func newLinkWriter(store LinkStore, logger *slog.Logger) *linkWriter {
	w := &linkWriter{
		store:  store,
		logger: logger,
		queue:  make(chan core.MarkerLink, linkQueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *linkWriter) run() {
	defer close(w.done)
	for link := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), linkWriteTimeout)
		err := w.store.SaveLink(ctx, link)
		cancel()
		if err != nil {
			w.logger.Error("failed to persist marker link", "marker", link.MarkerID, "device", link.DeviceID, "error", err)
		}
	}
}

// enqueue never blocks. A full queue drops the write; the in-memory link
// stays authoritative until the next pairing.
func (w *linkWriter) enqueue(link core.MarkerLink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.Warn("link writer closed, dropping marker link", "marker", link.MarkerID, "device", link.DeviceID)
		return
	}
	select {
	case w.queue <- link:
	default:
		w.logger.Warn("link write queue full, dropping marker link", "marker", link.MarkerID, "device", link.DeviceID)
	}
}

// close drains pending writes and stops the goroutine. Safe to call twice.
func (w *linkWriter) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}
