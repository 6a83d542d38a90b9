// Package sampler runs the periodic frame and audio sampling loops for a
// capture session. Each sampler is an independent ticker loop with its own
// cancellation handle; the two never block each other.
package sampler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the default sampling cadence for both frames and
// audio. Keeping the two identical keeps chart and transport load
// predictable.
const DefaultInterval = 10 * time.Second

// Handle cancels a running sampler.
// Cancel is idempotent: cancelling twice is a no-op, not an error.
type Handle struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	ticks   atomic.Uint64
	skipped atomic.Uint64
}

// Cancel stops the sampler loop. The loop's context is cancelled so an
// in-flight tick can bail out early. Safe to call any number of times.
func (h *Handle) Cancel() {
	h.once.Do(h.cancel)
}

// Done is closed once the sampler loop has fully exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Ticks returns how many ticks actually ran.
func (h *Handle) Ticks() uint64 { return h.ticks.Load() }

// Skipped returns how many ticks were skipped because the previous tick
// was still running.
func (h *Handle) Skipped() uint64 { return h.skipped.Load() }

// Start runs tick every interval until the handle is cancelled.
//
// A tick that is still running when the next interval fires is skipped,
// not queued: a slow encode must never build a backlog. Within one
// sampler, ticks therefore run strictly one at a time, in order.
func Start(name string, interval time.Duration, logger *slog.Logger, tick func(ctx context.Context)) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var inFlight atomic.Bool
		var wg sync.WaitGroup
		logger.Debug("sampler started", "name", name, "interval", interval)

		for {
			select {
			case <-ctx.Done():
				// Done must not close while a tick is still running;
				// the stop sequence relies on it to order the stream's
				// final message.
				wg.Wait()
				logger.Debug("sampler stopped",
					"name", name,
					"ticks", h.ticks.Load(),
					"skipped", h.skipped.Load(),
				)
				return
			case <-ticker.C:
				if !inFlight.CompareAndSwap(false, true) {
					h.skipped.Add(1)
					logger.Debug("sampler tick still pending, skipping", "name", name)
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer inFlight.Store(false)
					tick(ctx)
					h.ticks.Add(1)
				}()
			}
		}
	}()

	return h
}
