package sampler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/insighthire/capture-agent/pkg/capture"
)

// Gate is consulted before every send. The session state machine flips it
// to false before cancellation starts, so a tick that raced past the
// cancel still discards its sample instead of sending after a stop.
type Gate interface {
	Allow() bool
}

// StartFrames samples the source's video at the given interval, encoding
// each frame and passing it to send. Samples read while the gate is closed
// are discarded.
func StartFrames(src capture.Source, gate Gate, interval time.Duration, logger *slog.Logger, send func(jpeg []byte)) *Handle {
	if logger == nil {
		logger = slog.Default()
	}

	return Start("frames", interval, logger, func(ctx context.Context) {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Debug("frame sample failed", "error", err)
			}
			return
		}
		if !gate.Allow() {
			logger.Debug("frame sampled after stop request, discarding")
			return
		}
		send(frame.JPEG)
	})
}

// StartSpectra samples the source's audio spectrum at the given interval.
// A video-only source just produces no audio samples; that is not an error.
func StartSpectra(src capture.Source, gate Gate, interval time.Duration, logger *slog.Logger, send func(spectrum []float64)) *Handle {
	if logger == nil {
		logger = slog.Default()
	}

	return Start("audio", interval, logger, func(ctx context.Context) {
		spectrum, err := src.ReadSpectrum(ctx)
		if err != nil {
			if !errors.Is(err, capture.ErrNoAudio) && !errors.Is(err, context.Canceled) {
				logger.Debug("audio sample failed", "error", err)
			}
			return
		}
		if !gate.Allow() {
			logger.Debug("audio sampled after stop request, discarding")
			return
		}
		send(spectrum)
	})
}
