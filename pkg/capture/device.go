package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"gocv.io/x/gocv"
)

// deviceSource grabs frames from a local capture device through gocv.
// It carries video only; interview audio on the device backend comes from
// the browser share instead, so ReadSpectrum reports ErrNoAudio.
type deviceSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	cap      *gocv.VideoCapture
	mat      gocv.Mat
	acquired bool
	released bool
	width    int
	height   int

	onEnded func(reason string)
	endOnce sync.Once
}

func newDeviceSource(cfg Config, logger *slog.Logger) *deviceSource {
	return &deviceSource{
		cfg:    cfg,
		logger: logger,
	}
}

// Acquire opens the capture device and applies the resolution envelope.
func (d *deviceSource) Acquire(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return ErrReleased
	}
	if d.acquired {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var device interface{} = d.cfg.Device
	if d.cfg.Device == "" {
		device = 0
	} else if idx, err := strconv.Atoi(d.cfg.Device); err == nil {
		device = idx
	}

	cap, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return Classify("device", err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return Classify("device", fmt.Errorf("cannot open capture device %v", device))
	}

	// Request the capped envelope; the driver reports what it gave us.
	cap.Set(gocv.VideoCaptureFrameWidth, float64(d.cfg.MaxWidth))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(d.cfg.MaxHeight))
	cap.Set(gocv.VideoCaptureFPS, float64(d.cfg.MaxFrameRate))

	d.cap = cap
	d.mat = gocv.NewMat()
	d.width = int(cap.Get(gocv.VideoCaptureFrameWidth))
	d.height = int(cap.Get(gocv.VideoCaptureFrameHeight))
	d.acquired = true

	d.logger.Info("capture device opened",
		"device", fmt.Sprintf("%v", device),
		"width", d.width,
		"height", d.height,
	)
	return nil
}

// ReadFrame grabs the current frame and encodes it as JPEG.
// A failed grab means the device went away; the ended signal fires once.
func (d *deviceSource) ReadFrame(ctx context.Context) (Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return Frame{}, ErrReleased
	}
	if !d.acquired {
		return Frame{}, ErrNotAcquired
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		d.fireEndedLocked("device read failed")
		return Frame{}, ErrSourceEnded
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, d.mat,
		[]int{gocv.IMWriteJpegQuality, d.cfg.JPEGQuality})
	if err != nil {
		return Frame{}, WrapError("device", err)
	}
	defer buf.Close()

	// Copy out of the gocv-owned buffer before it is closed.
	jpeg := make([]byte, len(buf.GetBytes()))
	copy(jpeg, buf.GetBytes())

	return Frame{JPEG: jpeg, Width: d.mat.Cols(), Height: d.mat.Rows()}, nil
}

// ReadSpectrum always fails: the device backend has no audio track.
func (d *deviceSource) ReadSpectrum(ctx context.Context) ([]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrReleased
	}
	if !d.acquired {
		return nil, ErrNotAcquired
	}
	return nil, ErrNoAudio
}

// Settings returns the live device settings.
func (d *deviceSource) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Settings{
		Width:     d.width,
		Height:    d.height,
		FrameRate: d.cfg.MaxFrameRate,
		HasAudio:  false,
		Backend:   BackendDevice,
	}
}

// OnEnded registers the one-shot ended callback.
func (d *deviceSource) OnEnded(fn func(reason string)) {
	d.mu.Lock()
	d.onEnded = fn
	d.mu.Unlock()
}

func (d *deviceSource) fireEndedLocked(reason string) {
	fn := d.onEnded
	if fn == nil {
		return
	}
	d.endOnce.Do(func() {
		// Fire outside the lock so the callback can call Release.
		go fn(reason)
	})
}

// Release closes the device and frees the frame buffer.
func (d *deviceSource) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return nil
	}
	d.released = true
	d.acquired = false

	var err error
	if d.cap != nil {
		err = d.cap.Close()
		d.cap = nil
		d.mat.Close()
	}
	d.logger.Info("capture device released")
	return err
}

// Name returns the backend name.
func (d *deviceSource) Name() string { return string(BackendDevice) }
