package capture

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// h264Decoder turns H264 NAL units into JPEG frames by piping through
// ffmpeg. Decoding is rate limited: between decodes the previous frame is
// returned, which is fine at the sample cadence this system runs at.
type h264Decoder struct {
	minInterval time.Duration

	mu         sync.Mutex
	lastDecode time.Time

	frameMu     sync.RWMutex
	latestFrame []byte
}

func newH264Decoder(minInterval time.Duration) *h264Decoder {
	return &h264Decoder{
		minInterval: minInterval,
	}
}

// DecodeNAL decodes H264 NAL units to JPEG.
func (d *h264Decoder) DecodeNAL(nalData []byte) ([]byte, error) {
	if len(nalData) < 100 {
		return d.LatestFrame(), nil
	}

	d.mu.Lock()
	if time.Since(d.lastDecode) < d.minInterval {
		d.mu.Unlock()
		return d.LatestFrame(), nil
	}
	d.lastDecode = time.Now()
	d.mu.Unlock()

	// Single-shot ffmpeg with stdin/stdout pipes - no temp files.
	cmd := exec.Command("ffmpeg",
		"-f", "h264", // Input format
		"-i", "pipe:0", // Read from stdin
		"-vframes", "1", // Just one frame
		"-f", "image2pipe", // Output as pipe
		"-vcodec", "mjpeg", // Output as JPEG
		"-q:v", "3", // Quality (1-31, lower is better)
		"pipe:1", // Write to stdout
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// Write NAL data and close stdin to signal EOF
	go func() {
		defer stdin.Close()
		io.Copy(stdin, bytes.NewReader(nalData))
	}()

	if err := cmd.Wait(); err != nil {
		// ffmpeg exits nonzero on partial NAL data; keep the last
		// good frame instead of failing the tick.
		if frame := d.LatestFrame(); frame != nil {
			return frame, nil
		}
		return nil, fmt.Errorf("ffmpeg decode failed: %w (%s)", err, stderr.String())
	}

	jpeg := stdout.Bytes()
	if len(jpeg) == 0 {
		return d.LatestFrame(), nil
	}

	d.frameMu.Lock()
	d.latestFrame = jpeg
	d.frameMu.Unlock()
	return jpeg, nil
}

// LatestFrame returns the most recently decoded frame, or nil.
func (d *h264Decoder) LatestFrame() []byte {
	d.frameMu.RLock()
	defer d.frameMu.RUnlock()
	return d.latestFrame
}
