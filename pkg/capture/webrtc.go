package capture

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"gopkg.in/hraban/opus.v2"
)

const (
	// opusSampleRate is what browsers send over WebRTC.
	opusSampleRate = 48000
	opusChannels   = 1

	// pcmRingSize holds ~1s of decoded audio for spectrum snapshots.
	pcmRingSize = opusSampleRate
)

// WebRTCSource receives the candidate's browser screen share. The dashboard
// posts the browser's SDP offer to HandleOffer; Acquire blocks until the
// video track is live. Audio rides along as an opus track when the browser
// granted system audio.
type WebRTCSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	acquired bool
	released bool
	hasAudio bool
	width    int
	height   int

	decoder *h264Decoder

	// H264 reassembly
	nalMu     sync.Mutex
	nalBuffer []byte

	// Decoded PCM ring for spectrum snapshots
	pcmMu   sync.Mutex
	pcmRing []int16

	videoReady chan struct{}
	readyOnce  sync.Once

	onEnded func(reason string)
	endOnce sync.Once
}

// NewWebRTCSource creates a browser screen-share source.
func NewWebRTCSource(cfg Config, logger *slog.Logger) *WebRTCSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTCSource{
		cfg:        cfg,
		logger:     logger,
		decoder:    newH264Decoder(200 * time.Millisecond),
		videoReady: make(chan struct{}),
	}
}

// HandleOffer answers the browser's SDP offer and starts receiving tracks.
// The web layer routes POST /api/capture/offer here.
func (w *WebRTCSource) HandleOffer(offerSDP string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.released {
		return "", ErrReleased
	}
	if w.pc != nil {
		return "", fmt.Errorf("capture [webrtc]: offer already handled")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", Classify("webrtc", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		w.logger.Info("webrtc track received",
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			go w.handleVideoTrack(track)
		case webrtc.RTPCodecTypeAudio:
			w.mu.Lock()
			w.hasAudio = true
			w.mu.Unlock()
			go w.handleAudioTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		w.logger.Debug("webrtc connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			w.fireEnded("peer connection " + state.String())
		}
	})

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", Classify("webrtc", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", Classify("webrtc", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", Classify("webrtc", err)
	}
	<-gathered

	w.pc = pc
	return pc.LocalDescription().SDP, nil
}

// Acquire waits for the browser share to come up.
// No offer within the acquire timeout means the user never completed the
// picker, which maps onto ErrAborted.
func (w *WebRTCSource) Acquire(ctx context.Context) error {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return ErrReleased
	}
	if w.acquired {
		w.mu.Unlock()
		return nil
	}
	timeout := w.cfg.AcquireTimeout
	w.mu.Unlock()

	select {
	case <-w.videoReady:
	case <-time.After(timeout):
		return fmt.Errorf("%w: no screen share offer within %v", ErrAborted, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	}

	w.mu.Lock()
	w.acquired = true
	hasAudio := w.hasAudio
	w.mu.Unlock()

	w.logger.Info("webrtc capture acquired", "has_audio", hasAudio)
	return nil
}

func (w *WebRTCSource) handleVideoTrack(track *webrtc.TrackRemote) {
	h264 := &codecs.H264Packet{}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			w.fireEnded("video track ended")
			return
		}

		nal, err := h264.Unmarshal(pkt.Payload)
		if err != nil || len(nal) == 0 {
			continue
		}

		w.nalMu.Lock()
		w.nalBuffer = append(w.nalBuffer, nal...)
		// Cap reassembly at 1MB; older data is stale anyway.
		if len(w.nalBuffer) > 1<<20 {
			w.nalBuffer = w.nalBuffer[len(w.nalBuffer)-1<<20:]
		}
		w.nalMu.Unlock()

		w.readyOnce.Do(func() { close(w.videoReady) })
	}
}

func (w *WebRTCSource) handleAudioTrack(track *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		w.logger.Warn("opus decoder init failed, running video-only", "error", err)
		w.mu.Lock()
		w.hasAudio = false
		w.mu.Unlock()
		return
	}

	pcm := make([]int16, 5760) // Max opus frame at 48kHz
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}

		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil || n == 0 {
			continue
		}

		w.pcmMu.Lock()
		w.pcmRing = append(w.pcmRing, pcm[:n]...)
		if len(w.pcmRing) > pcmRingSize {
			w.pcmRing = w.pcmRing[len(w.pcmRing)-pcmRingSize:]
		}
		w.pcmMu.Unlock()
	}
}

// ReadFrame decodes the latest received video into a JPEG frame.
func (w *WebRTCSource) ReadFrame(ctx context.Context) (Frame, error) {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return Frame{}, ErrReleased
	}
	if !w.acquired {
		w.mu.Unlock()
		return Frame{}, ErrNotAcquired
	}
	w.mu.Unlock()

	w.nalMu.Lock()
	nal := w.nalBuffer
	w.nalBuffer = nil
	w.nalMu.Unlock()

	data, err := w.decoder.DecodeNAL(nal)
	if err != nil {
		return Frame{}, WrapError("webrtc", err)
	}
	if data == nil {
		return Frame{}, WrapError("webrtc", fmt.Errorf("no decodable frame yet"))
	}

	width, height := w.frameDimensions(data)
	return Frame{JPEG: data, Width: width, Height: height}, nil
}

// frameDimensions reads the JPEG header and caches the result in Settings.
func (w *WebRTCSource) frameDimensions(data []byte) (int, int) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.width, w.height
	}
	w.mu.Lock()
	w.width, w.height = cfg.Width, cfg.Height
	w.mu.Unlock()
	return cfg.Width, cfg.Height
}

// ReadSpectrum snapshots the decoded audio ring as frequency-band energies.
func (w *WebRTCSource) ReadSpectrum(ctx context.Context) ([]float64, error) {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return nil, ErrReleased
	}
	if !w.acquired {
		w.mu.Unlock()
		return nil, ErrNotAcquired
	}
	hasAudio := w.hasAudio
	w.mu.Unlock()

	if !hasAudio {
		return nil, ErrNoAudio
	}

	w.pcmMu.Lock()
	samples := make([]int16, len(w.pcmRing))
	copy(samples, w.pcmRing)
	w.pcmMu.Unlock()

	return computeSpectrum(samples, opusSampleRate, SpectrumSize), nil
}

// Settings returns the live share settings.
func (w *WebRTCSource) Settings() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Settings{
		Width:     w.width,
		Height:    w.height,
		FrameRate: w.cfg.MaxFrameRate,
		HasAudio:  w.hasAudio,
		Backend:   BackendWebRTC,
	}
}

// OnEnded registers the one-shot ended callback.
func (w *WebRTCSource) OnEnded(fn func(reason string)) {
	w.mu.Lock()
	w.onEnded = fn
	w.mu.Unlock()
}

func (w *WebRTCSource) fireEnded(reason string) {
	w.mu.Lock()
	fn := w.onEnded
	released := w.released
	w.mu.Unlock()

	if fn == nil || released {
		return
	}
	w.endOnce.Do(func() { fn(reason) })
}

// Release closes the peer connection and drops buffered media.
func (w *WebRTCSource) Release() error {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return nil
	}
	w.released = true
	w.acquired = false
	pc := w.pc
	w.pc = nil
	w.mu.Unlock()

	w.nalMu.Lock()
	w.nalBuffer = nil
	w.nalMu.Unlock()

	w.pcmMu.Lock()
	w.pcmRing = nil
	w.pcmMu.Unlock()

	if pc != nil {
		return pc.Close()
	}
	return nil
}

// Name returns the backend name.
func (w *WebRTCSource) Name() string { return string(BackendWebRTC) }
