// capture-agent: interview monitoring agent
// Captures the candidate's screen, streams samples to the analyzer and
// serves the live dashboard.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/insighthire/capture-agent/internal/config"
	"github.com/insighthire/capture-agent/internal/log"
	"github.com/insighthire/capture-agent/pkg/analysis"
	"github.com/insighthire/capture-agent/pkg/capture"
	"github.com/insighthire/capture-agent/pkg/notify"
	"github.com/insighthire/capture-agent/pkg/sampler"
	"github.com/insighthire/capture-agent/pkg/session"
	"github.com/insighthire/capture-agent/pkg/transport"
	"github.com/insighthire/capture-agent/pkg/web"
)

var version = "1.0.0"

var (
	port     = flag.String("port", "", "HTTP server port (default $PORT or 8090)")
	backend  = flag.String("backend", "", "capture backend: auto, device, webrtc, mock")
	logLevel = flag.String("log-level", "info", "log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	log.Init(config.Env("LOG_LEVEL", *logLevel))
	logger := log.L()
	logger.Info("capture agent starting", "version", version)

	listenPort := *port
	if listenPort == "" {
		listenPort = config.Port()
	}

	cfg := session.DefaultConfig()
	if *backend != "" {
		cfg.Capture.Backend = capture.Backend(*backend)
	} else if b := os.Getenv("CAPTURE_BACKEND"); b != "" {
		cfg.Capture.Backend = capture.Backend(b)
	}
	cfg.Capture.Device = config.Env("CAPTURE_DEVICE", "")
	cfg.FrameInterval = config.EnvDuration("FRAME_INTERVAL", sampler.DefaultInterval)
	cfg.SpectrumInterval = config.EnvDuration("SPECTRUM_INTERVAL", sampler.DefaultInterval)

	agg := analysis.NewAggregator(config.EnvInt("CHART_POINTS", analysis.SeriesCapacity), log.Component("analysis"))

	// The transport factory keeps a handle on the latest channel so the
	// dashboard can report its counters.
	var chanMu sync.Mutex
	var lastCh *transport.Channel
	trlog := log.Component("transport")
	makeTr := func() session.Transport {
		ch := transport.New(config.AnalyzerURL(), config.AnalyzerAPIURL(), trlog)
		chanMu.Lock()
		lastCh = ch
		chanMu.Unlock()
		return ch
	}

	var server *web.Server
	dedup := notify.NewDeduper(func(n notify.Notification) {
		if server != nil {
			server.AddNotification(n)
		}
	}, log.Component("notify"))

	mgr := session.NewManager(cfg, makeTr, agg, dedup, log.Component("session"))

	server = web.NewServer(listenPort, mgr, agg, log.Component("web"))
	server.SetStatsFunc(func() transport.Stats {
		chanMu.Lock()
		defer chanMu.Unlock()
		if lastCh == nil {
			return transport.Stats{}
		}
		return lastCh.Stats()
	})
	server.StartAsync()

	logger.Info("dashboard ready",
		"addr", "http://localhost:"+listenPort,
		"analyzer", config.AnalyzerURL(),
		"backend", cfg.Capture.Backend,
		"available", capture.AvailableBackends(),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Tear the session down first so the stop sentinels go out before
	// the analyzer channel disappears.
	select {
	case <-mgr.Stop():
	case <-time.After(5 * time.Second):
		logger.Warn("session teardown timed out")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.ShutdownWithContext(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}

	logger.Info("goodbye")
}
