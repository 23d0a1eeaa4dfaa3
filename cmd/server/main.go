package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/zone-occupancy/internal/annotate"
	"github.com/dj-oyu/zone-occupancy/internal/app"
	"github.com/dj-oyu/zone-occupancy/internal/capture"
	"github.com/dj-oyu/zone-occupancy/internal/config"
	"github.com/dj-oyu/zone-occupancy/internal/logger"
	"github.com/dj-oyu/zone-occupancy/internal/metrics"
	"github.com/dj-oyu/zone-occupancy/internal/pipeline"
	"github.com/dj-oyu/zone-occupancy/internal/recorder"
	"github.com/dj-oyu/zone-occupancy/internal/server"
	"github.com/dj-oyu/zone-occupancy/internal/session"
	"github.com/dj-oyu/zone-occupancy/internal/webrtc"
)

// Server is the occupancy counting server
type Server struct {
	cfg         config.Config
	session     *session.Manager
	webrtc      *webrtc.Server
	recorder    *recorder.Recorder
	httpServer  *http.Server
	metricsHTTP *http.Server
}

func main() {
	cfg, _, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, _ := cfg.Level()
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Occupancy server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}

// NewServer wires every component from cfg.
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New()

	names, err := app.Vocabulary(cfg)
	if err != nil {
		return nil, err
	}
	analyzer, err := app.NewAnalyzer(cfg, names)
	if err != nil {
		return nil, err
	}

	files := pipeline.New(capture.NewFileOpener(cfg.FFmpegPath), analyzer, m)
	camera := capture.NewCameraOpener(cfg.FFmpegPath, cfg.CameraFormat, cfg.CameraFrameRate)
	mgr := session.NewManager(camera, analyzer, annotate.New(names, cfg.JPEGQuality), m, session.Options{
		Device:        cfg.CameraDevice,
		RetryInterval: time.Duration(cfg.RetryInterval),
	})

	var rtc *webrtc.Server
	var signaler server.Signaler
	if cfg.MaxWebRTCClients > 0 {
		rtc = webrtc.NewServer(mgr, cfg.STUNServers, cfg.MaxWebRTCClients, m)
		signaler = rtc
	}

	rec := recorder.NewRecorder(cfg.RecordPath, mgr)

	api, err := server.New(server.Options{
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, files, mgr, signaler, rec)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		session:  mgr,
		webrtc:   rtc,
		recorder: rec,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		metricsHTTP: m.NewServer(cfg.MetricsAddr),
	}, nil
}

// Run serves until ctx is cancelled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	logger.Info("Main", "  HTTP server: %s", s.cfg.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)
	logger.Info("Main", "  Camera: %s (%s)", s.cfg.CameraDevice, s.cfg.CameraFormat)
	logger.Info("Main", "  Detector: %s %s", s.cfg.DetectorKind, s.cfg.DetectorURL)
	logger.Info("Main", "  Zone: %s (anchor %s)", s.cfg.Zone, s.cfg.Anchor)
	logger.Info("Main", "  Recording path: %s", s.cfg.RecordPath)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error {
			if err := s.metricsHTTP.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		s.logStatus(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Main", "Shutting down...")
		return s.shutdown()
	})

	return g.Wait()
}

// logStatus periodically reports the session while it runs.
func (s *Server) logStatus(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.StatusInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := s.session.Report()
			if r.State != session.Running.String() {
				continue
			}
			logger.Debug("Status", "session=%s frame=%d count=%d peak=%d stream=%d events=%d",
				r.SessionID, r.Current.FrameNumber, r.Current.Count, r.Peak.PeakOccupancy,
				r.StreamClients, r.EventClients)
		}
	}
}

func (s *Server) shutdown() error {
	if err := s.recorder.Close(); err != nil {
		logger.Warn("Main", "Stop recording: %v", err)
	}
	// Stop the camera first so streaming handlers return
	s.session.Close()
	if s.webrtc != nil {
		s.webrtc.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if s.cfg.MetricsAddr != "" {
		err = errors.Join(err, s.metricsHTTP.Shutdown(ctx))
	}
	return err
}
