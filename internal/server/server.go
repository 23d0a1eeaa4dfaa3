// Package server exposes upload processing and the live camera session over
// HTTP, keeping the routes of the original Flask backend.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/dj-oyu/zone-occupancy/internal/capture"
	"github.com/dj-oyu/zone-occupancy/internal/logger"
	"github.com/dj-oyu/zone-occupancy/internal/pipeline"
	"github.com/dj-oyu/zone-occupancy/internal/recorder"
	"github.com/dj-oyu/zone-occupancy/internal/session"
)

var log = logger.For("HTTP")

// Runner processes an uploaded file.
type Runner interface {
	Run(ctx context.Context, source string) (pipeline.Result, error)
}

// Signaler answers WebRTC offers.
type Signaler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	ClientCount() int
}

// Options configures the HTTP surface.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
}

// Server serves the HTTP endpoints.
type Server struct {
	opts     Options
	runner   Runner
	session  *session.Manager
	webrtc   Signaler
	recorder *recorder.Recorder
	blank    []byte
}

// New returns a configured server. webrtc and rec may be nil, which disables
// the offer and recording endpoints.
func New(opts Options, runner Runner, mgr *session.Manager, webrtc Signaler, rec *recorder.Recorder) (*Server, error) {
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	blank, err := blankJPEG()
	if err != nil {
		return nil, fmt.Errorf("render placeholder frame: %w", err)
	}
	return &Server{
		opts:     opts,
		runner:   runner,
		session:  mgr,
		webrtc:   webrtc,
		recorder: rec,
		blank:    blank,
	}, nil
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/upload_video", s.handleUpload)
	mux.HandleFunc("/webcam_start", s.handleWebcamStart)
	mux.HandleFunc("/webcam_stop", s.handleWebcamStop)
	mux.HandleFunc("/current_data", s.handleCurrentData)
	mux.HandleFunc("/webcam_feed", s.handleWebcamFeed)
	mux.HandleFunc("/api/current/stream", s.handleCurrentStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/health", s.handleHealth)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(mux)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("Backend is Running!"))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}

	path, err := s.saveUpload(r)
	if err != nil {
		log.Warn("Upload rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"success": false, "error": err.Error()}, http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("Remove upload %s: %v", path, err)
		}
	}()

	res, err := s.runner.Run(r.Context(), path)
	switch {
	case errors.Is(err, capture.ErrSourceUnavailable):
		writeJSON(w, map[string]any{
			"success":     true,
			"total_count": 0,
			"summary":     map[string]int{},
			"warning":     err.Error(),
		})
	case err != nil:
		log.Error("Processing %s failed: %v", filepath.Base(path), err)
		writeJSONWithStatus(w, map[string]any{"success": false, "error": err.Error()}, http.StatusInternalServerError)
	default:
		log.Info("Processed upload: %d frames, peak %d in %v", res.Frames, res.PeakOccupancy, res.Duration)
		writeJSON(w, map[string]any{
			"success":     true,
			"total_count": res.PeakOccupancy,
			"summary":     res.PeakClassSummary,
			"frames":      res.Frames,
		})
	}
}

// saveUpload stores the multipart "file" field under a fresh name and returns
// its path. The client file name only contributes its extension.
func (s *Server) saveUpload(r *http.Request) (string, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	path := filepath.Join(s.opts.UploadDir, uuid.NewString()+ext)
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("save upload: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

func (s *Server) handleWebcamStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.session.Start(r.Context())
	if err != nil {
		writeJSONWithStatus(w, map[string]any{
			"status": session.StatusError,
			"error":  err.Error(),
		}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleWebcamStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Stop())
}

func (s *Server) handleCurrentData(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Current()
	writeJSON(w, map[string]any{
		"count":   snap.Count,
		"summary": snap.Summary,
	})
}

func (s *Server) handleWebcamFeed(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.session.SubscribeFrames()
	defer s.session.UnsubscribeFrames(id)
	streamMJPEGFromChannel(w, r, frameCh, s.blank)
}

func (s *Server) handleCurrentStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.session.SubscribeEvents()
	defer s.session.UnsubscribeEvents(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(w, r, eventCh, useProtobuf)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := s.session.Report()
	payload := map[string]any{
		"session": report,
	}
	if s.webrtc != nil {
		payload["webrtc_clients"] = s.webrtc.ClientCount()
	}
	if s.recorder != nil {
		payload["recording"] = s.recorder.Status()
	}
	writeJSON(w, payload)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webrtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answerJSON, err := s.webrtc.HandleOffer(body)
	if err != nil {
		log.Warn("WebRTC offer error: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording disabled"}, http.StatusServiceUnavailable)
		return
	}

	filename, err := s.recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": s.recorder.Status().StartTime,
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording disabled"}, http.StatusServiceUnavailable)
		return
	}

	status, err := s.recorder.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status": "stopped",
		"file":   status.Filename,
		"stats":  status,
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.Status{})
		return
	}
	writeJSON(w, s.recorder.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":         "ok",
		"running":        s.session.Running(),
		"stream_clients": s.session.Report().StreamClients,
		"webrtc_clients": 0,
	}
	if s.webrtc != nil {
		payload["webrtc_clients"] = s.webrtc.ClientCount()
	}
	writeJSON(w, payload)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
