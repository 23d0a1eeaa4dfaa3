// Package app assembles the components both binaries share from a Config.
package app

import (
	"fmt"
	"time"

	"github.com/dj-oyu/zone-occupancy/internal/analysis"
	"github.com/dj-oyu/zone-occupancy/internal/config"
	"github.com/dj-oyu/zone-occupancy/internal/detector"
	"github.com/dj-oyu/zone-occupancy/internal/zone"
)

// NewDetector returns the detector client selected by cfg.DetectorKind.
func NewDetector(cfg config.Config) (detector.Detector, error) {
	timeout := time.Duration(cfg.DetectorTimeout)
	switch cfg.DetectorKind {
	case "http":
		return detector.NewHTTPDetector(cfg.DetectorURL, cfg.DetectorInputSize, timeout), nil
	case "tcp":
		return detector.NewTCPDetector(cfg.DetectorURL, cfg.DetectorInputSize, timeout), nil
	default:
		return nil, fmt.Errorf("unknown detector kind %q", cfg.DetectorKind)
	}
}

// Vocabulary loads the class names file, or returns COCO when none is set.
func Vocabulary(cfg config.Config) (detector.Vocabulary, error) {
	if cfg.ClassNamesFile == "" {
		return detector.COCO, nil
	}
	v, err := detector.LoadVocabulary(cfg.ClassNamesFile)
	if err != nil {
		return nil, fmt.Errorf("load class names: %w", err)
	}
	return v, nil
}

// NewAnalyzer builds the per-frame analyzer: detector, zone and vocabulary.
func NewAnalyzer(cfg config.Config, names detector.Vocabulary) (*analysis.Analyzer, error) {
	d, err := NewDetector(cfg)
	if err != nil {
		return nil, err
	}
	anchor, err := cfg.ZoneAnchor()
	if err != nil {
		return nil, err
	}
	z, err := zone.New(cfg.Zone, anchor)
	if err != nil {
		return nil, fmt.Errorf("zone: %w", err)
	}
	return &analysis.Analyzer{
		Detector:      d,
		Zone:          z,
		Names:         names,
		MinConfidence: cfg.MinConfidence,
	}, nil
}
