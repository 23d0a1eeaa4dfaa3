package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/zone-occupancy/internal/config"
	"github.com/dj-oyu/zone-occupancy/internal/detector"
	"github.com/dj-oyu/zone-occupancy/internal/zone"
)

func TestNewDetectorKinds(t *testing.T) {
	cfg := config.DefaultConfig()

	d, err := NewDetector(cfg)
	require.NoError(t, err)
	assert.IsType(t, &detector.HTTPDetector{}, d)

	cfg.DetectorKind = "tcp"
	cfg.DetectorURL = "localhost:9999"
	d, err = NewDetector(cfg)
	require.NoError(t, err)
	tcp, ok := d.(*detector.TCPDetector)
	require.True(t, ok)
	assert.Equal(t, "localhost:9999", tcp.Addr)

	cfg.DetectorKind = "grpc"
	_, err = NewDetector(cfg)
	assert.Error(t, err)
}

func TestVocabularyFromFile(t *testing.T) {
	cfg := config.DefaultConfig()
	v, err := Vocabulary(cfg)
	require.NoError(t, err)
	assert.Equal(t, detector.COCO, v)

	path := filepath.Join(t.TempDir(), "names.txt")
	require.NoError(t, os.WriteFile(path, []byte("car\ntruck\n"), 0o644))
	cfg.ClassNamesFile = path
	v, err = Vocabulary(cfg)
	require.NoError(t, err)
	assert.Equal(t, detector.Vocabulary{"car", "truck"}, v)

	cfg.ClassNamesFile = filepath.Join(t.TempDir(), "missing.txt")
	_, err = Vocabulary(cfg)
	assert.Error(t, err)
}

func TestNewAnalyzer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Anchor = "center"
	cfg.MinConfidence = 0.25

	a, err := NewAnalyzer(cfg, detector.COCO)
	require.NoError(t, err)
	assert.Equal(t, zone.AnchorCenter, a.Zone.Anchor())
	assert.Equal(t, 0.25, a.MinConfidence)

	cfg.Zone = zone.Polygon{{X: 0, Y: 0}, {X: 1, Y: 1}}
	_, err = NewAnalyzer(cfg, detector.COCO)
	assert.ErrorIs(t, err, zone.ErrInvalidGeometry)
}
