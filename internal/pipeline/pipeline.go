// Package pipeline processes a finite video source to completion and
// reports its peak occupancy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dj-oyu/zone-occupancy/internal/aggregate"
	"github.com/dj-oyu/zone-occupancy/internal/analysis"
	"github.com/dj-oyu/zone-occupancy/internal/capture"
	"github.com/dj-oyu/zone-occupancy/internal/detector"
	"github.com/dj-oyu/zone-occupancy/internal/logger"
	"github.com/dj-oyu/zone-occupancy/internal/metrics"
	"github.com/dj-oyu/zone-occupancy/internal/summary"
)

var log = logger.For("Pipeline")

// Result is the summary of one finite run.
type Result struct {
	aggregate.SessionAggregate
	Frames   uint64        `json:"frames"`
	Duration time.Duration `json:"-"`
}

func emptyResult() Result {
	return Result{SessionAggregate: aggregate.NewRunningMax().Snapshot()}
}

// Pipeline runs finite sources through the analyzer.
type Pipeline struct {
	opener   capture.Opener
	analyzer *analysis.Analyzer
	metrics  *metrics.Metrics
}

// New returns a pipeline reading sources through opener.
func New(opener capture.Opener, analyzer *analysis.Analyzer, m *metrics.Metrics) *Pipeline {
	return &Pipeline{opener: opener, analyzer: analyzer, metrics: m}
}

// Run processes source frame by frame until it is exhausted and returns the
// peaks. A source that cannot be opened yields capture.ErrSourceUnavailable
// together with an empty result. A detector failure or an unknown class id
// aborts the run. Nothing is observable until Run returns.
func (p *Pipeline) Run(ctx context.Context, source string) (Result, error) {
	start := time.Now()
	p.metrics.FiniteRuns.Add(1)
	p.metrics.FiniteRunsActive.Add(1)
	defer p.metrics.FiniteRunsActive.Add(-1)

	handle, err := p.opener.Open(ctx, source)
	if err != nil {
		p.metrics.SourceUnavailable.Add(1)
		if !errors.Is(err, capture.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", capture.ErrSourceUnavailable, err)
		}
		log.Warn("Cannot open %s: %v", source, err)
		return emptyResult(), err
	}
	defer func() {
		if err := handle.Release(); err != nil {
			log.Warn("Release %s: %v", source, err)
		}
	}()

	peaks := aggregate.NewRunningMax()
	for {
		if err := ctx.Err(); err != nil {
			p.metrics.FiniteRunErrors.Add(1)
			return Result{}, fmt.Errorf("run %s cancelled: %w", source, err)
		}

		frame, err := handle.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.metrics.FiniteRunErrors.Add(1)
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("run %s cancelled: %w", source, ctx.Err())
			}
			return Result{}, fmt.Errorf("read %s: %w", source, err)
		}
		p.metrics.FramesRead.Add(1)

		res, err := p.analyzer.Analyze(ctx, frame, analysis.Strict)
		if err != nil {
			p.metrics.FiniteRunErrors.Add(1)
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("run %s cancelled: %w", source, ctx.Err())
			}
			switch {
			case errors.Is(err, detector.ErrDetectionFailure):
				p.metrics.DetectionErrors.Add(1)
			case errors.Is(err, summary.ErrUnknownClass):
				p.metrics.UnknownClasses.Add(1)
			}
			log.Error("Run %s aborted: %v", source, err)
			return Result{}, err
		}
		p.metrics.FramesProcessed.Add(1)
		p.metrics.UpdateDetectLatency(res.DetectTime)

		peaks.Update(res.Occupancy, res.Summary)
		if frame.Number%100 == 0 {
			log.Debug("%s: %d frames, current %d", source, frame.Number, res.Occupancy)
		}
	}

	result := Result{
		SessionAggregate: peaks.Snapshot(),
		Frames:           peaks.Frames(),
		Duration:         time.Since(start),
	}
	log.Info("Finished %s: %d frames in %s, peak %d %v",
		source, result.Frames, result.Duration.Round(time.Millisecond), result.PeakOccupancy, result.PeakClassSummary)
	return result, nil
}
