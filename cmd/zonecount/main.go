// Command zonecount runs one or more video files through the zone counter
// and prints the peak occupancy of each as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dj-oyu/zone-occupancy/internal/app"
	"github.com/dj-oyu/zone-occupancy/internal/capture"
	"github.com/dj-oyu/zone-occupancy/internal/config"
	"github.com/dj-oyu/zone-occupancy/internal/logger"
	"github.com/dj-oyu/zone-occupancy/internal/metrics"
	"github.com/dj-oyu/zone-occupancy/internal/pipeline"
)

type report struct {
	Source string `json:"source"`
	pipeline.Result
	Error string `json:"error,omitempty"`
}

func main() {
	cfg, files, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] video...\n", os.Args[0])
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, _ := cfg.Level()
	logger.Init(level, os.Stderr, cfg.LogColor)

	names, err := app.Vocabulary(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	analyzer, err := app.NewAnalyzer(cfg, names)
	if err != nil {
		log.Fatalf("%v", err)
	}
	p := pipeline.New(capture.NewFileOpener(cfg.FFmpegPath), analyzer, metrics.New())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ok, err := countFiles(ctx, p, files, os.Stdout)
	if err != nil {
		log.Fatalf("write result: %v", err)
	}
	if !ok {
		os.Exit(1)
	}
}

// runner is the part of pipeline.Pipeline used here.
type runner interface {
	Run(ctx context.Context, source string) (pipeline.Result, error)
}

// countFiles writes one report per file to w and reports whether every file
// was processed. An unavailable file is a failure.
func countFiles(ctx context.Context, p runner, files []string, w io.Writer) (bool, error) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	ok := true
	for _, file := range files {
		res, err := p.Run(ctx, file)
		r := report{Source: file, Result: res}
		if err != nil {
			ok = false
			r.Error = err.Error()
			if errors.Is(err, capture.ErrSourceUnavailable) {
				logger.Warn("Main", "%s: %v", file, err)
			} else {
				logger.Error("Main", "%s: %v", file, err)
			}
		}
		if err := enc.Encode(r); err != nil {
			return false, err
		}
		if ctx.Err() != nil {
			return false, nil
		}
	}
	return ok, nil
}
