// Package summary counts the detections of one frame per class label.
package summary

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

// ErrUnknownClass is returned when a class id has no label in the vocabulary.
var ErrUnknownClass = errors.New("unknown class")

// ClassNamer resolves detector class ids to labels.
type ClassNamer interface {
	ClassName(id int) (string, bool)
}

// NamerFunc adapts a plain function to ClassNamer.
type NamerFunc func(id int) (string, bool)

// ClassName calls f(id).
func (f NamerFunc) ClassName(id int) (string, bool) {
	return f(id)
}

// Summarize counts detections per resolved label. The first id missing from
// names aborts the summary with ErrUnknownClass.
func Summarize(dets []types.Detection, names ClassNamer) (map[string]int, error) {
	labels := make([]string, 0, len(dets))
	for _, d := range dets {
		label, ok := names.ClassName(d.ClassID)
		if !ok {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownClass, d.ClassID)
		}
		labels = append(labels, label)
	}
	return lo.CountValues(labels), nil
}

// SummarizeLenient counts detections per resolved label, skipping detections
// whose id has no label. The skipped ids are returned in detection order.
func SummarizeLenient(dets []types.Detection, names ClassNamer) (map[string]int, []int) {
	var unknown []int
	labels := make([]string, 0, len(dets))
	for _, d := range dets {
		label, ok := names.ClassName(d.ClassID)
		if !ok {
			unknown = append(unknown, d.ClassID)
			continue
		}
		labels = append(labels, label)
	}
	return lo.CountValues(labels), unknown
}
