package detector

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Vocabulary maps class ids (slice index) to labels.
type Vocabulary []string

// COCO is the 80-class vocabulary used by YOLO models trained on COCO.
var COCO = Vocabulary{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck",
	"boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra",
	"giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup",
	"fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}

// ClassName returns the label of id.
func (v Vocabulary) ClassName(id int) (string, bool) {
	if id < 0 || id >= len(v) {
		return "", false
	}
	return v[id], true
}

// LoadVocabulary reads one label per line. Blank lines and lines starting
// with '#' are skipped; line order defines the ids.
func LoadVocabulary(path string) (Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open class names: %w", err)
	}
	defer f.Close()

	var v Vocabulary
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		v = append(v, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read class names: %w", err)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("class names file %s is empty", path)
	}
	return v, nil
}
