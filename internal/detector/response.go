package detector

import (
	"github.com/tidwall/gjson"

	"github.com/dj-oyu/zone-occupancy/pkg/types"
)

// parsePredictions decodes a detector reply. Accepted shapes are a bare array
// of predictions or an object with a "predictions" array. Each prediction has
// a class id under "class_id" (or "class", or "object" as sent by the TCP
// servers), a "confidence", and a "box" of [x1, y1, x2, y2] pixels.
func parsePredictions(body []byte) ([]types.Detection, error) {
	if !gjson.ValidBytes(body) {
		return nil, failure("reply is not valid JSON")
	}
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		if errMsg := res.Get("error"); errMsg.Exists() {
			return nil, failure("detector error: %s", errMsg.String())
		}
		res = res.Get("predictions")
	}
	if !res.IsArray() {
		return nil, failure("reply has no predictions array")
	}

	dets := make([]types.Detection, 0, len(res.Array()))
	var perr error
	res.ForEach(func(key, pred gjson.Result) bool {
		class := firstOf(pred, "class_id", "class", "object")
		if !class.Exists() {
			perr = failure("prediction %d has no class id", key.Int())
			return false
		}
		var box []float64
		pred.Get("box").ForEach(func(_, v gjson.Result) bool {
			box = append(box, v.Float())
			return true
		})
		if len(box) != 4 {
			perr = failure("prediction %d box has %d values", key.Int(), len(box))
			return false
		}
		dets = append(dets, types.Detection{
			ClassID:    int(class.Int()),
			Confidence: pred.Get("confidence").Float(),
			Box:        types.Box{X1: box[0], Y1: box[1], X2: box[2], Y2: box[3]},
		})
		return true
	})
	if perr != nil {
		return nil, perr
	}
	return dets, nil
}

func firstOf(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
