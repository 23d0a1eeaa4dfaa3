package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event holds one current-data update serialized in both wire formats, so
// the work is done once however many clients receive it.
type Event struct {
	JSONData     []byte // JSON object
	ProtobufData []byte // base64 of a google.protobuf.Struct, for SSE
}

// CurrentData is the payload of an Event.
type CurrentData struct {
	SessionID   string         `json:"session_id"`
	Running     bool           `json:"running"`
	FrameNumber uint64         `json:"frame_number"`
	Timestamp   time.Time      `json:"timestamp"`
	Count       int            `json:"count"`
	Summary     map[string]int `json:"summary"`
}

func (d CurrentData) fields() map[string]interface{} {
	summary := make(map[string]interface{}, len(d.Summary))
	for label, n := range d.Summary {
		summary[label] = n
	}
	return map[string]interface{}{
		"session_id":   d.SessionID,
		"running":      d.Running,
		"frame_number": d.FrameNumber,
		"timestamp":    d.Timestamp.Format(time.RFC3339Nano),
		"count":        d.Count,
		"summary":      summary,
	}
}

// NewEvent serializes d to JSON and to a base64 protobuf Struct.
func NewEvent(d CurrentData) (*Event, error) {
	if d.Summary == nil {
		d.Summary = map[string]int{}
	}
	jsonData, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal event JSON: %w", err)
	}

	st, err := structpb.NewStruct(d.fields())
	if err != nil {
		return nil, fmt.Errorf("build event struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal event protobuf: %w", err)
	}

	return &Event{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
