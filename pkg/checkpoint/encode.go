package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireCheckpoint is the on-the-wire shape stored in Redis; Checkpoint
// itself carries State as raw bytes which JSON would otherwise base64-wrap
// without a stable key name across encode/decode.
type wireCheckpoint struct {
	ThreadID  string          `json:"thread_id"`
	Step      int             `json:"step"`
	State     json.RawMessage `json:"state"`
	Timestamp string          `json:"timestamp"`
}

func encodeCheckpoint(cp Checkpoint) ([]byte, error) {
	w := wireCheckpoint{
		ThreadID:  cp.ThreadID,
		Step:      cp.Step,
		State:     cp.State,
		Timestamp: cp.Timestamp.Format(timeLayout),
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode: %w", err)
	}
	return data, nil
}

func decodeCheckpoint(data []byte) (Checkpoint, error) {
	var w wireCheckpoint
	if err := json.Unmarshal(data, &w); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return Checkpoint{
		ThreadID:  w.ThreadID,
		Step:      w.Step,
		State:     []byte(w.State),
		Timestamp: ts,
	}, nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
