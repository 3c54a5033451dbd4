// Package sink mirrors acquired records to live consumers.
//
// Mirrors are best effort. The acquisition loop hands records to a Mirror,
// which queues them in a bounded ring buffer (dropping the oldest when
// full) and drains the buffer into every Sink from a background
// goroutine. A failing sink never blocks or fails acquisition; the store
// file stays the record of truth.
package sink

import (
	"context"
	"encoding/json"
	"math"

	"github.com/xtxerr/labstalker/internal/storage/types"
)

// Sink receives batches of records.
type Sink interface {
	Name() string
	Write(ctx context.Context, records []types.Record) error
	Close() error
}

// channelMessage is the JSON form of one channel reading.
type channelMessage struct {
	Device    string `json:"device"`
	Channel   string `json:"channel"`
	Timestamp string `json:"timestamp"`
	Unit      string `json:"unit,omitempty"`
	RawUnit   string `json:"raw_unit,omitempty"`
	Value     any    `json:"value"`
	Raw       any    `json:"raw"`
	Dims      []int  `json:"dims,omitempty"`
	Run       string `json:"run,omitempty"`
}

// jsonValue converts a value to something encoding/json can represent.
// NaN and infinities become null, images are summarized by their dims.
func jsonValue(v types.Value) any {
	switch v.Kind {
	case types.KindScalar:
		return jsonFloat(v.Num)
	case types.KindText:
		return v.Text
	case types.KindVector:
		out := make([]any, len(v.Data))
		for i, f := range v.Data {
			out[i] = jsonFloat(f)
		}
		return out
	default:
		return nil
	}
}

func jsonFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// channelPayload encodes channel i of rec.
func channelPayload(rec *types.Record, i int, run string) ([]byte, error) {
	msg := channelMessage{
		Device:    rec.Device,
		Channel:   rec.Channels[i],
		Timestamp: rec.TimestampString(),
		Unit:      rec.EngUnits[i],
		RawUnit:   rec.RawUnits[i],
		Value:     jsonValue(rec.Scaled[i]),
		Raw:       jsonValue(rec.Raw[i]),
		Run:       run,
	}
	if rec.Raw[i].Kind == types.KindImage {
		msg.Dims = rec.Raw[i].Dims
	}
	return json.Marshal(msg)
}
