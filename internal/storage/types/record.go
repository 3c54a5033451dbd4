package types

import (
	"strconv"
	"time"
)

// Record is one timestamped sample set of a device.
// This is the primary data unit flowing from devices into stores.
type Record struct {
	// Identity
	Device string

	// Attrs is the string-encoded params/config snapshot of the device at
	// the time of the poll. Stores keep only the snapshot of the first append.
	Attrs map[string]string

	// Channel metadata, index aligned with Raw and Scaled.
	Channels []string
	RawUnits []string
	EngUnits []string

	Timestamp time.Time
	Raw       []Value
	Scaled    []Value
}

// NumChannels returns the channel count of the record.
func (r *Record) NumChannels() int {
	return len(r.Channels)
}

// TimestampString renders the timestamp as epoch seconds with microsecond
// precision, the form both stores persist.
func (r *Record) TimestampString() string {
	return FormatTimestamp(r.Timestamp)
}

// FormatTimestamp renders t as epoch seconds with microsecond precision.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

// ParseTimestamp parses the output of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(int64(f*1e6 + 0.5)).UTC(), nil
}
