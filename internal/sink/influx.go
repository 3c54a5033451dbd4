package sink

import (
	"context"
	"fmt"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

const defaultPingTimeout = 5 * time.Second

// InfluxConfig configures the InfluxDB mirror.
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// Validate checks the configuration.
func (c InfluxConfig) Validate() error {
	errs := errors.NewValidationErrors()
	if c.URL == "" {
		errs.AddMissing("influx.url")
	}
	if c.Org == "" {
		errs.AddMissing("influx.org")
	}
	if c.Bucket == "" {
		errs.AddMissing("influx.bucket")
	}
	return errs.Err()
}

// PointWriter is the part of the InfluxDB write API the mirror uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type influxConn struct {
	PointWriter
	close func()
}

// ConnectInflux connects to InfluxDB and verifies it with a ping. It's a
// variable so tests can substitute a writer.
var ConnectInflux = func(cfg InfluxConfig) (PointWriter, func(), error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, nil, &errors.TransportError{Device: cfg.URL, Op: "influx ping", Err: err}
	}
	if !healthy {
		client.Close()
		return nil, nil, &errors.TransportError{Device: cfg.URL, Op: "influx ping", Err: fmt.Errorf("server not healthy")}
	}
	return client.WriteAPIBlocking(cfg.Org, cfg.Bucket), client.Close, nil
}

// Influx writes one point per record: tags device (and run), one field per
// channel holding the scaled value. Vector elements become fields
// "<channel>[i]"; images and missing readings are skipped.
type Influx struct {
	cfg  InfluxConfig
	conn influxConn
	run  string
}

// NewInflux connects an InfluxDB mirror.
func NewInflux(cfg InfluxConfig, run string) (*Influx, error) {
	if cfg.Measurement == "" {
		cfg.Measurement = config.DefaultInfluxMeasurement
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w, closeFn, err := ConnectInflux(cfg)
	if err != nil {
		return nil, err
	}
	return &Influx{cfg: cfg, conn: influxConn{PointWriter: w, close: closeFn}, run: run}, nil
}

func (s *Influx) Name() string { return "influx" }

// Point converts a record to a point. It returns nil when the record has
// nothing to write.
func (s *Influx) Point(rec *types.Record) *write.Point {
	fields := make(map[string]any)
	for i, ch := range rec.Channels {
		v := rec.Scaled[i]
		switch v.Kind {
		case types.KindScalar:
			if finite(v.Num) {
				fields[ch] = v.Num
			}
		case types.KindText:
			fields[ch] = v.Text
		case types.KindVector:
			for j, f := range v.Data {
				if finite(f) {
					fields[fmt.Sprintf("%s[%d]", ch, j)] = f
				}
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}

	tags := map[string]string{"device": rec.Device}
	if s.run != "" {
		tags["run"] = s.run
	}
	return influxdb2.NewPoint(s.cfg.Measurement, tags, fields, rec.Timestamp)
}

func (s *Influx) Write(ctx context.Context, records []types.Record) error {
	points := make([]*write.Point, 0, len(records))
	for i := range records {
		if p := s.Point(&records[i]); p != nil {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.conn.WritePoint(ctx, points...); err != nil {
		return &errors.TransportError{Device: s.cfg.URL, Op: "influx write", Err: err}
	}
	return nil
}

func (s *Influx) Close() error {
	if s.conn.close != nil {
		s.conn.close()
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
