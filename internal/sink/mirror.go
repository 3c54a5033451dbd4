package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/logging"
	"github.com/xtxerr/labstalker/internal/storage/buffer"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

// MirrorOptions configures a Mirror.
type MirrorOptions struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Stats holds mirror statistics.
type Stats struct {
	Offered  int64
	Dropped  int64
	Written  int64 // records written to every sink
	Failures int64 // failed sink writes
}

// Mirror fans records out to sinks from a background goroutine.
type Mirror struct {
	sinks []Sink
	buf   *buffer.RingBuffer
	batch int
	every time.Duration
	clock clock.Clock
	log   *slog.Logger

	kick chan struct{}

	written  atomic.Int64
	failures atomic.Int64

	closeOnce sync.Once
}

// NewMirror creates a mirror over sinks. Run must be called to drain it.
func NewMirror(sinks []Sink, opts MirrorOptions) *Mirror {
	if opts.BufferSize <= 0 {
		opts.BufferSize = config.DefaultMirrorBufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultMirrorBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = config.DefaultMirrorFlushInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("mirror")
	}
	return &Mirror{
		sinks: sinks,
		buf:   buffer.New(opts.BufferSize),
		batch: opts.BatchSize,
		every: opts.FlushInterval,
		clock: opts.Clock,
		log:   opts.Logger,
		kick:  make(chan struct{}, 1),
	}
}

// Offer queues a record without blocking. When the buffer is full the
// oldest record is dropped.
func (m *Mirror) Offer(rec types.Record) {
	if m.buf.PushOverwrite(rec) {
		m.log.Debug("mirror buffer full, dropped oldest record", "device", rec.Device)
	}
	if m.buf.Len() >= m.batch {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
}

// Run drains the buffer every flush interval, or sooner when a full batch
// is waiting, until ctx is done. It drains what is left before returning.
func (m *Mirror) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain must not be cancelled with the run.
			m.Drain(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
			m.Drain(ctx)
		case <-m.kick:
			m.Drain(ctx)
		}
	}
}

// Drain writes everything queued to every sink.
func (m *Mirror) Drain(ctx context.Context) {
	for {
		batch := m.buf.PopN(m.batch)
		if len(batch) == 0 {
			return
		}
		if err := m.write(ctx, batch); err != nil {
			m.log.Warn("mirror write failed", "records", len(batch), "error", err)
		}
	}
}

func (m *Mirror) write(ctx context.Context, batch []types.Record) error {
	var err error
	ok := true
	for _, s := range m.sinks {
		if werr := s.Write(ctx, batch); werr != nil {
			m.failures.Add(1)
			ok = false
			err = multierr.Append(err, werr)
		}
	}
	if ok {
		m.written.Add(int64(len(batch)))
	}
	return err
}

// Stats returns mirror statistics.
func (m *Mirror) Stats() Stats {
	bs := m.buf.Stats()
	return Stats{
		Offered:  bs.PushCount,
		Dropped:  bs.DropCount,
		Written:  m.written.Load(),
		Failures: m.failures.Load(),
	}
}

// Close closes every sink.
func (m *Mirror) Close() error {
	var err error
	m.closeOnce.Do(func() {
		for _, s := range m.sinks {
			err = multierr.Append(err, s.Close())
		}
	})
	return err
}
