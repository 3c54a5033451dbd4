// Package query runs SQL over Parquet exports with an in-memory DuckDB.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/validation"
)

// Options configures the query service.
type Options struct {
	// MemoryLimit caps DuckDB memory, e.g. "1GB". Empty leaves the default.
	MemoryLimit string

	// Timeout bounds one query. Zero disables it.
	Timeout time.Duration
}

// DefaultOptions returns default query options.
func DefaultOptions() Options {
	return Options{
		MemoryLimit: config.DefaultQueryMemoryLimit,
		Timeout:     config.DefaultQueryTimeout,
	}
}

// Service runs queries against Parquet sample files.
type Service struct {
	opts Options
	db   *sql.DB

	queries atomic.Int64
	rows    atomic.Int64
	errs    atomic.Int64
}

// ChannelQuery selects the rows summarized by ChannelStats.
type ChannelQuery struct {
	Path   string // Parquet sample file
	Device string // empty for all devices
	Role   string // "raw", "scaled" or empty for both
	Since  time.Time
	Until  time.Time
}

// ChannelStat is the summary of one channel role in a sample file.
// Min, Max and Mean are NaN when the channel has no numeric values.
type ChannelStat struct {
	Device  string
	Channel string
	Role    string
	Unit    string
	Count   int64
	Missing int64
	Min     float64
	Max     float64
	Mean    float64
}

// New creates a query service.
func New(opts Options) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", quote(opts.MemoryLimit))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{opts: opts, db: db}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// Register makes a Parquet file available to SQL as a view.
func (s *Service) Register(ctx context.Context, view, path string) error {
	if err := validation.ValidateName(view, validation.NameRules{MinLength: 1, MaxLength: 64, AllowUnders: true}); err != nil {
		return errors.NewInvalidValue("view", view, err.Error())
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stmt := fmt.Sprintf(`CREATE OR REPLACE VIEW "%s" AS SELECT * FROM read_parquet('%s')`, view, quote(path))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("register %s: %w", path, err)
	}
	return nil
}

// ChannelStats returns count, min, max and mean per channel role.
func (s *Service) ChannelStats(ctx context.Context, q ChannelQuery) ([]ChannelStat, error) {
	if q.Path == "" {
		return nil, errors.NewMissingField("path")
	}
	since, until := int64(math.MinInt64), int64(math.MaxInt64)
	if !q.Since.IsZero() {
		since = q.Since.UnixMicro()
	}
	if !q.Until.IsZero() {
		until = q.Until.UnixMicro()
	}

	query := fmt.Sprintf(`
		SELECT
			device, channel, role, any_value(unit),
			count(*) FILTER (WHERE valid AND NOT isnan(value)),
			count(*) FILTER (WHERE NOT valid),
			min(value) FILTER (WHERE valid AND NOT isnan(value)),
			max(value) FILTER (WHERE valid AND NOT isnan(value)),
			avg(value) FILTER (WHERE valid AND NOT isnan(value))
		FROM read_parquet('%s')
		WHERE (? = '' OR device = ?)
		  AND (? = '' OR role = ?)
		  AND timestamp_us BETWEEN ? AND ?
		GROUP BY device, channel, role
		ORDER BY device, channel, role
	`, quote(q.Path))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, q.Device, q.Device, q.Role, q.Role, since, until)
	if err != nil {
		s.errs.Add(1)
		return nil, fmt.Errorf("query %s: %w", q.Path, err)
	}
	defer rows.Close()

	var out []ChannelStat
	for rows.Next() {
		var st ChannelStat
		var unit sql.NullString
		var lo, hi, mean sql.NullFloat64
		if err := rows.Scan(&st.Device, &st.Channel, &st.Role, &unit, &st.Count, &st.Missing, &lo, &hi, &mean); err != nil {
			s.errs.Add(1)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		st.Unit = unit.String
		st.Min, st.Max, st.Mean = orNaN(lo), orNaN(hi), orNaN(mean)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		s.errs.Add(1)
		return nil, err
	}

	s.queries.Add(1)
	s.rows.Add(int64(len(out)))
	return out, nil
}

// ExecuteSQL executes a raw SQL query.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]string, []map[string]any, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.errs.Add(1)
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			s.errs.Add(1)
			return nil, nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.queries.Add(1)
	s.rows.Add(int64(len(results)))
	return columns, results, rows.Err()
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		QueriesExecuted: s.queries.Load(),
		RowsReturned:    s.rows.Load(),
		Errors:          s.errs.Load(),
	}
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func orNaN(f sql.NullFloat64) float64 {
	if !f.Valid {
		return math.NaN()
	}
	return f.Float64
}
