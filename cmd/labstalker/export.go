package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/h5"
	"github.com/xtxerr/labstalker/internal/storage/parquet"
	"github.com/xtxerr/labstalker/internal/storage/query"
)

// samplesView is the view name -sql queries read the -parquet file from.
const samplesView = "samples"

func runExport(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	in := fs.String("in", "", "binary store (.h5)")
	dev := fs.String("device", "", "device to export (default: the only device)")
	out := fs.String("out", "", "Parquet file (default: <device>.parquet)")
	compression := fs.String("compression", "zstd", "none, snappy, zstd, lz4 or gzip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.NewMissingField("-in")
	}

	if *dev == "" {
		f, err := h5.ReadFile(*in)
		if err != nil {
			return err
		}
		devices := f.Devices()
		if len(devices) != 1 {
			return errors.NewValidation("-device", fmt.Sprintf("store holds %d devices: %s", len(devices), strings.Join(devices, ", ")))
		}
		*dev = devices[0]
	}
	if *out == "" {
		*out = *dev + ".parquet"
	}

	rows, err := parquet.ExportDevice(*in, *dev, *out, parquet.Options{Compression: parquet.ParseCompressionType(*compression)})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported %s from %s: %d rows to %s\n", *dev, *in, rows, *out)
	return nil
}

func runQuery(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	path := fs.String("parquet", "", "Parquet sample export")
	dev := fs.String("device", "", "only this device")
	role := fs.String("role", "", "raw or scaled (default: both)")
	sqlText := fs.String("sql", "", "run SQL instead; the export is the view \""+samplesView+"\"")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" && *sqlText == "" {
		return errors.NewMissingField("-parquet")
	}

	svc, err := query.New(query.DefaultOptions())
	if err != nil {
		return err
	}
	defer svc.Close()

	if *sqlText != "" {
		if *path != "" {
			if err := svc.Register(ctx, samplesView, *path); err != nil {
				return err
			}
		}
		cols, rows, err := svc.ExecuteSQL(ctx, *sqlText)
		if err != nil {
			return err
		}
		printRows(stdout, cols, rows)
		return nil
	}

	stats, err := svc.ChannelStats(ctx, query.ChannelQuery{Path: *path, Device: *dev, Role: *role})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tCHANNEL\tROLE\tUNIT\tCOUNT\tMISSING\tMIN\tMEAN\tMAX")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			s.Device, s.Channel, s.Role, s.Unit, s.Count, s.Missing, num(s.Min), num(s.Mean), num(s.Max))
	}
	return tw.Flush()
}

func printRows(w io.Writer, cols []string, rows []map[string]any) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = fmt.Sprint(row[c])
		}
		fmt.Fprintln(tw, strings.Join(vals, "\t"))
	}
	tw.Flush()
}

func num(f float64) string {
	if math.IsNaN(f) {
		return "-"
	}
	return fmt.Sprintf("%.6g", f)
}
