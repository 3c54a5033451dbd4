package parquet

import (
	"fmt"
	"math"

	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/aggregate"
	"github.com/xtxerr/labstalker/internal/storage/h5"
	"github.com/xtxerr/labstalker/internal/storage/schema"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

// Role names used in exported rows.
var roleNames = map[schema.Role]string{
	schema.RoleRaw:    aggregate.RoleRaw,
	schema.RoleScaled: aggregate.RoleScaled,
}

// DeviceRows flattens the series of one device of a binary store.
func DeviceRows(f *h5.File, device string) ([]SampleRow, error) {
	g, ok := f.Group("/" + device)
	if !ok {
		return nil, fmt.Errorf("device %q: %w", device, errors.ErrDeviceNotFound)
	}
	ts, ok := f.Dataset(g.Path() + "/" + h5.TimestampDataset)
	if !ok {
		return nil, fmt.Errorf("device %q has no %s series: %w", device, h5.TimestampDataset, errors.ErrDatasetNotFound)
	}

	stamps := make([]int64, ts.Len())
	for i := range stamps {
		s, err := ts.StringAt(i)
		if err != nil {
			return nil, err
		}
		t, err := types.ParseTimestamp(s)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", ts.Path(), i, err)
		}
		stamps[i] = t.UnixMicro()
	}

	var rows []SampleRow
	for _, ch := range g.Children() {
		if _, ok := f.Group(g.Path() + "/" + ch); !ok {
			continue
		}
		for _, role := range schema.Roles {
			ds, ok := f.Dataset(g.Path() + "/" + ch + "/" + string(role))
			if !ok {
				continue
			}
			unit, _ := ds.Attr("units")
			base := SampleRow{Device: device, Channel: ch, Role: roleNames[role], Unit: unit}
			for i := 0; i < ds.Len() && i < len(stamps); i++ {
				out, err := slotRows(ds, i, base)
				if err != nil {
					return nil, err
				}
				for j := range out {
					out[j].Record = int64(i)
					out[j].TimestampUs = stamps[i]
				}
				rows = append(rows, out...)
			}
		}
	}
	return rows, nil
}

func slotRows(ds *h5.Dataset, i int, base SampleRow) ([]SampleRow, error) {
	if ds.SampleShape().DType == types.DTypeString {
		s, err := ds.StringAt(i)
		if err != nil {
			return nil, err
		}
		r := base
		r.Value = math.NaN()
		r.Text = s
		r.Valid = s != "None"
		return []SampleRow{r}, nil
	}

	vals, err := ds.Slot(i)
	if err != nil {
		return nil, err
	}
	out := make([]SampleRow, len(vals))
	for j, v := range vals {
		r := base
		r.Element = int32(j)
		r.Value = v
		r.Valid = !math.IsNaN(v)
		out[j] = r
	}
	return out, nil
}

// ExportDevice writes the series of one device of the binary store at in
// to a Parquet file and returns the number of rows.
func ExportDevice(in, device, out string, opts Options) (int64, error) {
	f, err := h5.ReadFile(in)
	if err != nil {
		return 0, err
	}
	rows, err := DeviceRows(f, device)
	if err != nil {
		return 0, err
	}

	w, err := NewSampleWriter(out, opts)
	if err != nil {
		return 0, err
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.RowCount(), nil
}

// WriteSummaries writes channel summaries to a Parquet file.
func WriteSummaries(path string, summaries []aggregate.Summary, opts Options) error {
	w, err := NewSummaryWriter(path, opts)
	if err != nil {
		return err
	}
	rows := make([]SummaryRow, len(summaries))
	for i := range summaries {
		rows[i] = SummaryToRow(&summaries[i])
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
