package main

import (
	"flag"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/h5"
	"github.com/xtxerr/labstalker/internal/validation"
)

func runInspect(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	in := fs.String("in", "", "binary store (.h5)")
	attrs := fs.Bool("attrs", false, "print group attributes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.NewMissingField("-in")
	}
	if format, err := validation.OutputFormat(*in); err != nil || format != validation.FormatBinary {
		return fmt.Errorf("%s: only binary stores can be inspected: %w", *in, errors.ErrUnsupportedFormat)
	}

	f, err := h5.ReadFile(*in)
	if err != nil {
		return err
	}
	printTree(stdout, f, *attrs)
	return nil
}

func printTree(w io.Writer, f *h5.File, withAttrs bool) {
	f.Walk(func(p string, g *h5.Group, d *h5.Dataset) {
		depth := strings.Count(p, "/")
		if p == "/" {
			depth = 0
		}
		indent := strings.Repeat("  ", depth)
		name := path.Base(p)

		if g != nil {
			fmt.Fprintf(w, "%s%s/\n", indent, name)
			if withAttrs {
				a := g.Attrs()
				keys := make([]string, 0, len(a))
				for k := range a {
					keys = append(keys, k)
				}
				slices.Sort(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "%s  @%s = %s\n", indent, k, a[k])
				}
			}
			return
		}

		line := fmt.Sprintf("%s%s  %s", indent, name, d.SampleShape())
		if d.IsFrame() {
			line += "  frame"
		} else {
			line += fmt.Sprintf("  %d/%d records", d.Len(), d.MaxRecords())
		}
		if u, ok := d.Attr("units"); ok && u != "" {
			line += "  [" + u + "]"
		}
		fmt.Fprintln(w, line)
	})
}

func runDrivers(stdout io.Writer) error {
	for _, name := range device.Drivers() {
		fmt.Fprintln(stdout, name)
	}
	return nil
}
