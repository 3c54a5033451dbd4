package textlog

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/xtxerr/labstalker/internal/storage/schema"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

// scan reads an existing text store and rebuilds its schema registry from
// the header blocks and section headers. Data lines are skipped.
func scan(r io.Reader) (*schema.Registry, bool, error) {
	reg := schema.NewRegistry()
	titled := false

	type roleKey struct {
		device, channel string
		role            schema.Role
	}
	seen := make(map[roleKey]bool)

	var (
		header  string // device whose header block is being read
		attrs   map[string]string
		device  string
		channel string
	)
	flushHeader := func() {
		if header != "" {
			reg.RestoreDevice(header, attrs)
			header = ""
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if !strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case line == Title:
			titled = true

		case strings.HasPrefix(line, devicePrefix):
			flushHeader()
			header = strings.TrimPrefix(line, devicePrefix)
			attrs = make(map[string]string)

		case strings.HasPrefix(line, configPrefix), strings.HasPrefix(line, paramsPrefix):
			if header == "" {
				continue
			}
			prefix, kv := attrConfig, strings.TrimPrefix(line, configPrefix)
			if strings.HasPrefix(line, paramsPrefix) {
				prefix, kv = attrParams, strings.TrimPrefix(line, paramsPrefix)
			}
			if k, v, ok := strings.Cut(kv, " = "); ok {
				attrs[prefix+k] = v
			}

		case strings.HasPrefix(line, channelsLine):
			flushHeader()

		case strings.HasPrefix(line, channelPrefix):
			flushHeader()
			rest := strings.TrimPrefix(line, channelPrefix)
			i := strings.LastIndex(rest, devSep)
			if i < 0 {
				return nil, false, fmt.Errorf("line %d: malformed channel line", lineNo)
			}
			device = rest[i+len(devSep):]
			rest = rest[:i]
			j := strings.LastIndex(rest, tsSep)
			if j < 0 {
				return nil, false, fmt.Errorf("line %d: malformed channel line", lineNo)
			}
			channel = rest[:j]

		default:
			role, unit, shape, ok, err := parseSection(line)
			if err != nil {
				return nil, false, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if !ok || channel == "" || shape.IsZero() {
				continue
			}
			k := roleKey{device, channel, role}
			if !seen[k] {
				seen[k] = true
				reg.RestoreChannel(device, channel, role, unit, shape)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	flushHeader()
	return reg, titled, nil
}

// parseSection parses "# Raw values (<unit>) shape=<shape>".
func parseSection(line string) (schema.Role, string, types.Shape, bool, error) {
	for _, role := range schema.Roles {
		prefix := "# " + string(role) + " ("
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := strings.TrimPrefix(line, prefix)
		i := strings.LastIndex(rest, shapeSep)
		if i < 0 {
			return "", "", types.Shape{}, false, fmt.Errorf("malformed section header %q", line)
		}
		shape, err := types.ParseShape(rest[i+len(shapeSep):])
		if err != nil {
			return "", "", types.Shape{}, false, err
		}
		return role, rest[:i], shape, true, nil
	}
	return "", "", types.Shape{}, false, nil
}
