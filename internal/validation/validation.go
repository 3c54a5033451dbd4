// Package validation provides centralized input validation for labstalker.
package validation

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for entity names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowSpaces  bool
	AllowPunct   bool
}

// DeviceNameRules returns the rules for device names. Device names become
// top-level groups of the binary store.
func DeviceNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ChannelNameRules returns the rules for channel names. Channels are labels
// chosen by instruments and users ("Temp (C)", "CH1 Vpp"), so spaces and
// punctuation are accepted; only path separators and control characters are not.
func ChannelNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSpaces:  true,
		AllowPunct:   true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ' ':
		return rules.AllowSpaces
	}
	return rules.AllowPunct && (unicode.IsPunct(r) || unicode.IsSymbol(r))
}

// ValidateDeviceName validates a device name.
func ValidateDeviceName(name string) error {
	return ValidateName(name, DeviceNameRules())
}

// ValidateChannelName validates a channel name.
func ValidateChannelName(name string) error {
	return ValidateName(name, ChannelNameRules())
}

// =============================================================================
// OID Validation
// =============================================================================

// ValidateOID validates a numeric SNMP OID such as ".1.3.6.1.2.1.1.3.0".
func ValidateOID(oid string) error {
	s := strings.TrimPrefix(oid, ".")
	if s == "" {
		return fmt.Errorf("empty OID")
	}
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return fmt.Errorf("OID %q needs at least two arcs", oid)
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 32); err != nil {
			return fmt.Errorf("OID %q: invalid arc %q", oid, p)
		}
	}
	return nil
}

// =============================================================================
// Output Path Validation
// =============================================================================

// Store formats selected by output file extension.
const (
	FormatBinary = "binary"
	FormatText   = "text"
)

// OutputFormat returns the store format for path, or an error for an
// unknown extension. Extensions are matched case-insensitively.
func OutputFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h5", ".hdf5":
		return FormatBinary, nil
	case ".txt", ".csv", ".log":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output extension %q", filepath.Ext(path))
	}
}
