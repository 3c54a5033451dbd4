package device

import "sort"

// HardwareKey identifies a USB instrument. An empty Serial matches any unit
// of the product.
type HardwareKey struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// Hardware is one entry of the known hardware table.
type Hardware struct {
	Key         HardwareKey
	Driver      string
	Description string
	// Extra provides default driver settings; device params override them.
	Extra map[string]string
}

// knownHardware is built once at package init and never modified.
var knownHardware = func() map[HardwareKey]Hardware {
	entries := []Hardware{
		{Key: HardwareKey{VendorID: 0x0403, ProductID: 0x6001}, Driver: "serial", Description: "FTDI FT232R USB-serial bridge"},
		{Key: HardwareKey{VendorID: 0x0403, ProductID: 0x6015}, Driver: "serial", Description: "FTDI FT231X USB-serial bridge"},
		{Key: HardwareKey{VendorID: 0x067b, ProductID: 0x2303}, Driver: "serial", Description: "Prolific PL2303 USB-serial bridge"},
		{Key: HardwareKey{VendorID: 0x10c4, ProductID: 0xea60}, Driver: "serial", Description: "Silicon Labs CP210x USB-serial bridge"},
		{Key: HardwareKey{VendorID: 0x1a86, ProductID: 0x7523}, Driver: "serial", Description: "WCH CH340 USB-serial bridge"},
		{
			Key:         HardwareKey{VendorID: 0x2341, ProductID: 0x0043},
			Driver:      "serial",
			Description: "Arduino Uno streaming CSV lines",
			Extra:       map[string]string{"baud": "115200", "command": ""},
		},
		{
			Key:         HardwareKey{VendorID: 0x0403, ProductID: 0x6014},
			Driver:      "i2c",
			Description: "FTDI FT232H USB-I2C bridge",
		},
	}

	m := make(map[HardwareKey]Hardware, len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}
	return m
}()

// LookupHardware finds the table entry for a device, preferring an entry
// for the exact serial over the product-wide entry.
func LookupHardware(vendor, product uint16, serial string) (Hardware, bool) {
	if serial != "" {
		if hw, ok := knownHardware[HardwareKey{vendor, product, serial}]; ok {
			return hw.clone(), true
		}
	}
	hw, ok := knownHardware[HardwareKey{VendorID: vendor, ProductID: product}]
	if !ok {
		return Hardware{}, false
	}
	return hw.clone(), true
}

// KnownHardware returns a copy of the table sorted by vendor and product.
func KnownHardware() []Hardware {
	out := make([]Hardware, 0, len(knownHardware))
	for _, hw := range knownHardware {
		out = append(out, hw.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.VendorID != b.VendorID {
			return a.VendorID < b.VendorID
		}
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.Serial < b.Serial
	})
	return out
}

func (h Hardware) clone() Hardware {
	c := h
	if h.Extra != nil {
		c.Extra = make(map[string]string, len(h.Extra))
		for k, v := range h.Extra {
			c.Extra[k] = v
		}
	}
	return c
}
