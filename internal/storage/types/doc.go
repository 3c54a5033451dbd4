// Package types defines the core data types shared by devices and stores.
//
// Key types:
//   - Value: one channel reading (absent, text, scalar, vector or image)
//   - Shape: the class, dims and dtype a store freezes per channel
//   - Record: one timestamped sample set of a device, ready to append
package types
