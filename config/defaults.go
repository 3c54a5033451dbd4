// Package config provides configuration defaults and utilities
// for labstalker.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via the acquisition YAML file.
package config

import "time"

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultMaxRecords is the capacity of a growable binary dataset along its
	// time axis. Appends beyond it are rejected with ErrCapacityExhausted.
	// Override via config: store.max_records
	DefaultMaxRecords = 4096

	// DefaultSyncMode controls durability of the persistent appender.
	// One of "async", "sync", "fsync".
	// Override via config: store.sync_mode
	DefaultSyncMode = "sync"

	// DefaultWriteBufferSize is the buffered writer size used by the binary store.
	// Override via config: store.write_buffer_size
	DefaultWriteBufferSize = 64 * 1024

	// DefaultMaxRecordSize bounds a single decoded store record (one append).
	// Larger length prefixes are treated as corruption.
	DefaultMaxRecordSize = 256 * 1024 * 1024
)

// =============================================================================
// Acquisition Defaults
// =============================================================================

const (
	// DefaultInterval is the time between polls of one device.
	// Override via config: interval
	DefaultInterval = time.Second

	// DefaultSamples is the number of polls per device; 0 runs until interrupted.
	// Override via config: samples
	DefaultSamples = 0

	// DefaultDegradedAfter is the number of consecutive failed queries after
	// which a device is reported degraded.
	DefaultDegradedAfter = 1

	// DefaultDownAfter is the number of consecutive failed queries after which
	// a device is reported down.
	DefaultDownAfter = 3
)

// =============================================================================
// Transport Defaults
// =============================================================================

const (
	// DefaultSerialBaudRate is used when a serial device sets no baud rate.
	// Override via config: devices[].params.extra.baud
	DefaultSerialBaudRate = 9600

	// DefaultSerialReadTimeout bounds one line read from a serial instrument.
	// Override via config: devices[].params.extra.read_timeout
	DefaultSerialReadTimeout = 2 * time.Second

	// DefaultSNMPTimeoutMs is the timeout for a single SNMP request.
	// Override via config: devices[].params.extra.timeout_ms
	DefaultSNMPTimeoutMs = 5000

	// DefaultSNMPRetries is the number of retry attempts after timeout.
	// Override via config: devices[].params.extra.retries
	DefaultSNMPRetries = 2

	// DefaultSNMPPort is the UDP port of SNMP agents.
	DefaultSNMPPort = 161

	// DefaultI2CBus is the bus opened when an I2C device names none.
	// Empty selects the first bus registered with the host.
	DefaultI2CBus = ""
)

// =============================================================================
// Mirror Defaults
// =============================================================================

const (
	// DefaultMirrorBufferSize is the ring buffer capacity between the
	// acquisition loop and the mirror worker. Oldest records are dropped when full.
	// Override via config: mirror.buffer_size
	DefaultMirrorBufferSize = 1024

	// DefaultMirrorBatchSize is how many records the mirror worker drains at once.
	// Override via config: mirror.batch_size
	DefaultMirrorBatchSize = 64

	// DefaultMirrorFlushInterval is how often the mirror worker drains the buffer.
	// Override via config: mirror.flush_interval
	DefaultMirrorFlushInterval = 500 * time.Millisecond

	// DefaultMQTTTopicPrefix prefixes mirrored MQTT topics: <prefix>/<device>/<channel>.
	// Override via config: mirror.mqtt.topic_prefix
	DefaultMQTTTopicPrefix = "labstalker"

	// DefaultMQTTConnectTimeout bounds the initial broker connection.
	DefaultMQTTConnectTimeout = 10 * time.Second

	// DefaultInfluxMeasurement is the measurement name used for mirrored points.
	// Override via config: mirror.influx.measurement
	DefaultInfluxMeasurement = "labstalker"
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryMemoryLimit caps DuckDB memory for ad-hoc queries.
	DefaultQueryMemoryLimit = "1GB"

	// DefaultQueryTimeout bounds one ad-hoc query.
	DefaultQueryTimeout = 30 * time.Second
)
