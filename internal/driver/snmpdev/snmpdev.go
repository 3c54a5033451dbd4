// Package snmpdev reads network instruments over SNMP.
//
// Every poll is one GET for all configured OIDs; each OID is one channel.
// An OID the agent does not know reads as None. A failed request fails the
// whole poll.
package snmpdev

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/logging"
	"github.com/xtxerr/labstalker/internal/storage/types"
	"github.com/xtxerr/labstalker/internal/validation"
)

// DriverName is the registry name.
const DriverName = "snmp"

func init() {
	device.Register(DriverName, func(p device.Params) (device.Driver, error) {
		return New(p)
	})
}

// =============================================================================
// SNMP Configuration
// =============================================================================

// Config holds the agent settings, read from Params.Address and extras.
type Config struct {
	Host string
	Port uint16
	OIDs []string

	// v2c
	Community string

	// v3
	SecurityName  string
	SecurityLevel string
	AuthProtocol  string
	AuthPassword  string
	PrivProtocol  string
	PrivPassword  string
	ContextName   string

	// Timing
	TimeoutMs uint32
	Retries   uint32
}

// ConfigFromParams builds a Config. Address is "host" or "host:port".
func ConfigFromParams(p device.Params) (Config, error) {
	cfg := Config{
		Host:          p.Address,
		Port:          config.DefaultSNMPPort,
		OIDs:          p.List("oids"),
		Community:     p.Get("community", ""),
		SecurityName:  p.Get("security_name", ""),
		SecurityLevel: p.Get("security_level", ""),
		AuthProtocol:  p.Get("auth_protocol", ""),
		AuthPassword:  p.Get("auth_password", ""),
		PrivProtocol:  p.Get("priv_protocol", ""),
		PrivPassword:  p.Get("priv_password", ""),
		ContextName:   p.Get("context_name", ""),
	}

	if host, port, err := net.SplitHostPort(p.Address); err == nil {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return Config{}, errors.NewInvalidValue("address", p.Address, "bad port")
		}
		cfg.Host, cfg.Port = host, uint16(n)
	}

	timeout, err := p.GetInt("timeout_ms", config.DefaultSNMPTimeoutMs)
	if err != nil {
		return Config{}, err
	}
	retries, err := p.GetInt("retries", config.DefaultSNMPRetries)
	if err != nil {
		return Config{}, err
	}
	if timeout <= 0 || retries < 0 {
		return Config{}, errors.NewValidation("timing", "timeout must be positive and retries not negative")
	}
	cfg.TimeoutMs, cfg.Retries = uint32(timeout), uint32(retries)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Host == "" {
		return errors.NewMissingField("address")
	}
	if len(c.OIDs) == 0 {
		return errors.NewMissingField("oids")
	}
	for _, oid := range c.OIDs {
		if err := validation.ValidateOID(oid); err != nil {
			return errors.NewValidation("oids", err.Error())
		}
	}
	isV3 := c.SecurityName != ""
	if !isV3 && c.Community == "" {
		return errors.NewValidation("community", "SNMP v2c requires a community string (refusing to use insecure default)")
	}
	return nil
}

// =============================================================================
// Client
// =============================================================================

// Client is the part of gosnmp the driver uses.
type Client interface {
	Connect() error
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

type gosnmpClient struct {
	*gosnmp.GoSNMP
}

func (c gosnmpClient) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

// NewClient creates a client for cfg. It's a variable so tests can
// substitute an agent.
var NewClient = func(cfg Config) Client {
	return gosnmpClient{createClient(cfg)}
}

func createClient(cfg Config) *gosnmp.GoSNMP {
	snmp := &gosnmp.GoSNMP{
		Target:  cfg.Host,
		Port:    cfg.Port,
		Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		Retries: int(cfg.Retries),
	}

	// Configure version based on presence of security name
	if cfg.SecurityName != "" {
		snmp.Version = gosnmp.Version3
		snmp.SecurityModel = gosnmp.UserSecurityModel
		snmp.MsgFlags = msgFlags(cfg.SecurityLevel)
		snmp.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cfg.SecurityName,
			AuthenticationProtocol:   authProtocol(cfg.AuthProtocol),
			AuthenticationPassphrase: cfg.AuthPassword,
			PrivacyProtocol:          privProtocol(cfg.PrivProtocol),
			PrivacyPassphrase:        cfg.PrivPassword,
		}
		snmp.ContextName = cfg.ContextName
	} else {
		snmp.Version = gosnmp.Version2c
		snmp.Community = cfg.Community
	}
	return snmp
}

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	case "authPriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func authProtocol(protocol string) gosnmp.SnmpV3AuthProtocol {
	switch protocol {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA256":
		return gosnmp.SHA256
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(protocol string) gosnmp.SnmpV3PrivProtocol {
	switch protocol {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}

// =============================================================================
// Driver
// =============================================================================

// Driver polls one SNMP agent.
type Driver struct {
	log *slog.Logger
	cfg Config

	mu     sync.Mutex
	client Client
}

var _ device.Driver = (*Driver)(nil)

// New creates an SNMP driver from params.
func New(p device.Params) (*Driver, error) {
	cfg, err := ConfigFromParams(p)
	if err != nil {
		return nil, err
	}
	return &Driver{
		log: logging.Component("snmp").With("device", p.Name, "target", cfg.Host),
		cfg: cfg,
	}, nil
}

// Probe performs one GET of the first OID.
func (d *Driver) Probe(ctx context.Context, p *device.Params) error {
	c := NewClient(d.cfg)
	if err := c.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.Get(d.cfg.OIDs[:1]); err != nil {
		return fmt.Errorf("get: %w", err)
	}
	p.NChannels = len(d.cfg.OIDs)
	return nil
}

func (d *Driver) Open(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return nil
	}
	c := NewClient(d.cfg)
	if err := c.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	d.client = c
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

// Channels names each channel after its OID.
func (d *Driver) Channels(context.Context) ([]device.ChannelInfo, error) {
	info := make([]device.ChannelInfo, len(d.cfg.OIDs))
	for i, oid := range d.cfg.OIDs {
		info[i].Name = strings.TrimPrefix(oid, ".")
	}
	return info, nil
}

// Read performs one GET.
func (d *Driver) Read(ctx context.Context) ([]types.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil, fmt.Errorf("agent %s not open", d.cfg.Host)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pdu, err := d.client.Get(d.cfg.OIDs)
	if err != nil {
		if isTimeoutError(err) {
			return nil, fmt.Errorf("get: %v: %w", err, errors.ErrTimeout)
		}
		return nil, fmt.Errorf("get: %w", err)
	}

	byOID := make(map[string]gosnmp.SnmpPDU, len(pdu.Variables))
	for _, v := range pdu.Variables {
		byOID[strings.TrimPrefix(v.Name, ".")] = v
	}

	out := make([]types.Value, len(d.cfg.OIDs))
	for i, oid := range d.cfg.OIDs {
		v, ok := byOID[strings.TrimPrefix(oid, ".")]
		if !ok {
			out[i] = types.None()
			continue
		}
		out[i] = d.value(v)
	}
	return out, nil
}

// value converts one variable binding.
func (d *Driver) value(v gosnmp.SnmpPDU) types.Value {
	switch v.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.Uinteger32:
		return types.Scalar(float64(gosnmp.ToBigInt(v.Value).Uint64()))

	case gosnmp.Integer:
		return types.Scalar(float64(gosnmp.ToBigInt(v.Value).Int64()))

	case gosnmp.TimeTicks:
		return types.Scalar(float64(gosnmp.ToBigInt(v.Value).Uint64()))

	case gosnmp.OpaqueFloat:
		if f, ok := v.Value.(float32); ok {
			return types.Scalar(float64(f))
		}
	case gosnmp.OpaqueDouble:
		if f, ok := v.Value.(float64); ok {
			return types.Scalar(f)
		}

	case gosnmp.OctetString:
		b, _ := v.Value.([]byte)
		s := strings.TrimSpace(string(b))
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return types.Scalar(f)
		}
		return types.Text(s)

	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return types.None()
	}

	d.log.Debug("unsupported variable type", "oid", v.Name, "type", v.Type)
	return types.None()
}

// Apply has nothing to push; agents are read-only here.
func (d *Driver) Apply(context.Context, device.Config) error {
	return nil
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	// gosnmp returns "request timeout" on timeout
	return strings.Contains(err.Error(), "request timeout") ||
		errors.Is(err, context.DeadlineExceeded)
}
