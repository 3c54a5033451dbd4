package snmpdev

import (
	"context"
	"fmt"
	"testing"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

// fakeAgent answers GETs from a fixed table.
type fakeAgent struct {
	cfg        Config
	vars       map[string]gosnmp.SnmpPDU
	connectErr error
	getErr     error
	gets       int
	closed     bool
}

func (a *fakeAgent) Connect() error {
	a.closed = false
	return a.connectErr
}

func (a *fakeAgent) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	a.gets++
	if a.getErr != nil {
		return nil, a.getErr
	}
	pkt := &gosnmp.SnmpPacket{}
	for _, oid := range oids {
		if v, ok := a.vars[oid]; ok {
			pkt.Variables = append(pkt.Variables, v)
			continue
		}
		pkt.Variables = append(pkt.Variables, gosnmp.SnmpPDU{Name: oid, Type: gosnmp.NoSuchObject})
	}
	return pkt, nil
}

func (a *fakeAgent) Close() error {
	a.closed = true
	return nil
}

func withAgent(t *testing.T, a *fakeAgent) {
	t.Helper()
	prev := NewClient
	NewClient = func(cfg Config) Client {
		a.cfg = cfg
		return a
	}
	t.Cleanup(func() { NewClient = prev })
}

const (
	oidUptime = ".1.3.6.1.2.1.1.3.0"
	oidTemp   = ".1.3.6.1.4.1.9999.1.1.0"
	oidStatus = ".1.3.6.1.4.1.9999.1.2.0"
	oidLevel  = ".1.3.6.1.4.1.9999.1.3.0"
	oidGone   = ".1.3.6.1.4.1.9999.1.9.0"
)

func agentVars() map[string]gosnmp.SnmpPDU {
	return map[string]gosnmp.SnmpPDU{
		oidUptime: {Name: oidUptime, Type: gosnmp.TimeTicks, Value: uint32(4200)},
		oidTemp:   {Name: oidTemp, Type: gosnmp.OctetString, Value: []byte("23.5 ")},
		oidStatus: {Name: oidStatus, Type: gosnmp.OctetString, Value: []byte("OK")},
		oidLevel:  {Name: oidLevel, Type: gosnmp.Integer, Value: -7},
	}
}

func TestPoll(t *testing.T) {
	agent := &fakeAgent{vars: agentVars()}
	withAgent(t, agent)

	inst, err := device.Build(device.Params{
		Name:    "ups",
		Driver:  DriverName,
		Address: "10.0.0.5:1161",
		Extra: map[string]string{
			"community": "lab",
			"oids":      fmt.Sprintf("%s, %s, %s, %s, %s", oidUptime, oidTemp, oidStatus, oidLevel, oidGone),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := inst.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if agent.cfg.Host != "10.0.0.5" || agent.cfg.Port != 1161 || agent.cfg.Community != "lab" {
		t.Errorf("client config = %+v", agent.cfg)
	}
	if inst.Params().NChannels != 5 {
		t.Errorf("NChannels = %d", inst.Params().NChannels)
	}

	raw, err := inst.Query(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []types.Value{types.Scalar(4200), types.Scalar(23.5), types.Text("OK"), types.Scalar(-7), types.None()}
	for i := range want {
		if raw[i].Kind != want[i].Kind || raw[i].Num != want[i].Num || raw[i].Text != want[i].Text {
			t.Errorf("[%d] = %v, want %v", i, raw[i], want[i])
		}
	}
	if ch := inst.Channels(); ch[0].Name != "1.3.6.1.2.1.1.3.0" {
		t.Errorf("channel name = %q", ch[0].Name)
	}

	if err := inst.Deactivate(); err != nil {
		t.Fatal(err)
	}
	if !agent.closed {
		t.Errorf("client not closed")
	}
}

func TestRequestTimeout(t *testing.T) {
	agent := &fakeAgent{vars: agentVars()}
	withAgent(t, agent)

	d, err := New(device.Params{Name: "ups", Address: "10.0.0.5", Extra: map[string]string{"community": "lab", "oids": oidUptime}})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := d.Open(ctx); err != nil {
		t.Fatal(err)
	}
	agent.getErr = fmt.Errorf("request timeout (after 2 retries)")
	if _, err := d.Read(ctx); !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("err = %v, want timeout", err)
	}
	agent.getErr = fmt.Errorf("connection refused")
	if _, err := d.Read(ctx); err == nil || errors.Is(err, errors.ErrTimeout) {
		t.Errorf("err = %v", err)
	}
}

func TestProbeUnreachable(t *testing.T) {
	withAgent(t, &fakeAgent{getErr: fmt.Errorf("request timeout")})

	inst, err := device.Build(device.Params{
		Name:    "ups",
		Driver:  DriverName,
		Address: "10.0.0.99",
		Extra:   map[string]string{"community": "lab", "oids": oidUptime},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.Scan(context.Background()); !errors.IsNotFound(err) {
		t.Errorf("scan = %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		p    device.Params
	}{
		{"no address", device.Params{Extra: map[string]string{"community": "c", "oids": oidUptime}}},
		{"no oids", device.Params{Address: "h", Extra: map[string]string{"community": "c"}}},
		{"bad oid", device.Params{Address: "h", Extra: map[string]string{"community": "c", "oids": "1.3.x"}}},
		{"no community", device.Params{Address: "h", Extra: map[string]string{"oids": oidUptime}}},
		{"bad port", device.Params{Address: "h:snmp", Extra: map[string]string{"community": "c", "oids": oidUptime}}},
		{"bad timeout", device.Params{Address: "h", Extra: map[string]string{"community": "c", "oids": oidUptime, "timeout_ms": "0"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ConfigFromParams(tt.p); !errors.IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestCreateClientV3(t *testing.T) {
	cfg, err := ConfigFromParams(device.Params{
		Address: "switch1",
		Extra: map[string]string{
			"oids":           oidUptime,
			"security_name":  "monitor",
			"security_level": "authPriv",
			"auth_protocol":  "SHA256",
			"auth_password":  "authpass",
			"priv_protocol":  "AES",
			"priv_password":  "privpass",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	g := createClient(cfg)
	if g.Version != gosnmp.Version3 || g.MsgFlags != gosnmp.AuthPriv {
		t.Errorf("version %v flags %v", g.Version, g.MsgFlags)
	}
	usm := g.SecurityParameters.(*gosnmp.UsmSecurityParameters)
	if usm.AuthenticationProtocol != gosnmp.SHA256 || usm.PrivacyProtocol != gosnmp.AES {
		t.Errorf("usm = %+v", usm)
	}
	if g.Port != 161 || g.Retries != 2 {
		t.Errorf("port %d retries %d", g.Port, g.Retries)
	}

	v2 := createClient(Config{Host: "h", Port: 161, Community: "public", TimeoutMs: 100})
	if v2.Version != gosnmp.Version2c || v2.Community != "public" {
		t.Errorf("v2c client = %+v", v2)
	}
}
