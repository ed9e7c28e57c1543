package config

import (
	"bytes"
	"net"
	"reflect"
	"testing"
	"time"
)

const minimalDoc = `
dhcp:
  server_ip: 10.0.0.1
  pool_start: 10.0.0.10
  pool_end: 10.0.0.200
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	d := cfg.DHCP

	if !d.Enabled {
		t.Fatal("dhcp must default to enabled")
	}
	if d.ListenPort != 67 {
		t.Fatalf("listen port = %d, want 67", d.ListenPort)
	}
	if d.LeaseTime != 24*time.Hour {
		t.Fatalf("lease time = %v, want 24h", d.LeaseTime)
	}
	if d.MinLeaseTime != time.Minute || d.MaxLeaseTime != 7*24*time.Hour {
		t.Fatalf("lease bounds = %v / %v", d.MinLeaseTime, d.MaxLeaseTime)
	}
	if d.RenewalTime != 12*time.Hour || d.RebindingTime != 21*time.Hour {
		t.Fatalf("timers = %v / %v", d.RenewalTime, d.RebindingTime)
	}
	if !d.SubnetMask.Equal(net.IPv4(255, 0, 0, 0).To4()) {
		t.Fatalf("subnet mask = %v, want the class default", d.SubnetMask)
	}
	if !d.Gateway.Equal(net.IPv4(10, 0, 0, 1)) {
		t.Fatalf("gateway = %v, want the server address", d.Gateway)
	}
	if !d.AllowUnknownClients {
		t.Fatal("unknown clients must default to allowed")
	}
	if d.ConflictDetection {
		t.Fatal("conflict detection must default to off")
	}
	if d.ConflictAttempts != 2 || d.ConflictTimeout != 500*time.Millisecond {
		t.Fatalf("conflict probe = %d attempts, %v", d.ConflictAttempts, d.ConflictTimeout)
	}
	if d.SweepInterval != 5*time.Minute {
		t.Fatalf("sweep interval = %v, want 5m", d.SweepInterval)
	}
	if cfg.TFTP.Enabled {
		t.Fatal("tftp must default to disabled")
	}
	if cfg.TFTP.Address != ":69" || cfg.TFTP.TimeoutSec != 5 {
		t.Fatalf("tftp defaults = %q / %d", cfg.TFTP.Address, cfg.TFTP.TimeoutSec)
	}
}

func TestParseFullDocument(t *testing.T) {
	doc := `
dhcp:
  interface: eth1
  listen_port: 6767
  server_ip: 192.168.1.1
  pool_start: 192.168.1.100
  pool_end: 192.168.1.150
  subnet_mask: 255.255.255.0
  gateway: 192.168.1.254
  broadcast: 192.168.1.255
  dns: [1.1.1.1, 8.8.8.8]
  ntp: [192.168.1.2]
  domain: lan.example
  lease_seconds: 3600
  min_lease_seconds: 300
  max_lease_seconds: 86400
  allow_unknown_clients: false
  mac_allow: ["aa:bb:cc:dd:ee:ff"]
  mac_deny: ["11-22-33-44-55-66"]
  conflict_detection: true
  conflict_attempts: 3
  conflict_timeout_ms: 250
  sweep_minutes: 10
  next_server: 192.168.1.5
  tftp_server_name: boot.lan.example
  boot_file_name: pxelinux.0
  custom_options:
    - code: 252
      value: "http://wpad.lan.example/wpad.dat"
    - code: 43
      hex: "01:04:00:00:00:02"
  reservations:
    - mac: "de:ad:be:ef:00:01"
      ip: 192.168.1.120
tftp:
  enabled: true
  address: ":6969"
  root: /srv/tftp
  timeout_seconds: 3
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	d := cfg.DHCP

	if d.Interface != "eth1" || d.ListenPort != 6767 {
		t.Fatalf("interface/port = %q/%d", d.Interface, d.ListenPort)
	}
	if d.LeaseTime != time.Hour || d.MinLeaseTime != 5*time.Minute || d.MaxLeaseTime != 24*time.Hour {
		t.Fatalf("lease bounds = %v/%v/%v", d.LeaseTime, d.MinLeaseTime, d.MaxLeaseTime)
	}
	if len(d.DNS) != 2 || !d.DNS[0].Equal(net.IPv4(1, 1, 1, 1)) {
		t.Fatalf("dns = %v", d.DNS)
	}
	if !reflect.DeepEqual(d.MACAllow, []string{"AA:BB:CC:DD:EE:FF"}) {
		t.Fatalf("mac_allow = %v, want canonical colon form", d.MACAllow)
	}
	if !reflect.DeepEqual(d.MACDeny, []string{"11:22:33:44:55:66"}) {
		t.Fatalf("mac_deny = %v, want canonical colon form", d.MACDeny)
	}
	if !d.ConflictDetection || d.ConflictAttempts != 3 || d.ConflictTimeout != 250*time.Millisecond {
		t.Fatalf("conflict probe = %v/%d/%v", d.ConflictDetection, d.ConflictAttempts, d.ConflictTimeout)
	}
	if d.SweepInterval != 10*time.Minute {
		t.Fatalf("sweep interval = %v", d.SweepInterval)
	}
	if !d.NextServer.Equal(net.IPv4(192, 168, 1, 5)) || d.BootFileName != "pxelinux.0" {
		t.Fatalf("pxe = %v / %q", d.NextServer, d.BootFileName)
	}

	if len(d.CustomOptions) != 2 {
		t.Fatalf("custom options = %v", d.CustomOptions)
	}
	if d.CustomOptions[0].Code != 252 || string(d.CustomOptions[0].Value) != "http://wpad.lan.example/wpad.dat" {
		t.Fatalf("custom option 0 = %+v", d.CustomOptions[0])
	}
	if d.CustomOptions[1].Code != 43 || !bytes.Equal(d.CustomOptions[1].Value, []byte{1, 4, 0, 0, 0, 2}) {
		t.Fatalf("custom option 1 = %+v", d.CustomOptions[1])
	}

	if len(d.Reservations) != 1 || d.Reservations[0].MAC != "DE:AD:BE:EF:00:01" {
		t.Fatalf("reservations = %+v", d.Reservations)
	}
	if !d.Reservations[0].IP.Equal(net.IPv4(192, 168, 1, 120)) {
		t.Fatalf("reservation ip = %v", d.Reservations[0].IP)
	}

	if !cfg.TFTP.Enabled || cfg.TFTP.Address != ":6969" || cfg.TFTP.RootDir != "/srv/tftp" || cfg.TFTP.TimeoutSec != 3 {
		t.Fatalf("tftp = %+v", cfg.TFTP)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "not yaml",
			doc:  "dhcp: [",
		},
		{
			name: "missing server ip",
			doc: `
dhcp:
  pool_start: 10.0.0.10
  pool_end: 10.0.0.20
`,
		},
		{
			name: "pool start after end",
			doc: `
dhcp:
  server_ip: 10.0.0.1
  pool_start: 10.0.0.20
  pool_end: 10.0.0.10
`,
		},
		{
			name: "not an ipv4 address",
			doc: `
dhcp:
  server_ip: fe80::1
  pool_start: 10.0.0.10
  pool_end: 10.0.0.20
`,
		},
		{
			name: "min lease above max",
			doc: minimalDoc + `
  min_lease_seconds: 7200
  max_lease_seconds: 3600
`,
		},
		{
			name: "bad mac in allow list",
			doc: minimalDoc + `
  mac_allow: ["not-a-mac"]
`,
		},
		{
			name: "custom option code out of range",
			doc: minimalDoc + `
  custom_options:
    - code: 255
      value: x
`,
		},
		{
			name: "custom option without payload",
			doc: minimalDoc + `
  custom_options:
    - code: 43
`,
		},
		{
			name: "bad hex payload",
			doc: minimalDoc + `
  custom_options:
    - code: 43
      hex: zz
`,
		},
		{
			name: "reservation with bad ip",
			doc: minimalDoc + `
  reservations:
    - mac: "de:ad:be:ef:00:01"
      ip: not-an-ip
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Fatal("Parse() expected an error")
			}
		})
	}
}

func TestParseDisabledSkipsRequired(t *testing.T) {
	cfg, err := Parse([]byte("dhcp:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.DHCP.Enabled {
		t.Fatal("dhcp should be disabled")
	}
}
