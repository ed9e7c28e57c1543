package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// LoadBootstrap reads the process-level settings from the environment.
func LoadBootstrap(ctx context.Context) (Bootstrap, error) {
	var b Bootstrap
	if err := envconfig.Process(ctx, &b); err != nil {
		return Bootstrap{}, fmt.Errorf("process environment: %w", err)
	}
	return b, nil
}

// fileConfig mirrors the YAML document; everything is parsed and validated
// into Config by Load.
type fileConfig struct {
	DHCP fileDHCP `yaml:"dhcp"`
	TFTP fileTFTP `yaml:"tftp"`
}

type fileDHCP struct {
	Enabled    *bool  `yaml:"enabled"`
	Interface  string `yaml:"interface"`
	ListenPort int    `yaml:"listen_port"`

	ServerIP   string   `yaml:"server_ip"`
	PoolStart  string   `yaml:"pool_start"`
	PoolEnd    string   `yaml:"pool_end"`
	SubnetMask string   `yaml:"subnet_mask"`
	Gateway    string   `yaml:"gateway"`
	DNS        []string `yaml:"dns"`
	NTP        []string `yaml:"ntp"`
	Domain     string   `yaml:"domain"`
	Broadcast  string   `yaml:"broadcast"`

	LeaseSeconds     int `yaml:"lease_seconds"`
	MinLeaseSeconds  int `yaml:"min_lease_seconds"`
	MaxLeaseSeconds  int `yaml:"max_lease_seconds"`
	RenewalSeconds   int `yaml:"renewal_seconds"`
	RebindingSeconds int `yaml:"rebinding_seconds"`

	AllowUnknownClients *bool    `yaml:"allow_unknown_clients"`
	MACAllow            []string `yaml:"mac_allow"`
	MACDeny             []string `yaml:"mac_deny"`

	ConflictDetection *bool `yaml:"conflict_detection"`
	ConflictAttempts  int   `yaml:"conflict_attempts"`
	ConflictTimeoutMS int   `yaml:"conflict_timeout_ms"`

	SweepMinutes int `yaml:"sweep_minutes"`

	NextServer     string `yaml:"next_server"`
	TFTPServerName string `yaml:"tftp_server_name"`
	BootFileName   string `yaml:"boot_file_name"`

	CustomOptions []fileCustomOption `yaml:"custom_options"`
	Reservations  []fileReservation  `yaml:"reservations"`
}

type fileCustomOption struct {
	Code  int    `yaml:"code"`
	Value string `yaml:"value"`
	Hex   string `yaml:"hex"`
}

type fileReservation struct {
	MAC string `yaml:"mac"`
	IP  string `yaml:"ip"`
}

type fileTFTP struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	RootDir    string `yaml:"root"`
	TimeoutSec int    `yaml:"timeout_seconds"`
}

// Load reads and validates the server document at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates a raw YAML document.
func Parse(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg := Config{}
	var err error

	d := &cfg.DHCP
	d.Enabled = boolOr(fc.DHCP.Enabled, true)
	d.Interface = fc.DHCP.Interface
	d.ListenPort = fc.DHCP.ListenPort
	if d.ListenPort == 0 {
		d.ListenPort = 67
	}

	if d.ServerIP, err = requireIPv4("server_ip", fc.DHCP.ServerIP, d.Enabled); err != nil {
		return Config{}, err
	}
	if d.PoolStart, err = requireIPv4("pool_start", fc.DHCP.PoolStart, d.Enabled); err != nil {
		return Config{}, err
	}
	if d.PoolEnd, err = requireIPv4("pool_end", fc.DHCP.PoolEnd, d.Enabled); err != nil {
		return Config{}, err
	}
	if d.Enabled && ipCompare(d.PoolStart, d.PoolEnd) > 0 {
		return Config{}, fmt.Errorf("pool_start %s must be <= pool_end %s", d.PoolStart, d.PoolEnd)
	}

	if d.SubnetMask, err = optionalIPv4("subnet_mask", fc.DHCP.SubnetMask); err != nil {
		return Config{}, err
	}
	if d.SubnetMask == nil && d.PoolStart != nil {
		d.SubnetMask = net.IP(d.PoolStart.DefaultMask())
	}
	if d.Gateway, err = optionalIPv4("gateway", fc.DHCP.Gateway); err != nil {
		return Config{}, err
	}
	if d.Gateway == nil {
		d.Gateway = d.ServerIP
	}
	if d.Broadcast, err = optionalIPv4("broadcast", fc.DHCP.Broadcast); err != nil {
		return Config{}, err
	}
	if d.DNS, err = parseIPList("dns", fc.DHCP.DNS); err != nil {
		return Config{}, err
	}
	if d.NTP, err = parseIPList("ntp", fc.DHCP.NTP); err != nil {
		return Config{}, err
	}
	d.Domain = fc.DHCP.Domain

	d.LeaseTime = secondsOr(fc.DHCP.LeaseSeconds, 24*time.Hour)
	d.MinLeaseTime = secondsOr(fc.DHCP.MinLeaseSeconds, time.Minute)
	d.MaxLeaseTime = secondsOr(fc.DHCP.MaxLeaseSeconds, 7*24*time.Hour)
	if d.MinLeaseTime > d.MaxLeaseTime {
		return Config{}, fmt.Errorf("min_lease_seconds exceeds max_lease_seconds")
	}
	d.RenewalTime = secondsOr(fc.DHCP.RenewalSeconds, d.LeaseTime/2)
	d.RebindingTime = secondsOr(fc.DHCP.RebindingSeconds, d.LeaseTime*7/8)

	d.AllowUnknownClients = boolOr(fc.DHCP.AllowUnknownClients, true)
	if d.MACAllow, err = parseMACList("mac_allow", fc.DHCP.MACAllow); err != nil {
		return Config{}, err
	}
	if d.MACDeny, err = parseMACList("mac_deny", fc.DHCP.MACDeny); err != nil {
		return Config{}, err
	}

	d.ConflictDetection = boolOr(fc.DHCP.ConflictDetection, false)
	d.ConflictAttempts = fc.DHCP.ConflictAttempts
	if d.ConflictAttempts <= 0 {
		d.ConflictAttempts = 2
	}
	d.ConflictTimeout = time.Duration(fc.DHCP.ConflictTimeoutMS) * time.Millisecond
	if d.ConflictTimeout <= 0 {
		d.ConflictTimeout = 500 * time.Millisecond
	}

	d.SweepInterval = time.Duration(fc.DHCP.SweepMinutes) * time.Minute
	if d.SweepInterval <= 0 {
		d.SweepInterval = 5 * time.Minute
	}

	if d.NextServer, err = optionalIPv4("next_server", fc.DHCP.NextServer); err != nil {
		return Config{}, err
	}
	d.TFTPServerName = fc.DHCP.TFTPServerName
	d.BootFileName = fc.DHCP.BootFileName

	for _, co := range fc.DHCP.CustomOptions {
		if co.Code <= 0 || co.Code >= 255 {
			return Config{}, fmt.Errorf("custom option code %d outside 1-254", co.Code)
		}
		var value []byte
		switch {
		case co.Hex != "":
			value, err = hex.DecodeString(strings.ReplaceAll(co.Hex, ":", ""))
			if err != nil {
				return Config{}, fmt.Errorf("custom option %d: %w", co.Code, err)
			}
		case co.Value != "":
			value = []byte(co.Value)
		default:
			return Config{}, fmt.Errorf("custom option %d has neither value nor hex", co.Code)
		}
		d.CustomOptions = append(d.CustomOptions, CustomOption{Code: byte(co.Code), Value: value})
	}

	for _, r := range fc.DHCP.Reservations {
		hw, err := net.ParseMAC(r.MAC)
		if err != nil {
			return Config{}, fmt.Errorf("reservation mac %q: %w", r.MAC, err)
		}
		ip := net.ParseIP(r.IP)
		if ip == nil || ip.To4() == nil {
			return Config{}, fmt.Errorf("reservation ip %q is not IPv4", r.IP)
		}
		cfg.DHCP.Reservations = append(cfg.DHCP.Reservations, StaticMapping{
			MAC: canonicalMAC(hw), IP: ip.To4(),
		})
	}

	cfg.TFTP.Enabled = fc.TFTP.Enabled
	cfg.TFTP.Address = fc.TFTP.Address
	if cfg.TFTP.Address == "" {
		cfg.TFTP.Address = ":69"
	}
	cfg.TFTP.RootDir = fc.TFTP.RootDir
	if cfg.TFTP.RootDir == "" {
		cfg.TFTP.RootDir = "/var/lib/netguard/tftpboot"
	}
	cfg.TFTP.TimeoutSec = fc.TFTP.TimeoutSec
	if cfg.TFTP.TimeoutSec <= 0 {
		cfg.TFTP.TimeoutSec = 5
	}

	return cfg, nil
}

func requireIPv4(field, value string, required bool) (net.IP, error) {
	if value == "" {
		if required {
			return nil, fmt.Errorf("%s is required when dhcp is enabled", field)
		}
		return nil, nil
	}
	return optionalIPv4(field, value)
}

func optionalIPv4(field, value string) (net.IP, error) {
	if value == "" {
		return nil, nil
	}
	ip := net.ParseIP(value)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("%s: %q is not an IPv4 address", field, value)
	}
	return ip.To4(), nil
}

func parseIPList(field string, values []string) ([]net.IP, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]net.IP, 0, len(values))
	for _, v := range values {
		ip, err := optionalIPv4(field, strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		if ip != nil {
			out = append(out, ip)
		}
	}
	return out, nil
}

func parseMACList(field string, values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		hw, err := net.ParseMAC(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out = append(out, canonicalMAC(hw))
	}
	return out, nil
}

func canonicalMAC(hw net.HardwareAddr) string {
	return strings.ToUpper(hw.String())
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func secondsOr(secs int, def time.Duration) time.Duration {
	if secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func ipCompare(a, b net.IP) int {
	aa := a.To4()
	bb := b.To4()
	for i := range aa {
		if aa[i] < bb[i] {
			return -1
		}
		if aa[i] > bb[i] {
			return 1
		}
	}
	return 0
}
