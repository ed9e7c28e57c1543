package config

import (
	"net"
	"time"
)

// Bootstrap is the process-level configuration read from the environment.
type Bootstrap struct {
	ConfigPath string `env:"NETGUARD_CONFIG, default=/etc/netguard/netguard.yaml"`
	LeaseFile  string `env:"NETGUARD_LEASE_FILE, default=/var/lib/netguard/leases.json"`
	AdminAddr  string `env:"NETGUARD_ADMIN_ADDR, default=:8067"`
	NATSURL    string `env:"NETGUARD_NATS_URL"`
	Registry   string `env:"NETGUARD_DEVICE_REGISTRY, default=/var/lib/netguard/devices.json"`
	LogLevel   string `env:"NETGUARD_LOG_LEVEL, default=info"`
}

// Config is the parsed and validated server document.
type Config struct {
	DHCP DHCPConfig
	TFTP TFTPConfig
}

// DHCPConfig drives the DHCP core. It is read-only to the core during a
// transaction; swapping in a new document takes effect on the next one.
type DHCPConfig struct {
	Enabled    bool
	Interface  string
	ListenPort int

	ServerIP   net.IP
	PoolStart  net.IP
	PoolEnd    net.IP
	SubnetMask net.IP
	Gateway    net.IP
	DNS        []net.IP
	NTP        []net.IP
	Domain     string
	Broadcast  net.IP

	LeaseTime     time.Duration
	MinLeaseTime  time.Duration
	MaxLeaseTime  time.Duration
	RenewalTime   time.Duration
	RebindingTime time.Duration

	AllowUnknownClients bool
	MACAllow            []string
	MACDeny             []string

	ConflictDetection bool
	ConflictAttempts  int
	ConflictTimeout   time.Duration

	SweepInterval time.Duration

	NextServer     net.IP
	TFTPServerName string
	BootFileName   string

	CustomOptions []CustomOption
	Reservations  []StaticMapping
}

// CustomOption is an operator-defined numeric option emitted verbatim in
// every OFFER and ACK.
type CustomOption struct {
	Code  byte
	Value []byte
}

// StaticMapping seeds a static reservation at startup.
type StaticMapping struct {
	MAC string
	IP  net.IP
}

// TFTPConfig drives the optional PXE boot-file server.
type TFTPConfig struct {
	Enabled    bool
	Address    string
	RootDir    string
	TimeoutSec int
}
