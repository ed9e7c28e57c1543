package dhcpd

import (
	"net"
	"time"
)

// LeaseState is the lifecycle state of a lease.
type LeaseState string

const (
	// LeaseOffered marks an address tentatively handed out; it only holds
	// the address for the offer window.
	LeaseOffered LeaseState = "offered"
	// LeaseActive marks a committed grant.
	LeaseActive LeaseState = "active"
	// LeaseReleased marks a lease the client gave back; kept for the
	// persisted history, never blocks reallocation.
	LeaseReleased LeaseState = "released"
)

// Lease binds one client identity to one IPv4 address for a bounded time.
type Lease struct {
	MAC        string     `json:"mac"`
	IP         string     `json:"ip"`
	Hostname   string     `json:"hostname,omitempty"`
	Start      time.Time  `json:"start"`
	Expiration time.Time  `json:"expiration"`
	State      LeaseState `json:"state"`
}

// Addr returns the assigned address in net.IP form.
func (l *Lease) Addr() net.IP {
	return net.ParseIP(l.IP).To4()
}

// AddrUint32 returns the assigned address in 32-bit integer form.
func (l *Lease) AddrUint32() uint32 {
	return ipToUint32(l.Addr())
}

// Expired reports whether the lease is past its expiration at now.
func (l *Lease) Expired(now time.Time) bool {
	return !l.Expiration.After(now)
}

// Reservation is an administrator-declared fixed MAC-to-address mapping.
// It always lies inside the configured pool range, wins over dynamic
// allocation for its MAC and shields its address from everyone else.
type Reservation struct {
	MAC string `json:"mac"`
	IP  string `json:"ip"`
}

// Event is the one-way lease notification handed to the device-inventory
// collaborator after a commit.
type Event struct {
	Kind     string    `json:"kind"` // "granted" or "released"
	MAC      string    `json:"mac"`
	IP       string    `json:"ip"`
	Hostname string    `json:"hostname,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier receives lease events. Delivery is best effort; a failed
// notification never rolls back the lease that triggered it.
type Notifier interface {
	Notify(Event)
}
