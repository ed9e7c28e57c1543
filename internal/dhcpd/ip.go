package dhcpd

import (
	"fmt"
	"net"
	"strings"
)

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	dup := make(net.IP, len(ip))
	copy(dup, ip)
	return dup
}

// ipToUint32 converts an IPv4 address to its 32-bit big-endian integer form.
// Returns 0 for nil or non-IPv4 addresses; 0.0.0.0 and "no address" are
// treated the same everywhere in this package.
func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func uint32ToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).To4()
}

// normalizeMAC renders a hardware address as colon-separated uppercase hex,
// the canonical client identity used as a map key throughout the store.
func normalizeMAC(hw net.HardwareAddr) string {
	if len(hw) == 0 {
		return ""
	}
	parts := make([]string, len(hw))
	for i, b := range hw {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
