package dhcpd

import "net"

// Allocator decides which address to offer or confirm for a client. It holds
// no state of its own; every decision consults the store.
type Allocator struct {
	store *Store
}

func NewAllocator(store *Store) *Allocator {
	return &Allocator{store: store}
}

// Choose picks a candidate address for mac, in strict priority order:
// static reservation, the client's own unexpired lease, the address the
// client asked for, then the first free address in ascending pool order.
// reserved reports that the candidate came from a static reservation, which
// exempts it from conflict probing. skip excludes addresses already found
// conflicted during this transaction. A nil result means the pool is
// exhausted; the caller must not respond.
func (a *Allocator) Choose(mac string, requested net.IP, skip map[uint32]bool) (ip net.IP, reserved bool) {
	if ip, ok := a.store.ReservationFor(mac); ok {
		return ip, true
	}
	if l := a.store.FindActiveLease(mac); l != nil {
		if addr := l.Addr(); addr != nil && !skip[ipToUint32(addr)] {
			return addr, false
		}
	}
	if requested != nil && !skip[ipToUint32(requested)] && a.store.AvailableTo(mac, requested) {
		return cloneIP(requested.To4()), false
	}
	return a.store.ScanFree(mac, skip), false
}
