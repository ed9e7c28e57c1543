package dhcpd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrOutsidePool  = errors.New("dhcpd: address outside the configured pool")
	ErrReservedElse = errors.New("dhcpd: address reserved for another client")
)

// Store owns every shared table of the DHCP core: active leases, pending
// offers, the conflict blacklist, static reservations and the pool bounds.
// All mutations are serialized behind its mutex; no caller ever holds a
// reference into the tables.
type Store struct {
	mu  sync.Mutex
	log zerolog.Logger
	now func() time.Time

	leaseFile string

	poolStart uint32
	poolEnd   uint32

	active    map[string]*Lease // by client identity
	offers    map[string]*Lease
	byIP      map[uint32]*Lease // active and offered, by address
	conflicts map[uint32]time.Time
	resByMAC  map[string]uint32
	resByIP   map[uint32]string
}

// NewStore creates an empty store persisting committed leases to leaseFile.
// An empty leaseFile disables persistence.
func NewStore(leaseFile string, log zerolog.Logger) *Store {
	return &Store{
		log:       log.With().Str("component", "leasestore").Logger(),
		now:       time.Now,
		leaseFile: leaseFile,
		active:    make(map[string]*Lease),
		offers:    make(map[string]*Lease),
		byIP:      make(map[uint32]*Lease),
		conflicts: make(map[uint32]time.Time),
		resByMAC:  make(map[string]uint32),
		resByIP:   make(map[uint32]string),
	}
}

// SetPool replaces the allocatable range. Leases outside the new range are
// left to age out naturally.
func (s *Store) SetPool(start, end net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poolStart = ipToUint32(start)
	s.poolEnd = ipToUint32(end)
}

// Pool returns the configured range bounds.
func (s *Store) Pool() (start, end net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32ToIP(s.poolStart), uint32ToIP(s.poolEnd)
}

// InPool reports whether ip lies inside the configured range.
func (s *Store) InPool(ip net.IP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inPoolLocked(ipToUint32(ip))
}

func (s *Store) inPoolLocked(n uint32) bool {
	return n != 0 && n >= s.poolStart && n <= s.poolEnd
}

// Load reads the persisted lease file. Entries already past expiration are
// discarded rather than loaded. A missing file is not an error.
func (s *Store) Load() error {
	if s.leaseFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.leaseFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lease file: %w", err)
	}
	var leases []Lease
	if err := json.Unmarshal(data, &leases); err != nil {
		return fmt.Errorf("decode lease file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	loaded := 0
	for i := range leases {
		l := leases[i]
		if l.State != LeaseActive || l.Expired(now) {
			continue
		}
		cp := l
		s.active[cp.MAC] = &cp
		s.byIP[cp.AddrUint32()] = &cp
		loaded++
	}
	activeLeases.Set(float64(len(s.active)))
	s.log.Info().Int("loaded", loaded).Int("discarded", len(leases)-loaded).Msg("lease file loaded")
	return nil
}

// persistLocked rewrites the lease file with the non-expired active leases.
// Failures are logged; in-memory state stays authoritative.
func (s *Store) persistLocked() {
	if s.leaseFile == "" {
		return
	}
	now := s.now()
	out := make([]Lease, 0, len(s.active))
	for _, l := range s.active {
		if !l.Expired(now) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("encode lease file")
		return
	}
	tmp := s.leaseFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.leaseFile), 0o755); err != nil {
		leaseFileErrors.Inc()
		s.log.Error().Err(err).Msg("create lease directory")
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		leaseFileErrors.Inc()
		s.log.Error().Err(err).Msg("write lease file")
		return
	}
	if err := os.Rename(tmp, s.leaseFile); err != nil {
		leaseFileErrors.Inc()
		s.log.Error().Err(err).Msg("replace lease file")
	}
}

// Flush forces the lease file to be rewritten. Used on shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

// FindActiveLease returns a copy of the unexpired active lease for mac.
func (s *Store) FindActiveLease(mac string) *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.active[mac]
	if !ok || l.Expired(s.now()) {
		return nil
	}
	cp := *l
	return &cp
}

// FindLeaseByIP returns a copy of the active or offered lease claiming ip.
func (s *Store) FindLeaseByIP(ip net.IP) *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byIP[ipToUint32(ip)]
	if !ok || l.Expired(s.now()) {
		return nil
	}
	cp := *l
	return &cp
}

// PutOffer records a tentative grant for the offer window. Any previous
// offer for the same client is replaced.
func (s *Store) PutOffer(mac string, ip net.IP, hostname string, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOfferLocked(mac)
	now := s.now()
	l := &Lease{
		MAC:        mac,
		IP:         ip.String(),
		Hostname:   hostname,
		Start:      now,
		Expiration: now.Add(window),
		State:      LeaseOffered,
	}
	s.offers[mac] = l
	// A sticky re-offer of the client's own active address must not displace
	// the active lease from the by-IP index: the lease keeps the claim, and
	// the offer aging out must not free the address.
	n := ipToUint32(ip)
	if cur, ok := s.byIP[n]; !ok || cur.MAC != mac || cur.State != LeaseActive {
		s.byIP[n] = l
	}
	// Offers are transient; they are not persisted.
}

// FindOffer returns a copy of the unexpired pending offer for mac.
func (s *Store) FindOffer(mac string) *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.offers[mac]
	if !ok || l.Expired(s.now()) {
		return nil
	}
	cp := *l
	return &cp
}

// PromoteToActive commits a grant: the pending offer (if any) is consumed
// and an active lease for duration d replaces whatever the client held
// before. The change is persisted before returning.
func (s *Store) PromoteToActive(mac string, ip net.IP, hostname string, d time.Duration) Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOfferLocked(mac)
	n := ipToUint32(ip)
	if cur, ok := s.byIP[n]; ok && cur.MAC != mac {
		// A reservation grant can take the address out from under another
		// client's claim; the displaced client re-binds on its next exchange.
		delete(s.active, cur.MAC)
		s.dropOfferLocked(cur.MAC)
		delete(s.byIP, n)
	}
	if prev, ok := s.active[mac]; ok {
		if cur, ok := s.byIP[prev.AddrUint32()]; ok && cur == prev {
			delete(s.byIP, prev.AddrUint32())
		}
		delete(s.active, mac)
	}
	now := s.now()
	l := &Lease{
		MAC:        mac,
		IP:         ip.String(),
		Hostname:   hostname,
		Start:      now,
		Expiration: now.Add(d),
		State:      LeaseActive,
	}
	s.active[mac] = l
	s.byIP[n] = l
	s.persistLocked()
	activeLeases.Set(float64(len(s.active)))
	return *l
}

// Release removes the active lease for mac and persists. Returns the
// removed lease, or nil when the client held none.
func (s *Store) Release(mac string) *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.active[mac]
	if !ok {
		return nil
	}
	delete(s.active, mac)
	if cur, ok := s.byIP[l.AddrUint32()]; ok && cur == l {
		delete(s.byIP, l.AddrUint32())
	}
	s.dropOfferLocked(mac)
	s.persistLocked()
	activeLeases.Set(float64(len(s.active)))
	cp := *l
	cp.State = LeaseReleased
	return &cp
}

func (s *Store) dropOfferLocked(mac string) {
	if o, ok := s.offers[mac]; ok {
		if cur, ok := s.byIP[o.AddrUint32()]; ok && cur == o {
			delete(s.byIP, o.AddrUint32())
		}
		delete(s.offers, mac)
	}
}

// SweepExpired removes expired leases, offers and conflict entries, and
// persists when committed state changed. Returns the number of expired
// active leases removed.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for mac, l := range s.active {
		if l.Expired(now) {
			delete(s.active, mac)
			if cur, ok := s.byIP[l.AddrUint32()]; ok && cur == l {
				delete(s.byIP, l.AddrUint32())
			}
			removed++
		}
	}
	for mac, o := range s.offers {
		if o.Expired(now) {
			s.dropOfferLocked(mac)
		}
	}
	for n, until := range s.conflicts {
		if !until.After(now) {
			delete(s.conflicts, n)
		}
	}
	if removed > 0 {
		s.persistLocked()
		activeLeases.Set(float64(len(s.active)))
	}
	return removed
}

// Blacklist removes ip from allocation for the cool-down window.
func (s *Store) Blacklist(ip net.IP, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[ipToUint32(ip)] = s.now().Add(window)
}

// IsBlacklisted reports whether ip is inside an unexpired cool-down window.
func (s *Store) IsBlacklisted(ip net.IP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklistedLocked(ipToUint32(ip))
}

func (s *Store) blacklistedLocked(n uint32) bool {
	until, ok := s.conflicts[n]
	return ok && until.After(s.now())
}

// Reserve declares a static reservation. The address must lie inside the
// pool and must not be reserved for another client; a client re-reserving
// replaces its own mapping.
func (s *Store) Reserve(ip net.IP, mac string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := ipToUint32(ip)
	if !s.inPoolLocked(n) {
		return ErrOutsidePool
	}
	if owner, ok := s.resByIP[n]; ok && owner != mac {
		return ErrReservedElse
	}
	if l, ok := s.byIP[n]; ok && l.MAC != mac && !l.Expired(s.now()) {
		s.log.Warn().Str("mac", mac).Str("ip", ip.String()).Str("holder", l.MAC).
			Msg("reservation overlaps a live lease held by another client")
	}
	if prev, ok := s.resByMAC[mac]; ok {
		delete(s.resByIP, prev)
	}
	s.resByMAC[mac] = n
	s.resByIP[n] = mac
	return nil
}

// RemoveReservation deletes the reservation for mac, if any.
func (s *Store) RemoveReservation(mac string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.resByMAC[mac]
	if !ok {
		return false
	}
	delete(s.resByMAC, mac)
	delete(s.resByIP, n)
	return true
}

// ReservationFor returns the reserved address for mac, if any.
func (s *Store) ReservationFor(mac string) (net.IP, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.resByMAC[mac]
	if !ok {
		return nil, false
	}
	return uint32ToIP(n), true
}

// Reservations returns a snapshot sorted by address.
func (s *Store) Reservations() []Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reservation, 0, len(s.resByMAC))
	for mac, n := range s.resByMAC {
		out = append(out, Reservation{MAC: mac, IP: uint32ToIP(n).String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// AvailableTo reports whether ip can be handed to mac right now: inside the
// pool, not blacklisted, not reserved for a different client, and not
// actively leased or pending-offered to a different client. An address a
// client already holds is always available to it.
func (s *Store) AvailableTo(mac string, ip net.IP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableToLocked(mac, ipToUint32(ip))
}

func (s *Store) availableToLocked(mac string, n uint32) bool {
	if !s.inPoolLocked(n) {
		return false
	}
	if s.blacklistedLocked(n) {
		return false
	}
	if owner, ok := s.resByIP[n]; ok && owner != mac {
		return false
	}
	if l, ok := s.byIP[n]; ok && l.MAC != mac && !l.Expired(s.now()) {
		return false
	}
	return true
}

// ScanFree walks the pool in ascending order and returns the first address
// available to mac that is not in skip, or nil when the pool is exhausted.
func (s *Store) ScanFree(mac string, skip map[uint32]bool) net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := s.poolStart; n != 0 && n <= s.poolEnd; n++ {
		if skip[n] {
			continue
		}
		if s.availableToLocked(mac, n) {
			return uint32ToIP(n)
		}
	}
	return nil
}

// Leases returns a snapshot of active leases and pending offers, sorted by
// address.
func (s *Store) Leases() []Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Lease, 0, len(s.active)+len(s.offers))
	for _, l := range s.active {
		if !l.Expired(now) {
			out = append(out, *l)
		}
	}
	for _, o := range s.offers {
		if !o.Expired(now) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return ipToUint32(net.ParseIP(out[i].IP)) < ipToUint32(net.ParseIP(out[j].IP))
	})
	return out
}

// Utilization returns pool size, active lease count and pending offer count.
func (s *Store) Utilization() (size, leased, offered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poolEnd >= s.poolStart && s.poolStart != 0 {
		size = int(s.poolEnd-s.poolStart) + 1
	}
	now := s.now()
	for _, l := range s.active {
		if !l.Expired(now) {
			leased++
		}
	}
	for _, o := range s.offers {
		if !o.Expired(now) {
			offered++
		}
	}
	return size, leased, offered
}
