package dhcpd

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s := NewStore("", zerolog.Nop())
	s.now = func() time.Time { return now }
	s.SetPool(net.IPv4(10, 0, 0, 10), net.IPv4(10, 0, 0, 20))
	return s, &now
}

func TestStoreOfferThenPromote(t *testing.T) {
	s, _ := newTestStore(t)
	mac := "AA:BB:CC:00:00:01"
	ip := net.IPv4(10, 0, 0, 10)

	s.PutOffer(mac, ip, "host-1", time.Minute)
	offer := s.FindOffer(mac)
	if offer == nil || offer.IP != "10.0.0.10" || offer.State != LeaseOffered {
		t.Fatalf("FindOffer() = %+v", offer)
	}
	// The offered address is held against other clients.
	if s.AvailableTo("AA:BB:CC:00:00:02", ip) {
		t.Fatal("offered address must not be available to another client")
	}
	if !s.AvailableTo(mac, ip) {
		t.Fatal("offered address must stay available to its own client")
	}

	lease := s.PromoteToActive(mac, ip, "host-1", time.Hour)
	if lease.State != LeaseActive || lease.IP != "10.0.0.10" {
		t.Fatalf("PromoteToActive() = %+v", lease)
	}
	if s.FindOffer(mac) != nil {
		t.Fatal("promotion must consume the pending offer")
	}
	if got := s.FindActiveLease(mac); got == nil || got.IP != "10.0.0.10" {
		t.Fatalf("FindActiveLease() = %+v", got)
	}
	if got := s.FindLeaseByIP(ip); got == nil || got.MAC != mac {
		t.Fatalf("FindLeaseByIP() = %+v", got)
	}
}

func TestStoreOneActiveLeasePerMAC(t *testing.T) {
	s, _ := newTestStore(t)
	mac := "AA:BB:CC:00:00:01"

	s.PromoteToActive(mac, net.IPv4(10, 0, 0, 10), "", time.Hour)
	s.PromoteToActive(mac, net.IPv4(10, 0, 0, 11), "", time.Hour)

	if got := s.FindActiveLease(mac); got.IP != "10.0.0.11" {
		t.Fatalf("active lease = %s, want 10.0.0.11", got.IP)
	}
	// The old address must be freed, not orphaned in the by-IP table.
	if !s.AvailableTo("AA:BB:CC:00:00:02", net.IPv4(10, 0, 0, 10)) {
		t.Fatal("replaced address must become available again")
	}
	if len(s.Leases()) != 1 {
		t.Fatalf("Leases() = %v, want a single entry", s.Leases())
	}
}

func TestStoreStickyOfferKeepsActiveClaim(t *testing.T) {
	s, now := newTestStore(t)
	mac := "AA:BB:CC:00:00:01"
	ip := net.IPv4(10, 0, 0, 10)

	s.PromoteToActive(mac, ip, "", time.Hour)
	// A repeat DISCOVER re-offers the client its own active address.
	s.PutOffer(mac, ip, "", time.Minute)

	// The offer ages out; the active lease must keep its claim on the address.
	*now = now.Add(2 * time.Minute)
	s.SweepExpired()

	if s.FindActiveLease(mac) == nil {
		t.Fatal("active lease must survive its own offer expiring")
	}
	if got := s.FindLeaseByIP(ip); got == nil || got.MAC != mac || got.State != LeaseActive {
		t.Fatalf("FindLeaseByIP() = %+v, want the active lease", got)
	}
	if s.AvailableTo("AA:BB:CC:00:00:02", ip) {
		t.Fatal("actively-leased address must not become available to another client")
	}
}

func TestStorePromoteEvictsForeignClaim(t *testing.T) {
	s, now := newTestStore(t)
	macA := "AA:BB:CC:00:00:01"
	macB := "AA:BB:CC:00:00:02"
	ip := net.IPv4(10, 0, 0, 15)

	s.PromoteToActive(macA, ip, "", time.Hour)
	// A reservation for another client is granted over the live lease.
	if err := s.Reserve(ip, macB); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	s.PromoteToActive(macB, ip, "", time.Hour)

	if s.FindActiveLease(macA) != nil {
		t.Fatal("displaced client must lose its lease")
	}
	if got := s.FindActiveLease(macB); got == nil || got.IP != "10.0.0.15" {
		t.Fatalf("FindActiveLease(B) = %+v", got)
	}
	claims := 0
	for _, l := range s.Leases() {
		if l.IP == "10.0.0.15" {
			claims++
		}
	}
	if claims != 1 {
		t.Fatalf("%d claims on 10.0.0.15, want exactly one", claims)
	}

	// A later sweep must not dislodge the new owner's index entry.
	*now = now.Add(30 * time.Minute)
	s.SweepExpired()
	if s.AvailableTo("AA:BB:CC:00:00:03", ip) {
		t.Fatal("address must stay held by the new owner after a sweep")
	}
}

func TestStoreRelease(t *testing.T) {
	s, _ := newTestStore(t)
	mac := "AA:BB:CC:00:00:01"
	ip := net.IPv4(10, 0, 0, 10)

	if s.Release(mac) != nil {
		t.Fatal("Release() on unknown client must return nil")
	}

	s.PromoteToActive(mac, ip, "host-1", time.Hour)
	l := s.Release(mac)
	if l == nil || l.State != LeaseReleased {
		t.Fatalf("Release() = %+v", l)
	}
	if s.FindActiveLease(mac) != nil {
		t.Fatal("released lease must be gone")
	}
	if !s.AvailableTo("AA:BB:CC:00:00:02", ip) {
		t.Fatal("released address must be available immediately")
	}
}

func TestStoreSweepExpired(t *testing.T) {
	s, now := newTestStore(t)
	s.PromoteToActive("AA:BB:CC:00:00:01", net.IPv4(10, 0, 0, 10), "", time.Hour)
	s.PutOffer("AA:BB:CC:00:00:02", net.IPv4(10, 0, 0, 11), "", time.Minute)
	s.Blacklist(net.IPv4(10, 0, 0, 12), 5*time.Minute)

	if removed := s.SweepExpired(); removed != 0 {
		t.Fatalf("SweepExpired() = %d, want 0", removed)
	}

	*now = now.Add(2 * time.Hour)
	if removed := s.SweepExpired(); removed != 1 {
		t.Fatalf("SweepExpired() = %d, want 1", removed)
	}
	if s.FindActiveLease("AA:BB:CC:00:00:01") != nil {
		t.Fatal("expired lease must be swept")
	}
	if s.FindOffer("AA:BB:CC:00:00:02") != nil {
		t.Fatal("expired offer must be swept")
	}
	if s.IsBlacklisted(net.IPv4(10, 0, 0, 12)) {
		t.Fatal("expired blacklist entry must be swept")
	}
}

func TestStoreBlacklist(t *testing.T) {
	s, now := newTestStore(t)
	ip := net.IPv4(10, 0, 0, 10)

	s.Blacklist(ip, 5*time.Minute)
	if !s.IsBlacklisted(ip) {
		t.Fatal("address must be blacklisted inside the window")
	}
	if s.AvailableTo("AA:BB:CC:00:00:01", ip) {
		t.Fatal("blacklisted address must not be allocatable")
	}

	*now = now.Add(6 * time.Minute)
	if s.IsBlacklisted(ip) {
		t.Fatal("blacklist must lapse after the window")
	}
}

func TestStoreReservations(t *testing.T) {
	s, _ := newTestStore(t)
	macA := "AA:BB:CC:00:00:01"
	macB := "AA:BB:CC:00:00:02"
	ip := net.IPv4(10, 0, 0, 15)

	if err := s.Reserve(net.IPv4(192, 168, 1, 1), macA); !errors.Is(err, ErrOutsidePool) {
		t.Fatalf("Reserve() outside pool error = %v, want %v", err, ErrOutsidePool)
	}
	if err := s.Reserve(ip, macA); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := s.Reserve(ip, macB); !errors.Is(err, ErrReservedElse) {
		t.Fatalf("Reserve() for second client error = %v, want %v", err, ErrReservedElse)
	}

	// Re-reserving moves the client's mapping and frees the old address.
	if err := s.Reserve(net.IPv4(10, 0, 0, 16), macA); err != nil {
		t.Fatalf("Reserve() move error = %v", err)
	}
	if err := s.Reserve(ip, macB); err != nil {
		t.Fatalf("Reserve() freed address error = %v", err)
	}

	got, ok := s.ReservationFor(macA)
	if !ok || !got.Equal(net.IPv4(10, 0, 0, 16)) {
		t.Fatalf("ReservationFor() = %v, %v", got, ok)
	}
	if s.AvailableTo("AA:BB:CC:00:00:03", ip) {
		t.Fatal("reserved address must not be available to other clients")
	}

	if !s.RemoveReservation(macA) {
		t.Fatal("RemoveReservation() = false")
	}
	if s.RemoveReservation(macA) {
		t.Fatal("second RemoveReservation() must report absence")
	}
}

func TestStoreScanFree(t *testing.T) {
	s, _ := newTestStore(t)
	s.SetPool(net.IPv4(10, 0, 0, 10), net.IPv4(10, 0, 0, 12))

	s.PromoteToActive("AA:BB:CC:00:00:01", net.IPv4(10, 0, 0, 10), "", time.Hour)
	skip := map[uint32]bool{ipToUint32(net.IPv4(10, 0, 0, 11)): true}

	got := s.ScanFree("AA:BB:CC:00:00:02", skip)
	if !got.Equal(net.IPv4(10, 0, 0, 12)) {
		t.Fatalf("ScanFree() = %v, want 10.0.0.12", got)
	}

	s.PromoteToActive("AA:BB:CC:00:00:02", net.IPv4(10, 0, 0, 12), "", time.Hour)
	if got := s.ScanFree("AA:BB:CC:00:00:03", skip); got != nil {
		t.Fatalf("ScanFree() = %v, want nil on exhaustion", got)
	}
}

func TestStorePersistence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "leases.json")
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	s := NewStore(file, zerolog.Nop())
	s.now = func() time.Time { return now }
	s.SetPool(net.IPv4(10, 0, 0, 10), net.IPv4(10, 0, 0, 20))
	s.PromoteToActive("AA:BB:CC:00:00:01", net.IPv4(10, 0, 0, 10), "host-1", time.Hour)
	s.PromoteToActive("AA:BB:CC:00:00:02", net.IPv4(10, 0, 0, 11), "host-2", time.Minute)

	if _, err := os.Stat(file); err != nil {
		t.Fatalf("lease file not written: %v", err)
	}

	// Reload after the short lease lapsed: only the long one survives.
	s2 := NewStore(file, zerolog.Nop())
	s2.now = func() time.Time { return now.Add(30 * time.Minute) }
	s2.SetPool(net.IPv4(10, 0, 0, 10), net.IPv4(10, 0, 0, 20))
	if err := s2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s2.FindActiveLease("AA:BB:CC:00:00:01") == nil {
		t.Fatal("unexpired lease must survive a reload")
	}
	if s2.FindActiveLease("AA:BB:CC:00:00:02") != nil {
		t.Fatal("expired lease must be dropped at load")
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.json"), zerolog.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load() on missing file error = %v", err)
	}
}

func TestStoreUtilization(t *testing.T) {
	s, _ := newTestStore(t)
	s.PromoteToActive("AA:BB:CC:00:00:01", net.IPv4(10, 0, 0, 10), "", time.Hour)
	s.PutOffer("AA:BB:CC:00:00:02", net.IPv4(10, 0, 0, 11), "", time.Minute)

	size, leased, offered := s.Utilization()
	if size != 11 || leased != 1 || offered != 1 {
		t.Fatalf("Utilization() = %d, %d, %d", size, leased, offered)
	}
}
