package dhcpd

import (
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ahottois/netguard/internal/config"
)

func TestReplyDest(t *testing.T) {
	tests := []struct {
		name     string
		giaddr   net.IP
		ciaddr   net.IP
		wantIP   net.IP
		wantPort int
	}{
		{
			name:     "relayed goes back to the relay agent",
			giaddr:   net.IPv4(10, 0, 1, 1),
			ciaddr:   net.IPv4(10, 0, 1, 50),
			wantIP:   net.IPv4(10, 0, 1, 1),
			wantPort: 67,
		},
		{
			name:     "addressed client is unicast",
			ciaddr:   net.IPv4(10, 0, 0, 50),
			wantIP:   net.IPv4(10, 0, 0, 50),
			wantPort: 68,
		},
		{
			name:     "addressless client is broadcast",
			wantIP:   net.IPv4bcast,
			wantPort: 68,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{GIAddr: tt.giaddr, CIAddr: tt.ciaddr}
			got := replyDest(m)
			if !got.IP.Equal(tt.wantIP) || got.Port != tt.wantPort {
				t.Fatalf("replyDest() = %v, want %v:%d", got, tt.wantIP, tt.wantPort)
			}
		})
	}
}

func TestServerStatusAndConfigSwap(t *testing.T) {
	cfg := testDHCPConfig()
	cfg.Reservations = []config.StaticMapping{
		{MAC: "DE:AD:BE:EF:00:01", IP: net.IPv4(10, 0, 0, 12)},
	}
	store := NewStore("", zerolog.Nop())
	srv := NewServer(cfg, store, nil, zerolog.Nop())

	st := srv.Status()
	if st.Running {
		t.Fatal("server must not report running before Run")
	}
	if !st.Enabled || st.PoolSize != 3 {
		t.Fatalf("Status() = %+v", st)
	}
	if ip, ok := store.ReservationFor("DE:AD:BE:EF:00:01"); !ok || !ip.Equal(net.IPv4(10, 0, 0, 12)) {
		t.Fatalf("seeded reservation = %v, %v", ip, ok)
	}

	cfg.PoolEnd = net.IPv4(10, 0, 0, 20)
	srv.SetConfig(cfg)
	if st := srv.Status(); st.PoolSize != 11 {
		t.Fatalf("pool size after swap = %d, want 11", st.PoolSize)
	}
	if got := srv.Config(); !got.PoolEnd.Equal(cfg.PoolEnd) {
		t.Fatalf("Config() pool end = %v", got.PoolEnd)
	}
}
