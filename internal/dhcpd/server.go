package dhcpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ahottois/netguard/internal/config"
)

// bindRetryInterval paces re-bind attempts when another DHCP server already
// owns port 67.
const bindRetryInterval = 30 * time.Second

// Status is the server state surfaced to administrative callers.
type Status struct {
	Running   bool   `json:"running"`
	Enabled   bool   `json:"enabled"`
	PoolSize  int    `json:"pool_size"`
	Leased    int    `json:"leased"`
	Offered   int    `json:"offered"`
	LastError string `json:"last_error,omitempty"`
}

// Server owns the UDP socket, the receive loop and the background sweeper.
type Server struct {
	log    zerolog.Logger
	store  *Store
	engine *Engine
	cfg    atomic.Pointer[config.DHCPConfig]

	mu      sync.Mutex
	running bool
	lastErr string
}

// NewServer assembles the DHCP core around store. notifier may be nil.
func NewServer(cfg config.DHCPConfig, store *Store, notifier Notifier, log zerolog.Logger) *Server {
	s := &Server{
		log:   log.With().Str("component", "dhcpd").Logger(),
		store: store,
	}
	s.cfg.Store(&cfg)
	detector := NewDetector(cfg.ConflictAttempts, cfg.ConflictTimeout, log)
	s.engine = NewEngine(store, detector, notifier, s.Config, log)
	s.applyConfig(cfg)
	return s
}

// Config returns the current configuration snapshot.
func (s *Server) Config() config.DHCPConfig {
	return *s.cfg.Load()
}

// SetConfig swaps the configuration; it takes effect on the next
// transaction. Pool bounds and seeded reservations are reapplied.
func (s *Server) SetConfig(cfg config.DHCPConfig) {
	s.cfg.Store(&cfg)
	s.applyConfig(cfg)
}

func (s *Server) applyConfig(cfg config.DHCPConfig) {
	s.store.SetPool(cfg.PoolStart, cfg.PoolEnd)
	for _, r := range cfg.Reservations {
		if err := s.store.Reserve(r.IP, r.MAC); err != nil {
			s.log.Error().Err(err).Str("mac", r.MAC).Str("ip", r.IP.String()).Msg("seed reservation")
		}
	}
}

// Store exposes the lease tables to administrative callers.
func (s *Server) Store() *Store {
	return s.store
}

// Status reports the running flag, pool utilization and the last error.
func (s *Server) Status() Status {
	size, leased, offered := s.store.Utilization()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:   s.running,
		Enabled:   s.cfg.Load().Enabled,
		PoolSize:  size,
		Leased:    leased,
		Offered:   offered,
		LastError: s.lastErr,
	}
}

func (s *Server) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Server) setErr(err error) {
	s.mu.Lock()
	if err == nil {
		s.lastErr = ""
	} else {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
}

// Run binds the socket and serves until ctx is cancelled. A bind failure
// because the address is in use is recoverable: it is logged and retried on
// a timer rather than failing the process. The lease file is flushed on the
// way out.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	defer s.store.Flush()

	go s.sweeper(ctx)

	for {
		cfg := s.Config()
		conn, err := listenUDP(ctx, cfg.ListenPort)
		if err != nil {
			if !errors.Is(err, syscall.EADDRINUSE) {
				return fmt.Errorf("bind udp :%d: %w", cfg.ListenPort, err)
			}
			s.setErr(err)
			s.log.Warn().Int("port", cfg.ListenPort).Msg("port in use (another DHCP server running?), retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(bindRetryInterval):
				continue
			}
		}

		s.setErr(nil)
		s.setRunning(true)
		ready.Store(true)
		s.log.Info().Int("port", cfg.ListenPort).Msg("dhcp listener started")

		err = s.serve(ctx, conn)
		s.setRunning(false)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.setErr(err)
			s.log.Error().Err(err).Msg("receive loop failed, rebinding")
		}
	}
}

// listenUDP opens the server socket with SO_BROADCAST set so replies can go
// to 255.255.255.255 for clients that do not have an address yet.
func listenUDP(ctx context.Context, port int) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	return lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", port))
}

func (s *Server) serve(ctx context.Context, conn net.PacketConn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait() // let in-flight replies finish before Run flushes

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("read datagram")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleDatagram(conn, data)
		}()
	}
}

func (s *Server) handleDatagram(conn net.PacketConn, data []byte) {
	m, err := ParsePacket(data)
	if err != nil {
		// Expected noise on a shared broadcast segment.
		droppedTotal.WithLabelValues("malformed").Inc()
		s.log.Debug().Err(err).Int("len", len(data)).Msg("unparseable datagram")
		return
	}

	reply := s.engine.Handle(m)
	if reply == nil {
		return
	}

	dest := replyDest(m)
	if _, err := conn.WriteTo(reply.Bytes(), dest); err != nil {
		s.log.Error().Err(err).Str("dest", dest.String()).Msg("send reply")
	}
}

// replyDest picks the outbound destination: a relay agent when the message
// traversed one, the client's own address when it has one, else broadcast.
func replyDest(m *Message) *net.UDPAddr {
	if gi := m.GIAddr.To4(); gi != nil && ipToUint32(gi) != 0 {
		return &net.UDPAddr{IP: cloneIP(gi), Port: 67}
	}
	if ci := m.CIAddr.To4(); ci != nil && ipToUint32(ci) != 0 {
		return &net.UDPAddr{IP: cloneIP(ci), Port: 68}
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
}

// sweeper expires leases, offers and blacklist entries on a fixed interval,
// under the same serialization as request handling.
func (s *Server) sweeper(ctx context.Context) {
	interval := s.Config().SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.engine.Sweep(); n > 0 {
				s.log.Info().Int("expired", n).Msg("lease sweep")
			}
		}
	}
}
