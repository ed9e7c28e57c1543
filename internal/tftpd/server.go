package tftpd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pin/tftp"
	"github.com/rs/zerolog"

	"github.com/ahottois/netguard/internal/config"
)

// Server is the read-only boot-file service backing the PXE options the
// DHCP core hands out.
type Server struct {
	cfg config.TFTPConfig
	log zerolog.Logger
}

func NewServer(cfg config.TFTPConfig, log zerolog.Logger) *Server {
	return &Server{
		cfg: cfg,
		log: log.With().Str("component", "tftpd").Logger(),
	}
}

func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	srv := tftp.NewServer(s.readHandler, nil)
	srv.SetTimeout(time.Duration(s.cfg.TimeoutSec) * time.Second)

	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	ready.Store(true)
	s.log.Info().Str("addr", s.cfg.Address).Str("root", s.cfg.RootDir).Msg("tftp listener started")

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	clean := filepath.Clean(strings.TrimLeft(filename, "/"))
	// Anything still reaching outside the root after cleaning (.. segments)
	// is an escape attempt, not a boot file.
	if !filepath.IsLocal(clean) {
		s.log.Warn().Str("file", filename).Msg("boot file request escapes root")
		return os.ErrPermission
	}
	path := filepath.Join(s.cfg.RootDir, clean)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := rf.ReadFrom(f); err != nil {
		return err
	}
	s.log.Info().Str("file", filename).Msg("boot file served")
	return nil
}
