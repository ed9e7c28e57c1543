package dhcpd

import (
	"net"
	"time"

	"github.com/go-ping/ping"
	"github.com/rs/zerolog"
)

// Detector probes candidate addresses with ICMP echo before they are
// offered, so an address silently taken by a statically-configured host is
// not handed out a second time.
type Detector struct {
	log      zerolog.Logger
	attempts int
	timeout  time.Duration
}

// NewDetector builds a probe runner issuing up to attempts echoes with the
// given per-probe timeout.
func NewDetector(attempts int, timeout time.Duration, log zerolog.Logger) *Detector {
	if attempts < 1 {
		attempts = 1
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Detector{
		log:      log.With().Str("component", "conflict").Logger(),
		attempts: attempts,
		timeout:  timeout,
	}
}

// InUse reports whether something answered an echo for target. A single
// reply is sufficient evidence of an occupant. Probe errors count as "not
// in use": a broken probe path must not wedge allocation.
func (d *Detector) InUse(target net.IP) bool {
	for i := 0; i < d.attempts; i++ {
		pinger, err := ping.NewPinger(target.String())
		if err != nil {
			d.log.Error().Err(err).Str("ip", target.String()).Msg("create pinger")
			return false
		}
		pinger.SetPrivileged(true)
		pinger.Count = 1
		pinger.Timeout = d.timeout

		reply := false
		pinger.OnRecv = func(_ *ping.Packet) {
			reply = true
		}

		if err := pinger.Run(); err != nil {
			d.log.Error().Err(err).Str("ip", target.String()).Msg("probe failed")
			return false
		}
		if reply {
			d.log.Info().Str("ip", target.String()).Msg("address conflict: echo reply received")
			return true
		}
	}
	d.log.Debug().Str("ip", target.String()).Msg("probe complete, address free")
	return false
}
