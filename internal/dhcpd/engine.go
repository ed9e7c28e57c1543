package dhcpd

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ahottois/netguard/internal/config"
)

const (
	// offerWindow bounds how long a tentatively-allocated address stays
	// reserved for a client that never comes back with a REQUEST.
	offerWindow = 60 * time.Second
	// conflictWindow is the blacklist cool-down after a probe reply or a
	// client DECLINE.
	conflictWindow = 5 * time.Minute
	// maxConflictRetries bounds how many conflicted candidates one
	// DISCOVER will walk past before giving up.
	maxConflictRetries = 5
)

// Prober reports whether something already occupies a candidate address.
// Satisfied by *Detector.
type Prober interface {
	InUse(target net.IP) bool
}

// Engine is the per-message-type state machine. Persistent state lives in
// the store; the engine itself only serializes allocation decisions.
type Engine struct {
	log      zerolog.Logger
	store    *Store
	alloc    *Allocator
	detector Prober
	notifier Notifier
	cfg      func() config.DHCPConfig

	// gate serializes allocation decisions so two concurrent DISCOVERs
	// cannot race onto the same free address. Conflict probes run with
	// the gate released.
	gate sync.Mutex
}

// NewEngine wires the state machine. cfg is called once per transaction so
// configuration swaps take effect on the next datagram. notifier may be nil.
func NewEngine(store *Store, detector Prober, notifier Notifier, cfg func() config.DHCPConfig, log zerolog.Logger) *Engine {
	return &Engine{
		log:      log.With().Str("component", "dhcpd").Logger(),
		store:    store,
		alloc:    NewAllocator(store),
		detector: detector,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Handle interprets one inbound message and returns the reply to send, or
// nil when the protocol defines no reply (or the message is dropped).
func (e *Engine) Handle(m *Message) *Message {
	if m.Op != BootRequest {
		return nil
	}
	t := m.MessageType()
	messagesTotal.WithLabelValues(t.String()).Inc()

	cfg := e.cfg()
	mac := m.ClientID()
	if !e.macAllowed(cfg, mac) {
		// Silent drop: a NAK would leak server presence to a client the
		// policy excludes.
		droppedTotal.WithLabelValues("mac_policy").Inc()
		e.log.Debug().Str("mac", mac).Str("type", t.String()).Msg("client denied by MAC policy")
		return nil
	}

	var reply *Message
	switch t {
	case MessageTypeDiscover:
		reply = e.handleDiscover(cfg, m, mac)
	case MessageTypeRequest:
		reply = e.handleRequest(cfg, m, mac)
	case MessageTypeRelease:
		e.handleRelease(mac)
	case MessageTypeDecline:
		e.handleDecline(m, mac)
	case MessageTypeInform:
		reply = e.handleInform(cfg, m)
	default:
		droppedTotal.WithLabelValues("unknown_type").Inc()
		e.log.Debug().Str("mac", mac).Uint8("type", uint8(t)).Msg("unhandled message type")
	}

	if reply != nil {
		repliesTotal.WithLabelValues(reply.MessageType().String()).Inc()
	}
	return reply
}

func (e *Engine) macAllowed(cfg config.DHCPConfig, mac string) bool {
	for _, deny := range cfg.MACDeny {
		if deny == mac {
			return false
		}
	}
	for _, allow := range cfg.MACAllow {
		if allow == mac {
			return true
		}
	}
	if _, ok := e.store.ReservationFor(mac); ok {
		return true
	}
	if len(cfg.MACAllow) > 0 {
		return false
	}
	return cfg.AllowUnknownClients
}

func (e *Engine) handleDiscover(cfg config.DHCPConfig, m *Message, mac string) *Message {
	ip := e.allocate(cfg, mac, m.RequestedIP(), m.HostName())
	if ip == nil {
		// No standard "pool full" reply exists; stay silent.
		poolExhausted.Inc()
		e.log.Warn().Str("mac", mac).Msg("no allocatable address for DISCOVER")
		return nil
	}

	e.log.Info().Str("mac", mac).Str("ip", ip.String()).Msg("OFFER")
	reply := e.newReply(cfg, m, MessageTypeOffer)
	reply.YIAddr = ip
	e.setLeaseTimers(cfg, reply, e.leaseDuration(cfg, m))
	e.setNetworkOptions(cfg, reply)
	return reply
}

// allocate picks and tentatively reserves an address for mac. Probing runs
// with the allocation gate released; the final decision re-validates the
// candidate before committing the offer.
func (e *Engine) allocate(cfg config.DHCPConfig, mac string, requested net.IP, hostname string) net.IP {
	skip := make(map[uint32]bool)
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		e.gate.Lock()
		ip, reserved := e.alloc.Choose(mac, requested, skip)
		if ip == nil {
			e.gate.Unlock()
			return nil
		}
		if reserved || !cfg.ConflictDetection || e.detector == nil {
			e.store.PutOffer(mac, ip, hostname, offerWindow)
			e.gate.Unlock()
			return ip
		}
		e.gate.Unlock()

		if e.detector.InUse(ip) {
			e.store.Blacklist(ip, conflictWindow)
			conflictsDetected.Inc()
			skip[ipToUint32(ip)] = true
			requested = nil
			continue
		}

		e.gate.Lock()
		if e.store.AvailableTo(mac, ip) {
			e.store.PutOffer(mac, ip, hostname, offerWindow)
			e.gate.Unlock()
			return ip
		}
		// Someone claimed it while we probed; try again.
		e.gate.Unlock()
		skip[ipToUint32(ip)] = true
		requested = nil
	}
	return nil
}

func (e *Engine) handleRequest(cfg config.DHCPConfig, m *Message, mac string) *Message {
	if sid := m.ServerID(); sid != nil && !sid.Equal(cfg.ServerIP) {
		// The client selected a different server.
		droppedTotal.WithLabelValues("other_server").Inc()
		e.log.Debug().Str("mac", mac).Str("server_id", sid.String()).Msg("REQUEST for another server")
		return nil
	}

	requested := m.RequestedIP()
	if requested == nil {
		if ci := m.CIAddr.To4(); ci != nil && ipToUint32(ci) != 0 {
			requested = ci
		}
	}
	if requested == nil {
		e.log.Info().Str("mac", mac).Msg("NAK: REQUEST without a resolvable address")
		return e.newNak(cfg, m)
	}

	e.gate.Lock()
	ok := e.validateRequest(mac, requested)
	var lease Lease
	if ok {
		lease = e.store.PromoteToActive(mac, requested, m.HostName(), e.leaseDuration(cfg, m))
	}
	e.gate.Unlock()

	if !ok {
		e.log.Info().Str("mac", mac).Str("ip", requested.String()).Msg("NAK: REQUEST validation failed")
		return e.newNak(cfg, m)
	}

	e.log.Info().Str("mac", mac).Str("ip", lease.IP).Msg("ACK")
	e.notify(Event{Kind: "granted", MAC: lease.MAC, IP: lease.IP, Hostname: lease.Hostname, At: lease.Start})

	reply := e.newReply(cfg, m, MessageTypeAck)
	reply.YIAddr = lease.Addr()
	e.setLeaseTimers(cfg, reply, lease.Expiration.Sub(lease.Start))
	e.setNetworkOptions(cfg, reply)
	return reply
}

// validateRequest checks the requested address in strict priority order:
// static reservation, pending offer (deliberately matched without regard to
// the transaction id), existing lease, then general pool availability.
// Caller holds the allocation gate.
func (e *Engine) validateRequest(mac string, requested net.IP) bool {
	if res, ok := e.store.ReservationFor(mac); ok {
		return res.Equal(requested)
	}
	if offer := e.store.FindOffer(mac); offer != nil && offer.Addr().Equal(requested) {
		return true
	}
	if l := e.store.FindActiveLease(mac); l != nil && l.Addr().Equal(requested) {
		return true
	}
	return e.store.AvailableTo(mac, requested)
}

func (e *Engine) handleRelease(mac string) {
	if l := e.store.Release(mac); l != nil {
		e.log.Info().Str("mac", mac).Str("ip", l.IP).Msg("RELEASE")
		e.notify(Event{Kind: "released", MAC: l.MAC, IP: l.IP, Hostname: l.Hostname, At: time.Now()})
	}
}

func (e *Engine) handleDecline(m *Message, mac string) {
	ip := m.RequestedIP()
	if ip == nil {
		if ci := m.CIAddr.To4(); ci != nil && ipToUint32(ci) != 0 {
			ip = ci
		}
	}
	if ip == nil {
		return
	}
	e.log.Warn().Str("mac", mac).Str("ip", ip.String()).Msg("DECLINE, blacklisting address")
	e.store.Blacklist(ip, conflictWindow)
	conflictsDetected.Inc()
	if l := e.store.FindActiveLease(mac); l != nil && l.Addr().Equal(ip) {
		e.store.Release(mac)
	}
}

// handleInform answers with option data only; no address is assigned and no
// lease is recorded.
func (e *Engine) handleInform(cfg config.DHCPConfig, m *Message) *Message {
	reply := e.newReply(cfg, m, MessageTypeAck)
	reply.CIAddr = cloneIP(m.CIAddr)
	reply.YIAddr = cloneIP(m.CIAddr)
	e.setNetworkOptions(cfg, reply)
	return reply
}

// Sweep expires leases, offers and blacklist entries under the allocation
// gate so it cannot interleave with a commit in flight.
func (e *Engine) Sweep() int {
	e.gate.Lock()
	defer e.gate.Unlock()
	return e.store.SweepExpired()
}

func (e *Engine) notify(ev Event) {
	if e.notifier != nil {
		e.notifier.Notify(ev)
	}
}

// leaseDuration clamps the grant duration to the configured bounds,
// honoring a client-requested lease time when present.
func (e *Engine) leaseDuration(cfg config.DHCPConfig, m *Message) time.Duration {
	d := cfg.LeaseTime
	if v := m.Options.Get(OptionIPAddressLeaseTime); len(v) == 4 {
		if reqd := time.Duration(binary.BigEndian.Uint32(v)) * time.Second; reqd > 0 {
			d = reqd
		}
	}
	if cfg.MinLeaseTime > 0 && d < cfg.MinLeaseTime {
		d = cfg.MinLeaseTime
	}
	if cfg.MaxLeaseTime > 0 && d > cfg.MaxLeaseTime {
		d = cfg.MaxLeaseTime
	}
	return d
}

func (e *Engine) newReply(cfg config.DHCPConfig, m *Message, t MessageType) *Message {
	reply := &Message{
		Op:      BootReply,
		HType:   m.HType,
		HLen:    m.HLen,
		XID:     m.XID,
		Flags:   m.Flags,
		GIAddr:  cloneIP(m.GIAddr),
		CHAddr:  m.CHAddr,
		Options: make(Options),
	}
	reply.SetMessageType(t)
	reply.SetIPOption(OptionServerIdentifier, cfg.ServerIP)
	if t != MessageTypeNak {
		if cfg.NextServer != nil {
			reply.SIAddr = cloneIP(cfg.NextServer)
		}
		if cfg.BootFileName != "" {
			reply.File = cfg.BootFileName
		}
	}
	return reply
}

// newNak builds the explicit rejection: type and server identifier only.
func (e *Engine) newNak(cfg config.DHCPConfig, m *Message) *Message {
	return e.newReply(cfg, m, MessageTypeNak)
}

func (e *Engine) setLeaseTimers(cfg config.DHCPConfig, reply *Message, d time.Duration) {
	reply.SetDurationOption(OptionIPAddressLeaseTime, d)
	renewal := cfg.RenewalTime
	if renewal <= 0 || renewal >= d {
		renewal = d / 2
	}
	rebind := cfg.RebindingTime
	if rebind <= 0 || rebind >= d {
		rebind = d * 7 / 8
	}
	reply.SetDurationOption(OptionRenewalTime, renewal)
	reply.SetDurationOption(OptionRebindingTime, rebind)
}

func (e *Engine) setNetworkOptions(cfg config.DHCPConfig, reply *Message) {
	if cfg.SubnetMask != nil {
		reply.SetIPOption(OptionSubnetMask, cfg.SubnetMask)
	}
	if cfg.Gateway != nil {
		reply.SetIPOption(OptionRouter, cfg.Gateway)
	}
	if len(cfg.DNS) > 0 {
		reply.SetIPOption(OptionDomainNameServer, cfg.DNS...)
	}
	if cfg.Domain != "" {
		reply.SetOption(OptionDomainName, []byte(cfg.Domain))
	}
	if cfg.Broadcast != nil {
		reply.SetIPOption(OptionBroadcastAddress, cfg.Broadcast)
	}
	if len(cfg.NTP) > 0 {
		reply.SetIPOption(OptionNTPServers, cfg.NTP...)
	}
	if cfg.TFTPServerName != "" {
		reply.SetOption(OptionTFTPServerName, []byte(cfg.TFTPServerName))
	}
	if cfg.BootFileName != "" {
		reply.SetOption(OptionBootFileName, []byte(cfg.BootFileName))
	}
	for _, co := range cfg.CustomOptions {
		reply.SetOption(OptionCode(co.Code), co.Value)
	}
}
