package inventory

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ahottois/netguard/internal/dhcpd"
	"github.com/ahottois/netguard/pkg/bus"
)

// Publisher forwards lease events from the DHCP core to the event bus. The
// core hands events to a buffered channel and never blocks on delivery; a
// full buffer or a publish failure costs the event, not the lease.
type Publisher struct {
	log zerolog.Logger
	bus *bus.Bus
	ch  chan dhcpd.Event
}

// NewPublisher starts the forwarding goroutine. It stops when ctx is done.
func NewPublisher(ctx context.Context, b *bus.Bus, log zerolog.Logger) *Publisher {
	p := &Publisher{
		log: log.With().Str("component", "inventory").Logger(),
		bus: b,
		ch:  make(chan dhcpd.Event, 64),
	}
	go p.run(ctx)
	return p
}

// Notify implements dhcpd.Notifier.
func (p *Publisher) Notify(ev dhcpd.Event) {
	select {
	case p.ch <- ev:
	default:
		p.log.Warn().Str("mac", ev.MAC).Msg("event buffer full, dropping lease event")
	}
}

func (p *Publisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.ch:
			subj := bus.SubjectLeaseGranted
			if ev.Kind == "released" {
				subj = bus.SubjectLeaseReleased
			}
			if err := p.bus.Publish(ctx, subj, ev); err != nil {
				p.log.Warn().Err(err).Str("mac", ev.MAC).Msg("publish lease event")
			}
		}
	}
}
