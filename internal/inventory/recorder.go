package inventory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ahottois/netguard/internal/dhcpd"
	"github.com/ahottois/netguard/pkg/bus"
)

// Device is one entry in the device registry, merged from lease events.
type Device struct {
	MAC       string    `json:"mac"`
	IP        string    `json:"ip"`
	Hostname  string    `json:"hostname,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Online    bool      `json:"online"`
}

// Recorder consumes lease events from the bus and maintains a device
// registry file. It runs independently of the DHCP core: a stalled or
// failed recorder never affects lease handling.
type Recorder struct {
	log  zerolog.Logger
	path string

	mu      sync.Mutex
	devices map[string]*Device
}

// NewRecorder loads the registry at path (missing files start empty).
func NewRecorder(path string, log zerolog.Logger) *Recorder {
	r := &Recorder{
		log:     log.With().Str("component", "inventory").Logger(),
		path:    path,
		devices: make(map[string]*Device),
	}
	r.load()
	return r
}

// Start subscribes to the lease subjects with durable consumers.
func (r *Recorder) Start(ctx context.Context, b *bus.Bus) ([]io.Closer, error) {
	granted, err := b.Subscribe(ctx, bus.SubjectLeaseGranted, "netguard-inventory-granted", r.handle)
	if err != nil {
		return nil, err
	}
	released, err := b.Subscribe(ctx, bus.SubjectLeaseReleased, "netguard-inventory-released", r.handle)
	if err != nil {
		granted.Close()
		return nil, err
	}
	return []io.Closer{granted, released}, nil
}

func (r *Recorder) handle(_ context.Context, data []byte) error {
	var ev dhcpd.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.log.Warn().Err(err).Msg("undecodable lease event")
		return nil // poison messages are dropped, not redelivered
	}

	r.mu.Lock()
	d, ok := r.devices[ev.MAC]
	if !ok {
		d = &Device{MAC: ev.MAC, FirstSeen: ev.At}
		r.devices[ev.MAC] = d
	}
	d.IP = ev.IP
	if ev.Hostname != "" {
		d.Hostname = ev.Hostname
	}
	d.LastSeen = ev.At
	d.Online = ev.Kind == "granted"
	r.saveLocked()
	r.mu.Unlock()
	return nil
}

// Devices returns a snapshot sorted by MAC.
func (r *Recorder) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

func (r *Recorder) load() {
	if r.path == "" {
		return
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Error().Err(err).Msg("read device registry")
		}
		return
	}
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		r.log.Error().Err(err).Msg("decode device registry")
		return
	}
	for i := range devices {
		d := devices[i]
		r.devices[d.MAC] = &d
	}
}

func (r *Recorder) saveLocked() {
	if r.path == "" {
		return
	}
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		r.log.Error().Err(err).Msg("encode device registry")
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.log.Error().Err(err).Msg("create registry directory")
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.log.Error().Err(err).Msg("write device registry")
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.log.Error().Err(err).Msg("replace device registry")
	}
}
