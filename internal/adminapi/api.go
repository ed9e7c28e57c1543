package adminapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ahottois/netguard/internal/dhcpd"
	"github.com/ahottois/netguard/internal/inventory"
)

// API exposes the administrative operations of the DHCP core: lease
// listing, forced release, reservation management and server status.
type API struct {
	log      zerolog.Logger
	server   *dhcpd.Server
	recorder *inventory.Recorder // optional
}

// New wires the admin layer. recorder may be nil when no event bus is
// configured.
func New(server *dhcpd.Server, recorder *inventory.Recorder, log zerolog.Logger) (*API, error) {
	if server == nil {
		return nil, errors.New("server is required")
	}
	return &API{
		log:      log.With().Str("component", "adminapi").Logger(),
		server:   server,
		recorder: recorder,
	}, nil
}

// Routes constructs the chi router containing all admin endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/leases", a.handleListLeases)
		r.Delete("/leases/{mac}", a.handleForceRelease)
		r.Get("/reservations", a.handleListReservations)
		r.Post("/reservations", a.handleAddReservation)
		r.Delete("/reservations/{mac}", a.handleRemoveReservation)
		r.Get("/devices", a.handleListDevices)
	})

	return r
}
