package adminapi

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ahottois/netguard/internal/dhcpd"
)

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.server.Status())
}

func (a *API) handleListLeases(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"leases": a.server.Store().Leases()})
}

func (a *API) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	mac, err := canonicalMAC(chi.URLParam(r, "mac"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	l := a.server.Store().Release(mac)
	if l == nil {
		respondError(w, http.StatusNotFound, errors.New("no active lease for client"))
		return
	}
	a.log.Info().Str("mac", mac).Str("ip", l.IP).Msg("lease force-released")
	respondJSON(w, http.StatusOK, map[string]any{"released": l})
}

func (a *API) handleListReservations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"reservations": a.server.Store().Reservations()})
}

func (a *API) handleAddReservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC string `json:"mac"`
		IP  string `json:"ip"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	mac, err := canonicalMAC(req.MAC)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ip := net.ParseIP(strings.TrimSpace(req.IP))
	if ip == nil || ip.To4() == nil {
		respondError(w, http.StatusBadRequest, errors.New("ip must be an IPv4 address"))
		return
	}

	if err := a.server.Store().Reserve(ip, mac); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, dhcpd.ErrReservedElse) {
			status = http.StatusConflict
		}
		respondError(w, status, err)
		return
	}
	a.log.Info().Str("mac", mac).Str("ip", ip.String()).Msg("reservation added")
	respondJSON(w, http.StatusOK, map[string]any{"mac": mac, "ip": ip.String()})
}

func (a *API) handleRemoveReservation(w http.ResponseWriter, r *http.Request) {
	mac, err := canonicalMAC(chi.URLParam(r, "mac"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !a.server.Store().RemoveReservation(mac) {
		respondError(w, http.StatusNotFound, errors.New("no reservation for client"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"removed": mac})
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if a.recorder == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("device inventory not configured"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": a.recorder.Devices()})
}

func canonicalMAC(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", errors.New("invalid mac address")
	}
	return strings.ToUpper(hw.String()), nil
}
