// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/trace"
)

// OriginResponse is returned by the origin lookups.
type OriginResponse struct {
	Key    any              `json:"key"`
	Origin types.OriginInfo `json:"origin"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.backend.Stats())
}

// handleOrigin serves GET /origins?src=&dst=&port=[&src_port=][&family=].
func (s *Server) handleOrigin(w http.ResponseWriter, r *http.Request) {
	key, err := parseConnectionKey(r)
	if err != nil {
		respondWithErr(w, err)
		return
	}

	origin, ok, err := s.backend.Origin(key)
	if err != nil {
		s.logger.Warn("origin lookup failed", "key", key.String(), "error", err)
		respondWithErr(w, err)
		return
	}
	if !ok {
		respondWithError(w, http.StatusNotFound, "no origin recorded for "+key.String())
		return
	}
	respondWithJSON(w, http.StatusOK, OriginResponse{Key: key, Origin: origin})
}

// handleFlowOrigin serves GET /flows/{remote}/{local}/origin.
func (s *Server) handleFlowOrigin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	remote, err := netip.ParseAddrPort(vars["remote"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid remote address: "+err.Error())
		return
	}
	local, err := netip.ParseAddrPort(vars["local"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid local address: "+err.Error())
		return
	}

	origin, ok, err := s.backend.FlowOrigin(remote, local)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	if !ok {
		respondWithError(w, http.StatusNotFound, "no origin for flow "+remote.String()+" -> "+local.String())
		return
	}
	respondWithJSON(w, http.StatusOK, OriginResponse{Key: types.NewFlowKey(remote, local), Origin: origin})
}

// EventView is the JSON form of a trace record.
type EventView struct {
	Kind   string    `json:"kind"`
	Time   time.Time `json:"time"`
	Cookie uint64    `json:"cookie,omitempty"`
	Key    string    `json:"key,omitempty"`
	Origin string    `json:"origin,omitempty"`
	Proxy  string    `json:"proxy,omitempty"`
	Flow   string    `json:"flow,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func newEventView(rec trace.Record) EventView {
	v := EventView{
		Kind:   rec.Kind.String(),
		Time:   rec.Time,
		Cookie: rec.Cookie,
	}
	if rec.Key.DstIP.IsValid() {
		v.Key = rec.Key.String()
	}
	if rec.Origin.IP.IsValid() {
		v.Origin = rec.Origin.String()
	}
	if rec.Proxy.IsValid() {
		v.Proxy = rec.Proxy.String()
	}
	if rec.Flow.SrcIP.IsValid() {
		v.Flow = rec.Flow.String()
	}
	if rec.Err != nil {
		v.Error = rec.Err.Error()
	}
	return v
}

// handleEvents serves GET /events[?limit=N], newest last.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondWithError(w, http.StatusNotFound, "event recording is disabled")
		return
	}

	records := s.events.Records()
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if len(records) > limit {
			records = records[len(records)-limit:]
		}
	}

	views := make([]EventView, 0, len(records))
	for _, rec := range records {
		views = append(views, newEventView(rec))
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"events": views,
		"count":  len(views),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"healthy":   true,
		"timestamp": time.Now().Unix(),
	}
	code := http.StatusOK
	if err := s.backend.Healthy(); err != nil {
		status["healthy"] = false
		status["error"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, status)
}

// parseConnectionKey reads a connect-time key from the query string. The
// source port defaults to 0, the value recorded at connect time, and the
// family to that of dst.
func parseConnectionKey(r *http.Request) (types.ConnectionKey, error) {
	q := r.URL.Query()

	src, err := netip.ParseAddr(q.Get("src"))
	if err != nil {
		return types.ConnectionKey{}, errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid src"), "param", "src")
	}
	dst, err := netip.ParseAddr(q.Get("dst"))
	if err != nil {
		return types.ConnectionKey{}, errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid dst"), "param", "dst")
	}
	port, err := parsePort(q.Get("port"), false)
	if err != nil {
		return types.ConnectionKey{}, errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid port"), "param", "port")
	}
	srcPort, err := parsePort(q.Get("src_port"), true)
	if err != nil {
		return types.ConnectionKey{}, errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid src_port"), "param", "src_port")
	}

	src, dst = src.Unmap(), dst.Unmap()
	family := types.FamilyOf(dst)
	switch q.Get("family") {
	case "":
	case "ipv4", "4":
		family = types.FamilyIPv4
	case "ipv6", "6":
		family = types.FamilyIPv6
	default:
		return types.ConnectionKey{}, errors.Attr(errors.New(errors.KindValidation, "family must be ipv4 or ipv6"), "param", "family")
	}

	return types.ConnectionKey{
		SrcIP:   src,
		DstIP:   dst,
		SrcPort: srcPort,
		DstPort: port,
		Family:  family,
	}, nil
}

func parsePort(s string, optional bool) (uint16, error) {
	if s == "" && optional {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 && !optional {
		return 0, errors.New(errors.KindValidation, "port must be non-zero")
	}
	return uint16(n), nil
}
