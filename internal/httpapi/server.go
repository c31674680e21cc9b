package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zenbooster/zbservice/internal/store"
)

// Server is a read-only query surface over the ingested data. The pipeline
// itself never publishes anything; this exists for dashboards and
// debugging.
type Server struct {
	repo     *store.Repo
	presence *store.PresenceCache // optional
}

func New(repo *store.Repo, presence *store.PresenceCache) *Server {
	return &Server{repo: repo, presence: presence}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/zb/health", s.handleHealth)
	r.Get("/api/zb/devices", s.handleListDevices)
	r.Get("/api/zb/devices/{deviceID}/sessions", s.handleListSessions)
	r.Get("/api/zb/devices/{deviceID}/config", s.handleListConfig)
	r.Get("/api/zb/sessions/{sessionID}/samples", s.handleListSamples)
	return r
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type deviceDTO struct {
	store.Device
	Presence string `json:"presence,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.repo.ListDevices(r.Context())
	if err != nil {
		slog.Error("device list query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list devices")
		return
	}
	out := make([]deviceDTO, 0, len(devices))
	for _, d := range devices {
		dto := deviceDTO{Device: d}
		if s.presence != nil {
			if st, err := s.presence.Status(r.Context(), d.MAC); err == nil {
				dto.Presence = st
			}
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseUUIDParam(w, r, "deviceID")
	if !ok {
		return
	}
	limit := parseLimit(r, 100)
	sessions, err := s.repo.ListSessions(r.Context(), deviceID, limit)
	if err != nil {
		slog.Error("session list query failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "sessions": sessions})
}

type sampleDTO struct {
	TS         time.Time `json:"ts"`
	Poor       int       `json:"poor"`
	Delta      float64   `json:"d"`
	Theta      float64   `json:"t"`
	AlphaLow   float64   `json:"al"`
	AlphaHigh  float64   `json:"ah"`
	BetaLow    float64   `json:"bl"`
	BetaHigh   float64   `json:"bh"`
	GammaLow   float64   `json:"gl"`
	GammaMid   float64   `json:"gm"`
	Attention  float64   `json:"ea"`
	Meditation float64   `json:"em"`
	Formula    float64   `json:"f"`
}

func (s *Server) handleListSamples(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseUUIDParam(w, r, "sessionID")
	if !ok {
		return
	}
	limit := parseLimit(r, 1000)
	desc := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("order")), "desc")
	samples, err := s.repo.ListSamples(r.Context(), sessionID, limit, desc)
	if err != nil {
		slog.Error("sample list query failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list samples")
		return
	}
	out := make([]sampleDTO, 0, len(samples))
	for _, p := range samples {
		out = append(out, sampleDTO{
			TS: p.TS, Poor: p.Poor,
			Delta: p.Delta, Theta: p.Theta,
			AlphaLow: p.AlphaLow, AlphaHigh: p.AlphaHigh,
			BetaLow: p.BetaLow, BetaHigh: p.BetaHigh,
			GammaLow: p.GammaLow, GammaMid: p.GammaMid,
			Attention: p.Attention, Meditation: p.Meditation,
			Formula: p.Formula,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "samples": out})
}

func (s *Server) handleListConfig(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseUUIDParam(w, r, "deviceID")
	if !ok {
		return
	}
	limit := parseLimit(r, 500)

	var nsID *uuid.UUID
	if name := strings.TrimSpace(r.URL.Query().Get("namespace")); name != "" {
		ns, err := s.repo.FindNamespace(r.Context(), name)
		if err != nil {
			slog.Error("namespace lookup failed", "namespace", name, "error", err)
			writeError(w, http.StatusInternalServerError, "could not resolve namespace")
			return
		}
		if ns == nil {
			writeError(w, http.StatusNotFound, "unknown namespace")
			return
		}
		nsID = &ns.ID
	}

	entries, err := s.repo.ListConfigEntries(r.Context(), deviceID, nsID, limit)
	if err != nil {
		slog.Error("config list query failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list config history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "entries": entries})
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func parseLimit(r *http.Request, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
