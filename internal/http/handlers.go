package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/pickup-presence/internal/gateway"
	"github.com/example/pickup-presence/internal/geo"
	"github.com/example/pickup-presence/internal/models"
	"github.com/example/pickup-presence/internal/presence"
)

const (
	defaultNearbyLimit = 10
	maxNearbyLimit     = 100
)

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Store  presence.Store
	Hub    *gateway.Hub
	logger *slog.Logger
	mux    *mux.Router
	h      http.Handler
}

func NewServer(store presence.Store, hub *gateway.Hub, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Store: store, Hub: hub, logger: logger.With("component", "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	s.h = cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	}).Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/stats", s.handleWSStats).Methods("GET")
	s.mux.HandleFunc("/ws/passenger/{passenger_id}", s.handleWS(gateway.RolePassenger, "passenger_id"))
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleWS(gateway.RoleDriver, "driver_id"))
	// registered before the {passenger_id} route so "nearby" is not taken as an id
	s.mux.HandleFunc("/api/v1/presence/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/api/v1/presence/{passenger_id}", s.handleGetPresence).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.h.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.Store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) handleWSStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Hub.Stats())
}

func (s *Server) handleWS(role gateway.Role, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)[param]
		if err := s.Hub.Serve(w, r, role, key); err != nil {
			// the upgrader has already written the failure response
			s.logger.Warn("websocket upgrade failed", "role", role, "key", key, "error", err)
		}
	}
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["passenger_id"]
	rec, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Summary())
}

type nearbyEntry struct {
	models.PassengerSummary
	DistanceMeters float64 `json:"distanceMeters"`
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		http.Error(w, "invalid lat", http.StatusBadRequest)
		return
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil || lng < -180 || lng > 180 {
		http.Error(w, "invalid lng", http.StatusBadRequest)
		return
	}
	limit := defaultNearbyLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit > maxNearbyLimit {
			limit = maxNearbyLimit
		}
	}

	recs, err := s.Store.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	matches := geo.Nearby(models.Coord{Lat: lat, Lng: lng}, recs, limit)
	out := make([]nearbyEntry, 0, len(matches))
	for _, m := range matches {
		out = append(out, nearbyEntry{PassengerSummary: m.Record.Summary(), DistanceMeters: m.DistanceMeters})
	}
	writeJSON(w, http.StatusOK, map[string]any{"passengers": out})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, presence.ErrNotFound):
		http.Error(w, "passenger not found", http.StatusNotFound)
	case errors.Is(err, presence.ErrStoreUnavailable):
		s.logger.Error("store unavailable", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	default:
		s.logger.Error("store error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
