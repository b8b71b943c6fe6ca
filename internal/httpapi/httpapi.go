// Package httpapi implements the HTTP Command Surface: current-state
// reporting, the manual override endpoint, an on-demand refresh
// trigger, and Prometheus /metrics. Routes with gorilla/mux and wraps
// the router in gorilla/handlers.LoggingHandler rather than hand-rolling
// either.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nrgchamp/powercontroller/internal/loop"
	"nrgchamp/powercontroller/internal/model"
	"nrgchamp/powercontroller/internal/priceapi"
)

// Server exposes the control loop over HTTP.
type Server struct {
	log       *slog.Logger
	accessKey string
	lp        *loop.Loop
	prices    *priceapi.Cache
	http      *http.Server
}

func New(bind, accessKey string, lp *loop.Loop, prices *priceapi.Cache, log *slog.Logger) *Server {
	s := &Server{log: log.With("component", "httpapi"), accessKey: accessKey, lp: lp, prices: prices}

	r := mux.NewRouter()
	r.HandleFunc("/", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/override/{output}", s.postOverride).Methods(http.MethodPost)
	r.HandleFunc("/refresh", s.postRefresh).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{Addr: bind, Handler: handlers.LoggingHandler(logWriter{log}, s.authGate(r))}
	return s
}

// logWriter adapts slog to the io.Writer gorilla/handlers.LoggingHandler wants.
type logWriter struct{ log *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Info("http_access", "line", string(p))
	return len(p), nil
}

func (s *Server) authGate(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.accessKey == "" {
		return true
	}
	return r.Header.Get("X-Access-Key") == s.accessKey || r.URL.Query().Get("accessKey") == s.accessKey
}

type statusResponse struct {
	Outputs map[string]outputStatus `json:"outputs"`
}

type outputStatus struct {
	State    string           `json:"state"`
	Status   string           `json:"planStatus"`
	Slots    []slotResponse   `json:"slots"`
}

type slotResponse struct {
	Start    time.Time         `json:"start"`
	Decision model.Decision    `json:"decision"`
	Reason   model.ReasonCode  `json:"reason"`
	PriceC   float64           `json:"priceC"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	plans := s.lp.Snapshot()
	resp := statusResponse{Outputs: make(map[string]outputStatus, len(plans))}
	for name, plan := range plans {
		ctrl, _ := s.lp.Controller(name)
		var state string
		if ctrl != nil {
			state = string(ctrl.State())
		}
		slots := make([]slotResponse, len(plan.Slots))
		for i, sl := range plan.Slots {
			slots[i] = slotResponse{Start: sl.Start, Decision: sl.Decision, Reason: sl.Reason, PriceC: sl.PriceC}
		}
		resp.Outputs[name] = outputStatus{State: state, Status: string(plan.Status), Slots: slots}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type overrideRequest struct {
	State      string `json:"state"` // "on", "off", or "auto"
	TTLMinutes *int   `json:"ttlMinutes,omitempty"`
}

func (s *Server) postOverride(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["output"]
	ctrl, ok := s.lp.Controller(name)
	if !ok {
		http.Error(w, "unknown output", http.StatusNotFound)
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	switch strings.ToLower(req.State) {
	case "auto":
		ctrl.SetAppOverride(nil)
		s.lp.Wake()
		s.log.Info("override_cleared", "output", name)
		w.WriteHeader(http.StatusAccepted)
		return
	case "on":
		ov := &model.AppOverride{Target: model.DecisionOn}
		if req.TTLMinutes != nil {
			ov.ExpiresAt = time.Now().Add(time.Duration(*req.TTLMinutes) * time.Minute)
		}
		ctrl.SetAppOverride(ov)
	case "off":
		ov := &model.AppOverride{Target: model.DecisionOff}
		if req.TTLMinutes != nil {
			ov.ExpiresAt = time.Now().Add(time.Duration(*req.TTLMinutes) * time.Minute)
		}
		ctrl.SetAppOverride(ov)
	default:
		http.Error(w, "state must be on, off, or auto", http.StatusBadRequest)
		return
	}
	s.lp.Wake()

	s.log.Info("override_set", "output", name, "state", req.State)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.prices.Refresh(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.lp.Wake()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) ListenAndServe() error {
	s.log.Info("http_listening", "bind", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
