// Copyright 2025 The Steer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin is the REST surface of the proxy. It translates HTTP
// requests into ServerCommands; every mutation funnels through the
// supervisor's command channel, so the admin surface holds no state of
// its own.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/steerproxy/steer"
)

// Handler serves the admin API for one supervisor.
type Handler struct {
	srv    *steer.Server
	logger *zap.Logger
}

// NewHandler builds the admin router. gatherer may be nil to disable
// the metrics endpoint.
func NewHandler(srv *steer.Server, logger *zap.Logger, gatherer prometheus.Gatherer) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{srv: srv, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ports", h.listPorts)
	r.Get("/ports/{id}/status", h.portStatus)
	r.Get("/config", h.getConfig)
	r.Post("/config", h.setConfig)
	r.Get("/certs", h.listCerts)
	r.Post("/certs", h.uploadCert)
	r.Post("/acme/{id}/order", h.startOrder)
	r.Post("/events/broadcast", h.setBroadcast)
	r.Post("/challenges/stop", h.stopChallenges)
	r.Get("/events", h.streamEvents)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// apiError is the JSON error envelope.
type apiError struct {
	Err string `json:"error"`
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, status int, err error) {
	h.logger.Debug("request failed",
		zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Err: err.Error()})
}

func (h *Handler) respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) listPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := steer.Call(r.Context(), h.srv, func(s *steer.Server) ([]steer.PortSummary, error) {
		return s.ListPorts(), nil
	})
	if err != nil {
		h.respondErr(w, r, http.StatusServiceUnavailable, err)
		return
	}
	h.respondJSON(w, ports)
}

func (h *Handler) portStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := steer.Call(r.Context(), h.srv, func(s *steer.Server) (steer.PortStatus, error) {
		status, ok := s.PortStatus(id)
		if !ok {
			return steer.PortStatus{}, fmt.Errorf("unknown port: %s", id)
		}
		return status, nil
	})
	if err != nil {
		h.respondErr(w, r, http.StatusNotFound, err)
		return
	}
	h.respondJSON(w, status)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	config, err := steer.Call(r.Context(), h.srv, func(s *steer.Server) (steer.AppConfig, error) {
		return s.ActiveConfig(), nil
	})
	if err != nil {
		h.respondErr(w, r, http.StatusServiceUnavailable, err)
		return
	}
	h.respondJSON(w, config)
}

func (h *Handler) setConfig(w http.ResponseWriter, r *http.Request) {
	var config steer.AppConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		h.respondErr(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.srv.Command(r.Context(), steer.SetConfig{Config: config}); err != nil {
		h.respondErr(w, r, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// certSummary is the admin view of one certificate.
type certSummary struct {
	ID        string    `json:"id"`
	Names     []string  `json:"names"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

func (h *Handler) listCerts(w http.ResponseWriter, r *http.Request) {
	certs, err := steer.Call(r.Context(), h.srv, func(s *steer.Server) ([]certSummary, error) {
		var out []certSummary
		for _, cert := range s.Keyring().Certificates() {
			out = append(out, certSummary{
				ID:        cert.ID,
				Names:     cert.Names,
				NotBefore: cert.NotBefore,
				NotAfter:  cert.NotAfter,
			})
		}
		return out, nil
	})
	if err != nil {
		h.respondErr(w, r, http.StatusServiceUnavailable, err)
		return
	}
	h.respondJSON(w, certs)
}

type uploadCertRequest struct {
	ChainPEM string `json:"chain_pem"`
	KeyPEM   string `json:"key_pem"`
}

func (h *Handler) uploadCert(w http.ResponseWriter, r *http.Request) {
	var req uploadCertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(w, r, http.StatusBadRequest, err)
		return
	}
	cert, err := steer.NewCertificate([]byte(req.ChainPEM), []byte(req.KeyPEM))
	if err != nil {
		h.respondErr(w, r, http.StatusBadRequest, err)
		return
	}
	certsDir, err := steer.Call(r.Context(), h.srv, func(s *steer.Server) (string, error) {
		return s.ActiveConfig().CertsDir, nil
	})
	if err != nil {
		h.respondErr(w, r, http.StatusServiceUnavailable, err)
		return
	}
	if certsDir != "" {
		if err := steer.SaveCert(certsDir, cert, []byte(req.ChainPEM), []byte(req.KeyPEM)); err != nil {
			h.logger.Warn("persisting uploaded certificate failed", zap.Error(err))
		}
	}
	if err := h.srv.Command(r.Context(), steer.AddCert{Cert: cert}); err != nil {
		h.respondErr(w, r, http.StatusServiceUnavailable, err)
		return
	}
	h.respondJSON(w, certSummary{
		ID: cert.ID, Names: cert.Names,
		NotBefore: cert.NotBefore, NotAfter: cert.NotAfter,
	})
}

func (h *Handler) startOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, err := steer.Call(r.Context(), h.srv, func(s *steer.Server) (struct{}, error) {
		return struct{}{}, s.TriggerAcmeOrder(id)
	})
	if err != nil {
		h.respondErr(w, r, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type setBroadcastRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) setBroadcast(w http.ResponseWriter, r *http.Request) {
	var req setBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.srv.Command(r.Context(), steer.SetBroadcastEvents{Enabled: req.Enabled}); err != nil {
		h.respondErr(w, r, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) stopChallenges(w http.ResponseWriter, r *http.Request) {
	if err := h.srv.Command(r.Context(), steer.StopHttpChallenges{}); err != nil {
		h.respondErr(w, r, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// eventEnvelope frames one event on the wire.
type eventEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// streamEvents tails the event broadcast as newline-delimited JSON
// until the client goes away.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondErr(w, r, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	events, cancel := h.srv.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(eventEnvelope{Event: ev.EventName(), Data: ev}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
