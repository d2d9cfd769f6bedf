// Package api serves the monitoring hub's session registry over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/freshsense/gasmon/internal/hub"
)

// SnapshotSource supplies point-in-time session views. The hub
// implements it.
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]hub.SessionView, error)
}

// Server exposes the session registry as a read-only JSON API.
type Server struct {
	source SnapshotSource
	logger *logrus.Logger
	listen string
}

func NewServer(listen string, source SnapshotSource, logger *logrus.Logger) *Server {
	return &Server{source: source, logger: logger, listen: listen}
}

// Router builds the request mux. Exposed separately so tests can drive
// it without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/devices", s.listDevices).Methods("GET")
	r.HandleFunc("/devices/{id}", s.getDevice).Methods("GET")
	r.HandleFunc("/devices/{id}/history", s.getHistory).Methods("GET")
	r.HandleFunc("/devices/{id}/raw", s.getRaw).Methods("GET")

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.listen,
		Handler: handlers.LoggingHandler(s.logger.Writer(), s.Router()),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("listen", s.listen).Info("API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	views, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.serviceUnavailable(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	view, ok := s.findDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	view, ok := s.findDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view.History)
}

// getRaw returns the session's most recent raw frames verbatim, for
// debugging sensors that send malformed payloads.
func (s *Server) getRaw(w http.ResponseWriter, r *http.Request) {
	view, ok := s.findDevice(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(view.Raw)
}

// findDevice resolves the {id} path variable to a session view,
// writing the error response itself when resolution fails.
func (s *Server) findDevice(w http.ResponseWriter, r *http.Request) (hub.SessionView, bool) {
	idText := mux.Vars(r)["id"]
	id, err := strconv.Atoi(idText)
	if err != nil {
		writeError(w, http.StatusBadRequest, "device id must be an integer")
		return hub.SessionView{}, false
	}

	views, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.serviceUnavailable(w, err)
		return hub.SessionView{}, false
	}

	for _, v := range views {
		if v.ID == id {
			return v, true
		}
	}
	writeError(w, http.StatusNotFound, "unknown device id")
	return hub.SessionView{}, false
}

func (s *Server) serviceUnavailable(w http.ResponseWriter, err error) {
	s.logger.WithField("error", err).Warn("Snapshot request failed")
	writeError(w, http.StatusServiceUnavailable, "registry unavailable")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
