// Package api exposes a screening station over HTTP for the operator UI.
//
// Session commands map one-to-one onto the orchestrator. Snapshots and alerts
// are also pushed to WebSocket clients on /events.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/store"
	"github.com/gorilla/mux"
)

// Defaults for the API server.
const (
	DefaultAddr            = ":8080"
	DefaultCommandTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRunsLimit       = 20
)

// Station is the screening station the API drives.
type Station interface {
	Snapshot() models.SessionSnapshot
	Updates() <-chan models.SessionSnapshot
	StartScreening() error
	Capture(ctx context.Context) error
	Regenerate() error
	Reset()
	ConnectDevice(ctx context.Context) (*models.BluetoothHandle, error)
	DisconnectDevice() error
	DeviceHandle() *models.BluetoothHandle
	RefreshDirectory(ctx context.Context) error
	Doctors() []models.Doctor
	Patients() []models.Patient
	SelectDoctor(id string) error
	SelectPatient(id string) error
	Alerts() []models.Alert
	Runs(limit int) ([]store.ScreeningRun, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	CommandTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCommandTimeout bounds device connects and captures issued over HTTP.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Opts) { o.CommandTimeout = d }
}

// Server serves the station API.
type Server struct {
	station        Station
	hub            *Hub
	router         *mux.Router
	addr           string
	commandTimeout time.Duration
}

// NewServer creates a Server for station.
func NewServer(station Station, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, CommandTimeout: DefaultCommandTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		station:        station,
		hub:            NewHub(),
		addr:           cfg.Addr,
		commandTimeout: cfg.CommandTimeout,
	}
	s.router = s.routes()
	slog.Debug("Server created", "addr", s.addr, "command_timeout", s.commandTimeout)
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	r.HandleFunc("/session", s.sessionHandler).Methods(http.MethodGet)
	r.HandleFunc("/session/start", s.startHandler).Methods(http.MethodPost)
	r.HandleFunc("/session/capture", s.captureHandler).Methods(http.MethodPost)
	r.HandleFunc("/session/regenerate", s.regenerateHandler).Methods(http.MethodPost)
	r.HandleFunc("/session/reset", s.resetHandler).Methods(http.MethodPost)
	r.HandleFunc("/selection", s.selectionHandler).Methods(http.MethodPost)

	r.HandleFunc("/device", s.deviceHandler).Methods(http.MethodGet)
	r.HandleFunc("/device/connect", s.connectHandler).Methods(http.MethodPost)
	r.HandleFunc("/device/disconnect", s.disconnectHandler).Methods(http.MethodPost)

	r.HandleFunc("/doctors", s.doctorsHandler).Methods(http.MethodGet)
	r.HandleFunc("/patients", s.patientsHandler).Methods(http.MethodGet)
	r.HandleFunc("/directory/refresh", s.refreshHandler).Methods(http.MethodPost)

	r.HandleFunc("/runs", s.runsHandler).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.alertsHandler).Methods(http.MethodGet)
	r.HandleFunc("/events", s.eventsHandler).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Warn("Server: method not allowed", "method", r.Method, "path", r.URL.Path)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown endpoint"))
	})
	return r
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// PublishAlert pushes an alert to connected event clients. It is meant to be
// registered as the orchestrator's alert handler.
func (s *Server) PublishAlert(a models.Alert) {
	s.hub.Broadcast(Event{Type: EventAlert, Time: a.Time, Data: a})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.pumpUpdates(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ScanPipe API running", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// Hijacked event connections are not tracked by Shutdown.
	s.hub.Close()
	if err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return nil
}

// pumpUpdates forwards session snapshots to event clients.
func (s *Server) pumpUpdates(ctx context.Context) {
	updates := s.station.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			s.hub.Broadcast(Event{Type: EventSession, Time: snap.UpdatedAt, Data: snap})
		}
	}
}
