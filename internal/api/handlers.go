package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

// selectionRequest selects a doctor and/or a patient by ID.
type selectionRequest struct {
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.station.Snapshot()
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"session_state":    snap.State,
		"device_connected": snap.DeviceConnected,
		"event_clients":    s.hub.ClientCount(),
	})
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.station.Snapshot()))
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.station.StartScreening(); err != nil {
		slog.Warn("Server.startHandler: start rejected", "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.startHandler: screening started")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Screening started", s.station.Snapshot()))
}

func (s *Server) captureHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()
	if err := s.station.Capture(ctx); err != nil {
		slog.Warn("Server.captureHandler: capture failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.station.Snapshot()))
}

func (s *Server) regenerateHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.station.Regenerate(); err != nil {
		slog.Warn("Server.regenerateHandler: regenerate rejected", "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Report generation started"))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	s.station.Reset()
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", s.station.Snapshot()))
}

func (s *Server) selectionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.selectionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.DoctorID == "" && req.PatientID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: doctor_id or patient_id"))
		return
	}
	if req.DoctorID != "" {
		if err := s.station.SelectDoctor(req.DoctorID); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.PatientID != "" {
		if err := s.station.SelectPatient(req.PatientID); err != nil {
			writeError(w, err)
			return
		}
	}
	slog.Debug("Server.selectionHandler: selection updated", "doctor_id", req.DoctorID, "patient_id", req.PatientID)
	writeJSONResponse(w, http.StatusOK, models.Success(s.station.Snapshot().Selection))
}

func (s *Server) deviceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.station.DeviceHandle()))
}

func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()
	handle, err := s.station.ConnectDevice(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scanner connected", handle))
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.station.DisconnectDevice(); err != nil {
		slog.Error("Server.disconnectHandler: disconnect failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to disconnect scanner"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scanner disconnected", nil))
}

func (s *Server) doctorsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.station.Doctors()))
}

func (s *Server) patientsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.station.Patients()))
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()
	if err := s.station.RefreshDirectory(ctx); err != nil {
		slog.Error("Server.refreshHandler: refresh failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to load doctors and patients"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{
		"doctors":  len(s.station.Doctors()),
		"patients": len(s.station.Patients()),
	}))
}

func (s *Server) runsHandler(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	runs, err := s.station.Runs(limit)
	if err != nil {
		slog.Error("Server.runsHandler: failed to list runs", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch runs"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(runs))
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	alerts := s.station.Alerts()
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(alerts))
}
