// Package facade is the thin HTTP/WebSocket translator that sits
// beside Modbus on the same command Bus and event Bus: reads serve
// state.Store snapshots, writes become the same Command envelopes
// Modbus produces, and a WebSocket endpoint streams state-change
// Events (spec.md §4.8).
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agrid-dev/heatctld/internal/command"
	"github.com/agrid-dev/heatctld/internal/state"
)

// Server is the façade's single HTTP server for the whole fleet (not
// one per device).
type Server struct {
	store *state.Store
	bus   *command.Bus
	eb    *state.Bus

	srv *http.Server
}

// New builds a runnable Server bound to addr.
func New(store *state.Store, bus *command.Bus, eventBus *state.Bus, addr string) *Server {
	s := &Server{store: store, bus: bus, eb: eventBus}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/devices", s.handleListDevices)
	mux.HandleFunc("GET /v1/devices/{device_id}", s.handleGetDevice)
	mux.HandleFunc("POST /v1/devices/{device_id}/setpoint", s.handleSetpoint)
	mux.HandleFunc("POST /v1/devices/{device_id}/auto", s.handleAuto)
	mux.HandleFunc("POST /v1/devices/{device_id}/fan", s.handleFan)
	mux.HandleFunc("POST /v1/devices/{device_id}/emergency", s.handleEmergency)
	mux.HandleFunc("GET /v1/devices/{device_id}/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type snapshotDTO struct {
	DeviceID               string  `json:"device_id"`
	CurrentTemperature     float64 `json:"current_temperature"`
	SetpointTemperature    float64 `json:"setpoint_temperature"`
	FanOutput              float64 `json:"fan_output"`
	PidOutput              float64 `json:"pid_output"`
	ValveOpen              bool    `json:"valve_open"`
	AutoEnabled            bool    `json:"auto_enabled"`
	EmergencyStop          bool    `json:"emergency_stop"`
	IsWorking              bool    `json:"is_working"`
	IsOnline               bool    `json:"is_online"`
	Alarm                  bool    `json:"alarm"`
	TempSensorError        bool    `json:"temp_sensor_error"`
}

func toDTO(d state.DeviceState) snapshotDTO {
	return snapshotDTO{
		DeviceID:            d.DeviceID,
		CurrentTemperature:  d.CurrentTemperature,
		SetpointTemperature: d.SetpointTemperature,
		FanOutput:           d.FanOutput,
		PidOutput:           d.PidOutput,
		ValveOpen:           d.ValveState == state.ValveOpen,
		AutoEnabled:         d.AutoEnabled,
		EmergencyStop:       d.EmergencyStop,
		IsWorking:           d.IsWorking,
		IsOnline:            d.IsOnline,
		Alarm:               d.Alarm,
		TempSensorError:     d.TempSensorError,
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	all := s.store.All()
	dtos := make([]snapshotDTO, len(all))
	for i, d := range all {
		dtos[i] = toDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("device_id")
	d, err := s.store.Read(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDTO(d))
}

func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	s.dispatchValue(w, r, command.SetTemperature)
}

func (s *Server) handleFan(w http.ResponseWriter, r *http.Request) {
	s.dispatchValue(w, r, command.SetFanSpeed)
}

func (s *Server) handleAuto(w http.ResponseWriter, r *http.Request) {
	s.dispatchBool(w, r, command.EnableAuto, command.DisableAuto)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	s.dispatchBool(w, r, command.EmergencyStop, command.ResetEmergency)
}

func (s *Server) dispatchValue(w http.ResponseWriter, r *http.Request, kind command.Kind) {
	id := r.PathValue("device_id")
	var req struct {
		Value *float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing or invalid field 'value'")
		return
	}
	cmd := command.New(id, kind, command.SourceHTTP, *req.Value)
	s.reply(w, id, cmd)
}

func (s *Server) dispatchBool(w http.ResponseWriter, r *http.Request, onTrue, onFalse command.Kind) {
	id := r.PathValue("device_id")
	var req struct {
		Value *bool `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing or invalid field 'value'")
		return
	}
	kind := onFalse
	if *req.Value {
		kind = onTrue
	}
	s.reply(w, id, command.New(id, kind, command.SourceHTTP, 0))
}

func (s *Server) reply(w http.ResponseWriter, deviceID string, cmd command.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.SendWait(ctx, cmd); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.store.Read(deviceID)
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDTO(d))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": strings.TrimSpace(msg)})
}
