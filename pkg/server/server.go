// Package server exposes the bridge's HTTP API: gateway Modbus control and
// the latest local and cloud snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/sigenbridge/sigenbridge/pkg/gateway"
	"github.com/sigenbridge/sigenbridge/pkg/log"
	"github.com/sigenbridge/sigenbridge/pkg/poller"
	"github.com/sigenbridge/sigenbridge/pkg/types"
)

// LocalSource provides the latest gateway snapshot.
type LocalSource interface {
	Snapshot() poller.LocalSnapshot
}

// CloudSource provides the latest cloud snapshot.
type CloudSource interface {
	Snapshot() poller.CloudSnapshot
}

// ModbusController changes the gateway's Modbus TCP service.
type ModbusController interface {
	Status(ctx context.Context) (types.ModbusStatus, error)
	SetEnabled(ctx context.Context, enabled bool) error
	SetPort(ctx context.Context, port int) error
}

// Server handles the HTTP API for the bridge.
type Server struct {
	local LocalSource
	cloud CloudSource
	ctl   ModbusController

	listenAddr string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(local LocalSource, cloud CloudSource, ctl ModbusController) *Server {
	srv := &Server{
		local: local,
		cloud: cloud,
		ctl:   ctl,
	}

	listenAddr := lflag.String("http-listen", ":8081", "HTTP server listen address")
	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})
	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/modbus", s.handleGetModbus)
	mux.HandleFunc("POST /api/modbus", s.handleSetModbus)
	mux.HandleFunc("GET /api/energy", s.handleGetEnergy)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

type modbusResponse struct {
	Available bool       `json:"available"`
	Serial    string     `json:"serial,omitempty"`
	Enabled   bool       `json:"enabled"`
	Port      int        `json:"port"`
	Updated   *time.Time `json:"updated,omitempty"`
}

func (s *Server) handleGetModbus(w http.ResponseWriter, r *http.Request) {
	snap := s.local.Snapshot()
	res := modbusResponse{
		Available: snap.Available,
		Serial:    snap.Serial,
		Enabled:   snap.Status.Enabled,
		Port:      snap.Status.Port,
	}
	if !snap.Updated.IsZero() {
		res.Updated = &snap.Updated
	}
	writeJSON(w, res)
}

func (s *Server) handleSetModbus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
		Port    *int  `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Enabled == nil && req.Port == nil {
		writeJSONError(w, "must supply enabled and/or port", http.StatusBadRequest)
		return
	}
	if req.Port != nil && (*req.Port < 1 || *req.Port > 65535) {
		writeJSONError(w, "port must be between 1 and 65535", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.Port != nil {
		if err := s.ctl.SetPort(ctx, *req.Port); err != nil {
			s.writeGatewayError(w, r, err)
			return
		}
	}
	if req.Enabled != nil {
		if err := s.ctl.SetEnabled(ctx, *req.Enabled); err != nil {
			s.writeGatewayError(w, r, err)
			return
		}
	}

	st, err := s.ctl.Status(ctx)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, modbusResponse{
		Available: true,
		Enabled:   st.Enabled,
		Port:      st.Port,
	})
}

type energyResponse struct {
	Available bool       `json:"available"`
	State     string     `json:"credentialState"`
	Updated   *time.Time `json:"updated,omitempty"`

	BatterySOC     float64 `json:"batterySoc"`
	BatteryPowerKW float64 `json:"batteryPowerKw"`
	PVPowerKW      float64 `json:"pvPowerKw"`
	BuySellPowerKW float64 `json:"buySellPowerKw"`
	LoadPowerKW    float64 `json:"loadPowerKw"`

	DayGenerationKWH      float64 `json:"dayGenerationKwh"`
	MonthGenerationKWH    float64 `json:"monthGenerationKwh"`
	YearGenerationKWH     float64 `json:"yearGenerationKwh"`
	LifetimeGenerationKWH float64 `json:"lifetimeGenerationKwh"`
}

func (s *Server) handleGetEnergy(w http.ResponseWriter, r *http.Request) {
	snap := s.cloud.Snapshot()
	res := energyResponse{
		Available: snap.Available,
		State:     snap.State.String(),

		BatterySOC:     snap.Data.EnergyFlow.BatterySOC,
		BatteryPowerKW: types.PowerKW(snap.Data.EnergyFlow.BatteryPower),
		PVPowerKW:      types.PowerKW(snap.Data.EnergyFlow.PVPower),
		BuySellPowerKW: types.PowerKW(snap.Data.EnergyFlow.BuySellPower),
		LoadPowerKW:    types.PowerKW(snap.Data.EnergyFlow.LoadPower),

		DayGenerationKWH:      snap.Data.Statistics.Day,
		MonthGenerationKWH:    snap.Data.Statistics.Month,
		YearGenerationKWH:     snap.Data.Statistics.Year,
		LifetimeGenerationKWH: snap.Data.Statistics.Lifetime,
	}
	if !snap.Updated.IsZero() {
		res.Updated = &snap.Updated
	}
	writeJSON(w, res)
}

// writeGatewayError maps gateway errors to HTTP status codes.
func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	log.Ctx(r.Context()).WarnContext(r.Context(), "gateway request failed", slog.Any("error", err))

	var cmdErr *gateway.CommandError
	switch {
	case errors.Is(err, gateway.ErrCallPending):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, gateway.ErrNotConnected), errors.Is(err, gateway.ErrConnectionLost):
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, gateway.ErrTimeout):
		writeJSONError(w, err.Error(), http.StatusGatewayTimeout)
	case errors.As(err, &cmdErr):
		writeJSONError(w, err.Error(), http.StatusBadGateway)
	default:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}
