package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"bq76-utils/src/server"
	"bq76-utils/src/server/bq76"
	"bq76-utils/src/server/config"
	"bq76-utils/src/server/mirror"
	"bq76-utils/src/server/monitor"
	"bq76-utils/src/server/tcp"
	"bq76-utils/src/server/util"

	"github.com/gorilla/mux"
)

const version = "1.0.0"

type App struct {
	mgr       *monitor.Manager
	tcpServer *tcp.TCPServer
	mirror    *mirror.Publisher
	metrics   *monitor.Metrics
	logger    *slog.Logger
	started   time.Time
}

func NewApp(cfg config.Config, logger *slog.Logger) *App {
	metrics := monitor.NewMetrics()
	mgr := monitor.InitializeManager(cfg, logger, metrics)
	app := newApp(mgr, metrics, logger)

	if cfg.Mirror.Enabled {
		app.mirror = mirror.NewPublisher(mirror.Config{
			Mode:         cfg.Mirror.Mode,
			Address:      cfg.Mirror.Address,
			SlaveID:      cfg.Mirror.SlaveID,
			BaseRegister: cfg.Mirror.BaseRegister,
			Baud:         cfg.Mirror.Baud,
			Timeout:      cfg.Mirror.Timeout,
		}, logger.With("component", "mirror"))
		mgr.AddPublisher(app.mirror)
	}

	app.tcpServer = tcp.NewTCPServer(strconv.Itoa(cfg.TCP.Port), mgr, version, cfg.InstanceID,
		cfg.TCP.ServeExternally, logger.With("component", "tcp"))
	if err := app.tcpServer.Start(); err != nil {
		log.Printf("Warning: Failed to start TCP server: %v", err)
	}
	return app
}

func newApp(mgr *monitor.Manager, metrics *monitor.Metrics, logger *slog.Logger) *App {
	return &App{
		mgr:     mgr,
		metrics: metrics,
		logger:  logger,
		started: time.Now(),
	}
}

func (app *App) Close() {
	app.mgr.StopCycle()
	if app.tcpServer != nil {
		app.tcpServer.Stop()
	}
	if err := app.mgr.Disconnect(); err != nil {
		log.Printf("disconnect: %v", err)
	}
	if app.mirror != nil {
		app.mirror.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps device errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, bq76.ErrInvalidThreshold), errors.Is(err, bq76.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, bq76.ErrNoDeviceFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrNotConnected), errors.Is(err, monitor.ErrAddressUnknown):
		return http.StatusConflict
	case errors.Is(err, bq76.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bq76.ErrCrcMismatch), errors.Is(err, bq76.ErrWriteVerifyMismatch),
		errors.Is(err, bq76.ErrConnection):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return false
	}
	return true
}

// respond writes the snapshot returned by a device operation.
func respond(w http.ResponseWriter, snap monitor.Snapshot, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// guardWrites refuses device changes while the TCP automation client is
// in control.
func (app *App) guardWrites(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if app.tcpServer != nil && app.tcpServer.IsConnected() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "TCP client is connected, frontend controls are disabled",
			})
			return
		}
		next(w, r)
	}
}

func (app *App) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "bq76-api"})
}

func (app *App) systemHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, server.GetSystemInfo(version, app.started))
}

func (app *App) portsHandler(w http.ResponseWriter, r *http.Request) {
	ports, err := server.ListSerialPorts()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

func (app *App) getDeviceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":     app.mgr.Snapshot(),
		"tcpConnected": app.tcpServer != nil && app.tcpServer.IsConnected(),
	})
}

func (app *App) connectHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port string `json:"port"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	port := req.Port
	if port == "" {
		port = util.Lookup(monitor.PortEnvKey, config.GetConfig().Serial.Port)
	}

	snap, err := app.mgr.Connect(port)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Port != "" {
		if err := config.Update(func(c *config.Config) { c.Serial.Port = req.Port }); err != nil {
			app.logger.Warn("saving serial port failed", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (app *App) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.mgr.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (app *App) refreshHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := app.mgr.Refresh()
	respond(w, snap, err)
}

func (app *App) rescanHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := app.mgr.Rescan()
	respond(w, snap, err)
}

func (app *App) registersHandler(w http.ResponseWriter, r *http.Request) {
	data, err := app.mgr.DumpRegisters()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":   app.mgr.Snapshot().Device.Address,
		"registers": hex.EncodeToString(data),
	})
}

func (app *App) thresholdsHandler(w http.ResponseWriter, r *http.Request) {
	snap := app.mgr.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"ov":       snap.OV,
		"uv":       snap.UV,
		"ot":       snap.OT,
		"otLevels": bq76.OTLevels(),
	})
}

func (app *App) setVoltageThresholdHandler(set func(float64) (monitor.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Volts *float64 `json:"volts"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Volts == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "volts is required"})
			return
		}
		snap, err := set(*req.Volts)
		respond(w, snap, err)
	}
}

func (app *App) setOTThresholdHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Celsius int `json:"celsius"`
		Sensor  int `json:"sensor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := app.mgr.SetOTThreshold(req.Celsius, req.Sensor)
	respond(w, snap, err)
}

func (app *App) setAddressHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address *int `json:"address"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Address == nil || *req.Address < 0 || *req.Address > int(bq76.MaxAddress) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address must be 0..62"})
		return
	}
	snap, err := app.mgr.SetAddress(bq76.Address(*req.Address))
	respond(w, snap, err)
}

func (app *App) resetHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := app.mgr.Reset()
	respond(w, snap, err)
}

func (app *App) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", app.rootHandler).Methods("GET")
	r.HandleFunc("/api/system", app.systemHandler).Methods("GET")
	r.HandleFunc("/api/ports", app.portsHandler).Methods("GET")

	api := r.PathPrefix("/api/bq76").Subrouter()
	api.HandleFunc("", app.getDeviceHandler).Methods("GET")
	api.HandleFunc("/connect", app.guardWrites(app.connectHandler)).Methods("POST")
	api.HandleFunc("/disconnect", app.guardWrites(app.disconnectHandler)).Methods("POST")
	api.HandleFunc("/refresh", app.refreshHandler).Methods("POST")
	api.HandleFunc("/rescan", app.rescanHandler).Methods("POST")
	api.HandleFunc("/registers", app.registersHandler).Methods("GET")
	api.HandleFunc("/thresholds", app.thresholdsHandler).Methods("GET")
	api.HandleFunc("/thresholds/ov", app.guardWrites(app.setVoltageThresholdHandler(app.mgr.SetOVThreshold))).Methods("POST")
	api.HandleFunc("/thresholds/uv", app.guardWrites(app.setVoltageThresholdHandler(app.mgr.SetUVThreshold))).Methods("POST")
	api.HandleFunc("/thresholds/ot", app.guardWrites(app.setOTThresholdHandler)).Methods("POST")
	api.HandleFunc("/address", app.guardWrites(app.setAddressHandler)).Methods("POST")
	api.HandleFunc("/reset", app.guardWrites(app.resetHandler)).Methods("POST")

	r.Handle("/metrics", app.metrics.Handler()).Methods("GET")
	return r
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	os.Args[0] = "bq76-utils"

	cfg := config.GetConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	app := NewApp(cfg, logger)
	srv := &http.Server{Addr: cfg.HTTP.Listen, Handler: app.router()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("BQ76 Utils (bq76 API) starting on %s", cfg.HTTP.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	app.Close()
	log.Printf("BQ76 Utils stopped")
}
