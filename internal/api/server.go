package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aoidash/internal/config"
	"aoidash/internal/dashboard"
	"aoidash/internal/hub"
	"aoidash/internal/images"
)

type Server struct {
	cfg     *config.Manager
	engine  *dashboard.Engine
	hub     *hub.Hub
	images  *images.Resolver
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string `json:"status"`
	Time       string `json:"time"`
	Version    string `json:"version"`
	ConfigPath string `json:"config_path"`
	Lines      int    `json:"lines"`
	SSEClients int    `json:"sse_clients"`
	Poll       string `json:"poll_interval"`
	Storage    string `json:"storage_driver"`
}

func Start(ctx context.Context, cfg *config.Manager, engine *dashboard.Engine,
	eventHub *hub.Hub, resolver *images.Resolver, logger *slog.Logger, version string) *http.Server {
	current := cfg.Get()
	if logger != nil {
		logger.Info("api listening", "addr", current.API.Addr)
	}
	server := &Server{
		cfg:     cfg,
		engine:  engine,
		hub:     eventHub,
		images:  resolver,
		logger:  logger,
		version: version,
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/dashboard", server.handleDashboard)
	apiMux.Handle("/api/events", eventHub)
	apiMux.Handle("/api/image", resolver)
	apiMux.HandleFunc("/api/status", server.handleStatus)
	apiMux.HandleFunc("/api/", server.handleNotFound)

	var apiHandler http.Handler = apiMux
	if rl := current.API.RateLimit; rl.Enabled {
		apiHandler = NewRateLimiter(rl.Window, rl.MaxRequests).Middleware(apiHandler)
	}
	apiHandler = withCORS(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if dir := current.API.StaticDir; dir != "" {
		mux.Handle("/", staticHandler(dir))
	}

	httpServer := &http.Server{Addr: current.API.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	lines, err := s.engine.Dashboard(r.Context())
	if err != nil {
		if s.logger != nil {
			s.logger.Error("dashboard request failed", "err", err)
		}
		msg := "Internal Server Error"
		if !s.cfg.Get().IsProduction() {
			msg = "API Error: " + err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Lines:      cfg.Lines,
		SSEClients: s.hub.ClientCount(),
		Poll:       cfg.Poll.Interval.String(),
		Storage:    cfg.Storage.Driver,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not Found"})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// staticHandler serves the built frontend, falling back to index.html so
// client-side routes survive a refresh.
func staticHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
