package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mixdeck/core/playback"
	"mixdeck/logger"

	"github.com/gorilla/mux"
)

// NewRouter 注册所有路由
func NewRouter(h *APIHandler) *mux.Router {
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/load", h.LoadHandler).Methods(http.MethodPost)
	api.HandleFunc("/snapshot", h.SnapshotHandler).Methods(http.MethodGet)
	api.HandleFunc("/diagnostics", h.DiagnosticsHandler).Methods(http.MethodGet)

	api.HandleFunc("/transport", h.TransportHandler).Methods(http.MethodGet)
	api.HandleFunc("/transport/seek", h.SeekHandler).Methods(http.MethodPost)
	api.HandleFunc("/transport/{command:play|pause|stop|toggle}", h.CommandHandler).Methods(http.MethodPost)

	api.HandleFunc("/tracks", h.TracksHandler).Methods(http.MethodGet)
	api.HandleFunc("/tracks/{id}/toggle", h.ToggleTrackHandler).Methods(http.MethodPost)
	api.HandleFunc("/tracks/{id}/volume", h.VolumeHandler).Methods(http.MethodPost)
	api.HandleFunc("/tracks/{id}/notes", h.NotesHandler).Methods(http.MethodGet)
	api.HandleFunc("/tracks/{id}/waveform", h.WaveformHandler).Methods(http.MethodGet)
	api.HandleFunc("/tracks/{id}/spectrum", h.SpectrumHandler).Methods(http.MethodGet)
	api.HandleFunc("/notes/bounds", h.PitchBoundsHandler).Methods(http.MethodGet)

	router.HandleFunc("/ws", h.WebSocketHandler)
	return router
}

// Server 控制 API 服务
type Server struct {
	http *http.Server
	hub  *Hub
	stop func()
}

// New 创建服务并把 Hub 挂到协调器上
func New(addr string, coord *playback.Coordinator) *Server {
	hub := NewHub()
	go hub.Run()
	unsubscribe := coord.Subscribe(hub.OnEvent)

	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(NewAPIHandler(coord, hub)),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		hub: hub,
		stop: func() {
			unsubscribe()
			hub.Stop()
		},
	}
}

// Run 启动服务，收到中断信号或 ctx 结束后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", logger.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.stop()
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.stop()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
