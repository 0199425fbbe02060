package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"soundsync/core/coordinator"
	"soundsync/core/transfer"
	"soundsync/logger"

	"github.com/gorilla/mux"
)

// Options configures the control server.
type Options struct {
	Addr        string
	Coordinator *coordinator.Coordinator
	Guard       *transfer.Counter
	// MediaRoot is served under /media/ when set.
	MediaRoot       string
	Workers         int
	ShutdownTimeout time.Duration
}

// Server is the local control surface: REST routes, the websocket event
// stream and the media file server.
type Server struct {
	coord           *coordinator.Coordinator
	guard           *transfer.Counter
	hub             *Hub
	httpServer      *http.Server
	shutdownTimeout time.Duration

	mu   sync.Mutex
	addr net.Addr
}

// New builds a Server. Nothing listens until Run.
func New(opts Options) *Server {
	if opts.Guard == nil {
		opts.Guard = transfer.NewCounter()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	hub := NewHub()
	h := NewAPIHandler(opts.Coordinator, opts.Guard, hub, opts.Workers)

	return &Server{
		coord:           opts.Coordinator,
		guard:           opts.Guard,
		hub:             hub,
		shutdownTimeout: opts.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:        opts.Addr,
			Handler:     NewRouter(h, hub, opts.MediaRoot),
			ReadTimeout: 30 * time.Second,
			// downloads answer when the transfer ends
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the listening address once Run has started, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter registers every route.
func NewRouter(h *APIHandler, hub *Hub, mediaRoot string) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", h.StateHandler).Methods(http.MethodGet)
	api.HandleFunc("/sync", h.SyncHandler).Methods(http.MethodPost)
	api.HandleFunc("/sounds", h.ListSoundsHandler).Methods(http.MethodGet)
	api.HandleFunc("/sounds", h.DeleteAllHandler).Methods(http.MethodDelete)
	api.HandleFunc("/sounds/download-missing", h.DownloadMissingHandler).Methods(http.MethodPost)
	api.HandleFunc("/sounds/{position:[0-9]+}/download", h.DownloadHandler).Methods(http.MethodPost)
	api.HandleFunc("/sounds/{position:[0-9]+}", h.DeleteSoundHandler).Methods(http.MethodDelete)

	if hub != nil {
		router.HandleFunc("/ws", hub.ServeWS).Methods(http.MethodGet)
	}
	if mediaRoot != "" {
		router.PathPrefix("/media/").Handler(http.StripPrefix("/media/", http.FileServer(http.Dir(mediaRoot))))
	}
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully: open
// requests drain and in-flight transfers finish before Run returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	go s.hub.Run()
	defer s.hub.Stop()
	if s.coord != nil {
		unsubscribe := s.coord.Subscribe(s.hub)
		defer unsubscribe()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control server listening", logger.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down control server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", logger.ErrorField(err))
	}
	if err := s.guard.Wait(shutdownCtx); err != nil {
		logger.Warn("transfers still running at shutdown", logger.Int("active", s.guard.Active()))
		return fmt.Errorf("waiting for transfers: %w", err)
	}
	logger.Info("control server stopped")
	return nil
}
