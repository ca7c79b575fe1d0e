package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/gigline/jobchat/internal/config"
	"github.com/gigline/jobchat/internal/store"
	"github.com/gigline/jobchat/internal/ws"
)

// JobChatApp is the thin HTTP surface around the realtime core: the
// websocket upgrade path, connect-token issuance and a stats endpoint.
// All business CRUD lives in the surrounding application.
type JobChatApp struct {
	log            *log.Logger
	db             store.Repository
	mux            *http.Server
	gateway        *ws.Gateway
	signingKey     []byte
	allowedOrigins []string
}

func NewJobChatApp(mux *http.ServeMux, logger *log.Logger, gateway *ws.Gateway, db store.Repository, cfg *config.Config) *JobChatApp {
	s := &JobChatApp{
		log:            logger,
		db:             db,
		gateway:        gateway,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/token", s.issueConnectToken)
	mux.HandleFunc("GET /api/stats", s.connectionStats)
	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *JobChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *JobChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
