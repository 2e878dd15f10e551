package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/teamdocs/coedit-api/common/config"
	"github.com/teamdocs/coedit-api/database"
	"github.com/teamdocs/coedit-api/session"
)

var (
	store    *database.Store
	registry *session.Registry
)

func main() {
	cfg := config.Load()

	if err := database.Init(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
		log.Fatal().Err(err).Msg("could not connect to redis")
	}
	store = database.NewStore(database.Database())

	registry = session.NewRegistry(store, session.Config{
		CheckpointOps:      cfg.CheckpointOps,
		CheckpointInterval: cfg.CheckpointInterval,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		RemovalGrace:       cfg.RemovalGrace,
		MaxParticipants:    cfg.MaxParticipants,
		MaxPendingOps:      cfg.MaxPendingOps,
		MailboxSize:        cfg.MailboxSize,
		SubmitTimeout:      cfg.SubmitTimeout,
	}, cfg.SessionIdleGrace)
	registry.Start()

	r := gin.Default()

	v1 := r.Group("/api/v1")
	v1.POST("/auth", handleAuth)
	v1.GET("/documents", handleGetDocuments)
	v1.POST("/documents/create", handleCreateDocument)
	v1.DELETE("/documents/:id", handleDeleteDocument)

	v1.GET("/documents/:id", handleSocket)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("could not start server")
		}
	}()
	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	// Closing checkpoints for every live session before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	registry.Shutdown(shutdownCtx)
	srv.Shutdown(shutdownCtx)
	log.Info().Msg("server stopped")
}
